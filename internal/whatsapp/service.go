package whatsapp

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asaskevich/EventBus"
	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"github.com/talkincode/wasessiond/internal/app"
	"github.com/talkincode/wasessiond/internal/domain"
	"github.com/talkincode/wasessiond/internal/repository"
	"github.com/talkincode/wasessiond/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	MetricActiveSessions  = "whatsapp_active_sessions"
	MetricPendingPairings = "whatsapp_pending_pairings"
	pairingRequestTimeout = 30 * time.Second
)

// Options wires a Service. Repo, Connector and Credentials are required.
type Options struct {
	Repo            repository.WhatsAppRepository
	Connector       Connector
	Credentials     CredentialStore
	Versions        VersionSource
	Bus             EventBus.Bus
	PairingSettle   time.Duration
	HandoffSettle   time.Duration
	PairingTimeout  time.Duration
	RecoveryWorkers int
}

// Service orchestrates pairing flows and final sessions for every tenant phone number.
type Service struct {
	repo      repository.WhatsAppRepository
	connector Connector
	creds     CredentialStore
	versions  VersionSource
	bus       EventBus.Bus
	registry  *Registry
	presence  *PresenceSync

	pairingSettle   time.Duration
	handoffSettle   time.Duration
	pairingTimeout  time.Duration
	recoveryWorkers int

	flights singleflight.Group
	setupMu sync.Mutex

	pairMu    sync.Mutex
	pairings  map[string]*pairingFlow
	lastFlows map[string]*pairingFlow

	baseCtx    context.Context
	cancel     context.CancelFunc
	tasks      sync.WaitGroup
	tasksMu    sync.Mutex
	closing    bool
	recovering atomic.Bool
}

func NewService(opts Options) (*Service, error) {
	if opts.Repo == nil || opts.Connector == nil || opts.Credentials == nil {
		return nil, errors.New("whatsapp: repository, connector and credential store are required")
	}
	if opts.Versions == nil {
		opts.Versions = &VersionResolver{}
	}
	if opts.Bus == nil {
		opts.Bus = NewBus()
	}
	if opts.RecoveryWorkers <= 0 {
		opts.RecoveryWorkers = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		repo:            opts.Repo,
		connector:       opts.Connector,
		creds:           opts.Credentials,
		versions:        opts.Versions,
		bus:             opts.Bus,
		registry:        NewRegistry(),
		presence:        NewPresenceSync(opts.Repo),
		pairingSettle:   opts.PairingSettle,
		handoffSettle:   opts.HandoffSettle,
		pairingTimeout:  opts.PairingTimeout,
		recoveryWorkers: opts.RecoveryWorkers,
		pairings:        make(map[string]*pairingFlow),
		lastFlows:       make(map[string]*pairingFlow),
		baseCtx:         ctx,
		cancel:          cancel,
	}
	if err := s.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Service) subscribe() error {
	if err := s.bus.Subscribe(TopicPresence, func(owner string, evt PresenceChanged) {
		s.presence.RecordPresence(s.baseCtx, owner, evt)
	}); err != nil {
		return errors.Wrap(err, "subscribe presence")
	}
	if err := s.bus.Subscribe(TopicSessionOpen, func(phone, jid string) {
		s.reportSessions()
	}); err != nil {
		return errors.Wrap(err, "subscribe session open")
	}
	if err := s.bus.Subscribe(TopicSessionClosed, func(phone string, reason CloseReason) {
		s.reportSessions()
	}); err != nil {
		return errors.Wrap(err, "subscribe session closed")
	}
	return nil
}

func (s *Service) reportSessions() {
	metrics.SetGauge(MetricActiveSessions, int64(s.registry.Len()))
}

// Bus exposes the lifecycle event bus for additional subscribers.
func (s *Service) Bus() EventBus.Bus {
	return s.bus
}

// New builds the service from the application context, registers the login
// reconcile job and publishes it as the global instance.
func New(a app.AppContext) (*Service, error) {
	cfg := a.Config()
	creds := NewFileCredentialStore(cfg.GetAuthDir())
	connector := NewWhatsmeowConnector(creds, cfg.WhatsApp.ClientName)

	if cfg.WhatsApp.Version != "" {
		if _, err := ParseClientVersion(cfg.WhatsApp.Version); err != nil {
			return nil, errors.Wrap(err, "whatsapp.version")
		}
	}
	resolver := &VersionResolver{
		URL:      cfg.WhatsApp.VersionURL,
		Static:   cfg.WhatsApp.Version,
		Fallback: connector.DefaultVersion(),
	}

	svc, err := NewService(Options{
		Repo:            repository.NewGormWhatsAppRepository(a.DB()),
		Connector:       connector,
		Credentials:     creds,
		Versions:        resolver,
		PairingSettle:   cfg.WhatsApp.PairingSettle,
		HandoffSettle:   cfg.WhatsApp.HandoffSettle,
		PairingTimeout:  cfg.WhatsApp.PairingTimeout,
		RecoveryWorkers: cfg.WhatsApp.RecoveryWorkers,
	})
	if err != nil {
		return nil, err
	}

	if sched := a.Scheduler(); sched != nil && cfg.WhatsApp.ReconcileSpec != "" {
		_, err := sched.AddFunc(cfg.WhatsApp.ReconcileSpec, func() {
			ctx, cancel := context.WithTimeout(svc.baseCtx, 30*time.Second)
			defer cancel()
			if _, err := svc.ReconcileLoginStates(ctx); err != nil {
				zap.L().Error("whatsapp: login reconcile failed", zap.Error(err))
			}
		})
		if err != nil {
			return nil, errors.Wrap(err, "schedule login reconcile")
		}
	}

	a.RegisterGauge(MetricActiveSessions, func() int64 { return int64(svc.registry.Len()) })
	a.RegisterGauge(MetricPendingPairings, func() int64 { return int64(svc.Status().PendingPairings) })

	setGlobalService(svc)
	zap.L().Info("whatsapp: service ready", zap.String("auth_dir", cfg.GetAuthDir()))
	return svc, nil
}

// PairingResult is returned by BeginPairing.
type PairingResult struct {
	PairingCode       string `json:"pairingCode"`
	PhoneNumberPaired string `json:"phoneNumberPaired"`
}

// BeginPairing binds phone to deviceID, resets its credentials and returns a
// fresh pairing code. Identical concurrent requests share one flow.
func (s *Service) BeginPairing(ctx context.Context, rawPhone, deviceID string) (*PairingResult, error) {
	phone := NormalizePhone(rawPhone)
	deviceID = strings.TrimSpace(deviceID)
	if phone == "" || deviceID == "" {
		return nil, errors.Wrap(domain.ErrValidation, "phone number and device id are required")
	}
	v, err, shared := s.flights.Do(phone+"|"+deviceID, func() (interface{}, error) {
		// shared by every collapsed caller
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.pairingSettle+pairingRequestTimeout)
		defer cancel()
		return s.beginPairing(fctx, phone, deviceID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		zap.L().Debug("whatsapp: pairing request collapsed", zap.String("phone", phone), zap.String("device_id", deviceID))
	}
	return v.(*PairingResult), nil
}

func (s *Service) beginPairing(ctx context.Context, phone, deviceID string) (*PairingResult, error) {
	s.setupMu.Lock()
	_, oldPhone, err := s.repo.UpsertUserForPairing(ctx, deviceID, phone)
	if err != nil {
		s.setupMu.Unlock()
		return nil, err
	}
	if oldPhone != "" && oldPhone != phone {
		zap.L().Info("whatsapp: device switched phone number",
			zap.String("device_id", deviceID), zap.String("old_phone", oldPhone), zap.String("phone", phone))
		s.releasePhone(ctx, oldPhone)
	}

	s.abortPairing(phone)
	if old := s.registry.Take(phone); old != nil {
		old.Close(CloseSuperseded)
		s.reportSessions()
	}
	if err := s.creds.Reset(phone); err != nil {
		s.setupMu.Unlock()
		return nil, errors.Wrapf(domain.ErrPairingRequestFailed, "reset credentials: %v", err)
	}

	flow := newPairingFlow(s, phone, deviceID)
	s.pairMu.Lock()
	s.pairings[phone] = flow
	s.lastFlows[phone] = flow
	s.pairMu.Unlock()
	s.setupMu.Unlock()

	code, err := flow.start(ctx)
	if err != nil {
		return nil, err
	}
	return &PairingResult{PairingCode: code, PhoneNumberPaired: phone}, nil
}

// releasePhone logs out and forgets a number the device no longer uses.
func (s *Service) releasePhone(ctx context.Context, phone string) {
	s.abortPairing(phone)
	if old := s.registry.Take(phone); old != nil {
		if err := old.Logout(ctx); err != nil {
			zap.L().Warn("whatsapp: logout of previous number failed",
				zap.String("phone", phone), zap.Error(errors.Wrapf(domain.ErrLogoutFailed, "%v", err)))
		}
		old.Close(CloseDeviceSwitch)
		s.reportSessions()
	}
	if err := s.creds.Remove(phone); err != nil {
		zap.L().Warn("whatsapp: failed to remove credentials of previous number", zap.String("phone", phone), zap.Error(err))
	}
}

func (s *Service) abortPairing(phone string) {
	s.pairMu.Lock()
	f := s.pairings[phone]
	delete(s.pairings, phone)
	s.pairMu.Unlock()
	if f != nil {
		f.abort()
	}
}

func (s *Service) clearPairing(phone string, f *pairingFlow) {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	if s.pairings[phone] == f {
		delete(s.pairings, phone)
	}
}

func (s *Service) pendingPairing(phone string) bool {
	s.pairMu.Lock()
	defer s.pairMu.Unlock()
	_, ok := s.pairings[phone]
	return ok
}

// PairingState reports the state of the latest pairing flow of phone.
func (s *Service) PairingState(rawPhone string) (PairingState, bool) {
	s.pairMu.Lock()
	f := s.lastFlows[NormalizePhone(rawPhone)]
	s.pairMu.Unlock()
	if f == nil {
		return PairingIdle, false
	}
	return f.State(), true
}

// PairingHistory returns every state the latest pairing flow of phone went through.
func (s *Service) PairingHistory(rawPhone string) []PairingState {
	s.pairMu.Lock()
	f := s.lastFlows[NormalizePhone(rawPhone)]
	s.pairMu.Unlock()
	if f == nil {
		return nil
	}
	return f.History()
}

// WaitPairing blocks until the latest pairing flow of phone is terminal.
func (s *Service) WaitPairing(ctx context.Context, rawPhone string) (PairingState, error) {
	s.pairMu.Lock()
	f := s.lastFlows[NormalizePhone(rawPhone)]
	s.pairMu.Unlock()
	if f == nil {
		return PairingIdle, errors.Wrap(domain.ErrNotFound, "no pairing flow")
	}
	return f.Wait(ctx)
}

// LoginStatus is the persisted and live state of one phone number.
type LoginStatus struct {
	PhoneNumber     string `json:"phoneNumber"`
	DeviceID        string `json:"deviceId"`
	IsLoggedIn      bool   `json:"isLoggedIn"`
	IsActiveSession bool   `json:"isActiveSession"`
	Jid             string `json:"jid,omitempty"`
}

func (s *Service) LoginStatus(ctx context.Context, rawPhone string) (*LoginStatus, error) {
	phone := NormalizePhone(rawPhone)
	if phone == "" {
		return nil, errors.Wrap(domain.ErrValidation, "invalid phone number")
	}
	user, err := s.repo.GetUserByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	st := &LoginStatus{
		PhoneNumber: phone,
		DeviceID:    user.DeviceID,
		IsLoggedIn:  user.IsLoggedIn,
		Jid:         user.Jid(),
	}
	if conn, ok := s.registry.Get(phone); ok {
		st.IsActiveSession = conn.IsOpen() && conn.JID() != ""
	}
	return st, nil
}

// DeviceSession is the session bound to a device id.
type DeviceSession struct {
	DeviceID    string `json:"deviceId"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
	IsLoggedIn  bool   `json:"isLoggedIn"`
	Jid         string `json:"jid,omitempty"`
}

// SessionByDevice reports the session of deviceID. A row claiming a login
// without a live handle or pending pairing is corrected to logged out.
func (s *Service) SessionByDevice(ctx context.Context, deviceID string) (*DeviceSession, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, errors.Wrap(domain.ErrValidation, "device id is required")
	}
	user, err := s.repo.GetUserByDevice(ctx, deviceID)
	if errors.Is(err, domain.ErrNotFound) {
		return &DeviceSession{DeviceID: deviceID}, nil
	}
	if err != nil {
		return nil, err
	}
	ds := &DeviceSession{DeviceID: deviceID, PhoneNumber: user.Phone()}
	if !user.IsLoggedIn || ds.PhoneNumber == "" {
		return ds, nil
	}
	if conn, ok := s.registry.Get(ds.PhoneNumber); ok && conn.IsOpen() {
		ds.IsLoggedIn = true
		ds.Jid = user.Jid()
		if ds.Jid == "" {
			ds.Jid = conn.JID()
		}
		return ds, nil
	}
	if s.pendingPairing(ds.PhoneNumber) {
		return ds, nil
	}
	zap.L().Info("whatsapp: correcting stale login state", zap.String("device_id", deviceID), zap.String("phone", ds.PhoneNumber))
	if err := s.repo.UpdateLoginStatus(ctx, ds.PhoneNumber, false, ""); err != nil {
		return nil, err
	}
	return ds, nil
}

// AddMonitor subscribes the live session of owner to contact and stores the
// monitoring row. owner is a phone number or the owner's user JID.
func (s *Service) AddMonitor(ctx context.Context, owner, contact string, displayName *string) (*MonitorResult, error) {
	phone := JIDUser(NormalizeUserJID(owner))
	contact = strings.TrimSpace(contact)
	if phone == "" || contact == "" {
		return nil, errors.Wrap(domain.ErrValidation, "owner phone number and number to monitor are required")
	}
	conn, ok := s.registry.Get(phone)
	if !ok || !conn.IsOpen() || conn.JID() == "" {
		return nil, errors.Wrapf(domain.ErrSessionInactive, "no active session for %s", phone)
	}
	ownerJid := NormalizeUserJID(conn.JID())
	if JIDUser(ownerJid) != phone {
		return nil, errors.Wrapf(domain.ErrSessionInactive, "session identity %s does not match %s", ownerJid, phone)
	}
	if displayName != nil && strings.TrimSpace(*displayName) == "" {
		displayName = nil
	}
	return s.presence.AddMonitor(ctx, ownerJid, conn, contact, displayName)
}

// MonitoredView is the listing shape of a monitored contact.
type MonitoredView struct {
	ID            string `json:"id"`
	DisplayNumber string `json:"displayNumber"`
	Jid           string `json:"jid"`
	IsOnline      bool   `json:"isOnline"`
}

func (s *Service) ListMonitored(ctx context.Context, ownerJid string) ([]MonitoredView, error) {
	owner := NormalizeUserJID(ownerJid)
	if owner == "" {
		return nil, errors.Wrap(domain.ErrValidation, "invalid owner identity")
	}
	rows, err := s.repo.ListMonitoredByOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	views := make([]MonitoredView, 0, len(rows))
	for _, row := range rows {
		display := JIDUser(row.MonitoredJid)
		if row.DisplayName != nil && *row.DisplayName != "" {
			display = *row.DisplayName
		}
		views = append(views, MonitoredView{
			ID:            cast.ToString(row.ID),
			DisplayNumber: display,
			Jid:           row.MonitoredJid,
			IsOnline:      row.IsOnline(),
		})
	}
	return views, nil
}

// Status summarises the in-memory session state.
type Status struct {
	ActiveSessions    int      `json:"activeSessions"`
	ActiveSessionKeys []string `json:"activeSessionKeys"`
	PendingPairings   int      `json:"pendingPairings"`
}

func (s *Service) Status() Status {
	s.pairMu.Lock()
	pending := len(s.pairings)
	s.pairMu.Unlock()
	keys := s.registry.Keys()
	return Status{ActiveSessions: len(keys), ActiveSessionKeys: keys, PendingPairings: pending}
}

func (s *Service) Snapshot(ctx context.Context) (*repository.Snapshot, error) {
	return s.repo.Snapshot(ctx)
}

// ReconcileLoginStates marks users logged out when neither a live session nor
// a pairing flow exists for their number. It is a no-op while recovery runs.
func (s *Service) ReconcileLoginStates(ctx context.Context) (int, error) {
	if s.recovering.Load() {
		return 0, nil
	}
	users, err := s.repo.ListLoggedInUsers(ctx)
	if err != nil {
		return 0, err
	}
	corrected := 0
	for _, user := range users {
		phone := user.Phone()
		// a registered handle may be reconnecting on its own
		if _, ok := s.registry.Get(phone); ok {
			continue
		}
		if s.pendingPairing(phone) {
			continue
		}
		if err := s.repo.UpdateLoginStatus(ctx, phone, false, ""); err != nil {
			return corrected, err
		}
		corrected++
	}
	if corrected > 0 {
		zap.L().Info("whatsapp: corrected stale login states", zap.Int("count", corrected))
	}
	s.reportSessions()
	return corrected, nil
}

// goTask runs fn as a tracked background task. It reports false once the
// service is shutting down.
func (s *Service) goTask(fn func()) bool {
	s.tasksMu.Lock()
	if s.closing {
		s.tasksMu.Unlock()
		return false
	}
	s.tasks.Add(1)
	s.tasksMu.Unlock()
	go func() {
		defer s.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("whatsapp: background task panic", zap.Any("panic", r))
			}
		}()
		fn()
	}()
	return true
}

// WaitIdle blocks until all background tasks finished.
func (s *Service) WaitIdle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown aborts pairing flows and closes every session without touching the
// persisted login state, so the next start recovers them.
func (s *Service) Shutdown(ctx context.Context) error {
	s.tasksMu.Lock()
	s.closing = true
	s.tasksMu.Unlock()
	s.cancel()

	s.pairMu.Lock()
	flows := make([]*pairingFlow, 0, len(s.pairings))
	for _, f := range s.pairings {
		flows = append(flows, f)
	}
	s.pairings = make(map[string]*pairingFlow)
	s.pairMu.Unlock()
	for _, f := range flows {
		f.abort()
	}

	n := s.registry.CloseAll(CloseShutdown)
	zap.L().Info("whatsapp: sessions closed", zap.Int("count", n))
	s.reportSessions()
	return s.WaitIdle(ctx)
}

// package-level global reference for the running service instance
var (
	globalSvc     *Service
	globalSvcLock sync.RWMutex
)

func setGlobalService(s *Service) {
	globalSvcLock.Lock()
	defer globalSvcLock.Unlock()
	globalSvc = s
}

// Get returns the running service instance or nil if not initialized.
func Get() *Service {
	globalSvcLock.RLock()
	defer globalSvcLock.RUnlock()
	return globalSvc
}
