package whatsapp

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/talkincode/wasessiond/internal/domain"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"go.uber.org/zap"
)

// WhatsmeowConnector opens whatsmeow clients, each backed by a sqlite device
// store inside the credential directory of its phone number.
type WhatsmeowConnector struct {
	creds          CredentialStore
	clientName     string
	defaultVersion ClientVersion

	versionMu  sync.Mutex
	applied    ClientVersion
	setVersion func(ClientVersion)
}

var _ Connector = (*WhatsmeowConnector)(nil)

func NewWhatsmeowConnector(creds CredentialStore, clientName string) *WhatsmeowConnector {
	if clientName == "" {
		clientName = "Chrome (Linux)"
	}
	builtin := ClientVersion(store.GetWAVersion())
	return &WhatsmeowConnector{
		creds:          creds,
		clientName:     clientName,
		defaultVersion: builtin,
		applied:        builtin,
		setVersion:     setWAVersion,
	}
}

func setWAVersion(v ClientVersion) {
	store.SetWAVersion(store.WAVersionContainer(v))
}

// applyVersion updates whatsmeow's process-wide client version. The global is
// written only when the resolved version changes.
func (w *WhatsmeowConnector) applyVersion(v ClientVersion) {
	if v.IsZero() {
		return
	}
	w.versionMu.Lock()
	defer w.versionMu.Unlock()
	if v == w.applied {
		return
	}
	w.setVersion(v)
	w.applied = v
}

// DefaultVersion is the client version built into whatsmeow.
func (w *WhatsmeowConnector) DefaultVersion() ClientVersion {
	return w.defaultVersion
}

func (w *WhatsmeowConnector) Open(ctx context.Context, req OpenRequest, handler EventHandler) (Conn, error) {
	phone := NormalizePhone(req.PhoneNumber)
	if phone == "" {
		return nil, errors.New("empty phone number")
	}
	dir := w.creds.Dir(phone)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	dsn := "file:" + filepath.Join(dir, "device.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open device store")
	}
	container := sqlstore.NewWithDB(db, "sqlite3", newWaLogger("store", phone))
	if err := container.Upgrade(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "upgrade device store")
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "load device")
	}
	w.applyVersion(req.Version)

	client := whatsmeow.NewClient(device, newWaLogger("client", phone))
	client.EnableAutoReconnect = req.AutoReconnect
	c := &whatsmeowConn{
		phone:         phone,
		clientName:    w.clientName,
		client:        client,
		db:            db,
		handler:       handler,
		autoReconnect: req.AutoReconnect,
	}
	c.handlerID = client.AddEventHandler(c.dispatch)

	if device.ID == nil && !req.Pairing {
		// unregistered material, the caller decides what to do with it
		return c, nil
	}
	if err := client.Connect(); err != nil {
		c.teardown()
		return nil, errors.Wrap(err, "connect")
	}
	return c, nil
}

type whatsmeowConn struct {
	phone         string
	clientName    string
	client        *whatsmeow.Client
	db            *sql.DB
	handler       EventHandler
	handlerID     uint32
	autoReconnect bool

	mu     sync.Mutex
	open   bool
	closed bool
}

func (c *whatsmeowConn) PhoneNumber() string { return c.phone }

func (c *whatsmeowConn) Registered() bool {
	return c.client.Store.ID != nil
}

func (c *whatsmeowConn) JID() string {
	id := c.client.Store.ID
	if id == nil {
		return ""
	}
	return id.ToNonAD().String()
}

func (c *whatsmeowConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed && c.client.IsConnected()
}

func (c *whatsmeowConn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	return c.client.PairPhone(ctx, NormalizePhone(phone), true, whatsmeow.PairClientChrome, c.clientName)
}

func (c *whatsmeowConn) Logout(ctx context.Context) error {
	if err := c.client.Logout(ctx); err != nil {
		return err
	}
	c.Close(CloseLoggedOut)
	return nil
}

func (c *whatsmeowConn) Close(reason CloseReason) {
	if !c.markClosed() {
		return
	}
	c.teardown()
	c.handler(ConnectionStateChanged{State: StateClosed, Reason: reason})
}

func (c *whatsmeowConn) SubscribePresence(ctx context.Context, jid string) error {
	target, err := types.ParseJID(jid)
	if err != nil {
		return errors.Wrapf(err, "parse %s", jid)
	}
	return c.client.SubscribePresence(ctx, target)
}

func (c *whatsmeowConn) LookupExistence(ctx context.Context, contact string) (Existence, error) {
	query := contact
	if strings.Contains(contact, "@") {
		jid, err := types.ParseJID(contact)
		if err != nil {
			return Existence{}, errors.Wrapf(err, "parse %s", contact)
		}
		if jid.Server != types.DefaultUserServer {
			// groups, broadcasts and hidden identities are not phone lookups
			return Existence{Exists: true, JID: jid.String()}, nil
		}
		query = jid.User
	}
	digits := NormalizePhone(query)
	if digits == "" {
		return Existence{}, nil
	}
	resp, err := c.client.IsOnWhatsApp(ctx, []string{"+" + digits})
	if err != nil {
		return Existence{}, err
	}
	for _, r := range resp {
		if r.IsIn {
			return Existence{Exists: true, JID: r.JID.ToNonAD().String()}, nil
		}
	}
	return Existence{}, nil
}

func (c *whatsmeowConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.open = false
	return true
}

func (c *whatsmeowConn) teardown() {
	c.client.RemoveEventHandler(c.handlerID)
	c.client.Disconnect()
	if err := c.db.Close(); err != nil {
		zap.L().Warn("whatsapp: close device store", zap.String("phone", c.phone), zap.Error(err))
	}
}

// closeFromEvent reports the close first and tears the client down outside
// the whatsmeow event goroutine.
func (c *whatsmeowConn) closeFromEvent(reason CloseReason, err error) {
	if !c.markClosed() {
		return
	}
	c.handler(ConnectionStateChanged{State: StateClosed, Reason: reason, Err: err})
	go c.teardown()
}

func (c *whatsmeowConn) setOpen(open bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.open = open
	return true
}

func (c *whatsmeowConn) dispatch(evt interface{}) {
	switch e := evt.(type) {
	case *events.QR:
		// the socket is up and waits for a pairing method
		if c.setOpen(true) {
			c.handler(ConnectionStateChanged{State: StateOpen})
		}
	case *events.PairSuccess:
		c.handler(CredentialsUpdated{Registered: true, JID: e.ID.ToNonAD().String()})
	case *events.PairError:
		c.closeFromEvent(ClosePairingFailed, e.Error)
	case *events.Connected:
		if !c.setOpen(true) {
			return
		}
		if err := c.client.SendPresence(context.Background(), types.PresenceAvailable); err != nil {
			zap.L().Debug("whatsapp: send presence failed", zap.String("phone", c.phone), zap.Error(err))
		}
		c.handler(ConnectionStateChanged{State: StateOpen})
	case *events.Disconnected:
		if c.autoReconnect {
			if c.setOpen(false) {
				c.handler(ConnectionStateChanged{State: StateConnecting})
			}
			return
		}
		c.closeFromEvent(CloseConnectionLost, nil)
	case *events.LoggedOut:
		c.closeFromEvent(CloseLoggedOut, errors.Errorf("logged out: %s", e.Reason.String()))
	case *events.StreamReplaced:
		c.closeFromEvent(CloseReplaced, nil)
	case *events.TemporaryBan:
		c.closeFromEvent(CloseBanned, errors.New(e.String()))
	case *events.ConnectFailure:
		c.closeFromEvent(CloseConnectionLost, errors.Errorf("connect failure %d: %s", int(e.Reason), e.Message))
	case *events.ClientOutdated:
		c.closeFromEvent(CloseOutdated, nil)
	case *events.Presence:
		p := PresenceChanged{From: e.From.ToNonAD().String(), Presence: domain.PresenceAvailable}
		if e.Unavailable {
			p.Presence = domain.PresenceUnavailable
		}
		if !e.LastSeen.IsZero() {
			seen := e.LastSeen
			p.LastSeen = &seen
		}
		c.handler(p)
	}
}

// waLogger routes whatsmeow logs into zap.
type waLogger struct {
	s *zap.SugaredLogger
}

func newWaLogger(module, phone string) waLog.Logger {
	return &waLogger{s: zap.S().With("module", "whatsmeow/"+module, "phone", phone)}
}

func (l *waLogger) Warnf(msg string, args ...interface{})  { l.s.Warnf(msg, args...) }
func (l *waLogger) Errorf(msg string, args ...interface{}) { l.s.Errorf(msg, args...) }
func (l *waLogger) Infof(msg string, args ...interface{})  { l.s.Infof(msg, args...) }
func (l *waLogger) Debugf(msg string, args ...interface{}) { l.s.Debugf(msg, args...) }

func (l *waLogger) Sub(module string) waLog.Logger {
	return &waLogger{s: l.s.With("sub", module)}
}
