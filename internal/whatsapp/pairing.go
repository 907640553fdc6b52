package whatsapp

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wasessiond/internal/domain"
	"go.uber.org/zap"
)

// PairingState is the position of a pairing flow.
type PairingState string

const (
	PairingIdle             PairingState = "idle"
	PairingRequested        PairingState = "pairing_requested"
	PairingOpenUnregistered PairingState = "connection_open_unregistered"
	PairingRegistered       PairingState = "registered"
	PairingHandoff          PairingState = "handoff_in_progress"
	PairingFinalActive      PairingState = "final_session_active"
	PairingFailed           PairingState = "failed"
	PairingLoggedOut        PairingState = "logged_out"
)

func (s PairingState) Terminal() bool {
	switch s {
	case PairingFinalActive, PairingFailed, PairingLoggedOut:
		return true
	}
	return false
}

// pairingFlow drives one pairing connection from the code request to the
// handoff into a final session. The pairing connection is never installed in
// the Registry.
type pairingFlow struct {
	svc      *Service
	phone    string
	deviceID string

	mu             sync.Mutex
	state          PairingState
	history        []PairingState
	conn           Conn
	registered     bool
	handoffStarted bool
	aborted        bool
	err            error
	timer          *time.Timer
	unpublished    []PairingState

	ready chan struct{}
	done  chan struct{}
}

func newPairingFlow(svc *Service, phone, deviceID string) *pairingFlow {
	return &pairingFlow{
		svc:      svc,
		phone:    phone,
		deviceID: deviceID,
		state:    PairingIdle,
		history:  []PairingState{PairingIdle},
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (f *pairingFlow) transitionLocked(next PairingState) {
	if f.state == next {
		return
	}
	zap.L().Info("whatsapp: pairing state",
		zap.String("phone", f.phone),
		zap.String("from", string(f.state)),
		zap.String("to", string(next)))
	f.state = next
	f.history = append(f.history, next)
	f.unpublished = append(f.unpublished, next)
}

// unlock releases f.mu, then publishes the transitions recorded while it was
// held. Subscribers may call back into the flow.
func (f *pairingFlow) unlock() {
	pending := f.unpublished
	f.unpublished = nil
	f.mu.Unlock()
	for _, st := range pending {
		f.svc.bus.Publish(TopicPairingState, f.phone, st)
	}
}

func (f *pairingFlow) State() PairingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *pairingFlow) History() []PairingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PairingState(nil), f.history...)
}

func (f *pairingFlow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Wait blocks until the flow reached a terminal state.
func (f *pairingFlow) Wait(ctx context.Context) (PairingState, error) {
	select {
	case <-f.done:
		return f.State(), f.Err()
	case <-ctx.Done():
		return f.State(), ctx.Err()
	}
}

// start opens the pairing connection, waits for it to settle and requests the
// pairing code.
func (f *pairingFlow) start(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.transitionLocked(PairingRequested)
	f.unlock()

	conn, err := f.svc.connector.Open(ctx, OpenRequest{
		PhoneNumber: f.phone,
		Version:     f.svc.versions.Resolve(ctx),
		Pairing:     true,
	}, f.handle)
	if err != nil {
		close(f.ready)
		f.finish(PairingFailed, err)
		return "", errors.Wrapf(domain.ErrPairingRequestFailed, "open connection: %v", err)
	}
	f.mu.Lock()
	f.conn = conn
	aborted := f.aborted
	f.mu.Unlock()
	close(f.ready)
	if aborted {
		conn.Close(CloseSuperseded)
		return "", errors.Wrap(domain.ErrPairingRequestFailed, "superseded by a newer pairing request")
	}

	settle := time.NewTimer(f.svc.pairingSettle)
	defer settle.Stop()
	select {
	case <-settle.C:
	case <-f.done:
		return "", errors.Wrapf(domain.ErrPairingRequestFailed, "connection closed before the code request: %v", f.Err())
	case <-ctx.Done():
		conn.Close(ClosePairingFailed)
		return "", errors.Wrapf(domain.ErrPairingRequestFailed, "%v", ctx.Err())
	}

	code, err := conn.RequestPairingCode(ctx, f.phone)
	if err == nil && strings.TrimSpace(code) == "" {
		err = errors.New("platform returned an empty pairing code")
	}
	if err != nil {
		conn.Close(ClosePairingFailed)
		return "", errors.Wrapf(domain.ErrPairingRequestFailed, "%v", err)
	}
	f.armTimeout()
	zap.L().Info("whatsapp: pairing code issued", zap.String("phone", f.phone), zap.String("device_id", f.deviceID))
	return code, nil
}

func (f *pairingFlow) handle(evt Event) {
	<-f.ready
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}

	switch e := evt.(type) {
	case CredentialsUpdated:
		if !e.Registered {
			return
		}
		f.mu.Lock()
		f.registered = true
		if f.state == PairingRequested || f.state == PairingOpenUnregistered {
			f.transitionLocked(PairingRegistered)
		}
		f.stopTimerLocked()
		f.unlock()
		zap.L().Info("whatsapp: pairing registered", zap.String("phone", f.phone), zap.String("jid", e.JID))
		f.startHandoff(true)
	case ConnectionStateChanged:
		switch e.State {
		case StateOpen:
			f.mu.Lock()
			registered := f.registered || conn.Registered()
			if registered {
				f.registered = true
				if f.state == PairingRequested || f.state == PairingOpenUnregistered {
					f.transitionLocked(PairingRegistered)
				}
			} else if f.state == PairingRequested {
				f.transitionLocked(PairingOpenUnregistered)
			}
			f.unlock()
			if registered {
				f.startHandoff(true)
			}
		case StateClosed:
			f.onClosed(conn, e)
		}
	}
}

func (f *pairingFlow) onClosed(conn Conn, e ConnectionStateChanged) {
	f.mu.Lock()
	if f.handoffStarted || f.state.Terminal() {
		f.mu.Unlock()
		zap.L().Debug("whatsapp: pairing connection closed", zap.String("phone", f.phone), zap.String("reason", string(e.Reason)))
		return
	}
	registered := f.registered || conn.Registered()
	aborted := f.aborted
	f.mu.Unlock()

	switch {
	case registered && !aborted:
		zap.L().Info("whatsapp: pairing connection closed after registration, handing off",
			zap.String("phone", f.phone), zap.String("reason", string(e.Reason)))
		f.startHandoff(false)
	case e.Reason == CloseLoggedOut:
		f.finish(PairingLoggedOut, errors.New("identity logged out during pairing"))
	default:
		zap.L().Info("whatsapp: pairing connection closed before registration, a new pairing code is required",
			zap.String("phone", f.phone), zap.String("reason", string(e.Reason)), zap.Error(e.Err))
		f.finish(PairingFailed, errors.Errorf("pairing connection closed before registration (%s)", e.Reason))
	}
}

// startHandoff moves the flow to HandoffInProgress once. closeConn is false
// when the pairing connection is already gone.
func (f *pairingFlow) startHandoff(closeConn bool) {
	f.mu.Lock()
	if f.handoffStarted || f.aborted || f.state.Terminal() {
		f.mu.Unlock()
		return
	}
	f.handoffStarted = true
	f.transitionLocked(PairingHandoff)
	f.stopTimerLocked()
	conn := f.conn
	f.unlock()

	if !f.svc.goTask(func() { f.runHandoff(conn, closeConn) }) {
		f.finish(PairingFailed, errors.New("service shutting down"))
	}
}

func (f *pairingFlow) runHandoff(conn Conn, closeConn bool) {
	ctx := f.svc.baseCtx
	if closeConn {
		settle := time.NewTimer(f.svc.handoffSettle)
		defer settle.Stop()
		select {
		case <-settle.C:
		case <-ctx.Done():
			conn.Close(CloseShutdown)
			f.finish(PairingFailed, ctx.Err())
			return
		}
		if f.isAborted() {
			return
		}
		// graceful close keeps the freshly registered credentials valid
		conn.Close(CloseHandoff)
	}

	final, err := f.svc.openFinalSession(ctx, f.phone)
	if err != nil {
		zap.L().Error("whatsapp: handoff to final session failed", zap.String("phone", f.phone), zap.Error(err))
		f.finish(PairingFailed, err)
		return
	}
	if f.isAborted() {
		if f.svc.registry.Remove(f.phone, final) {
			final.Close(CloseSuperseded)
		}
		return
	}
	f.finish(PairingFinalActive, nil)
}

func (f *pairingFlow) isAborted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborted
}

// abort supersedes the flow and closes its connection.
func (f *pairingFlow) abort() {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return
	}
	f.aborted = true
	conn := f.conn
	f.mu.Unlock()

	f.finish(PairingFailed, errors.New("superseded by a newer pairing request"))
	if conn != nil {
		conn.Close(CloseSuperseded)
	}
}

func (f *pairingFlow) finish(state PairingState, err error) {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return
	}
	f.transitionLocked(state)
	f.err = err
	f.stopTimerLocked()
	f.unlock()
	f.svc.clearPairing(f.phone, f)
	close(f.done)

	if err != nil {
		zap.L().Warn("whatsapp: pairing ended", zap.String("phone", f.phone), zap.String("state", string(state)), zap.Error(err))
	}
}

// armTimeout closes a connection that is still unregistered after the pairing timeout.
func (f *pairingFlow) armTimeout() {
	timeout := f.svc.pairingTimeout
	if timeout <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registered || f.state.Terminal() {
		return
	}
	f.timer = time.AfterFunc(timeout, func() {
		f.mu.Lock()
		expired := !f.registered && !f.handoffStarted && !f.state.Terminal()
		conn := f.conn
		f.mu.Unlock()
		if expired && conn != nil {
			zap.L().Info("whatsapp: pairing code expired", zap.String("phone", f.phone))
			conn.Close(ClosePairingTimeout)
		}
	})
}

func (f *pairingFlow) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
