package whatsapp

import (
	"context"

	"github.com/pkg/errors"
	"github.com/talkincode/wasessiond/internal/domain"
	"go.uber.org/zap"
)

// sessionHandle routes the events of a final session back into the Service.
// Events are held until the handle is published in the Registry.
type sessionHandle struct {
	svc   *Service
	phone string
	conn  Conn
	ready chan struct{}
}

func (h *sessionHandle) handle(evt Event) {
	<-h.ready
	if h.conn == nil {
		return
	}
	switch e := evt.(type) {
	case ConnectionStateChanged:
		switch e.State {
		case StateOpen:
			h.svc.onSessionOpen(h.phone, h.conn)
		case StateConnecting:
			zap.L().Info("whatsapp: session reconnecting", zap.String("phone", h.phone))
		case StateClosed:
			h.svc.onSessionClosed(h.phone, h.conn, e)
		}
	case PresenceChanged:
		owner := h.conn.JID()
		if owner == "" {
			return
		}
		h.svc.bus.Publish(TopicPresence, owner, e)
	case CredentialsUpdated:
		zap.L().Debug("whatsapp: session credentials updated", zap.String("phone", h.phone))
	}
}

// openFinalSession opens the long-lived session for phone from its stored
// credentials and installs it in the Registry.
func (s *Service) openFinalSession(ctx context.Context, phone string) (Conn, error) {
	if !s.creds.Exists(phone) {
		s.markLoggedOut(ctx, phone)
		return nil, errors.Wrapf(domain.ErrRegistrationIncomplete, "no credentials for %s", phone)
	}

	h := &sessionHandle{svc: s, phone: phone, ready: make(chan struct{})}
	conn, err := s.connector.Open(ctx, OpenRequest{
		PhoneNumber:   phone,
		Version:       s.versions.Resolve(ctx),
		AutoReconnect: true,
	}, h.handle)
	if err != nil {
		close(h.ready)
		return nil, errors.Wrapf(err, "open session for %s", phone)
	}
	h.conn = conn
	if !conn.Registered() {
		close(h.ready)
		conn.Close(CloseRegistrationIncomplete)
		s.markLoggedOut(ctx, phone)
		return nil, errors.Wrapf(domain.ErrRegistrationIncomplete, "credentials for %s are not registered", phone)
	}

	s.registry.Install(phone, conn)
	close(h.ready)
	zap.L().Info("whatsapp: final session installed", zap.String("phone", phone))
	return conn, nil
}

func (s *Service) onSessionOpen(phone string, conn Conn) {
	jid := conn.JID()
	if jid == "" {
		zap.L().Error("whatsapp: session open without account identity", zap.String("phone", phone))
		return
	}
	if cur, ok := s.registry.Get(phone); !ok || cur != conn {
		zap.L().Debug("whatsapp: open event for a replaced session", zap.String("phone", phone))
		return
	}
	ctx := s.baseCtx
	if err := s.repo.UpdateLoginStatus(ctx, phone, true, jid); err != nil {
		zap.L().Error("whatsapp: failed to store login status", zap.String("phone", phone), zap.Error(err))
	}
	zap.L().Info("whatsapp: session open", zap.String("phone", phone), zap.String("jid", jid))
	s.bus.Publish(TopicSessionOpen, phone, jid)

	s.goTask(func() {
		report, err := s.presence.Reconcile(ctx, jid, conn)
		if err != nil {
			zap.L().Error("whatsapp: presence reconcile failed", zap.String("owner", jid), zap.Error(err))
			return
		}
		zap.L().Info("whatsapp: presence reconciled",
			zap.String("owner", jid),
			zap.Int("subscribed", report.Subscribed),
			zap.Int("reasserted", report.Reasserted),
			zap.Int("failed", report.Failed))
	})
}

func (s *Service) onSessionClosed(phone string, conn Conn, e ConnectionStateChanged) {
	if !s.registry.Remove(phone, conn) {
		zap.L().Debug("whatsapp: closed session was already replaced",
			zap.String("phone", phone), zap.String("reason", string(e.Reason)))
		return
	}
	zap.L().Info("whatsapp: session closed",
		zap.String("phone", phone), zap.String("reason", string(e.Reason)), zap.Error(e.Err))

	s.markLoggedOut(s.baseCtx, phone)
	if e.Reason == CloseLoggedOut {
		if err := s.creds.Remove(phone); err != nil {
			zap.L().Error("whatsapp: failed to remove credentials", zap.String("phone", phone), zap.Error(err))
		}
	}
	s.bus.Publish(TopicSessionClosed, phone, e.Reason)
}

// markLoggedOut clears the login flag of phone when it is set.
func (s *Service) markLoggedOut(ctx context.Context, phone string) {
	user, err := s.repo.GetUserByPhone(ctx, phone)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			zap.L().Error("whatsapp: failed to load user", zap.String("phone", phone), zap.Error(err))
		}
		return
	}
	if !user.IsLoggedIn {
		return
	}
	if err := s.repo.UpdateLoginStatus(ctx, phone, false, ""); err != nil {
		zap.L().Error("whatsapp: failed to store logout", zap.String("phone", phone), zap.Error(err))
	}
}
