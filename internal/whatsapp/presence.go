package whatsapp

import (
	"context"

	"github.com/pkg/errors"
	"github.com/talkincode/wasessiond/internal/domain"
	"github.com/talkincode/wasessiond/internal/repository"
	"go.uber.org/zap"
)

// PresenceSync keeps MonitoredNumber rows consistent with the subscriptions
// of a live session.
type PresenceSync struct {
	repo repository.WhatsAppRepository
}

func NewPresenceSync(repo repository.WhatsAppRepository) *PresenceSync {
	return &PresenceSync{repo: repo}
}

// ReconcileReport counts the outcome of one reconcile pass.
type ReconcileReport struct {
	Subscribed int `json:"subscribed"`
	Reasserted int `json:"reasserted"`
	Failed     int `json:"failed"`
}

// Reconcile subscribes every unsubscribed row of owner and re-asserts the
// subscribed ones. Re-assertion failures never touch the stored flag.
func (p *PresenceSync) Reconcile(ctx context.Context, owner string, conn Conn) (ReconcileReport, error) {
	var report ReconcileReport
	rows, err := p.repo.ListMonitoredByOwner(ctx, owner)
	if err != nil {
		return report, err
	}
	for _, row := range rows {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		subErr := conn.SubscribePresence(ctx, row.MonitoredJid)
		if row.IsSubscribed {
			if subErr != nil {
				report.Failed++
				zap.L().Warn("whatsapp: presence re-assertion failed",
					zap.String("owner", owner),
					zap.String("monitored", row.MonitoredJid),
					zap.Error(subErr))
				continue
			}
			report.Reasserted++
			continue
		}
		if subErr != nil {
			report.Failed++
			zap.L().Warn("whatsapp: presence subscription failed",
				zap.String("owner", owner),
				zap.String("monitored", row.MonitoredJid),
				zap.Error(subErr))
			if err := p.repo.SetSubscription(ctx, owner, row.MonitoredJid, false); err != nil {
				zap.L().Error("whatsapp: failed to store subscription state", zap.Error(err))
			}
			continue
		}
		if err := p.repo.SetSubscription(ctx, owner, row.MonitoredJid, true); err != nil {
			zap.L().Error("whatsapp: failed to store subscription state", zap.Error(err))
			continue
		}
		report.Subscribed++
	}
	return report, nil
}

// MonitorResult is the outcome of AddMonitor. Err wraps domain.ErrSubscribeFailed
// when the row was stored but the subscription call failed.
type MonitorResult struct {
	Number     *domain.MonitoredNumber
	Subscribed bool
	Err        error
}

// AddMonitor resolves contact, subscribes to its presence on conn and upserts
// the (owner, contact) row.
func (p *PresenceSync) AddMonitor(ctx context.Context, owner string, conn Conn, contact string, displayName *string) (*MonitorResult, error) {
	found, err := conn.LookupExistence(ctx, contact)
	if err != nil {
		return nil, errors.Wrapf(err, "lookup %s", contact)
	}
	if !found.Exists || found.JID == "" {
		return nil, errors.Wrapf(domain.ErrContactNotFound, "%s", contact)
	}
	target := NormalizeUserJID(found.JID)
	if !IsIndividualJID(target) {
		return nil, errors.Wrapf(domain.ErrInvalidTargetKind, "%s", found.JID)
	}

	result := &MonitorResult{Subscribed: true}
	if err := conn.SubscribePresence(ctx, target); err != nil {
		result.Subscribed = false
		result.Err = errors.Wrapf(domain.ErrSubscribeFailed, "%s: %v", target, err)
		zap.L().Warn("whatsapp: subscribe on monitor request failed",
			zap.String("owner", owner),
			zap.String("monitored", target),
			zap.Error(err))
	}
	row, err := p.repo.UpsertMonitoredNumber(ctx, owner, target, displayName, result.Subscribed)
	if err != nil {
		return nil, err
	}
	result.Number = row
	zap.L().Info("whatsapp: monitoring contact",
		zap.String("owner", owner),
		zap.String("monitored", target),
		zap.Bool("subscribed", result.Subscribed))
	return result, nil
}

// RecordPresence stores a presence update observed by owner.
func (p *PresenceSync) RecordPresence(ctx context.Context, owner string, evt PresenceChanged) {
	from := NormalizeUserJID(evt.From)
	if from == "" || evt.Presence == "" {
		return
	}
	n, err := p.repo.RecordPresence(ctx, owner, from, evt.Presence, evt.LastSeen)
	if err != nil {
		zap.L().Error("whatsapp: failed to record presence", zap.String("owner", owner), zap.String("from", from), zap.Error(err))
		return
	}
	if n == 0 {
		zap.L().Debug("whatsapp: presence for unmonitored contact", zap.String("owner", owner), zap.String("from", from))
	}
}
