package repository

import (
	"context"
	"time"

	"github.com/talkincode/wasessiond/internal/domain"
)

// Snapshot is a full dump of the orchestrator tables.
type Snapshot struct {
	Users            []domain.WhatsAppUser    `json:"users"`
	MonitoredNumbers []domain.MonitoredNumber `json:"monitored_numbers"`
}

// WhatsAppRepository persists users and their monitored contacts.
//
// Errors wrap domain.ErrNotFound, domain.ErrConflict or domain.ErrStoreUnavailable.
type WhatsAppRepository interface {
	// UpsertUserForPairing binds deviceID to phone and resets its login state.
	// It fails with ErrConflict when another device already owns phone, and
	// returns the number the device was bound to before, if it changed.
	UpsertUserForPairing(ctx context.Context, deviceID, phone string) (*domain.WhatsAppUser, string, error)

	// UpdateLoginStatus sets the login flag of the user owning phone. An empty
	// jid clears LastKnownJid.
	UpdateLoginStatus(ctx context.Context, phone string, loggedIn bool, jid string) error

	GetUserByPhone(ctx context.Context, phone string) (*domain.WhatsAppUser, error)
	GetUserByDevice(ctx context.Context, deviceID string) (*domain.WhatsAppUser, error)
	GetUserByJid(ctx context.Context, jid string) (*domain.WhatsAppUser, error)

	// ListLoggedInUsers returns users flagged logged in that have a phone number.
	ListLoggedInUsers(ctx context.Context) ([]*domain.WhatsAppUser, error)

	// UpsertMonitoredNumber inserts or updates the (owner, monitored) row.
	// A nil displayName keeps the stored one.
	UpsertMonitoredNumber(ctx context.Context, owner, monitored string, displayName *string, subscribed bool) (*domain.MonitoredNumber, error)

	SetSubscription(ctx context.Context, owner, monitored string, subscribed bool) error
	GetMonitoredNumber(ctx context.Context, owner, monitored string) (*domain.MonitoredNumber, error)
	ListMonitoredByOwner(ctx context.Context, owner string) ([]*domain.MonitoredNumber, error)

	// ListSubscribedJids returns the distinct monitored identities with an active subscription.
	ListSubscribedJids(ctx context.Context) ([]string, error)

	// RecordPresence stores the last presence an owner observed for a contact.
	RecordPresence(ctx context.Context, owner, monitored, presence string, lastSeen *time.Time) (int64, error)

	Snapshot(ctx context.Context) (*Snapshot, error)
}
