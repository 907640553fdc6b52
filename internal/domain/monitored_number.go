package domain

import "time"

const (
	PresenceAvailable   = "available"
	PresenceUnavailable = "unavailable"
)

// MonitoredNumber is a contact whose presence an owner account watches.
type MonitoredNumber struct {
	ID                int64      `json:"id,string" gorm:"primaryKey"`
	OwnerUserJid      string     `json:"owner_user_jid" gorm:"size:191;not null;uniqueIndex:uk_owner_monitored;index"`
	MonitoredJid      string     `json:"monitored_jid" gorm:"size:191;not null;uniqueIndex:uk_owner_monitored;index"`
	DisplayName       *string    `json:"display_name" gorm:"size:255"`
	IsSubscribed      bool       `json:"is_subscribed" gorm:"not null;default:false"`
	LastSeen          *time.Time `json:"last_seen"`
	LastKnownPresence *string    `json:"last_known_presence" gorm:"size:32"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func (MonitoredNumber) TableName() string {
	return "wa_monitored_number"
}

// IsOnline reports whether the last presence update was "available".
func (m *MonitoredNumber) IsOnline() bool {
	return m.LastKnownPresence != nil && *m.LastKnownPresence == PresenceAvailable
}
