package domain

import "time"

// WhatsAppUser binds a client device id to the phone number it paired.
// PhoneNumber and LastKnownJid are nil until paired / connected.
type WhatsAppUser struct {
	ID           int64     `json:"id,string" gorm:"primaryKey"`
	DeviceID     string    `json:"device_id" gorm:"size:191;not null;uniqueIndex"`
	PhoneNumber  *string   `json:"phone_number" gorm:"size:32;uniqueIndex"`
	IsLoggedIn   bool      `json:"is_logged_in" gorm:"not null;default:false"`
	LastKnownJid *string   `json:"last_known_jid" gorm:"size:191;index"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (WhatsAppUser) TableName() string {
	return "wa_user"
}

// Phone returns the paired number or "".
func (u *WhatsAppUser) Phone() string {
	if u == nil || u.PhoneNumber == nil {
		return ""
	}
	return *u.PhoneNumber
}

// Jid returns the last connected account identity or "".
func (u *WhatsAppUser) Jid() string {
	if u == nil || u.LastKnownJid == nil {
		return ""
	}
	return *u.LastKnownJid
}
