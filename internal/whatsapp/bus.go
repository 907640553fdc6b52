package whatsapp

import (
	EventBus "github.com/asaskevich/EventBus"
)

// Bus topics and their handler signatures.
const (
	// func(phone, jid string)
	TopicSessionOpen = "whatsapp:session:open"
	// func(phone string, reason CloseReason)
	TopicSessionClosed = "whatsapp:session:closed"
	// func(ownerJid string, evt PresenceChanged)
	TopicPresence = "whatsapp:presence"
	// func(phone string, state PairingState)
	TopicPairingState = "whatsapp:pairing:state"
)

func NewBus() EventBus.Bus {
	return EventBus.New()
}
