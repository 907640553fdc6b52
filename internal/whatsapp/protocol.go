package whatsapp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ConnectionState is the transport state reported by a Conn.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateClosed     ConnectionState = "close"
)

// CloseReason tells why a Conn reached StateClosed.
type CloseReason string

const (
	// reported by the platform
	CloseLoggedOut      CloseReason = "logged_out"
	CloseReplaced       CloseReason = "replaced"
	CloseConnectionLost CloseReason = "connection_lost"
	CloseBanned         CloseReason = "banned"
	CloseOutdated       CloseReason = "client_outdated"

	// initiated locally
	CloseHandoff                CloseReason = "handoff"
	CloseSuperseded             CloseReason = "superseded"
	CloseShutdown               CloseReason = "shutdown"
	CloseDeviceSwitch           CloseReason = "device_switch"
	ClosePairingFailed          CloseReason = "pairing_failed"
	ClosePairingTimeout         CloseReason = "pairing_timeout"
	CloseRegistrationIncomplete CloseReason = "registration_incomplete"
)

// Local reports whether the close was requested by this process.
func (r CloseReason) Local() bool {
	switch r {
	case CloseHandoff, CloseSuperseded, CloseShutdown, CloseDeviceSwitch,
		ClosePairingFailed, ClosePairingTimeout, CloseRegistrationIncomplete:
		return true
	}
	return false
}

// Event is delivered to the EventHandler of a Conn.
type Event interface {
	eventName() string
}

// CredentialsUpdated is emitted when the credential material changed, most
// importantly when pairing completed and the identity became registered.
type CredentialsUpdated struct {
	Registered bool
	JID        string
}

// ConnectionStateChanged carries transport transitions. Reason and Err are set
// only for StateClosed.
type ConnectionStateChanged struct {
	State  ConnectionState
	Reason CloseReason
	Err    error
}

// PresenceChanged reports the presence of a contact the connection subscribed to.
type PresenceChanged struct {
	From     string
	Presence string
	LastSeen *time.Time
}

func (CredentialsUpdated) eventName() string     { return "credentials.update" }
func (ConnectionStateChanged) eventName() string { return "connection.update" }
func (PresenceChanged) eventName() string        { return "presence.update" }

// EventHandler receives the events of one Conn in order.
type EventHandler func(evt Event)

// ClientVersion is the protocol client version announced to the platform.
type ClientVersion [3]uint32

func (v ClientVersion) IsZero() bool {
	return v == ClientVersion{}
}

func (v ClientVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
}

// ParseClientVersion parses "2.3000.1023223821".
func ParseClientVersion(s string) (ClientVersion, error) {
	var v ClientVersion
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return v, errors.Errorf("invalid client version %q", s)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return ClientVersion{}, errors.Wrapf(err, "invalid client version %q", s)
		}
		v[i] = uint32(n)
	}
	return v, nil
}

// OpenRequest selects the credential material and connection behaviour.
type OpenRequest struct {
	PhoneNumber string
	Version     ClientVersion
	// Pairing connects even when the credentials are not registered yet.
	Pairing bool
	// AutoReconnect lets the client recover transient transport losses
	// without closing the handle.
	AutoReconnect bool
}

// Existence is the answer of a contact lookup.
type Existence struct {
	Exists bool
	JID    string
}

// Connector opens protocol connections backed by per-phone credentials.
type Connector interface {
	Open(ctx context.Context, req OpenRequest, handler EventHandler) (Conn, error)
}

// Conn is one live protocol connection.
//
// Close is synchronous and delivers exactly one StateClosed event to the
// handler, no events follow it.
type Conn interface {
	PhoneNumber() string
	Registered() bool
	// JID is the account identity without device part, "" until registered.
	JID() string
	IsOpen() bool
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Logout(ctx context.Context) error
	Close(reason CloseReason)
	SubscribePresence(ctx context.Context, jid string) error
	LookupExistence(ctx context.Context, contact string) (Existence, error)
}
