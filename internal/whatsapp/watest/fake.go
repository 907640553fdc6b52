// Package watest provides an in-memory Connector for tests. Registration is
// persisted as a marker file inside the credential directory, so a final
// session opened after pairing sees the identity like a real client would.
package watest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wasessiond/internal/whatsapp"
)

const markerFile = "registered"

// Connector records every opened Conn per phone number.
type Connector struct {
	creds whatsapp.CredentialStore

	mu           sync.Mutex
	pairingCode  string
	pairingErr   error
	openErr      error
	lookupErr    error
	logoutErr    error
	contacts     map[string]string
	subscribeErr map[string]error
	conns        map[string][]*Conn
}

var _ whatsapp.Connector = (*Connector)(nil)

func NewConnector(creds whatsapp.CredentialStore) *Connector {
	return &Connector{
		creds:        creds,
		pairingCode:  "ABCD-1234",
		contacts:     make(map[string]string),
		subscribeErr: make(map[string]error),
		conns:        make(map[string][]*Conn),
	}
}

func (f *Connector) SetPairingCode(code string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pairingCode, f.pairingErr = code, err
}

func (f *Connector) SetOpenErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr = err
}

func (f *Connector) SetLookupErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupErr = err
}

func (f *Connector) SetLogoutErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logoutErr = err
}

// AddContact makes contact (digits or JID) resolve to jid.
func (f *Connector) AddContact(contact, jid string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contacts[contactKey(contact)] = jid
}

func (f *Connector) FailSubscribe(jid string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr[jid] = err
}

// MarkRegistered writes registered credentials for phone as if it had paired before.
func (f *Connector) MarkRegistered(phone, jid string) error {
	dir := f.creds.Dir(phone)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, markerFile), []byte(jid), 0o600)
}

func (f *Connector) Open(ctx context.Context, req whatsapp.OpenRequest, handler whatsapp.EventHandler) (whatsapp.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, f.openErr
	}
	c := &Conn{f: f, phone: req.PhoneNumber, Request: req, handler: handler}
	if data, err := os.ReadFile(filepath.Join(f.creds.Dir(req.PhoneNumber), markerFile)); err == nil {
		c.registered = true
		c.jid = string(data)
	}
	f.conns[req.PhoneNumber] = append(f.conns[req.PhoneNumber], c)
	return c, nil
}

// Conns returns every connection opened for phone, oldest first.
func (f *Connector) Conns(phone string) []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns[phone]...)
}

// WaitConn waits until the n-th (1-based) connection for phone was opened.
func (f *Connector) WaitConn(ctx context.Context, phone string, n int) (*Conn, error) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for {
		if conns := f.Conns(phone); len(conns) >= n {
			return conns[n-1], nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for connection %d of %s", n, phone)
		case <-tick.C:
		}
	}
}

// Conn is a scripted whatsapp.Conn. The Simulate methods deliver events
// synchronously on the calling goroutine.
type Conn struct {
	f       *Connector
	phone   string
	Request whatsapp.OpenRequest
	handler whatsapp.EventHandler

	mu           sync.Mutex
	registered   bool
	jid          string
	open         bool
	closed       bool
	closeReason  whatsapp.CloseReason
	loggedOut    bool
	codeRequests int
	subs         []string
}

var _ whatsapp.Conn = (*Conn)(nil)

func (c *Conn) PhoneNumber() string { return c.phone }

func (c *Conn) Registered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

func (c *Conn) JID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jid
}

func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open && !c.closed
}

func (c *Conn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	c.f.mu.Lock()
	code, err := c.f.pairingCode, c.f.pairingErr
	c.f.mu.Unlock()
	c.mu.Lock()
	c.codeRequests++
	c.mu.Unlock()
	return code, err
}

func (c *Conn) Logout(ctx context.Context) error {
	c.f.mu.Lock()
	err := c.f.logoutErr
	c.f.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	c.Close(whatsapp.CloseLoggedOut)
	return nil
}

func (c *Conn) Close(reason whatsapp.CloseReason) {
	if !c.markClosed(reason) {
		return
	}
	c.handler(whatsapp.ConnectionStateChanged{State: whatsapp.StateClosed, Reason: reason})
}

func (c *Conn) SubscribePresence(ctx context.Context, jid string) error {
	c.f.mu.Lock()
	err := c.f.subscribeErr[jid]
	c.f.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs = append(c.subs, jid)
	c.mu.Unlock()
	return nil
}

func (c *Conn) LookupExistence(ctx context.Context, contact string) (whatsapp.Existence, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.lookupErr != nil {
		return whatsapp.Existence{}, c.f.lookupErr
	}
	jid, ok := c.f.contacts[contactKey(contact)]
	if !ok {
		return whatsapp.Existence{}, nil
	}
	return whatsapp.Existence{Exists: true, JID: jid}, nil
}

func (c *Conn) markClosed(reason whatsapp.CloseReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.open = false
	c.closeReason = reason
	return true
}

func (c *Conn) SimulateOpen() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.open = true
	c.mu.Unlock()
	c.handler(whatsapp.ConnectionStateChanged{State: whatsapp.StateOpen})
}

// SimulatePairSuccess registers the identity and persists it in the credential directory.
func (c *Conn) SimulatePairSuccess(jid string) error {
	if err := c.RegisterWithoutEvent(jid); err != nil {
		return err
	}
	c.handler(whatsapp.CredentialsUpdated{Registered: true, JID: jid})
	return nil
}

// RegisterWithoutEvent registers the identity like SimulatePairSuccess but
// delivers no credential update, as when the update is lost with the connection.
func (c *Conn) RegisterWithoutEvent(jid string) error {
	if err := c.f.MarkRegistered(c.phone, jid); err != nil {
		return err
	}
	c.mu.Lock()
	c.registered = true
	c.jid = jid
	c.mu.Unlock()
	return nil
}

// SimulateClose delivers a platform-side close.
func (c *Conn) SimulateClose(reason whatsapp.CloseReason) {
	if !c.markClosed(reason) {
		return
	}
	c.handler(whatsapp.ConnectionStateChanged{
		State:  whatsapp.StateClosed,
		Reason: reason,
		Err:    errors.Errorf("simulated %s", reason),
	})
}

func (c *Conn) SimulatePresence(from, presence string, lastSeen *time.Time) {
	c.handler(whatsapp.PresenceChanged{From: from, Presence: presence, LastSeen: lastSeen})
}

func (c *Conn) Closed() (bool, whatsapp.CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeReason
}

func (c *Conn) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *Conn) CodeRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codeRequests
}

func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subs...)
}

func contactKey(contact string) string {
	if strings.Contains(contact, "@") {
		return strings.TrimSpace(contact)
	}
	return whatsapp.NormalizePhone(contact)
}
