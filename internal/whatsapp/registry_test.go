package whatsapp

import (
	"context"
	"sync"
	"testing"
)

type stubConn struct {
	phone   string
	mu      sync.Mutex
	reasons []CloseReason
	onClose func()
}

func (c *stubConn) PhoneNumber() string { return c.phone }
func (c *stubConn) Registered() bool    { return true }
func (c *stubConn) JID() string         { return c.phone + "@s.whatsapp.net" }
func (c *stubConn) IsOpen() bool        { return len(c.closeReasons()) == 0 }
func (c *stubConn) RequestPairingCode(context.Context, string) (string, error) {
	return "", nil
}
func (c *stubConn) Logout(context.Context) error { return nil }
func (c *stubConn) Close(reason CloseReason) {
	if c.onClose != nil {
		c.onClose()
	}
	c.mu.Lock()
	c.reasons = append(c.reasons, reason)
	c.mu.Unlock()
}
func (c *stubConn) SubscribePresence(context.Context, string) error { return nil }
func (c *stubConn) LookupExistence(context.Context, string) (Existence, error) {
	return Existence{}, nil
}
func (c *stubConn) closeReasons() []CloseReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CloseReason(nil), c.reasons...)
}

func TestRegistryCloseBeforeReplace(t *testing.T) {
	reg := NewRegistry()
	first := &stubConn{phone: "15551234567"}
	second := &stubConn{phone: "15551234567"}

	first.onClose = func() {
		if cur, ok := reg.Get("15551234567"); ok {
			t.Errorf("no handle may be visible while the old one closes, got %p", cur)
		}
	}

	reg.Install("15551234567", first)
	reg.Install("15551234567", second)

	if got := first.closeReasons(); len(got) != 1 || got[0] != CloseSuperseded {
		t.Fatalf("expected first closed once as superseded, got %v", got)
	}
	if cur, _ := reg.Get("15551234567"); cur != second {
		t.Fatal("expected second handle installed")
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one session, got %d", reg.Len())
	}

	reg.Install("15551234567", second)
	if len(second.closeReasons()) != 0 {
		t.Fatal("reinstalling the same handle must not close it")
	}
}

func TestRegistryCompareAndRemove(t *testing.T) {
	reg := NewRegistry()
	old := &stubConn{phone: "15551234567"}
	cur := &stubConn{phone: "15551234567"}
	reg.Install("15551234567", old)
	reg.Install("15551234567", cur)

	if reg.Remove("15551234567", old) {
		t.Fatal("stale handle must not remove the current one")
	}
	if _, ok := reg.Get("15551234567"); !ok {
		t.Fatal("current handle lost")
	}
	if !reg.Remove("15551234567", cur) {
		t.Fatal("expected current handle removed")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", reg.Len())
	}
}

func TestRegistryTakeAndCloseAll(t *testing.T) {
	reg := NewRegistry()
	a := &stubConn{phone: "15550000002"}
	b := &stubConn{phone: "15550000001"}
	reg.Install(a.phone, a)
	reg.Install(b.phone, b)

	keys := reg.Keys()
	if len(keys) != 2 || keys[0] != "15550000001" || keys[1] != "15550000002" {
		t.Fatalf("unexpected keys %v", keys)
	}
	if got := reg.Take(a.phone); got != a {
		t.Fatal("Take returned the wrong handle")
	}
	if got := reg.Take(a.phone); got != nil {
		t.Fatal("second Take must return nil")
	}
	if len(a.closeReasons()) != 0 {
		t.Fatal("Take must not close the handle")
	}
	if n := reg.CloseAll(CloseShutdown); n != 1 {
		t.Fatalf("expected one handle closed, got %d", n)
	}
	if got := b.closeReasons(); len(got) != 1 || got[0] != CloseShutdown {
		t.Fatalf("unexpected close reasons %v", got)
	}
	if reg.Len() != 0 {
		t.Fatal("registry must be empty after CloseAll")
	}
}

func TestRegistryConcurrentInstallKeepsOneLiveHandle(t *testing.T) {
	const phone = "15551234567"
	reg := NewRegistry()
	conns := make([]*stubConn, 32)
	for i := range conns {
		conns[i] = &stubConn{phone: phone}
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *stubConn) {
			defer wg.Done()
			<-start
			reg.Install(phone, c)
		}(c)
	}
	close(start)
	wg.Wait()

	cur, ok := reg.Get(phone)
	if !ok {
		t.Fatal("expected an installed handle")
	}
	live := 0
	for _, c := range conns {
		reasons := c.closeReasons()
		if len(reasons) == 0 {
			live++
			if Conn(c) != cur {
				t.Fatalf("unclosed handle %p is not the installed one", c)
			}
			continue
		}
		if len(reasons) != 1 || reasons[0] != CloseSuperseded {
			t.Fatalf("replaced handle closed with %v", reasons)
		}
	}
	if live != 1 || reg.Len() != 1 {
		t.Fatalf("expected exactly one live handle, got %d (len %d)", live, reg.Len())
	}
}
