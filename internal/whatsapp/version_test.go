package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

func TestParseClientVersion(t *testing.T) {
	v, err := ParseClientVersion("2.3000.1023223821")
	if err != nil {
		t.Fatalf("ParseClientVersion: %v", err)
	}
	if v != (ClientVersion{2, 3000, 1023223821}) || v.String() != "2.3000.1023223821" {
		t.Fatalf("unexpected version %v", v)
	}
	for _, bad := range []string{"", "2.3000", "a.b.c", "2.3000.99999999999"} {
		if _, err := ParseClientVersion(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestVersionResolverFetchesAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"version":[2,3000,1015901307]}`))
	}))
	defer srv.Close()

	r := &VersionResolver{URL: srv.URL, Fallback: ClientVersion{2, 2413, 1}}
	want := ClientVersion{2, 3000, 1015901307}
	if got := r.Resolve(context.Background()); got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	if got := r.Resolve(context.Background()); got != want {
		t.Fatalf("cached got %v, want %v", got, want)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected one fetch, got %d", n)
	}
}

func TestVersionResolverFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	fallback := ClientVersion{2, 2413, 1}
	r := &VersionResolver{URL: srv.URL, Fallback: fallback}
	if got := r.Resolve(context.Background()); got != fallback {
		t.Fatalf("expected fallback, got %v", got)
	}

	static := &VersionResolver{URL: srv.URL, Static: "2.3000.7", Fallback: fallback}
	if got := static.Resolve(context.Background()); got != (ClientVersion{2, 3000, 7}) {
		t.Fatalf("static version must win, got %v", got)
	}

	none := &VersionResolver{Fallback: fallback}
	if got := none.Resolve(context.Background()); got != fallback {
		t.Fatalf("expected fallback without url, got %v", got)
	}
}

func TestConnectorAppliesVersionOnChange(t *testing.T) {
	var (
		mu  sync.Mutex
		set []ClientVersion
	)
	w := NewWhatsmeowConnector(NewFileCredentialStore(t.TempDir()), "")
	w.setVersion = func(v ClientVersion) {
		mu.Lock()
		defer mu.Unlock()
		set = append(set, v)
	}

	next := ClientVersion{2, 9999, 1}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.applyVersion(next)
		}()
	}
	wg.Wait()
	w.applyVersion(ClientVersion{})
	w.applyVersion(w.DefaultVersion())

	mu.Lock()
	defer mu.Unlock()
	if len(set) != 2 || set[0] != next || set[1] != w.DefaultVersion() {
		t.Fatalf("unexpected version writes %v", set)
	}
}
