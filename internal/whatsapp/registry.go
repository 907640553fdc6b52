package whatsapp

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Registry holds at most one live Conn per phone number. Replacing a handle
// closes the previous one before the new one becomes visible.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Conn
	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]Conn),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func (r *Registry) lockKey(phone string) func() {
	r.keyMu.Lock()
	l, ok := r.keyLocks[phone]
	if !ok {
		l = &sync.Mutex{}
		r.keyLocks[phone] = l
	}
	r.keyMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Install makes conn the session of phone. A different previous handle is
// taken out and closed with CloseSuperseded first.
func (r *Registry) Install(phone string, conn Conn) {
	unlock := r.lockKey(phone)
	defer unlock()

	r.mu.Lock()
	old := r.sessions[phone]
	delete(r.sessions, phone)
	r.mu.Unlock()

	if old != nil && old != conn {
		zap.L().Info("whatsapp: closing superseded session", zap.String("phone", phone))
		old.Close(CloseSuperseded)
	}

	r.mu.Lock()
	r.sessions[phone] = conn
	r.mu.Unlock()
}

func (r *Registry) Get(phone string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[phone]
	return c, ok
}

// Remove deletes the entry only if it still holds conn.
func (r *Registry) Remove(phone string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[phone]; ok && cur == conn {
		delete(r.sessions, phone)
		return true
	}
	return false
}

// Take removes and returns the entry of phone, the caller owns the handle.
func (r *Registry) Take(phone string) Conn {
	unlock := r.lockKey(phone)
	defer unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.sessions[phone]
	delete(r.sessions, phone)
	return c
}

func (r *Registry) Keys() []string {
	r.mu.RLock()
	keys := make([]string, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	r.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll empties the registry and closes every handle with reason.
func (r *Registry) CloseAll(reason CloseReason) int {
	r.mu.Lock()
	conns := r.sessions
	r.sessions = make(map[string]Conn)
	r.mu.Unlock()
	for _, c := range conns {
		c.Close(reason)
	}
	return len(conns)
}
