package whatsapp

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/guonaihong/gout"
	"go.uber.org/zap"
)

// VersionSource yields the client version for new connections.
type VersionSource interface {
	Resolve(ctx context.Context) ClientVersion
}

// VersionResolver fetches {"version":[a,b,c]} from URL and caches it for TTL.
// A valid Static value wins, any failure yields Fallback.
type VersionResolver struct {
	URL      string
	Static   string
	Fallback ClientVersion
	Timeout  time.Duration
	TTL      time.Duration

	mu      sync.Mutex
	cached  ClientVersion
	fetched time.Time
}

func (r *VersionResolver) Resolve(ctx context.Context) ClientVersion {
	if r.Static != "" {
		v, err := ParseClientVersion(r.Static)
		if err == nil {
			return v
		}
		zap.L().Warn("whatsapp: ignoring invalid static client version", zap.String("version", r.Static), zap.Error(err))
	}
	if r.URL == "" {
		return r.Fallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.cached.IsZero() && time.Since(r.fetched) < r.ttl() {
		return r.cached
	}

	var (
		body struct {
			Version []uint32 `json:"version"`
		}
		code int
	)
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	err := gout.GET(r.URL).
		WithContext(ctx).
		SetTimeout(timeout).
		BindJSON(&body).
		Code(&code).
		Do()
	if err != nil || code != http.StatusOK || len(body.Version) != 3 {
		zap.L().Warn("whatsapp: client version lookup failed, using fallback",
			zap.String("url", r.URL),
			zap.Int("status", code),
			zap.String("fallback", r.Fallback.String()),
			zap.Error(err))
		return r.Fallback
	}
	r.cached = ClientVersion{body.Version[0], body.Version[1], body.Version[2]}
	r.fetched = time.Now()
	zap.L().Info("whatsapp: resolved client version", zap.String("version", r.cached.String()))
	return r.cached
}

func (r *VersionResolver) ttl() time.Duration {
	if r.TTL <= 0 {
		return time.Hour
	}
	return r.TTL
}
