package metrics

import (
	"path"
	"sort"
	"sync"
	"time"

	"github.com/nakabonne/tstorage"
	"github.com/pkg/errors"
)

// Point is one stored gauge sample.
type Point struct {
	Timestamp int64 `json:"timestamp"`
	Value     int64 `json:"value"`
}

var (
	mu      sync.RWMutex
	storage tstorage.Storage
	latest  = map[string]int64{}
)

// InitMetrics opens the on-disk gauge storage under <workdir>/data/metrics.
// Gauges set before InitMetrics, or when it fails, are kept in memory only.
func InitMetrics(workdir string) error {
	st, err := tstorage.NewStorage(
		tstorage.WithDataPath(path.Join(workdir, "data", "metrics")),
		tstorage.WithTimestampPrecision(tstorage.Seconds),
		tstorage.WithRetention(7*24*time.Hour),
	)
	if err != nil {
		return errors.Wrap(err, "open metrics storage")
	}
	mu.Lock()
	old := storage
	storage = st
	mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// SetGauge records the current value of a gauge.
func SetGauge(name string, value int64) {
	mu.Lock()
	latest[name] = value
	st := storage
	mu.Unlock()
	if st == nil {
		return
	}
	_ = st.InsertRows([]tstorage.Row{{
		Metric:    name,
		DataPoint: tstorage.DataPoint{Timestamp: time.Now().Unix(), Value: float64(value)},
	}})
}

// GetLatest returns the last value set for name.
func GetLatest(name string) (int64, bool) {
	mu.RLock()
	defer mu.RUnlock()
	v, ok := latest[name]
	return v, ok
}

// Snapshot returns the last value of every gauge.
func Snapshot() map[string]int64 {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(latest))
	for k, v := range latest {
		out[k] = v
	}
	return out
}

// Query returns the stored samples of name within [start, end].
func Query(name string, start, end time.Time) ([]Point, error) {
	mu.RLock()
	st := storage
	mu.RUnlock()
	if st == nil {
		return nil, nil
	}
	points, err := st.Select(name, nil, start.Unix(), end.Unix()+1)
	if errors.Is(err, tstorage.ErrNoDataPoints) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select %s", name)
	}
	out := make([]Point, 0, len(points))
	for _, p := range points {
		out = append(out, Point{Timestamp: p.Timestamp, Value: int64(p.Value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// Close flushes and closes the storage.
func Close() error {
	mu.Lock()
	st := storage
	storage = nil
	mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Close()
}
