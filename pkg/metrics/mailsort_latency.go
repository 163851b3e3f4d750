// Package metrics tracks operation latencies with sliding-window
// percentiles. The daemon records LLM calls, IMAP fetches and duplex
// round-trips and exposes snapshots on the stats endpoint.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// Tracker keeps the most recent samples of one operation.
type Tracker struct {
	mu      sync.Mutex
	samples []int64 // microseconds
	window  int
	sorted  bool
}

// NewTracker keeps up to window samples; older ones fall off in chunks.
func NewTracker(window int) *Tracker {
	if window <= 0 {
		window = 1000
	}
	return &Tracker{samples: make([]int64, 0, window), window: window}
}

// Record adds one measurement.
func (t *Tracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.samples) >= t.window {
		// Drop the oldest tenth in one shift instead of one-by-one.
		drop := t.window / 10
		if drop < 1 {
			drop = 1
		}
		t.samples = t.samples[drop:]
	}
	t.samples = append(t.samples, d.Microseconds())
	t.sorted = false
}

// Snapshot computes the current statistics.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.samples)
	if n == 0 {
		return Snapshot{}
	}
	if !t.sorted {
		sort.Slice(t.samples, func(i, j int) bool { return t.samples[i] < t.samples[j] })
		t.sorted = true
	}

	var sum int64
	for _, v := range t.samples {
		sum += v
	}
	pct := func(p float64) time.Duration {
		idx := int(float64(n-1) * p)
		return time.Duration(t.samples[idx]) * time.Microsecond
	}
	return Snapshot{
		Count: n,
		Min:   time.Duration(t.samples[0]) * time.Microsecond,
		Max:   time.Duration(t.samples[n-1]) * time.Microsecond,
		Avg:   time.Duration(sum/int64(n)) * time.Microsecond,
		P50:   pct(0.50),
		P95:   pct(0.95),
		P99:   pct(0.99),
	}
}

// Snapshot is one tracker's statistics at a point in time.
type Snapshot struct {
	Count int           `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// Millis renders the snapshot with millisecond floats for the stats
// endpoint.
func (s Snapshot) Millis() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]any{
		"count":  s.Count,
		"min_ms": ms(s.Min),
		"max_ms": ms(s.Max),
		"avg_ms": ms(s.Avg),
		"p50_ms": ms(s.P50),
		"p95_ms": ms(s.P95),
		"p99_ms": ms(s.P99),
	}
}

// =============================================================================
// Registry
// =============================================================================

// Registry holds one tracker per named operation.
type Registry struct {
	mu       sync.RWMutex
	trackers map[string]*Tracker
	window   int
}

func NewRegistry(window int) *Registry {
	return &Registry{trackers: make(map[string]*Tracker), window: window}
}

// Record adds a measurement for the named operation, creating its tracker on
// first use.
func (r *Registry) Record(op string, d time.Duration) {
	r.mu.RLock()
	t, ok := r.trackers[op]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if t, ok = r.trackers[op]; !ok {
			t = NewTracker(r.window)
			r.trackers[op] = t
		}
		r.mu.Unlock()
	}
	t.Record(d)
}

// Time starts a measurement; call the returned func when the operation ends.
func (r *Registry) Time(op string) func() {
	start := time.Now()
	return func() { r.Record(op, time.Since(start)) }
}

// All returns snapshots for every operation seen so far.
func (r *Registry) All() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Snapshot, len(r.trackers))
	for op, t := range r.trackers {
		out[op] = t.Snapshot()
	}
	return out
}
