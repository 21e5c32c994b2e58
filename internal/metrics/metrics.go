package metrics

import "sync"

// Event counter names used across the relay. Names are intentionally simple
// strings; the /metrics handler exposes them all under a single metric with
// an `event` label.
const (
	CallsInitiated = "calls_initiated"
	CallsAccepted  = "calls_accepted"
	CallsRejected  = "calls_rejected"
	CallsEnded     = "calls_ended"

	SignalsRelayed = "signals_relayed"
	SignalsQueued  = "signals_queued"

	DropReasonStale         = "signal_dropped_stale"
	DropReasonRetryExceeded = "signal_dropped_retry_exceeded"
	DropReasonRateLimited   = "rate_limited"

	DeliveryFailures  = "delivery_failures"
	PresenceEvictions = "presence_evictions"
	AuthFailures      = "auth_failures"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps relay enforcement logic testable without pulling in a metrics
// backend; the /metrics endpoint exposes it in Prometheus text format.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
