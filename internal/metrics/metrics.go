package metrics

import "sync"

// Counter names used across the relay. Kept as plain strings so a future
// metrics backend can map them without touching call sites.
const (
	AuthFailure = "auth_failure"

	EventsDropped               = "events_dropped"
	MessagesRejected            = "messages_rejected"
	RateLimited                 = "rate_limited"
	PeerUnreachable             = "peer_unreachable"
	CallsStarted                = "calls_started"
	CallsConnected              = "calls_connected"
	CallsRejected               = "calls_rejected"
	CallsEnded                  = "calls_ended"
	CallsBusy                   = "calls_busy"
	CallsTerminatedOnDisconnect = "calls_terminated_on_disconnect"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It exists to keep relay logic observable and testable without committing to
// a metrics backend.
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
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
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

// Snapshot returns a copy of all counters, for the debug endpoint.
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
