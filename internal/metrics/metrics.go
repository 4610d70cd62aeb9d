package metrics

import "sync"

// Counter names shared by the relay and the peer sessions.
const (
	RelayConnections        = "relay_connections"
	RelayAuthRejected       = "relay_auth_rejected"
	RelayEventsIn           = "relay_events_in"
	RelayEventsOut          = "relay_events_out"
	RelayEventsDropped      = "relay_events_dropped"
	RelayRoomsCreated       = "relay_rooms_created"
	RelayRoomsClosed        = "relay_rooms_closed"
	RelayJoins              = "relay_joins"
	RelayJoinsRoomNotFound  = "relay_joins_room_not_found"
	RelayUndeliverable      = "relay_undeliverable"
	SessionRequests         = "session_requests"
	SessionRequestTimeouts  = "session_request_timeouts"
	SessionOffersSent       = "session_offers_sent"
	SessionAnswersSent      = "session_answers_sent"
	SessionPeersConnected   = "session_peers_connected"
	SessionPeersDisconnects = "session_peers_disconnected"
)

// Drop reasons.
const (
	DropReasonRateLimited = "rate_limited"
	DropReasonTooLarge    = "too_large"
	DropReasonMalformed   = "malformed"
	DropReasonUnknown     = "unknown_event"
	DropReasonWrongRole   = "wrong_role"
)

// Dropped names the per-reason drop counter.
func Dropped(reason string) string {
	return RelayEventsDropped + "_" + reason
}

// Metrics is a concurrency-safe counter registry. A nil *Metrics ignores
// increments, so callers don't need to check whether metrics are enabled.
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

// Snapshot copies every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
