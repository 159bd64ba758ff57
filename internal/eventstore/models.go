// Package eventstore provides the PostgreSQL-backed persistence layer for a
// node's connection-lifecycle history: handshake outcomes, connection
// up/down transitions, and monitor-exit deliveries. It exposes a typed
// ConnectionEvent model and a Store that wraps a pgxpool connection pool
// with a batched insert path, queried by internal/adminapi.
package eventstore

import (
	"encoding/json"
	"time"
)

// EventType is the kind of connection-lifecycle event being recorded.
type EventType string

const (
	EventHandshakeSuccess EventType = "HANDSHAKE_SUCCESS"
	EventHandshakeFailure EventType = "HANDSHAKE_FAILURE"
	EventConnectionUp     EventType = "CONNECTION_UP"
	EventConnectionDown   EventType = "CONNECTION_DOWN"
	EventMonitorExit      EventType = "MONITOR_EXIT"
)

// ConnectionEvent maps to the `connection_events` table.
//
// Detail carries the raw JSONB payload (e.g. the handshake's negotiated
// flags, or a monitor-exit's reason term rendered as text). The column is
// JSONB, so the JSON value round-trips but PostgreSQL may normalise its
// whitespace and key order on read. A nil Detail is stored as SQL NULL and
// returned as a nil json.RawMessage.
type ConnectionEvent struct {
	EventID    string          `json:"event_id"`
	NodeName   string          `json:"node_name"`
	PeerName   string          `json:"peer_name"`
	EventType  EventType       `json:"event_type"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
//
// From and To are mandatory and bracket the occurred_at column. Limit
// defaults to 100 when <= 0. An empty PeerName matches every peer.
type EventQuery struct {
	PeerName string
	From     time.Time
	To       time.Time
	Limit    int
	Offset   int
}
