package models

import "time"

// PayloadKind discriminates the two event types in a session's log.
type PayloadKind string

const (
	KindRequest  PayloadKind = "request"
	KindResponse PayloadKind = "response"
)

// Valid reports whether k is one of the two known payload kinds.
func (k PayloadKind) Valid() bool {
	return k == KindRequest || k == KindResponse
}

// SessionEvent is a durable, immutable record of a request or response
// submission within a session.
//
// Sequence is assigned by the event store at append time and is strictly
// increasing and dense within a session; it defines the canonical order.
// Timestamp is informational only and never used for ordering. Payload is an
// opaque blob: the coordinator transports it without parsing (it serializes
// to base64 in JSON).
type SessionEvent struct {
	EventID   string      `json:"event_id"`
	SessionID string      `json:"session_id"`
	Sequence  int64       `json:"sequence"`
	Timestamp time.Time   `json:"timestamp"`
	TurnID    string      `json:"turn_id"`
	AgentName string      `json:"agent_name"`
	Kind      PayloadKind `json:"kind"`
	Payload   []byte      `json:"payload"`
}

// PendingTurn is one entry of a session's pending-request FIFO: a request
// event whose turn has not yet received a response.
type PendingTurn struct {
	TurnID    string `json:"turn_id"`
	AgentName string `json:"agent_name"`
	EventID   string `json:"event_id"`
	Sequence  int64  `json:"sequence"`
}
