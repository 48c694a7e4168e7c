// Package store provides the durable, append-only session event log and
// session metadata. Two implementations share one contract: a PostgreSQL
// store for production and an in-memory store for tests and demo runs.
package store

import (
	"context"
	"errors"

	"github.com/switchboard-dev/switchboard/pkg/models"
)

// Sentinel errors surfaced by EventStore implementations. The services layer
// maps these onto the coordinator's closed error-kind set.
var (
	// ErrSessionNotFound is returned when a session id is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession is returned when CreateSession collides on id.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrDuplicateTurn is returned when a second request event reuses a
	// turn id within a session.
	ErrDuplicateTurn = errors.New("turn already has a request")

	// ErrDuplicateResponse is returned when a second response event is
	// appended for an already-answered turn.
	ErrDuplicateResponse = errors.New("turn already has a response")
)

// AppendParams carries the caller-supplied fields of a new event. EventID,
// Sequence, and Timestamp are assigned by the store at append time.
type AppendParams struct {
	SessionID string
	TurnID    string
	AgentName string
	Kind      models.PayloadKind
	Payload   []byte
}

// EventStore is the durability contract for sessions and their event logs.
//
// Sequence allocation is serializable per session: two concurrent AppendEvent
// calls for the same session produce distinct, contiguous sequence numbers.
// Appends to different sessions may proceed in parallel. On restart no
// partially-appended event is visible.
type EventStore interface {
	// CreateSession persists a new session. Fails with ErrDuplicateSession
	// if the id is already taken.
	CreateSession(ctx context.Context, id, description string) (models.Session, error)

	// GetSession returns the session or ErrSessionNotFound.
	GetSession(ctx context.Context, id string) (models.Session, error)

	// ListSessions returns one page ordered by (created_at, id). An empty
	// cursor starts from the beginning.
	ListSessions(ctx context.Context, cursor string, limit int) (models.SessionPage, error)

	// AppendEvent atomically allocates the session's next sequence number
	// and persists the event. Fails with ErrSessionNotFound for unknown
	// sessions, ErrDuplicateTurn for a reused request turn id, and
	// ErrDuplicateResponse for a second response on a turn.
	AppendEvent(ctx context.Context, p AppendParams) (models.SessionEvent, error)

	// ReadEventsSince returns up to limit events with sequence > after, in
	// sequence order. Callers page through history with repeated calls so
	// arbitrarily large logs are never loaded at once.
	ReadEventsSince(ctx context.Context, sessionID string, after int64, limit int) ([]models.SessionEvent, error)

	// MaxSequence returns the highest sequence appended for the session,
	// or 0 when the log is empty. Fails with ErrSessionNotFound.
	MaxSequence(ctx context.Context, sessionID string) (int64, error)

	// HasRequest reports whether a request event exists for the turn.
	HasRequest(ctx context.Context, sessionID, turnID string) (bool, error)

	// PendingTurns returns the session's unanswered requests in append
	// order. Used to reconstruct the request queue after a restart.
	PendingTurns(ctx context.Context, sessionID string) ([]models.PendingTurn, error)

	// Close releases any underlying resources.
	Close() error
}
