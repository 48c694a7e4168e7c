// Package queue tracks, per session, the FIFO of requests still awaiting a
// human response. The queue is memory-only; after a restart it is
// reconstructed on first access by scanning the event store for requests
// whose turn has no matching response.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/switchboard-dev/switchboard/pkg/models"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

// PendingQueue holds one FIFO per session. Enqueue order equals event append
// order; Dequeue removes by turn id and may remove from the middle, since
// responses can in principle arrive out of enqueue order.
type PendingQueue struct {
	store store.EventStore

	mu       sync.Mutex
	sessions map[string]*sessionQueue
}

type sessionQueue struct {
	turns []models.PendingTurn
}

// NewPendingQueue creates a queue backed by the given store for
// reconstruction.
func NewPendingQueue(st store.EventStore) *PendingQueue {
	return &PendingQueue{
		store:    st,
		sessions: make(map[string]*sessionQueue),
	}
}

// Enqueue appends a turn to the session's FIFO.
func (q *PendingQueue) Enqueue(ctx context.Context, sessionID string, turn models.PendingTurn) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, err := q.sessionLocked(ctx, sessionID)
	if err != nil {
		return err
	}
	// First access reconstructs from the store, which already contains the
	// event this call follows; skip turns the rebuild picked up.
	for _, existing := range sq.turns {
		if existing.TurnID == turn.TurnID {
			return nil
		}
	}
	sq.turns = append(sq.turns, turn)
	return nil
}

// Dequeue removes the turn from the session's FIFO. Removing an absent turn
// is a no-op, not an error.
func (q *PendingQueue) Dequeue(ctx context.Context, sessionID, turnID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, err := q.sessionLocked(ctx, sessionID)
	if err != nil {
		return err
	}
	for i, turn := range sq.turns {
		if turn.TurnID == turnID {
			sq.turns = append(sq.turns[:i], sq.turns[i+1:]...)
			return nil
		}
	}
	return nil
}

// Head returns the oldest pending turn, or ok=false when the queue is empty.
func (q *PendingQueue) Head(ctx context.Context, sessionID string) (models.PendingTurn, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, err := q.sessionLocked(ctx, sessionID)
	if err != nil {
		return models.PendingTurn{}, false, err
	}
	if len(sq.turns) == 0 {
		return models.PendingTurn{}, false, nil
	}
	return sq.turns[0], true, nil
}

// Snapshot returns a copy of the session's FIFO, head first.
func (q *PendingQueue) Snapshot(ctx context.Context, sessionID string) ([]models.PendingTurn, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sq, err := q.sessionLocked(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return append([]models.PendingTurn(nil), sq.turns...), nil
}

// Reconstruct forces a rebuild of the session's FIFO from the event store,
// discarding in-memory state. Called at startup for known sessions; first
// access after a restart reconstructs lazily regardless.
func (q *PendingQueue) Reconstruct(ctx context.Context, sessionID string) error {
	pending, err := q.store.PendingTurns(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reconstruct pending queue: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.sessions[sessionID] = &sessionQueue{turns: pending}
	return nil
}

// sessionLocked returns the session's FIFO, reconstructing it from the store
// on first access. Caller holds q.mu.
func (q *PendingQueue) sessionLocked(ctx context.Context, sessionID string) (*sessionQueue, error) {
	if sq, ok := q.sessions[sessionID]; ok {
		return sq, nil
	}
	pending, err := q.store.PendingTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reconstruct pending queue: %w", err)
	}
	sq := &sessionQueue{turns: pending}
	q.sessions[sessionID] = sq
	return sq, nil
}
