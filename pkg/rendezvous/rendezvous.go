// Package rendezvous pairs a response event arriving on the subscribe stream
// with the intercepted caller blocked on that turn. Each waiter is a one-shot
// handle: it resolves exactly once, with a payload or a terminal error,
// regardless of how many resolutions race for it.
package rendezvous

import (
	"context"
	"errors"
	"sync"
)

// ErrTurnRegistered is returned by Register when the turn already has an
// unresolved waiter.
var ErrTurnRegistered = errors.New("turn already registered")

type result struct {
	payload []byte
	err     error
}

// Waiter is the one-shot synchronization handle an intercepted call suspends
// on.
type Waiter struct {
	turnID string
	ch     chan result
}

// Wait suspends until the waiter is resolved or ctx is cancelled. The
// suspension has no timeout by design; the caller's context is the only way
// out before a response arrives.
func (w *Waiter) Wait(ctx context.Context) ([]byte, error) {
	select {
	case res := <-w.ch:
		return res.payload, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Table correlates turn ids to their waiters. All methods are safe for
// concurrent use.
type Table struct {
	mu      sync.Mutex
	waiters map[string]*Waiter
}

// NewTable creates an empty rendezvous table.
func NewTable() *Table {
	return &Table{waiters: make(map[string]*Waiter)}
}

// Register creates a waiter for the turn. Fails with ErrTurnRegistered if an
// unresolved waiter already exists.
func (t *Table) Register(turnID string) (*Waiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.waiters[turnID]; exists {
		return nil, ErrTurnRegistered
	}
	w := &Waiter{turnID: turnID, ch: make(chan result, 1)}
	t.waiters[turnID] = w
	return w, nil
}

// Unregister removes the turn's waiter without resolving it. Used when the
// request submission fails or the caller cancels; a later response for the
// turn is then silently discarded.
func (t *Table) Unregister(turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waiters, turnID)
}

// Resolve wakes the turn's waiter with the response payload. Resolving an
// unknown or already-resolved turn is a silent no-op: replay after a
// reconnect re-delivers response events for turns that were already resolved.
func (t *Table) Resolve(turnID string, payload []byte) {
	t.complete(turnID, result{payload: payload})
}

// Fail wakes the turn's waiter with a terminal error.
func (t *Table) Fail(turnID string, err error) {
	t.complete(turnID, result{err: err})
}

// FailAll wakes every outstanding waiter with the error. Used on terminal
// disconnect when reconnection will not be attempted.
func (t *Table) FailAll(err error) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[string]*Waiter)
	t.mu.Unlock()

	for _, w := range waiters {
		w.ch <- result{err: err}
	}
}

// Outstanding returns the number of unresolved waiters.
func (t *Table) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

func (t *Table) complete(turnID string, res result) {
	t.mu.Lock()
	w, exists := t.waiters[turnID]
	if exists {
		delete(t.waiters, turnID)
	}
	t.mu.Unlock()

	if exists {
		w.ch <- res
	}
}
