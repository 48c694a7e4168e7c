// Package events fans out appended session events to live subscribers, with
// historical replay from a caller-chosen sequence on attach.
//
// Each subscriber sees its session's events in strictly increasing sequence
// order with no gaps and no duplicates. Delivery to each subscriber is
// independent: a slow subscriber overflows its own bounded buffer and is
// terminated with ErrSubscriberTooSlow without affecting appends or other
// subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/switchboard-dev/switchboard/pkg/models"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

// ErrSubscriberTooSlow terminates a subscription whose bounded live buffer
// overflowed. The subscriber must resubscribe, resuming from its last seen
// sequence.
var ErrSubscriberTooSlow = errors.New("subscriber too slow")

// replayPageSize bounds how many historical events are loaded per store read
// during replay, so large logs are streamed rather than held in memory.
const replayPageSize = 200

// DefaultBufferSize is the per-subscriber live buffer bound used when the
// caller passes 0.
const DefaultBufferSize = 256

// Broadcaster delivers appended events to all live subscribers of a session.
type Broadcaster struct {
	store      store.EventStore
	bufferSize int

	mu       sync.Mutex
	sessions map[string]map[*Subscription]struct{}
}

// NewBroadcaster creates a broadcaster that replays history from st and
// bounds each subscriber's live buffer at bufferSize events.
func NewBroadcaster(st store.EventStore, bufferSize int) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Broadcaster{
		store:      st,
		bufferSize: bufferSize,
		sessions:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe attaches a subscriber to a session. Events with sequence >
// resumeFrom are delivered in order on the returned subscription's channel:
// first historical events replayed from the store, then live events. The
// subscription stays open until the caller closes it, ctx is cancelled, or
// the live buffer overflows.
//
// A resumeFrom at or beyond the session's current high-water mark is valid:
// no replay happens and the subscriber only observes live events.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string, resumeFrom int64) (*Subscription, error) {
	// Register before reading the high-water mark so no event appended
	// after this point can be missed: it is either ≤ high (replayed) or
	// buffered live.
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &Subscription{
		broadcaster: b,
		sessionID:   sessionID,
		out:         make(chan models.SessionEvent),
		live:        make(chan models.SessionEvent, b.bufferSize),
		slow:        make(chan struct{}),
		done:        make(chan struct{}),
		cancel:      cancel,
	}
	b.register(sub)

	high, err := b.store.MaxSequence(ctx, sessionID)
	if err != nil {
		b.unregister(sub)
		cancel()
		return nil, err
	}

	go sub.pump(pumpCtx, resumeFrom, high)

	// Caller cancellation tears the subscription down promptly.
	stop := context.AfterFunc(ctx, sub.Close)
	go func() {
		<-sub.done
		stop()
	}()

	return sub, nil
}

// Notify delivers an appended event to every live subscriber of its session.
// It never blocks on slow subscribers: a full live buffer marks that
// subscriber as too slow and its subscription is terminated.
func (b *Broadcaster) Notify(sessionID string, evt models.SessionEvent) {
	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.sessions[sessionID]))
	for sub := range b.sessions[sessionID] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.live <- evt:
		default:
			sub.markSlow()
		}
	}
}

// SubscriberCount returns the number of live subscribers for a session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions[sessionID])
}

// Shutdown closes every subscription. In-flight buffered events are
// discarded.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	var all []*Subscription
	for _, subs := range b.sessions {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.Close()
	}
}

func (b *Broadcaster) register(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.sessions[sub.sessionID]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.sessions[sub.sessionID] = subs
	}
	subs[sub] = struct{}{}
}

func (b *Broadcaster) unregister(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.sessions[sub.sessionID]
	if !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.sessions, sub.sessionID)
	}
}

// readRange pages events in (after, upTo] out of the store and hands each to
// deliver. Used for replay and for backfilling notification gaps.
func (b *Broadcaster) readRange(ctx context.Context, sessionID string, after, upTo int64, deliver func(models.SessionEvent) bool) (int64, error) {
	last := after
	for last < upTo {
		batch, err := b.store.ReadEventsSince(ctx, sessionID, last, replayPageSize)
		if err != nil {
			return last, fmt.Errorf("replay events: %w", err)
		}
		if len(batch) == 0 {
			return last, nil
		}
		for _, evt := range batch {
			if evt.Sequence > upTo {
				return last, nil
			}
			if !deliver(evt) {
				return last, context.Canceled
			}
			last = evt.Sequence
		}
	}
	return last, nil
}
