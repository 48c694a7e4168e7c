package events

import (
	"context"
	"errors"
	"sync"

	"github.com/switchboard-dev/switchboard/pkg/models"
)

// Subscription is one subscriber's ordered view of a session's event log.
// Consume events from Events() until it closes, then inspect Err().
type Subscription struct {
	broadcaster *Broadcaster
	sessionID   string

	out  chan models.SessionEvent // delivery to the consumer
	live chan models.SessionEvent // bounded buffer fed by Notify
	slow chan struct{}            // closed when the live buffer overflows
	done chan struct{}            // closed when the pump exits

	slowOnce  sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc

	errMu sync.Mutex
	err   error
}

// Events returns the ordered event channel. It is closed when the
// subscription ends; Err() reports why.
func (s *Subscription) Events() <-chan models.SessionEvent {
	return s.out
}

// Err returns the terminal error after Events() closes: nil for caller
// cancellation or shutdown, ErrSubscriberTooSlow on buffer overflow, or a
// storage error from replay.
func (s *Subscription) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Close cancels the subscription and releases its resources. Buffered
// undelivered events are discarded. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.broadcaster.unregister(s)
		s.cancel()
	})
	<-s.done
}

// markSlow records a live-buffer overflow. Called from the notify path; the
// pump observes the closed channel and terminates the subscription.
func (s *Subscription) markSlow() {
	s.slowOnce.Do(func() { close(s.slow) })
}

func (s *Subscription) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// pump is the single delivery goroutine: replay history up to the high-water
// mark recorded at subscribe time, then switch to the live buffer. Sequence
// numbers are tracked so raced notifications are deduplicated and gaps are
// backfilled from the store, preserving strict order.
func (s *Subscription) pump(ctx context.Context, resumeFrom, high int64) {
	defer close(s.done)
	defer close(s.out)
	defer s.broadcaster.unregister(s)

	last := resumeFrom

	// Replay phase: events ≤ high, > resumeFrom.
	if last < high {
		newLast, err := s.broadcaster.readRange(ctx, s.sessionID, last, high, func(evt models.SessionEvent) bool {
			return s.send(ctx, evt)
		})
		last = newLast
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.setErr(err)
			}
			return
		}
	}

	// Live phase: drain the buffer, then keep delivering.
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.slow:
			s.setErr(ErrSubscriberTooSlow)
			return
		case evt := <-s.live:
			if evt.Sequence <= last {
				continue // duplicate of a replayed event
			}
			if evt.Sequence > last+1 {
				// Notifications raced out of order; the missing
				// events are already durable, so backfill.
				newLast, err := s.broadcaster.readRange(ctx, s.sessionID, last, evt.Sequence-1, func(e models.SessionEvent) bool {
					return s.send(ctx, e)
				})
				last = newLast
				if err != nil {
					if !errors.Is(err, context.Canceled) {
						s.setErr(err)
					}
					return
				}
			}
			if evt.Sequence <= last {
				continue
			}
			if !s.send(ctx, evt) {
				return
			}
			last = evt.Sequence
		}
	}
}

// send hands one event to the consumer, aborting on cancellation or when the
// notify path flagged the subscriber as too slow while we were blocked.
func (s *Subscription) send(ctx context.Context, evt models.SessionEvent) bool {
	select {
	case s.out <- evt:
		return true
	case <-s.slow:
		s.setErr(ErrSubscriberTooSlow)
		return false
	case <-ctx.Done():
		return false
	}
}
