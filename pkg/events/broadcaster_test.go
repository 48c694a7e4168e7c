package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/pkg/models"
	"github.com/switchboard-dev/switchboard/pkg/store"
)

func newTestBroadcaster(t *testing.T, bufferSize int) (*Broadcaster, store.EventStore) {
	st := store.NewMemoryStore()
	_, err := st.CreateSession(context.Background(), "sess-1", "")
	require.NoError(t, err)
	return NewBroadcaster(st, bufferSize), st
}

// appendAndNotify appends a request event and fans it out, the way the
// services layer does.
func appendAndNotify(t *testing.T, st store.EventStore, b *Broadcaster, turnID string) models.SessionEvent {
	t.Helper()
	evt, err := st.AppendEvent(context.Background(), store.AppendParams{
		SessionID: "sess-1",
		TurnID:    turnID,
		AgentName: "planner",
		Kind:      models.KindRequest,
		Payload:   []byte(turnID),
	})
	require.NoError(t, err)
	b.Notify("sess-1", evt)
	return evt
}

// collect receives n events or fails the test after a timeout.
func collect(t *testing.T, sub *Subscription, n int) []models.SessionEvent {
	t.Helper()
	var got []models.SessionEvent
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("events channel closed after %d of %d events, err=%v", len(got), n, sub.Err())
			}
			got = append(got, evt)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestSubscribeReplaysHistory(t *testing.T) {
	b, st := newTestBroadcaster(t, 0)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		appendAndNotify(t, st, b, fmt.Sprintf("t%d", i))
	}

	sub, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 5)
	for i, evt := range got {
		assert.Equal(t, int64(i+1), evt.Sequence)
	}
}

func TestSubscribeResumesAfterSequence(t *testing.T) {
	b, st := newTestBroadcaster(t, 0)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		appendAndNotify(t, st, b, fmt.Sprintf("t%d", i))
	}

	sub, err := b.Subscribe(ctx, "sess-1", 3)
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, 2)
	assert.Equal(t, int64(4), got[0].Sequence)
	assert.Equal(t, int64(5), got[1].Sequence)
}

func TestSubscribeReplayThenLiveNoGapNoDuplicate(t *testing.T) {
	b, st := newTestBroadcaster(t, 0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		appendAndNotify(t, st, b, fmt.Sprintf("t%d", i))
	}

	sub, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	// Live events appended while the subscriber drains replay.
	for i := 4; i <= 6; i++ {
		appendAndNotify(t, st, b, fmt.Sprintf("t%d", i))
	}

	got := collect(t, sub, 6)
	for i, evt := range got {
		assert.Equal(t, int64(i+1), evt.Sequence, "strict order with no gaps or duplicates")
	}
}

func TestSubscribeAtHighWaterSeesOnlyLive(t *testing.T) {
	b, st := newTestBroadcaster(t, 0)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		appendAndNotify(t, st, b, fmt.Sprintf("t%d", i))
	}

	sub, err := b.Subscribe(ctx, "sess-1", 3)
	require.NoError(t, err)
	defer sub.Close()

	appendAndNotify(t, st, b, "t4")

	got := collect(t, sub, 1)
	assert.Equal(t, int64(4), got[0].Sequence)
}

func TestSubscribeUnknownSession(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)

	_, err := b.Subscribe(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestTwoSubscribersSameOrder(t *testing.T) {
	b, st := newTestBroadcaster(t, 0)
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	defer sub1.Close()
	sub2, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	defer sub2.Close()

	for i := 1; i <= 4; i++ {
		appendAndNotify(t, st, b, fmt.Sprintf("t%d", i))
	}

	got1 := collect(t, sub1, 4)
	got2 := collect(t, sub2, 4)
	for i := range got1 {
		assert.Equal(t, got1[i].Sequence, got2[i].Sequence)
		assert.Equal(t, got1[i].EventID, got2[i].EventID)
	}
}

func TestSessionIsolation(t *testing.T) {
	b, st := newTestBroadcaster(t, 0)
	ctx := context.Background()
	_, err := st.CreateSession(ctx, "sess-2", "")
	require.NoError(t, err)

	sub, err := b.Subscribe(ctx, "sess-2", 0)
	require.NoError(t, err)
	defer sub.Close()

	appendAndNotify(t, st, b, "t1") // sess-1 only

	select {
	case evt := <-sub.Events():
		t.Fatalf("subscriber of sess-2 received event %d from another session", evt.Sequence)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberTerminated(t *testing.T) {
	b, st := newTestBroadcaster(t, 2)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	// Nobody reads sub.Events(); overflow the 2-slot live buffer. The pump
	// may drain one event into its send, so a few extra are needed.
	for i := 1; i <= 8; i++ {
		appendAndNotify(t, st, b, fmt.Sprintf("t%d", i))
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				assert.ErrorIs(t, sub.Err(), ErrSubscriberTooSlow)
				return
			}
		case <-deadline:
			t.Fatal("subscription was not terminated after overflow")
		}
	}
}

func TestSlowSubscriberDoesNotAffectOthers(t *testing.T) {
	b, st := newTestBroadcaster(t, 2)
	ctx := context.Background()

	slow, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	defer slow.Close()

	// Nobody reads slow; overflow its buffer.
	for i := 1; i <= 8; i++ {
		appendAndNotify(t, st, b, fmt.Sprintf("t%d", i))
	}

	// A fresh subscriber still observes the full ordered log: appends were
	// never blocked by the dead subscriber.
	healthy, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	defer healthy.Close()

	got := collect(t, healthy, 8)
	for i, evt := range got {
		assert.Equal(t, int64(i+1), evt.Sequence)
	}
}

func TestCloseUnblocksAndUnregisters(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount("sess-1"))

	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount("sess-1"))
	assert.NoError(t, sub.Err())

	_, ok := <-sub.Events()
	assert.False(t, ok)
}

func TestContextCancellationClosesSubscription(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				assert.Equal(t, 0, b.SubscriberCount("sess-1"))
				return
			}
		case <-deadline:
			t.Fatal("subscription did not close on context cancellation")
		}
	}
}

func TestShutdownClosesAllSubscriptions(t *testing.T) {
	b, _ := newTestBroadcaster(t, 0)
	ctx := context.Background()

	sub1, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)
	sub2, err := b.Subscribe(ctx, "sess-1", 0)
	require.NoError(t, err)

	b.Shutdown()

	_, ok := <-sub1.Events()
	assert.False(t, ok)
	_, ok = <-sub2.Events()
	assert.False(t, ok)
	assert.Equal(t, 0, b.SubscriberCount("sess-1"))
}
