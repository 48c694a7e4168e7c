package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchboard-dev/switchboard/pkg/models"
)

// runStoreSuite exercises the EventStore contract against one backend. Both
// backends run the same suite so their semantics cannot drift apart.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) EventStore) {
	ctx := context.Background()

	t.Run("create and get session", func(t *testing.T) {
		st := newStore(t)
		created, err := st.CreateSession(ctx, "sess-1", "demo run")
		require.NoError(t, err)
		assert.Equal(t, "sess-1", created.ID)
		assert.Equal(t, "demo run", created.Description)
		assert.False(t, created.CreatedAt.IsZero())

		got, err := st.GetSession(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, created.Description, got.Description)
	})

	t.Run("duplicate session id", func(t *testing.T) {
		st := newStore(t)
		_, err := st.CreateSession(ctx, "sess-1", "")
		require.NoError(t, err)

		_, err = st.CreateSession(ctx, "sess-1", "again")
		assert.ErrorIs(t, err, ErrDuplicateSession)
	})

	t.Run("unknown session", func(t *testing.T) {
		st := newStore(t)
		_, err := st.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = st.MaxSequence(ctx, "nope")
		assert.ErrorIs(t, err, ErrSessionNotFound)

		_, err = st.AppendEvent(ctx, AppendParams{
			SessionID: "nope", TurnID: "t1", Kind: models.KindRequest,
		})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("list sessions pagination", func(t *testing.T) {
		st := newStore(t)
		for i := 0; i < 5; i++ {
			_, err := st.CreateSession(ctx, fmt.Sprintf("sess-%d", i), "")
			require.NoError(t, err)
		}

		var seen []string
		cursor := ""
		for {
			page, err := st.ListSessions(ctx, cursor, 2)
			require.NoError(t, err)
			require.LessOrEqual(t, len(page.Sessions), 2)
			for _, sess := range page.Sessions {
				seen = append(seen, sess.ID)
			}
			if page.NextCursor == "" {
				break
			}
			cursor = page.NextCursor
		}
		require.Len(t, seen, 5)
		assert.True(t, sort.StringsAreSorted(seen), "pages follow (created_at, id) order")
		unique := make(map[string]bool)
		for _, id := range seen {
			assert.False(t, unique[id], "session %s paged twice", id)
			unique[id] = true
		}
	})

	t.Run("append assigns contiguous sequences", func(t *testing.T) {
		st := newStore(t)
		_, err := st.CreateSession(ctx, "sess-1", "")
		require.NoError(t, err)

		for i := 1; i <= 3; i++ {
			evt, err := st.AppendEvent(ctx, AppendParams{
				SessionID: "sess-1",
				TurnID:    fmt.Sprintf("turn-%d", i),
				AgentName: "planner",
				Kind:      models.KindRequest,
				Payload:   []byte("hello"),
			})
			require.NoError(t, err)
			assert.Equal(t, int64(i), evt.Sequence)
			assert.NotEmpty(t, evt.EventID)
			assert.False(t, evt.Timestamp.IsZero())
		}

		max, err := st.MaxSequence(ctx, "sess-1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), max)
	})

	t.Run("sequences independent per session", func(t *testing.T) {
		st := newStore(t)
		_, err := st.CreateSession(ctx, "sess-a", "")
		require.NoError(t, err)
		_, err = st.CreateSession(ctx, "sess-b", "")
		require.NoError(t, err)

		evtA, err := st.AppendEvent(ctx, AppendParams{SessionID: "sess-a", TurnID: "t1", Kind: models.KindRequest})
		require.NoError(t, err)
		evtB, err := st.AppendEvent(ctx, AppendParams{SessionID: "sess-b", TurnID: "t1", Kind: models.KindRequest})
		require.NoError(t, err)

		assert.Equal(t, int64(1), evtA.Sequence)
		assert.Equal(t, int64(1), evtB.Sequence)
	})

	t.Run("duplicate request turn", func(t *testing.T) {
		st := newStore(t)
		_, err := st.CreateSession(ctx, "sess-1", "")
		require.NoError(t, err)

		_, err = st.AppendEvent(ctx, AppendParams{SessionID: "sess-1", TurnID: "t1", Kind: models.KindRequest})
		require.NoError(t, err)

		_, err = st.AppendEvent(ctx, AppendParams{SessionID: "sess-1", TurnID: "t1", Kind: models.KindRequest})
		assert.ErrorIs(t, err, ErrDuplicateTurn)

		// The failed append must not burn a sequence number visible to readers.
		evt, err := st.AppendEvent(ctx, AppendParams{SessionID: "sess-1", TurnID: "t2", Kind: models.KindRequest})
		require.NoError(t, err)
		events, err := st.ReadEventsSince(ctx, "sess-1", 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].Sequence)
		assert.Equal(t, evt.Sequence, events[1].Sequence)
	})

	t.Run("duplicate response", func(t *testing.T) {
		st := newStore(t)
		_, err := st.CreateSession(ctx, "sess-1", "")
		require.NoError(t, err)

		_, err = st.AppendEvent(ctx, AppendParams{SessionID: "sess-1", TurnID: "t1", Kind: models.KindRequest})
		require.NoError(t, err)
		_, err = st.AppendEvent(ctx, AppendParams{SessionID: "sess-1", TurnID: "t1", Kind: models.KindResponse})
		require.NoError(t, err)

		_, err = st.AppendEvent(ctx, AppendParams{SessionID: "sess-1", TurnID: "t1", Kind: models.KindResponse})
		assert.ErrorIs(t, err, ErrDuplicateResponse)
	})

	t.Run("read events since pages in order", func(t *testing.T) {
		st := newStore(t)
		_, err := st.CreateSession(ctx, "sess-1", "")
		require.NoError(t, err)

		for i := 1; i <= 7; i++ {
			_, err := st.AppendEvent(ctx, AppendParams{
				SessionID: "sess-1",
				TurnID:    fmt.Sprintf("turn-%d", i),
				Kind:      models.KindRequest,
				Payload:   []byte{byte(i)},
			})
			require.NoError(t, err)
		}

		var got []models.SessionEvent
		after := int64(2)
		for {
			batch, err := st.ReadEventsSince(ctx, "sess-1", after, 3)
			require.NoError(t, err)
			if len(batch) == 0 {
				break
			}
			got = append(got, batch...)
			after = batch[len(batch)-1].Sequence
		}
		require.Len(t, got, 5)
		for i, evt := range got {
			assert.Equal(t, int64(3+i), evt.Sequence)
		}
	})

	t.Run("has request", func(t *testing.T) {
		st := newStore(t)
		_, err := st.CreateSession(ctx, "sess-1", "")
		require.NoError(t, err)

		ok, err := st.HasRequest(ctx, "sess-1", "t1")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = st.AppendEvent(ctx, AppendParams{SessionID: "sess-1", TurnID: "t1", Kind: models.KindRequest})
		require.NoError(t, err)

		ok, err = st.HasRequest(ctx, "sess-1", "t1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("pending turns in append order", func(t *testing.T) {
		st := newStore(t)
		_, err := st.CreateSession(ctx, "sess-1", "")
		require.NoError(t, err)

		for _, turnID := range []string{"t1", "t2", "t3"} {
			_, err := st.AppendEvent(ctx, AppendParams{
				SessionID: "sess-1", TurnID: turnID, AgentName: "planner", Kind: models.KindRequest,
			})
			require.NoError(t, err)
		}
		// Answer the middle turn; t1 and t3 remain pending in order.
		_, err = st.AppendEvent(ctx, AppendParams{SessionID: "sess-1", TurnID: "t2", Kind: models.KindResponse})
		require.NoError(t, err)

		pending, err := st.PendingTurns(ctx, "sess-1")
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "t1", pending[0].TurnID)
		assert.Equal(t, "t3", pending[1].TurnID)
		assert.Equal(t, "planner", pending[0].AgentName)
	})

	t.Run("concurrent appends serialize", func(t *testing.T) {
		st := newStore(t)
		_, err := st.CreateSession(ctx, "sess-1", "")
		require.NoError(t, err)

		const n = 20
		var wg sync.WaitGroup
		seqs := make([]int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				evt, err := st.AppendEvent(ctx, AppendParams{
					SessionID: "sess-1",
					TurnID:    fmt.Sprintf("turn-%d", i),
					Kind:      models.KindRequest,
				})
				assert.NoError(t, err)
				seqs[i] = evt.Sequence
			}(i)
		}
		wg.Wait()

		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for i, seq := range seqs {
			assert.Equal(t, int64(i+1), seq, "sequences must be contiguous from 1")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) EventStore {
		return NewMemoryStore()
	})
}

func TestCursorRoundTrip(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := st.CreateSession(ctx, fmt.Sprintf("sess-%d", i), "")
		require.NoError(t, err)
	}

	page, err := st.ListSessions(ctx, "", 2)
	require.NoError(t, err)
	require.NotEmpty(t, page.NextCursor)

	ts, id, err := decodeCursor(page.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, page.Sessions[1].ID, id)
	assert.True(t, ts.Equal(page.Sessions[1].CreatedAt))
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	_, _, err := decodeCursor("not-base64!!")
	assert.Error(t, err)

	_, _, err = decodeCursor("aGVsbG8=") // valid base64, wrong shape
	assert.Error(t, err)
}
