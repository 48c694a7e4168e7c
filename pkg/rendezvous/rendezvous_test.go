package rendezvous

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWakesWaiter(t *testing.T) {
	tbl := NewTable()
	w, err := tbl.Register("t1")
	require.NoError(t, err)

	go tbl.Resolve("t1", []byte("answer"))

	payload, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), payload)
	assert.Equal(t, 0, tbl.Outstanding())
}

func TestRegisterDuplicateTurn(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Register("t1")
	require.NoError(t, err)

	_, err = tbl.Register("t1")
	assert.ErrorIs(t, err, ErrTurnRegistered)
}

func TestRegisterAfterResolveAllowed(t *testing.T) {
	tbl := NewTable()
	w, err := tbl.Register("t1")
	require.NoError(t, err)
	tbl.Resolve("t1", nil)
	_, err = w.Wait(context.Background())
	require.NoError(t, err)

	_, err = tbl.Register("t1")
	assert.NoError(t, err)
}

func TestResolveUnknownTurnIsNoop(t *testing.T) {
	tbl := NewTable()
	tbl.Resolve("never-registered", []byte("ignored"))
	assert.Equal(t, 0, tbl.Outstanding())
}

func TestResolveIsIdempotent(t *testing.T) {
	tbl := NewTable()
	w, err := tbl.Register("t1")
	require.NoError(t, err)

	tbl.Resolve("t1", []byte("first"))
	tbl.Resolve("t1", []byte("second")) // replay after reconnect

	payload, err := w.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), payload)
}

func TestFailWakesWaiterWithError(t *testing.T) {
	tbl := NewTable()
	w, err := tbl.Register("t1")
	require.NoError(t, err)

	boom := errors.New("boom")
	tbl.Fail("t1", boom)

	_, err = w.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFailAll(t *testing.T) {
	tbl := NewTable()
	w1, err := tbl.Register("t1")
	require.NoError(t, err)
	w2, err := tbl.Register("t2")
	require.NoError(t, err)

	boom := errors.New("connection lost")
	tbl.FailAll(boom)

	_, err = w1.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	_, err = w2.Wait(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, tbl.Outstanding())
}

func TestWaitHonorsContext(t *testing.T) {
	tbl := NewTable()
	w, err := tbl.Register("t1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = w.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// A response arriving after cancellation is discarded, not delivered.
	tbl.Unregister("t1")
	tbl.Resolve("t1", []byte("late"))
	assert.Equal(t, 0, tbl.Outstanding())
}

func TestUnregisterDropsWaiter(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Register("t1")
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Outstanding())

	tbl.Unregister("t1")
	assert.Equal(t, 0, tbl.Outstanding())
}
