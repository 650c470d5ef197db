package backpressure

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/adred-codev/agentstream/internal/events"
)

func testEvent(t *testing.T) events.Event {
	t.Helper()
	ev, err := events.New(events.TypeTrace, events.TraceData{Thinking: "x"}, "")
	require.NoError(t, err)
	return ev
}

func TestPushPopRoundtrip(t *testing.T) {
	b := New(Config{MaxSize: 10, SlowThreshold: 8})
	ok := b.Push(testEvent(t))
	require.True(t, ok)

	ev, ok := b.Pop(time.Second)
	require.True(t, ok)
	require.Equal(t, events.TypeTrace, ev.Type)
}

func TestPushRejectedAfterClose(t *testing.T) {
	b := New(Config{MaxSize: 10, SlowThreshold: 8})
	b.Close()
	require.False(t, b.Push(testEvent(t)))
}

func TestPopReturnsFalseOnClosedEmpty(t *testing.T) {
	b := New(Config{MaxSize: 10, SlowThreshold: 8})
	b.Close()
	_, ok := b.Pop(50 * time.Millisecond)
	require.False(t, ok)
}

func TestThirdConsecutiveOverflowClosesWithError(t *testing.T) {
	b := New(Config{MaxSize: 1, SlowThreshold: 1})
	require.True(t, b.Push(testEvent(t)))

	require.False(t, b.Push(testEvent(t))) // overflow 1
	require.False(t, b.Push(testEvent(t))) // overflow 2
	require.False(t, b.Push(testEvent(t))) // overflow 3: closes

	snap := b.Snapshot()
	require.True(t, snap.Closed)
	require.Equal(t, "Client too slow", snap.Err)
	require.Equal(t, 3, snap.Overflows)
}

func TestConsecutiveOverflowResetsOnSuccessfulPush(t *testing.T) {
	b := New(Config{MaxSize: 1, SlowThreshold: 1})
	require.True(t, b.Push(testEvent(t)))
	require.False(t, b.Push(testEvent(t))) // overflow 1

	_, ok := b.Pop(time.Second)
	require.True(t, ok)

	require.True(t, b.Push(testEvent(t))) // succeeds, resets streak
	require.False(t, b.Push(testEvent(t)))
	require.False(t, b.Push(testEvent(t)))
	require.False(t, b.Snapshot().Closed)
}

func TestNextYieldsSyntheticErrorOnce(t *testing.T) {
	b := New(Config{MaxSize: 1, SlowThreshold: 1})
	require.True(t, b.Push(testEvent(t)))
	b.Push(testEvent(t))
	b.Push(testEvent(t))
	b.Push(testEvent(t)) // closes with "Client too slow"

	// Drain the queued event first.
	_, ok, done := b.Next(time.Second)
	require.True(t, ok)
	require.False(t, done)

	ev, ok, done := b.Next(time.Second)
	require.True(t, ok)
	require.True(t, done)
	require.Equal(t, events.TypeError, ev.Type)

	_, ok, done = b.Next(50 * time.Millisecond)
	require.False(t, ok)
	require.True(t, done)
}

func TestCloseIsIdempotent(t *testing.T) {
	b := New(Config{MaxSize: 10, SlowThreshold: 8})
	b.Close()
	b.Close()
	require.True(t, b.Snapshot().Closed)
}

func TestManagerRegisterSnapshotUnregister(t *testing.T) {
	mgr := NewManager()
	b := New(Config{MaxSize: 10, SlowThreshold: 8})
	mgr.Register("conn-1", b)
	require.Equal(t, 1, mgr.Active())

	snap := mgr.Snapshot()
	require.Contains(t, snap, "conn-1")

	mgr.Unregister("conn-1")
	require.Equal(t, 0, mgr.Active())
}
