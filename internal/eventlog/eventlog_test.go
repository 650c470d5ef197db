package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/agentstream/internal/events"
	"github.com/adred-codev/agentstream/internal/store"
)

func newTestLog(t *testing.T) (*Log, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.New(store.Config{URL: "redis://" + mr.Addr(), MaxConnections: 10})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	l := New(s, Config{
		MaxLen:             1000,
		BlockTimeout:       50 * time.Millisecond,
		MaxPendingClaimAge: 30 * time.Second,
		DeliveredTTL:       time.Hour,
	})
	return l, mr
}

func appendEvent(t *testing.T, l *Log, sessionID string, typ events.Type) string {
	t.Helper()
	ev, err := events.New(typ, events.TraceData{Stage: "thinking"}, "")
	require.NoError(t, err)
	id, err := l.Append(context.Background(), sessionID, ev)
	require.NoError(t, err)
	return id
}

func TestAppendAndReadNew(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	appendEvent(t, l, "s1", events.TypeTrace)
	require.NoError(t, l.EnsureGroup(ctx, "s1"))

	entries, err := l.ReadNew(ctx, "s1", "sse-aaaa0001")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, events.TypeTrace, entries[0].Event.Type)
}

func TestEnsureGroupIdempotent(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendEvent(t, l, "s1", events.TypeTrace)

	require.NoError(t, l.EnsureGroup(ctx, "s1"))
	require.NoError(t, l.EnsureGroup(ctx, "s1"))
}

func TestAckRemovesFromPending(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.EnsureGroup(ctx, "s1"))
	appendEvent(t, l, "s1", events.TypeTrace)

	entries, err := l.ReadNew(ctx, "s1", "sse-aaaa0001")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, l.Ack(ctx, "s1", entries[0].ID))

	pending, err := l.OwnPending(ctx, "s1", "sse-aaaa0001")
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestOwnPendingReturnsUnackedEntries(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.EnsureGroup(ctx, "s1"))
	appendEvent(t, l, "s1", events.TypeTrace)

	_, err := l.ReadNew(ctx, "s1", "sse-aaaa0001")
	require.NoError(t, err)

	// Not acked: still pending for the same consumer.
	pending, err := l.OwnPending(ctx, "s1", "sse-aaaa0001")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestClaimPendingReassignsIdleEntries(t *testing.T) {
	l, mr := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.EnsureGroup(ctx, "s1"))
	appendEvent(t, l, "s1", events.TypeTrace)

	_, err := l.ReadNew(ctx, "s1", "sse-aaaa0001")
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)

	claimed, err := l.ClaimPending(ctx, "s1", "sse-bbbb0002")
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}

func TestClaimPendingSkipsFreshEntries(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.EnsureGroup(ctx, "s1"))
	appendEvent(t, l, "s1", events.TypeTrace)

	_, err := l.ReadNew(ctx, "s1", "sse-aaaa0001")
	require.NoError(t, err)

	claimed, err := l.ClaimPending(ctx, "s1", "sse-bbbb0002")
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func TestMarkDeliveredDedup(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()

	fresh, err := l.MarkDelivered(ctx, "s1", "evt-1")
	require.NoError(t, err)
	require.True(t, fresh)

	fresh, err = l.MarkDelivered(ctx, "s1", "evt-1")
	require.NoError(t, err)
	require.False(t, fresh)
}

func TestCleanupRemovesStreamAndDeliveredSet(t *testing.T) {
	l, _ := newTestLog(t)
	ctx := context.Background()
	appendEvent(t, l, "s1", events.TypeTrace)
	_, err := l.MarkDelivered(ctx, "s1", "evt-1")
	require.NoError(t, err)

	require.NoError(t, l.Cleanup(ctx, "s1"))

	require.NoError(t, l.EnsureGroup(ctx, "s1"))
	entries, err := l.ReadNew(ctx, "s1", "sse-aaaa0001")
	require.NoError(t, err)
	require.Empty(t, entries)

	fresh, err := l.MarkDelivered(ctx, "s1", "evt-1")
	require.NoError(t, err)
	require.True(t, fresh)
}
