package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/agentstream/internal/events"
	"github.com/adred-codev/agentstream/internal/eventlog"
	"github.com/adred-codev/agentstream/internal/store"
)

func newTestPublisher(t *testing.T) (*Publisher, *eventlog.Log) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.New(store.Config{URL: "redis://" + mr.Addr(), MaxConnections: 10})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	log := eventlog.New(s, eventlog.Config{
		MaxLen:             1000,
		BlockTimeout:       50 * time.Millisecond,
		MaxPendingClaimAge: 30 * time.Second,
		DeliveredTTL:       time.Hour,
	})
	return New(s, log), log
}

func TestPublishTraceRoundtrip(t *testing.T) {
	p, log := newTestPublisher(t)
	ctx := context.Background()

	_, err := p.PublishTrace(ctx, "s1", "thinking hard", "planning")
	require.NoError(t, err)

	require.NoError(t, log.EnsureGroup(ctx, "s1"))
	entries, err := log.ReadNew(ctx, "s1", "sse-0001")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, events.TypeTrace, entries[0].Event.Type)

	var data events.TraceData
	require.NoError(t, json.Unmarshal(entries[0].Event.Data, &data))
	require.Equal(t, "thinking hard", data.Thinking)
	require.Equal(t, "planning", data.Stage)
}

func TestPublishFinalWithUsage(t *testing.T) {
	p, log := newTestPublisher(t)
	ctx := context.Background()

	usage := &events.TokenUsage{PromptTokens: 10, CompletionTokens: 20}
	_, err := p.PublishFinal(ctx, "s1", "done", 123.4, usage)
	require.NoError(t, err)

	require.NoError(t, log.EnsureGroup(ctx, "s1"))
	entries, err := log.ReadNew(ctx, "s1", "sse-0001")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, events.TypeFinal, entries[0].Event.Type)
}

func TestCancelFlagLifecycle(t *testing.T) {
	p, _ := newTestPublisher(t)
	ctx := context.Background()

	cancelled, err := p.IsCancelled(ctx, "s1")
	require.NoError(t, err)
	require.False(t, cancelled)

	require.NoError(t, p.SetCancelFlag(ctx, "s1", time.Minute))
	cancelled, err = p.IsCancelled(ctx, "s1")
	require.NoError(t, err)
	require.True(t, cancelled)

	require.NoError(t, p.ClearCancelFlag(ctx, "s1"))
	cancelled, err = p.IsCancelled(ctx, "s1")
	require.NoError(t, err)
	require.False(t, cancelled)
}

func TestPublishErrorCarriesDetails(t *testing.T) {
	p, log := newTestPublisher(t)
	ctx := context.Background()

	_, err := p.PublishError(ctx, "s1", "boom", "CancellationError", false, map[string]any{"step": 3})
	require.NoError(t, err)

	require.NoError(t, log.EnsureGroup(ctx, "s1"))
	entries, err := log.ReadNew(ctx, "s1", "sse-0001")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var data events.ErrorData
	require.NoError(t, json.Unmarshal(entries[0].Event.Data, &data))
	require.Equal(t, "CancellationError", data.ErrorType)
	require.False(t, data.Recoverable)
}
