package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/agentstream/internal/agent"
	"github.com/adred-codev/agentstream/internal/events"
	"github.com/adred-codev/agentstream/internal/eventlog"
	"github.com/adred-codev/agentstream/internal/lock"
	"github.com/adred-codev/agentstream/internal/publisher"
	"github.com/adred-codev/agentstream/internal/session"
	"github.com/adred-codev/agentstream/internal/store"
)

type fakeAgent struct {
	run func(ctx context.Context, req agent.Request, pub *publisher.Publisher, cancelled func() bool) error
}

func (f *fakeAgent) Run(ctx context.Context, req agent.Request, pub *publisher.Publisher, cancelled func() bool) error {
	return f.run(ctx, req, pub, cancelled)
}

type fakeRequeuer struct {
	jobs []Job
}

func (r *fakeRequeuer) Requeue(ctx context.Context, job Job, delay time.Duration) error {
	r.jobs = append(r.jobs, job)
	return nil
}

func newTestDispatcher(t *testing.T, a agent.Agent, rq Requeuer) (*Dispatcher, *eventlog.Log, *session.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.New(store.Config{URL: "redis://" + mr.Addr(), MaxConnections: 10})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sessions := session.New(s, time.Hour)
	log := eventlog.New(s, eventlog.Config{
		MaxLen:             1000,
		BlockTimeout:       50 * time.Millisecond,
		MaxPendingClaimAge: 30 * time.Second,
		DeliveredTTL:       time.Hour,
	})
	pub := publisher.New(s, log)
	d := New(s, sessions, pub, a, rq, zerolog.Nop())
	return d, log, sessions
}

func TestDispatchSuccessPublishesFinalAndCompletes(t *testing.T) {
	a := &fakeAgent{run: func(ctx context.Context, req agent.Request, pub *publisher.Publisher, cancelled func() bool) error {
		_, err := pub.PublishFinal(ctx, req.SessionID, "done", 10, nil)
		return err
	}}
	d, log, sessions := newTestDispatcher(t, a, nil)
	ctx := context.Background()

	_, err := sessions.Create(ctx, "s1", "hi", "", nil)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, Job{SessionID: "s1", Prompt: "hi"}))

	rec, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, rec.Status)

	require.NoError(t, log.EnsureGroup(ctx, "s1"))
	entries, err := log.ReadNew(ctx, "s1", "sse-test")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	require.Equal(t, events.TypeFinal, entries[len(entries)-1].Event.Type)
}

func TestDispatchEarlyCancelSkipsAgent(t *testing.T) {
	called := false
	a := &fakeAgent{run: func(ctx context.Context, req agent.Request, pub *publisher.Publisher, cancelled func() bool) error {
		called = true
		return nil
	}}
	d, log, sessions := newTestDispatcher(t, a, nil)
	ctx := context.Background()

	_, err := sessions.Create(ctx, "s1", "hi", "", nil)
	require.NoError(t, err)

	pub := publisher.New(d.store, log)
	require.NoError(t, pub.SetCancelFlag(ctx, "s1", time.Minute))

	require.NoError(t, d.Dispatch(ctx, Job{SessionID: "s1", Prompt: "hi"}))
	require.False(t, called)

	rec, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusCancelled, rec.Status)
}

func TestDispatchRetryableFailureRequeues(t *testing.T) {
	a := &fakeAgent{run: func(ctx context.Context, req agent.Request, pub *publisher.Publisher, cancelled func() bool) error {
		return ErrRetryable
	}}
	rq := &fakeRequeuer{}
	d, _, sessions := newTestDispatcher(t, a, rq)
	ctx := context.Background()

	_, err := sessions.Create(ctx, "s1", "hi", "", nil)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, Job{SessionID: "s1", Prompt: "hi", Attempt: 0}))
	require.Len(t, rq.jobs, 1)
	require.Equal(t, 1, rq.jobs[0].Attempt)
}

func TestDispatchRetriesExhaustedPublishesTerminalError(t *testing.T) {
	a := &fakeAgent{run: func(ctx context.Context, req agent.Request, pub *publisher.Publisher, cancelled func() bool) error {
		return ErrRetryable
	}}
	rq := &fakeRequeuer{}
	d, log, sessions := newTestDispatcher(t, a, rq)
	ctx := context.Background()

	_, err := sessions.Create(ctx, "s1", "hi", "", nil)
	require.NoError(t, err)

	require.NoError(t, d.Dispatch(ctx, Job{SessionID: "s1", Prompt: "hi", Attempt: maxRetries}))
	require.Empty(t, rq.jobs)

	rec, err := sessions.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, session.StatusError, rec.Status)

	require.NoError(t, log.EnsureGroup(ctx, "s1"))
	entries, err := log.ReadNew(ctx, "s1", "sse-test")
	require.NoError(t, err)
	var data events.ErrorData
	require.NoError(t, json.Unmarshal(entries[len(entries)-1].Event.Data, &data))
	require.False(t, data.Recoverable)
}

func TestDispatchDuplicateDispatchWhenLockHeld(t *testing.T) {
	a := &fakeAgent{run: func(ctx context.Context, req agent.Request, pub *publisher.Publisher, cancelled func() bool) error {
		return nil
	}}
	d, log, sessions := newTestDispatcher(t, a, nil)
	ctx := context.Background()
	_, err := sessions.Create(ctx, "s1", "hi", "", nil)
	require.NoError(t, err)

	heldLock, err := lock.Acquire(ctx, d.store, "session:s1:execute", 30*time.Second, time.Second)
	require.NoError(t, err)
	defer heldLock.Release(ctx)

	require.NoError(t, d.Dispatch(ctx, Job{SessionID: "s1", Prompt: "hi"}))

	require.NoError(t, log.EnsureGroup(ctx, "s1"))
	entries, err := log.ReadNew(ctx, "s1", "sse-test")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	var data events.ErrorData
	require.NoError(t, json.Unmarshal(entries[0].Event.Data, &data))
	require.Equal(t, "DuplicateDispatchError", data.ErrorType)
}
