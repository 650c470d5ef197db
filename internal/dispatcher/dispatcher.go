// Package dispatcher implements the worker dispatcher of spec.md §4.9:
// lock-guarded idempotent dispatch, session status transitions, and
// retry with jittered exponential backoff. Grounded on
// original_source/fastapi_sse/workers/agent_task.py's Celery task
// (AgentTask.execute_agent_prompt): its retry/backoff policy (5s * 2^n
// capped at 60s, max 3 retries) and its status-transition sequence are
// carried over verbatim, re-expressed as an explicit Go state machine
// instead of Celery's decorator configuration.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentstream/internal/agent"
	"github.com/adred-codev/agentstream/internal/lock"
	"github.com/adred-codev/agentstream/internal/metrics"
	"github.com/adred-codev/agentstream/internal/publisher"
	"github.com/adred-codev/agentstream/internal/session"
	"github.com/adred-codev/agentstream/internal/store"
)

const (
	executeLockTTL     = 30 * time.Second
	executeLockWait    = 2 * time.Second
	maxRetries         = 3
	baseBackoff        = 5 * time.Second
	maxBackoff         = 60 * time.Second
	defaultWallTimeout = 120 * time.Second

	// workerTaskName labels worker_tasks_total (spec.md §6), named after
	// the Celery task this dispatcher's retry policy is grounded on.
	workerTaskName = "execute_agent_prompt"
)

// ErrRetryable marks a failure the dispatcher should retry (connection
// or store faults, per spec.md §4.9 step 6). Agents wrap their errors
// with this to opt into retry.
var ErrRetryable = errors.New("dispatcher: retryable failure")

// Job is one dispatch request (spec.md §4.9's dispatch() parameters).
type Job struct {
	SessionID string
	Prompt    string
	Context   any
	UserID    string
	TaskID    string
	Model     string
	Attempt   int
}

// Requeuer re-enqueues a job after a backoff delay. Implemented by
// internal/queue; kept as an interface here so dispatcher has no
// direct dependency on the transport.
type Requeuer interface {
	Requeue(ctx context.Context, job Job, delay time.Duration) error
}

// Dispatcher wires together the store (for the execute lock), the
// session record store, the event publisher, and one Agent
// implementation.
type Dispatcher struct {
	store       *store.Store
	sessions    *session.Store
	pub         *publisher.Publisher
	agentImpl   agent.Agent
	requeuer    Requeuer
	logger      zerolog.Logger
	wallTimeout time.Duration
	metrics     *metrics.Registry
}

func New(s *store.Store, sessions *session.Store, pub *publisher.Publisher, agentImpl agent.Agent, requeuer Requeuer, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		store:       s,
		sessions:    sessions,
		pub:         pub,
		agentImpl:   agentImpl,
		requeuer:    requeuer,
		logger:      logger,
		wallTimeout: defaultWallTimeout,
	}
}

// WithWallTimeout overrides the default 120s wall-clock budget.
func (d *Dispatcher) WithWallTimeout(t time.Duration) *Dispatcher {
	d.wallTimeout = t
	return d
}

// WithMetrics attaches the worker_tasks_total counter (spec.md §6).
// Optional; a nil registry is a no-op.
func (d *Dispatcher) WithMetrics(m *metrics.Registry) *Dispatcher {
	d.metrics = m
	return d
}

func (d *Dispatcher) recordTask(status string) {
	if d.metrics != nil {
		d.metrics.WorkerTasks.WithLabelValues(workerTaskName, status).Inc()
	}
}

// Dispatch runs one job end to end per spec.md §4.9's numbered steps.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	l, err := lock.Acquire(ctx, d.store, "session:"+job.SessionID+":execute", executeLockTTL, executeLockWait)
	if err != nil {
		d.recordTask("duplicate")
		if _, pubErr := d.pub.PublishError(ctx, job.SessionID, "Duplicate dispatch", "DuplicateDispatchError", false, nil); pubErr != nil {
			d.logger.Warn().Err(pubErr).Str("session_id", job.SessionID).Msg("failed to publish duplicate-dispatch error")
		}
		return nil
	}
	defer func() {
		if err := l.Release(ctx); err != nil && !errors.Is(err, lock.ErrNotOwner) {
			d.logger.Warn().Err(err).Str("session_id", job.SessionID).Msg("failed to release execute lock")
		}
	}()

	taskID := job.TaskID
	if taskID == "" {
		taskID = fmt.Sprintf("task-%d-%d", time.Now().UnixNano(), job.Attempt)
	}
	if _, err := d.sessions.Update(ctx, job.SessionID, map[string]any{
		"status":     string(session.StatusProcessing),
		"task_id":    taskID,
		"started_at": time.Now().Format(time.RFC3339Nano),
	}); err != nil {
		d.logger.Warn().Err(err).Str("session_id", job.SessionID).Msg("failed to transition session to processing")
	}

	cancelled, err := d.pub.IsCancelled(ctx, job.SessionID)
	if err != nil {
		d.logger.Warn().Err(err).Str("session_id", job.SessionID).Msg("cancel flag check failed")
	}
	if cancelled {
		d.recordTask("cancelled")
		d.terminal(ctx, job.SessionID, "Task cancelled before execution", "CancellationError", session.StatusCancelled)
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, d.wallTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.agentImpl.Run(runCtx, agent.Request{
			SessionID: job.SessionID,
			Prompt:    job.Prompt,
			UserID:    job.UserID,
			TaskID:    taskID,
		}, d.pub, func() bool {
			ok, err := d.pub.IsCancelled(runCtx, job.SessionID)
			if err != nil {
				return false
			}
			return ok
		})
	}()

	select {
	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			d.recordTask("timeout")
			d.terminal(ctx, job.SessionID, "Agent execution timed out", "TimeoutError", session.StatusTimeout)
			return nil
		}
		return runCtx.Err()

	case runErr := <-errCh:
		if runErr == nil {
			d.recordTask("completed")
			if err := d.sessions.SetStatus(ctx, job.SessionID, session.StatusCompleted); err != nil {
				d.logger.Warn().Err(err).Str("session_id", job.SessionID).Msg("failed to set completed status")
			}
			return nil
		}
		return d.handleFailure(ctx, job, runErr)
	}
}

func (d *Dispatcher) handleFailure(ctx context.Context, job Job, runErr error) error {
	if errors.Is(runErr, ErrRetryable) && job.Attempt < maxRetries {
		d.recordTask("retried")
		delay := backoffFor(job.Attempt)
		if _, err := d.pub.PublishTrace(ctx, job.SessionID,
			fmt.Sprintf("Retrying after error (attempt %d/%d): %v", job.Attempt+1, maxRetries, runErr),
			"retry"); err != nil {
			d.logger.Warn().Err(err).Msg("failed to publish retry trace")
		}
		next := job
		next.Attempt++
		if d.requeuer != nil {
			return d.requeuer.Requeue(ctx, next, delay)
		}
		return nil
	}

	d.recordTask("error")
	msg := runErr.Error()
	if errors.Is(runErr, ErrRetryable) {
		msg = fmt.Sprintf("Agent failed after %d retries: %v", maxRetries, runErr)
	}
	d.terminal(ctx, job.SessionID, msg, errorTypeName(runErr), session.StatusError)
	return nil
}

func (d *Dispatcher) terminal(ctx context.Context, sessionID, message, errorType string, status session.Status) {
	if _, err := d.pub.PublishError(ctx, sessionID, message, errorType, false, nil); err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to publish terminal error")
	}
	if err := d.sessions.SetStatus(ctx, sessionID, status); err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to set terminal status")
	}
}

func errorTypeName(err error) string {
	if errors.Is(err, ErrRetryable) {
		return "RetriesExhaustedError"
	}
	return "AgentError"
}

// backoffFor implements 5s * 2^n capped at 60s, with jitter, mirroring
// Celery's retry_backoff + retry_jitter=True.
func backoffFor(attempt int) time.Duration {
	d := baseBackoff * time.Duration(uint64(1)<<uint(attempt))
	if d > maxBackoff {
		d = maxBackoff
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}
