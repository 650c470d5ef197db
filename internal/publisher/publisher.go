// Package publisher implements the worker-side event publisher of
// spec.md §4.6: a synchronous wrapper over the event log plus a
// cooperative cancellation flag. Grounded on the teacher's
// kafka.BroadcastFunc callback shape inverted (publish-from-worker
// rather than consume-into-broadcast) and on
// original_source/fastapi_sse/workers/event_publisher.py's method
// surface.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/adred-codev/agentstream/internal/events"
	"github.com/adred-codev/agentstream/internal/eventlog"
	"github.com/adred-codev/agentstream/internal/session"
	"github.com/adred-codev/agentstream/internal/store"
)

const defaultCancelFlagTTL = time.Hour

func cancelKey(sessionID string) string { return fmt.Sprintf("cancel:%s", sessionID) }

// analyticsSink mirrors terminal events to an external sink. Satisfied
// by *internal/analytics.Sink; kept as an interface so publisher has no
// direct Kafka dependency. A nil sink (the zero value of this field) is
// valid: WithAnalytics is the only way to set one.
type analyticsSink interface {
	Mirror(sessionID, userID, taskID string, ev events.Event)
}

// Publisher is the worker-side handle a dispatcher hands to an Agent.
type Publisher struct {
	s        *store.Store
	log      *eventlog.Log
	sessions *session.Store
	sink     analyticsSink
}

func New(s *store.Store, log *eventlog.Log) *Publisher {
	return &Publisher{s: s, log: log}
}

// WithAnalytics attaches a best-effort terminal-event mirror (spec.md's
// DOMAIN STACK analytics sink) and the session store Mirror needs to
// look up user_id/task_id. Returns the receiver for chaining at
// construction time.
func (p *Publisher) WithAnalytics(sink analyticsSink, sessions *session.Store) *Publisher {
	p.sink = sink
	p.sessions = sessions
	return p
}

// Publish appends one event to the session's log, returning the
// assigned entry id. Store failures propagate to the caller (the
// dispatcher) to decide on retry (spec.md §4.6). Terminal events are
// additionally mirrored to the analytics sink, if one is attached.
func (p *Publisher) Publish(ctx context.Context, sessionID string, typ events.Type, data any, eventID string) (string, error) {
	ev, err := events.New(typ, data, eventID)
	if err != nil {
		return "", fmt.Errorf("publisher: encode event: %w", err)
	}
	id, err := p.log.Append(ctx, sessionID, ev)
	if err != nil {
		return "", err
	}

	if p.sink != nil && ev.Type.Terminal() {
		userID, taskID := "", ""
		if p.sessions != nil {
			if rec, err := p.sessions.Get(ctx, sessionID); err == nil && rec != nil {
				userID, taskID = rec.UserID, rec.TaskID
			}
		}
		p.sink.Mirror(sessionID, userID, taskID, ev)
	}

	return id, nil
}

func (p *Publisher) PublishTrace(ctx context.Context, sessionID, thinking, stage string) (string, error) {
	return p.Publish(ctx, sessionID, events.TypeTrace, events.TraceData{Thinking: thinking, Stage: stage}, "")
}

func (p *Publisher) PublishToolCall(ctx context.Context, sessionID, toolName string, toolInput any, callID string) (string, error) {
	return p.Publish(ctx, sessionID, events.TypeToolCall, events.ToolCallData{
		ToolName: toolName, ToolInput: toolInput, CallID: callID,
	}, "")
}

func (p *Publisher) PublishToolResult(ctx context.Context, sessionID, toolName string, result any, callID string, success bool, durationMS float64) (string, error) {
	return p.Publish(ctx, sessionID, events.TypeToolResult, events.ToolResultData{
		ToolName: toolName, Result: result, CallID: callID, Success: success, DurationMS: durationMS,
	}, "")
}

func (p *Publisher) PublishFinal(ctx context.Context, sessionID, response string, totalDurationMS float64, usage *events.TokenUsage) (string, error) {
	return p.Publish(ctx, sessionID, events.TypeFinal, events.FinalData{
		Response: response, TotalDurationMS: totalDurationMS, TokenUsage: usage,
	}, "")
}

func (p *Publisher) PublishError(ctx context.Context, sessionID, message, errorType string, recoverable bool, details map[string]any) (string, error) {
	return p.Publish(ctx, sessionID, events.TypeError, events.ErrorData{
		Message: message, ErrorType: errorType, Recoverable: recoverable, Details: details,
	}, "")
}

// IsCancelled checks the cancellation flag (spec.md §4.6, §3
// "Cancellation Flag").
func (p *Publisher) IsCancelled(ctx context.Context, sessionID string) (bool, error) {
	return p.s.Exists(ctx, cancelKey(sessionID))
}

// SetCancelFlag sets the cooperative cancellation flag. ttl<=0 uses
// the default 1h (spec.md §3).
func (p *Publisher) SetCancelFlag(ctx context.Context, sessionID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultCancelFlagTTL
	}
	return p.s.Set(ctx, cancelKey(sessionID), "1", ttl)
}

func (p *Publisher) ClearCancelFlag(ctx context.Context, sessionID string) error {
	return p.s.Del(ctx, cancelKey(sessionID))
}
