// Package agent defines the narrow boundary between the dispatcher and
// whatever produces trace/tool_call/tool_result/final events. spec.md
// treats the agent itself as out of scope; this interface is the one
// seam the dispatcher depends on.
package agent

import (
	"context"

	"github.com/adred-codev/agentstream/internal/publisher"
)

// Request is the input to one agent run.
type Request struct {
	SessionID string
	Prompt    string
	UserID    string
	TaskID    string
}

// Agent runs one session to completion, publishing trace/tool_call/
// tool_result events as it goes and a terminal final or error event
// before returning. cancelled reports the cooperative cancellation
// flag (spec.md §4.6); implementations should poll it between steps
// and between tool calls and stop promptly when it turns true.
//
// The dispatcher acts on Run's returned error: an error wrapping
// dispatcher.ErrRetryable is requeued while retries remain, and any
// other non-nil error (or a retryable one with no retries left) makes
// the dispatcher publish a terminal error event itself. A nil return
// marks the session completed without publishing anything further.
type Agent interface {
	Run(ctx context.Context, req Request, pub *publisher.Publisher, cancelled func() bool) error
}
