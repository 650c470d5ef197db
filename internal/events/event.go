// Package events defines the event sum type streamed to clients
// (spec.md §3 "Event"). Grounded on the teacher's kafka.TokenEvent
// envelope (Type/Timestamp/Data), generalized from one event type to
// the eight variants spec.md names.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type is the event type discriminator.
type Type string

const (
	TypeTrace      Type = "trace"
	TypeToolCall   Type = "tool_call"
	TypeToolResult Type = "tool_result"
	TypeFinal      Type = "final"
	TypeError      Type = "error"
	TypeHeartbeat  Type = "heartbeat" // synthetic, never stored in the log
	TypeConnected  Type = "connected" // synthetic, never stored in the log
	TypeTimeout    Type = "timeout"   // synthetic, never stored in the log
)

// Terminal reports whether this event type ends a session's stream.
func (t Type) Terminal() bool {
	return t == TypeFinal || t == TypeError
}

// Synthetic reports whether this event type is generated by the
// streamer and never appended to the durable event log.
func (t Type) Synthetic() bool {
	return t == TypeHeartbeat || t == TypeConnected || t == TypeTimeout
}

// Event is the unit of streaming (spec.md §3). Data carries the
// type-specific payload, already JSON-encoded so the event log and the
// SSE frame writer never need to know its shape.
type Event struct {
	EventID   string          `json:"event_id"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp float64         `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Source    string          `json:"source,omitempty"`
}

// New builds an Event, assigning a fresh UUIDv4 event_id when eventID is
// empty (spec.md §4.5 "assigns event_id = UUIDv4 if absent").
func New(typ Type, data any, eventID string) (Event, error) {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{
		EventID:   eventID,
		Type:      typ,
		Data:      raw,
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
	}, nil
}

// Trace payload: a reasoning step.
type TraceData struct {
	Thinking string `json:"thinking"`
	Stage    string `json:"stage,omitempty"`
}

// ToolCall payload.
type ToolCallData struct {
	ToolName  string `json:"tool_name"`
	ToolInput any    `json:"tool_input"`
	CallID    string `json:"call_id,omitempty"`
}

// ToolResult payload.
type ToolResultData struct {
	ToolName   string `json:"tool_name"`
	Result     any    `json:"result"`
	CallID     string `json:"call_id"`
	Success    bool   `json:"success"`
	DurationMS float64 `json:"duration_ms"`
}

// TokenUsage is the optional usage accounting attached to Final events.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Final payload: the terminal success event.
type FinalData struct {
	Response        string      `json:"response"`
	TotalDurationMS float64     `json:"total_duration_ms"`
	TokenUsage      *TokenUsage `json:"token_usage,omitempty"`
}

// ErrorData is the terminal failure event payload.
type ErrorData struct {
	Message     string         `json:"message"`
	ErrorType   string         `json:"error_type"`
	Recoverable bool           `json:"recoverable"`
	Details     map[string]any `json:"details,omitempty"`
}

// Connected payload, sent once at stream open.
type ConnectedData struct {
	SessionID string  `json:"session_id"`
	Consumer  string  `json:"consumer"`
	Timestamp float64 `json:"ts"`
}

// HeartbeatData carries nothing beyond a timestamp.
type HeartbeatData struct {
	Timestamp float64 `json:"ts"`
}

// TimeoutData marks an idle-timeout close.
type TimeoutData struct {
	Reason string `json:"reason"`
}
