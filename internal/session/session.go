// Package session implements the session record of spec.md §3/§4.4:
// a hash-encoded status/prompt/user/task/context record with
// TTL-refresh-on-update semantics.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adred-codev/agentstream/internal/lock"
	"github.com/adred-codev/agentstream/internal/store"
)

// Status is the session lifecycle state (spec.md §3).
type Status string

const (
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Record is the full session record.
type Record struct {
	ID             string    `json:"session_id"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivity   time.Time `json:"last_activity"`
	Prompt         string    `json:"prompt"`
	UserID         string    `json:"user_id,omitempty"`
	TaskID         string    `json:"task_id,omitempty"`
	MessageCount   int64     `json:"message_count"`
	ContextJSON    string    `json:"context,omitempty"`
}

const maxPromptLength = 32 * 1024

// Store wraps the KV store for session records.
type Store struct {
	s   *store.Store
	ttl time.Duration
}

func New(s *store.Store, ttl time.Duration) *Store {
	return &Store{s: s, ttl: ttl}
}

func key(id string) string { return fmt.Sprintf("session:%s", id) }

// Create writes a new idle record.
func (st *Store) Create(ctx context.Context, id, prompt, userID string, context_ any) (*Record, error) {
	if len(prompt) > maxPromptLength {
		prompt = prompt[:maxPromptLength]
	}

	ctxJSON := ""
	if context_ != nil {
		raw, err := json.Marshal(context_)
		if err != nil {
			return nil, fmt.Errorf("session: encode context: %w", err)
		}
		ctxJSON = string(raw)
	}

	now := time.Now()
	rec := &Record{
		ID:           id,
		Status:       StatusIdle,
		CreatedAt:    now,
		LastActivity: now,
		Prompt:       prompt,
		UserID:       userID,
		ContextJSON:  ctxJSON,
	}

	fields := map[string]any{
		"status":        string(rec.Status),
		"created_at":    rec.CreatedAt.Format(time.RFC3339Nano),
		"last_activity": rec.LastActivity.Format(time.RFC3339Nano),
		"prompt":        rec.Prompt,
		"user_id":       rec.UserID,
		"context":       rec.ContextJSON,
		"message_count": int64(0),
	}
	if err := st.s.HSet(ctx, key(id), fields); err != nil {
		return nil, err
	}
	if err := st.s.Expire(ctx, key(id), st.ttl); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads the full record, or (nil, nil) if absent.
func (st *Store) Get(ctx context.Context, id string) (*Record, error) {
	m, err := st.s.HGetAll(ctx, key(id))
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return recordFromFields(id, m), nil
}

func recordFromFields(id string, m map[string]string) *Record {
	rec := &Record{ID: id, Status: Status(m["status"]), Prompt: m["prompt"], UserID: m["user_id"], TaskID: m["task_id"], ContextJSON: m["context"]}
	if t, err := time.Parse(time.RFC3339Nano, m["created_at"]); err == nil {
		rec.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, m["last_activity"]); err == nil {
		rec.LastActivity = t
	}
	var count int64
	fmt.Sscanf(m["message_count"], "%d", &count)
	rec.MessageCount = count
	return rec
}

// Update merges fields, refreshes last_activity and TTL. Lost-update
// races on concurrent field sets are acceptable per spec.md §4.4 — the
// worker owns context writes during processing.
func (st *Store) Update(ctx context.Context, id string, fields map[string]any) (*Record, error) {
	fields["last_activity"] = time.Now().Format(time.RFC3339Nano)
	if err := st.s.HSet(ctx, key(id), fields); err != nil {
		return nil, err
	}
	if err := st.s.Expire(ctx, key(id), st.ttl); err != nil {
		return nil, err
	}
	return st.Get(ctx, id)
}

// SetStatus transitions status and refreshes activity/TTL.
func (st *Store) SetStatus(ctx context.Context, id string, status Status) error {
	_, err := st.Update(ctx, id, map[string]any{"status": string(status)})
	return err
}

// Touch refreshes last_activity and TTL only (spec.md §4.4).
func (st *Store) Touch(ctx context.Context, id string) error {
	_, err := st.Update(ctx, id, map[string]any{})
	return err
}

// IncrementMessageCount bumps the atomic counter.
func (st *Store) IncrementMessageCount(ctx context.Context, id string) (int64, error) {
	n, err := st.s.HIncrBy(ctx, key(id), "message_count", 1)
	if err != nil {
		return 0, err
	}
	if err := st.s.Expire(ctx, key(id), st.ttl); err != nil {
		return n, err
	}
	return n, nil
}

// Delete removes the session record (not its event log — callers also
// invoke eventlog cleanup, spec.md §4.5 "Cleanup").
func (st *Store) Delete(ctx context.Context, id string) error {
	return st.s.Del(ctx, key(id))
}

func (st *Store) Exists(ctx context.Context, id string) (bool, error) {
	return st.s.Exists(ctx, key(id))
}

// WithLock acquires a scoped lock named session:<id>:<op> for an
// idempotent multi-step operation, guaranteeing release on return.
func (st *Store) WithLock(ctx context.Context, id, op string, ttl, timeout time.Duration, fn func(ctx context.Context) error) error {
	name := fmt.Sprintf("%s:%s", id, op)
	l, err := lock.Acquire(ctx, st.s, "session:"+name, ttl, timeout)
	if err != nil {
		return err
	}
	defer l.Release(ctx)
	return fn(ctx)
}
