// Package eventlog implements the per-session append-only event log of
// spec.md §4.5: bounded stream, lazily-created consumer group, claim of
// idle pending entries, dedup via a delivered-id set. Consumer naming
// and "claim what's mine on attach" is grounded on the teacher's
// kafka.Consumer partition-assignment bookkeeping, retargeted from
// Kafka partitions to Redis Streams consumer-group pending entries.
package eventlog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/agentstream/internal/events"
	"github.com/adred-codev/agentstream/internal/metrics"
	"github.com/adred-codev/agentstream/internal/store"
)

const groupName = "sse"

// Config bounds the log and its delivery semantics (spec.md §6 env vars).
type Config struct {
	MaxLen             int64
	BlockTimeout       time.Duration
	MaxPendingClaimAge time.Duration
	DeliveredTTL       time.Duration
}

// Log is the event log for one store, shared across sessions (the
// session_id selects the stream key per call).
type Log struct {
	s       *store.Store
	cfg     Config
	metrics *metrics.Registry
}

func New(s *store.Store, cfg Config) *Log {
	return &Log{s: s, cfg: cfg}
}

// WithMetrics attaches the events_published_total counter (spec.md §6).
// Optional; a nil registry is a no-op.
func (l *Log) WithMetrics(m *metrics.Registry) *Log {
	l.metrics = m
	return l
}

func streamKey(sessionID string) string    { return fmt.Sprintf("stream:%s", sessionID) }
func deliveredKey(sessionID string) string { return fmt.Sprintf("delivered:%s", sessionID) }

// Append writes one entry, assigning event_id = UUIDv4 if absent
// (handled by events.New upstream of this call), and trims
// approximately to MaxLen. Never blocks on consumers.
func (l *Log) Append(ctx context.Context, sessionID string, ev events.Event) (string, error) {
	values := map[string]any{
		"event_id":  ev.EventID,
		"type":      string(ev.Type),
		"data":      string(ev.Data),
		"timestamp": fmt.Sprintf("%f", ev.Timestamp),
	}
	id, err := l.s.XAdd(ctx, streamKey(sessionID), l.cfg.MaxLen, values)
	if err != nil {
		return "", err
	}
	if l.metrics != nil {
		l.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	}
	return id, nil
}

// EnsureGroup creates the consumer group if it doesn't already exist.
func (l *Log) EnsureGroup(ctx context.Context, sessionID string) error {
	return l.s.XGroupCreate(ctx, streamKey(sessionID), groupName, "0")
}

// NewConsumerName returns a short-lived per-connection consumer
// identity, "sse-<8 hex>" per spec.md §4.5.
func NewConsumerName() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return "sse-" + hex.EncodeToString(b)
}

// Entry pairs the store-assigned stream id with the decoded event.
type Entry struct {
	ID    string
	Event events.Event
}

// ClaimPending reassigns group-pending entries idle beyond
// MaxPendingClaimAge to consumer (spec.md §4.5 "claims pending").
func (l *Log) ClaimPending(ctx context.Context, sessionID, consumer string) ([]Entry, error) {
	pending, err := l.s.XPendingExt(ctx, streamKey(sessionID), groupName, "-", "+", 100, "")
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		if p.Idle >= l.cfg.MaxPendingClaimAge {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := l.s.XClaim(ctx, streamKey(sessionID), groupName, consumer, l.cfg.MaxPendingClaimAge, ids)
	if err != nil {
		return nil, err
	}
	return decodeMessages(msgs)
}

// OwnPending pulls a consumer's own still-unacked entries from the
// start of its pending list (spec.md §4.5 "Replay": "pulls pending for
// itself from 0").
func (l *Log) OwnPending(ctx context.Context, sessionID, consumer string) ([]Entry, error) {
	msgs, err := l.s.XReadGroup(ctx, groupName, consumer, streamKey(sessionID), "0", 100, 0)
	if err != nil {
		return nil, err
	}
	return decodeMessages(msgs)
}

// ReadNew blocks (up to BlockTimeout) for new entries beyond ">".
func (l *Log) ReadNew(ctx context.Context, sessionID, consumer string) ([]Entry, error) {
	msgs, err := l.s.XReadGroup(ctx, groupName, consumer, streamKey(sessionID), ">", 10, l.cfg.BlockTimeout)
	if err != nil {
		return nil, err
	}
	return decodeMessages(msgs)
}

func decodeMessages(msgs []redis.XMessage) ([]Entry, error) {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		ev, err := decodeEvent(m.Values)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ID: m.ID, Event: ev})
	}
	return entries, nil
}

func decodeEvent(values map[string]any) (events.Event, error) {
	ev := events.Event{}
	if v, ok := values["event_id"].(string); ok {
		ev.EventID = v
	}
	if v, ok := values["type"].(string); ok {
		ev.Type = events.Type(v)
	}
	if v, ok := values["data"].(string); ok {
		ev.Data = json.RawMessage(v)
	}
	var ts float64
	if v, ok := values["timestamp"].(string); ok {
		fmt.Sscanf(v, "%f", &ts)
	}
	ev.Timestamp = ts
	return ev, nil
}

// Ack acknowledges delivered entries. Per spec.md §4.5, the entry is
// acked after it is placed in the backpressure buffer, not after the
// network write completes.
func (l *Log) Ack(ctx context.Context, sessionID string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return l.s.XAck(ctx, streamKey(sessionID), groupName, ids...)
}

// MarkDelivered records event_id in the session's delivered-set and
// reports whether it was newly added (spec.md §4.5 dedup: "SADD
// delivered:<id> event_id; if it returned 0 skip delivery").
func (l *Log) MarkDelivered(ctx context.Context, sessionID, eventID string) (fresh bool, err error) {
	added, err := l.s.SAdd(ctx, deliveredKey(sessionID), eventID)
	if err != nil {
		return false, err
	}
	if err := l.s.Expire(ctx, deliveredKey(sessionID), l.cfg.DeliveredTTL); err != nil {
		return added, err
	}
	return added, nil
}

// Cleanup deletes a session's stream and delivered-set, invoked after
// explicit session delete or TTL+grace expiry (spec.md §4.5).
func (l *Log) Cleanup(ctx context.Context, sessionID string) error {
	if err := l.s.XDel(ctx, streamKey(sessionID)); err != nil {
		return err
	}
	return l.s.Del(ctx, deliveredKey(sessionID))
}
