// Package analytics mirrors terminal (final/error) events to an
// external Kafka/Redpanda topic for downstream analysis, best-effort
// and fire-and-forget (spec.md's DOMAIN STACK analytics sink: the
// event stream itself must never block on this). Grounded on the
// teacher's internal/shared/kafka/consumer.go client-construction
// shape (franz-go options, OnPartitionsAssigned/Revoked logging),
// inverted from a consumer into a producer.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/adred-codev/agentstream/internal/events"
)

// Config configures the producer.
type Config struct {
	Brokers []string
	Topic   string

	// ProduceTimeout bounds how long a single best-effort publish may
	// block before it's abandoned.
	ProduceTimeout time.Duration
}

func DefaultConfig(brokers []string, topic string) Config {
	return Config{
		Brokers:        brokers,
		Topic:          topic,
		ProduceTimeout: 2 * time.Second,
	}
}

// Record is the envelope written to the analytics topic, keyed by
// session so a downstream consumer can reconstruct one session's
// terminal outcome per partition.
type Record struct {
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id,omitempty"`
	TaskID    string      `json:"task_id,omitempty"`
	EventType events.Type `json:"event_type"`
	Timestamp float64     `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Sink is a best-effort Kafka producer. A nil *Sink is valid and
// publishes are no-ops, so callers can wire analytics optionally
// without branching on whether it was configured.
type Sink struct {
	client *kgo.Client
	topic  string
	logger zerolog.Logger
	timeout time.Duration
}

func New(cfg Config, logger zerolog.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("analytics: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("analytics: topic is required")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info().Interface("partitions", assigned).Msg("analytics producer partitions assigned")
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info().Interface("partitions", revoked).Msg("analytics producer partitions revoked")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("analytics: create kafka client: %w", err)
	}

	timeout := cfg.ProduceTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Sink{client: client, topic: cfg.Topic, logger: logger, timeout: timeout}, nil
}

// Mirror publishes a terminal event's outcome. It never returns an
// error to the caller's request path; failures are logged and
// swallowed, since analytics is a side channel and must never hold up
// event delivery.
func (s *Sink) Mirror(sessionID, userID, taskID string, ev events.Event) {
	if s == nil || s.client == nil {
		return
	}
	if !ev.Type.Terminal() {
		return
	}

	rec := Record{
		SessionID: sessionID,
		UserID:    userID,
		TaskID:    taskID,
		EventType: ev.Type,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("analytics: encode record failed")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	record := &kgo.Record{Topic: s.topic, Key: []byte(sessionID), Value: payload}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		defer cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("analytics: produce failed")
		}
	})
}

func (s *Sink) Close() {
	if s == nil || s.client == nil {
		return
	}
	s.client.Close()
}
