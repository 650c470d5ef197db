package sse

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/agentstream/internal/backpressure"
	"github.com/adred-codev/agentstream/internal/events"
	"github.com/adred-codev/agentstream/internal/eventlog"
	"github.com/adred-codev/agentstream/internal/logging"
	"github.com/adred-codev/agentstream/internal/metrics"
	"github.com/adred-codev/agentstream/internal/session"
)

// FlushWriter is the subset of http.ResponseWriter the streamer needs:
// write bytes and flush them to the client promptly.
type FlushWriter interface {
	io.Writer
	Flush()
}

// Config bounds one streamer run (spec.md §4.8 defaults).
type Config struct {
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	Buffer            backpressure.Config
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		IdleTimeout:       300 * time.Second,
		Buffer:            backpressure.DefaultConfig(),
	}
}

// Streamer drives one SSE connection's lifecycle.
type Streamer struct {
	log      *eventlog.Log
	sessions *session.Store
	mgr      *backpressure.Manager
	cfg      Config
	logger   zerolog.Logger
	metrics  *metrics.Registry
}

func New(log *eventlog.Log, sessions *session.Store, mgr *backpressure.Manager, cfg Config, logger zerolog.Logger) *Streamer {
	return &Streamer{log: log, sessions: sessions, mgr: mgr, cfg: cfg, logger: logger}
}

// WithMetrics attaches the events_delivered_total counter and the
// sse_connection_duration_seconds histogram (spec.md §6). Optional; a
// nil registry is a no-op.
func (s *Streamer) WithMetrics(m *metrics.Registry) *Streamer {
	s.metrics = m
	return s
}

type activityClock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *activityClock) touch() {
	c.mu.Lock()
	c.last = time.Now()
	c.mu.Unlock()
}

func (c *activityClock) idleFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.last)
}

// Serve writes the connected frame, ensures the consumer group,
// claims stale pending entries, then streams events until a terminal
// event, idle timeout, or context cancellation (spec.md §4.8).
func (s *Streamer) Serve(ctx context.Context, w FlushWriter, sessionID string, lastEventID string) error {
	start := time.Now()
	if s.metrics != nil {
		defer func() { s.metrics.SSEConnectionDuration.Observe(time.Since(start).Seconds()) }()
	}

	consumer := eventlog.NewConsumerName()

	connectedData, err := json.Marshal(events.ConnectedData{
		SessionID: sessionID,
		Consumer:  consumer,
		Timestamp: nowUnix(),
	})
	if err != nil {
		return err
	}
	if _, err := (Frame{Event: string(events.TypeConnected), Data: string(connectedData)}).WriteTo(w); err != nil {
		return err
	}
	w.Flush()

	if err := s.log.EnsureGroup(ctx, sessionID); err != nil {
		return err
	}

	buf := backpressure.New(s.cfg.Buffer)
	if s.mgr != nil {
		s.mgr.Register(sessionID+":"+consumer, buf)
		defer s.mgr.Unregister(sessionID + ":" + consumer)
	}

	readerCtx, cancelReader := context.WithCancel(ctx)
	defer cancelReader()

	clock := &activityClock{last: time.Now()}
	go s.readLoop(readerCtx, sessionID, consumer, lastEventID, buf, clock)

	return s.writeLoop(ctx, w, buf, clock)
}

func (s *Streamer) writeLoop(ctx context.Context, w FlushWriter, buf *backpressure.Buffer, clock *activityClock) error {
	for {
		if ctx.Err() != nil {
			buf.Close()
			return ctx.Err()
		}

		ev, ok, done := buf.Next(s.cfg.HeartbeatInterval)
		if ok {
			if err := writeEventFrame(w, ev); err != nil {
				buf.Close()
				return err
			}
			w.Flush()
			if !ev.Type.Synthetic() {
				clock.touch()
			}
			if done || ev.Type.Terminal() {
				buf.Close()
				return nil
			}
			continue
		}

		if done {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		if clock.idleFor() > s.cfg.IdleTimeout {
			timeoutData, _ := json.Marshal(events.TimeoutData{Reason: "idle_timeout"})
			_, _ = (Frame{Event: string(events.TypeTimeout), Data: string(timeoutData)}).WriteTo(w)
			w.Flush()
			buf.Close()
			return nil
		}

		hbData, _ := json.Marshal(events.HeartbeatData{Timestamp: nowUnix()})
		if _, err := (Frame{Event: string(events.TypeHeartbeat), Data: string(hbData)}).WriteTo(w); err != nil {
			buf.Close()
			return err
		}
		w.Flush()
	}
}

func writeEventFrame(w io.Writer, ev events.Event) error {
	_, err := (Frame{ID: ev.EventID, Event: string(ev.Type), Data: string(ev.Data)}).WriteTo(w)
	return err
}

// readLoop pulls from the event log and pushes into buf, tracking
// delivered-set dedup and acking per spec.md §4.5's ordering (ack
// after buffer push, not after network write).
func (s *Streamer) readLoop(ctx context.Context, sessionID, consumer, lastEventID string, buf *backpressure.Buffer, clock *activityClock) {
	defer buf.Close()
	defer logging.RecoverPanic(s.logger, "sse-reader", map[string]any{"session_id": sessionID})

	if claimed, err := s.log.ClaimPending(ctx, sessionID, consumer); err == nil {
		if s.deliver(ctx, sessionID, buf, clock, claimed) {
			return
		}
	} else {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("claim pending failed")
	}

	if lastEventID != "" {
		if own, err := s.log.OwnPending(ctx, sessionID, consumer); err == nil {
			if s.deliver(ctx, sessionID, buf, clock, own) {
				return
			}
		} else {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("own-pending replay failed")
		}
	}

	lastPush := time.Now()
	for {
		if ctx.Err() != nil {
			return
		}

		entries, err := s.log.ReadNew(ctx, sessionID, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("stream read failed")
			time.Sleep(200 * time.Millisecond)
			continue
		}

		if len(entries) == 0 {
			if time.Since(lastPush) >= s.cfg.HeartbeatInterval {
				lastPush = time.Now()
			}
			continue
		}

		if s.deliver(ctx, sessionID, buf, clock, entries) {
			return
		}
		lastPush = time.Now()
	}
}

// deliver pushes fresh entries into buf and acks each processed entry,
// fresh or not. It returns true (the caller should stop reading) once a
// terminal entry has been processed, or as soon as buf refuses a push;
// the refused entry and any after it are left unacked.
func (s *Streamer) deliver(ctx context.Context, sessionID string, buf *backpressure.Buffer, clock *activityClock, entries []eventlog.Entry) bool {
	for _, e := range entries {
		fresh, err := s.log.MarkDelivered(ctx, sessionID, e.Event.EventID)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("mark-delivered failed")
			fresh = true
		}

		if fresh {
			if !buf.Push(e.Event) {
				return true
			}
			if s.metrics != nil {
				s.metrics.EventsDelivered.WithLabelValues(string(e.Event.Type)).Inc()
			}
			clock.touch()
			if err := s.sessions.Touch(ctx, sessionID); err != nil {
				s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session touch failed")
			}
		}

		if err := s.log.Ack(ctx, sessionID, e.ID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("ack failed")
		}

		if e.Event.Type.Terminal() {
			return true
		}
	}
	return false
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
