// Package queue implements the job-dispatch transport between the
// Request Surface and the Worker Dispatcher pool (spec.md §5 "Worker
// dispatchers run in a separate process pool ... prefetch = 1 to
// preserve fairness"), using NATS queue groups for competing-consumer
// fan-out. Grounded on the teacher's go-server/pkg/nats/client.go
// (Client, reconnect/error handlers, PublishJSON), retargeted from
// price-update broadcast subjects to a single job-dispatch subject.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/agentstream/internal/dispatcher"
)

const (
	dispatchSubject = "agentstream.dispatch"
	queueGroup      = "workers"
)

// Config configures the NATS connection.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	MaxPingsOut     int
	PingInterval    time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: time.Second,
		MaxPingsOut:     3,
		PingInterval:    20 * time.Second,
	}
}

// Client wraps a NATS connection for job dispatch.
type Client struct {
	conn   *nats.Conn
	logger zerolog.Logger
	sub    *nats.Subscription
}

func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{logger: logger}

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.PingInterval(cfg.PingInterval),
		nats.ConnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("connected to job queue")
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			c.logger.Warn().Err(err).Msg("disconnected from job queue")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to job queue")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			c.logger.Error().Err(err).Msg("job queue error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("queue: connect: %w", err)
	}
	c.conn = conn
	return c, nil
}

// Dispatch publishes one job for a worker to pick up.
func (c *Client) Dispatch(ctx context.Context, job dispatcher.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job: %w", err)
	}
	if err := c.conn.Publish(dispatchSubject, data); err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Requeue implements dispatcher.Requeuer: schedules a delayed
// redispatch. NATS core has no native delayed delivery, so the delay
// is held in-process via a timer; this mirrors the teacher's
// at-most-once, non-durable publish semantics and is acceptable since
// a crash during the delay window only loses an already-failed,
// already-notified-to-the-client retry (the dispatcher has already
// published the retry trace event).
func (c *Client) Requeue(ctx context.Context, job dispatcher.Job, delay time.Duration) error {
	if delay <= 0 {
		return c.Dispatch(ctx, job)
	}
	time.AfterFunc(delay, func() {
		if err := c.Dispatch(context.Background(), job); err != nil {
			c.logger.Error().Err(err).Str("session_id", job.SessionID).Msg("requeue publish failed")
		}
	})
	return nil
}

// Consume joins the "workers" queue group so that exactly one worker
// process handles each dispatched job (spec.md §5 "prefetch = 1 to
// preserve fairness" via queue-group competing consumption).
func (c *Client) Consume(handler func(job dispatcher.Job)) error {
	sub, err := c.conn.QueueSubscribe(dispatchSubject, queueGroup, func(msg *nats.Msg) {
		var job dispatcher.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			c.logger.Error().Err(err).Msg("failed to decode dispatched job")
			return
		}
		handler(job)
	})
	if err != nil {
		return fmt.Errorf("queue: subscribe: %w", err)
	}
	c.sub = sub
	return nil
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

func (c *Client) Close() error {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}
