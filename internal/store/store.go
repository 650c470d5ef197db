// Package store adapts an external KV/stream store (spec.md §4.1) for
// the rest of the system: string/hash KV with TTL, atomic counters,
// sorted-set range ops, append-only streams with consumer groups, and
// pub/sub. Backed by github.com/redis/go-redis/v9, with two connection
// pools — one for ordinary commands, one reserved for blocking stream
// reads — mirroring the teacher's split between a command path and a
// dedicated blocking path for Kafka fetches.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adred-codev/agentstream/internal/metrics"
)

// Error kinds surfaced to callers (spec.md §4.1).
var (
	ErrStoreUnavailable = errors.New("store: unavailable")
	ErrTimeout          = errors.New("store: timeout")
	ErrBadReply         = errors.New("store: bad reply")
)

// Config configures both pools.
type Config struct {
	URL string
	// MaxConnections sizes the command pool; the blocking pool is sized
	// at half of it (spec.md §4.1), with a floor of 2.
	MaxConnections int
	SocketTimeout  time.Duration
}

// Store wraps two *redis.Client instances: cmd for everything
// non-blocking, blocking for XREADGROUP calls that sit in BLOCK for
// seconds at a time. Sharing one pool between the two would let a slow
// blocking read starve ordinary command connections.
type Store struct {
	cmd      *redis.Client
	blocking *redis.Client
	metrics  *metrics.Registry
}

// New parses cfg.URL and builds both clients.
func New(cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse store url: %v", ErrBadReply, err)
	}

	maxConns := cfg.MaxConnections
	if maxConns < 1 {
		maxConns = 50
	}
	blockingConns := maxConns / 2
	if blockingConns < 2 {
		blockingConns = 2
	}

	cmdOpts := *opts
	cmdOpts.PoolSize = maxConns
	if cfg.SocketTimeout > 0 {
		cmdOpts.ReadTimeout = cfg.SocketTimeout
		cmdOpts.WriteTimeout = cfg.SocketTimeout
	}

	blockOpts := *opts
	blockOpts.PoolSize = blockingConns
	// Blocking reads run with BLOCK N ms; give the client enough read
	// timeout headroom that a near-empty stream doesn't trip it.
	blockOpts.ReadTimeout = 30 * time.Second

	return &Store{
		cmd:      redis.NewClient(&cmdOpts),
		blocking: redis.NewClient(&blockOpts),
	}, nil
}

// WithMetrics attaches the redis_operations_total counter (spec.md §6).
// Optional; a nil registry is a no-op.
func (s *Store) WithMetrics(m *metrics.Registry) *Store {
	s.metrics = m
	return s
}

// observe classifies err and, if a registry is attached, records the
// operation's outcome against redis_operations_total.
func (s *Store) observe(op string, err error) error {
	classified := classify(err)
	if s.metrics != nil {
		status := "ok"
		if classified != nil {
			status = "error"
		}
		s.metrics.RedisOperations.WithLabelValues(op, status).Inc()
	}
	return classified
}

// Close drains both pools.
func (s *Store) Close() error {
	err1 := s.cmd.Close()
	err2 := s.blocking.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// Ping checks the command pool is reachable, used by /readyz.
func (s *Store) Ping(ctx context.Context) error {
	return s.observe("ping", s.cmd.Ping(ctx).Err())
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

// --- string KV ---

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	v, err := s.cmd.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", s.observe("get", nil)
	}
	if err != nil {
		return "", s.observe("get", err)
	}
	return v, s.observe("get", nil)
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.observe("set", s.cmd.Set(ctx, key, value, ttl).Err())
}

func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.cmd.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, s.observe("setnx", err)
	}
	return ok, s.observe("setnx", nil)
}

func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.observe("del", s.cmd.Del(ctx, keys...).Err())
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.cmd.Exists(ctx, key).Result()
	if err != nil {
		return false, s.observe("exists", err)
	}
	return n > 0, s.observe("exists", nil)
}

func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.observe("expire", s.cmd.Expire(ctx, key, ttl).Err())
}

func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.cmd.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, s.observe("incrby", err)
	}
	return n, s.observe("incrby", nil)
}

// --- hash KV ---

func (s *Store) HSet(ctx context.Context, key string, fields map[string]any) error {
	return s.observe("hset", s.cmd.HSet(ctx, key, fields).Err())
}

func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := s.cmd.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", s.observe("hget", nil)
	}
	if err != nil {
		return "", s.observe("hget", err)
	}
	return v, s.observe("hget", nil)
}

func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.cmd.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, s.observe("hgetall", err)
	}
	return m, s.observe("hgetall", nil)
}

func (s *Store) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	n, err := s.cmd.HIncrBy(ctx, key, field, delta).Result()
	if err != nil {
		return 0, s.observe("hincrby", err)
	}
	return n, s.observe("hincrby", nil)
}

// --- sorted sets (rate limiter buckets) ---

func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.observe("zadd", s.cmd.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

func (s *Store) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return s.observe("zremrangebyscore", s.cmd.ZRemRangeByScore(ctx, key, min, max).Err())
}

func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.cmd.ZCard(ctx, key).Result()
	if err != nil {
		return 0, s.observe("zcard", err)
	}
	return n, s.observe("zcard", nil)
}

func (s *Store) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	v, err := s.cmd.ZRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, s.observe("zrange", err)
	}
	return v, s.observe("zrange", nil)
}

// --- sets (delivered-id dedup) ---

func (s *Store) SAdd(ctx context.Context, key string, member string) (bool, error) {
	n, err := s.cmd.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, s.observe("sadd", err)
	}
	return n == 1, s.observe("sadd", nil)
}

// --- pub/sub ---

func (s *Store) Publish(ctx context.Context, channel string, payload string) error {
	return s.observe("publish", s.cmd.Publish(ctx, channel, payload).Err())
}

func (s *Store) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return s.cmd.Subscribe(ctx, channel)
}

// --- scripts ---

// Eval runs a Lua script on the command pool.
func (s *Store) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	v, err := s.cmd.Eval(ctx, script, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, s.observe("eval", nil)
	}
	if err != nil {
		return nil, s.observe("eval", err)
	}
	return v, s.observe("eval", nil)
}

// --- streams ---

// XGroupCreate creates a consumer group at id, ignoring BUSYGROUP.
func (s *Store) XGroupCreate(ctx context.Context, stream, group, start string) error {
	err := s.cmd.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && isBusyGroup(err) {
		return s.observe("xgroupcreate", nil)
	}
	return s.observe("xgroupcreate", err)
}

func isBusyGroup(err error) bool {
	return err != nil && (err.Error() == "BUSYGROUP Consumer Group name already exists" ||
		containsBusyGroup(err.Error()))
}

func containsBusyGroup(s string) bool {
	for i := 0; i+9 <= len(s); i++ {
		if s[i:i+9] == "BUSYGROUP" {
			return true
		}
	}
	return false
}

// XAdd appends one entry, trimming approximately to maxLen.
func (s *Store) XAdd(ctx context.Context, stream string, maxLen int64, values map[string]any) (string, error) {
	id, err := s.cmd.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", s.observe("xadd", err)
	}
	return id, s.observe("xadd", nil)
}

// XReadGroup reads new entries (from ">") or the caller's own pending
// entries (from "0") for group/consumer, blocking up to block.
func (s *Store) XReadGroup(ctx context.Context, group, consumer, stream, start string, count int64, block time.Duration) ([]redis.XMessage, error) {
	res, err := s.blocking.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, start},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, s.observe("xreadgroup", nil)
	}
	if err != nil {
		return nil, s.observe("xreadgroup", err)
	}
	if len(res) == 0 {
		return nil, s.observe("xreadgroup", nil)
	}
	return res[0].Messages, s.observe("xreadgroup", nil)
}

func (s *Store) XAck(ctx context.Context, stream, group string, ids ...string) error {
	return s.observe("xack", s.cmd.XAck(ctx, stream, group, ids...).Err())
}

// XPending returns the group-wide pending summary (count, id range and
// per-consumer counts); per-entry detail comes from XPendingExt.
func (s *Store) XPending(ctx context.Context, stream, group string) (*redis.XPending, error) {
	p, err := s.cmd.XPending(ctx, stream, group).Result()
	if err != nil {
		return nil, s.observe("xpending", err)
	}
	return p, s.observe("xpending", nil)
}

func (s *Store) XPendingExt(ctx context.Context, stream, group, start, end string, count int64, consumer string) ([]redis.XPendingExt, error) {
	args := &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  start,
		End:    end,
		Count:  count,
	}
	if consumer != "" {
		args.Consumer = consumer
	}
	v, err := s.cmd.XPendingExt(ctx, args).Result()
	if err != nil {
		return nil, s.observe("xpendingext", err)
	}
	return v, s.observe("xpendingext", nil)
}

// XClaim reassigns entries idle at least minIdle to consumer.
func (s *Store) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]redis.XMessage, error) {
	msgs, err := s.cmd.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, s.observe("xclaim", err)
	}
	return msgs, s.observe("xclaim", nil)
}

// XDel removes the stream and drops the key entirely; used by session
// cleanup.
func (s *Store) XDel(ctx context.Context, stream string) error {
	return s.observe("xdel", s.cmd.Del(ctx, stream).Err())
}
