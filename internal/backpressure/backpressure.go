// Package backpressure implements the per-connection bounded event
// queue of spec.md §4.7: push from the stream reader, pop from the
// network writer, three-consecutive-overflow slow-client close, and a
// global buffer manager for metrics/stale cleanup. Grounded directly on
// the teacher's internal/shared/connection.go Client.send bounded
// channel plus its slow-client-strikes disconnect logic, generalized
// from a raw []byte channel to a typed bounded ring with stats.
package backpressure

import (
	"sync"
	"time"

	"github.com/adred-codev/agentstream/internal/events"
)

const maxConsecutiveOverflows = 3

// Config bounds one buffer (spec.md §4.7 defaults).
type Config struct {
	MaxSize       int
	WriteTimeout  time.Duration
	SlowThreshold int
}

// DefaultConfig mirrors spec.md §4.7: max_size 100, write_timeout 5s,
// slow_threshold 80% of max.
func DefaultConfig() Config {
	return Config{MaxSize: 100, WriteTimeout: 5 * time.Second, SlowThreshold: 80}
}

// Stats is a point-in-time snapshot for metrics.
type Stats struct {
	Queued        int
	Peak          int
	Dropped       int
	Overflows     int
	SlowWarnings  int
	LastActivity  time.Time
	Closed        bool
	Err           string
}

// Buffer is a bounded, single-producer/single-consumer queue of events
// with overflow bookkeeping.
type Buffer struct {
	cfg Config

	mu                  sync.Mutex
	queue               []events.Event
	closed              bool
	err                 string
	dropped             int
	overflows           int
	slowWarnings        int
	peak                int
	consecutiveOverflow int
	lastActivity        time.Time

	notify chan struct{}
}

// New creates an unregistered buffer; callers that want it tracked
// pass it to Manager.Register themselves. A non-positive MaxSize
// selects DefaultConfig.
func New(cfg Config) *Buffer {
	if cfg.MaxSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Buffer{
		cfg:          cfg,
		notify:       make(chan struct{}, 1),
		lastActivity: time.Now(),
	}
}

func (b *Buffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Push appends ev, reporting whether it was accepted. On the third
// consecutive overflow it marks the buffer errored and closes it
// (spec.md §4.7).
func (b *Buffer) Push(ev events.Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	if len(b.queue) >= b.cfg.MaxSize {
		b.dropped++
		b.overflows++
		b.consecutiveOverflow++
		if b.consecutiveOverflow >= maxConsecutiveOverflows {
			b.err = "Client too slow"
			b.closed = true
			b.wake()
		}
		return false
	}

	b.consecutiveOverflow = 0
	b.queue = append(b.queue, ev)
	if len(b.queue) > b.peak {
		b.peak = len(b.queue)
	}
	b.lastActivity = time.Now()
	if len(b.queue) >= b.cfg.SlowThreshold {
		b.slowWarnings++
	}
	b.wake()
	return true
}

// Pop blocks up to timeout for the next event, or returns immediately
// if the buffer is closed and drained.
func (b *Buffer) Pop(timeout time.Duration) (events.Event, bool) {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return ev, true
		}
		if b.closed {
			b.mu.Unlock()
			return events.Event{}, false
		}
		b.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return events.Event{}, false
		}
		select {
		case <-b.notify:
		case <-time.After(remaining):
			return events.Event{}, false
		}
	}
}

// Next is the iteration primitive (spec.md §4.7 "Iteration"): pops
// until closed; on closure with an error it hands back one synthetic
// error event, then reports done.
func (b *Buffer) Next(timeout time.Duration) (ev events.Event, ok bool, done bool) {
	ev, ok = b.Pop(timeout)
	if ok {
		return ev, true, false
	}
	b.mu.Lock()
	closed := b.closed
	errMsg := b.err
	b.err = ""
	b.mu.Unlock()
	if closed && errMsg != "" {
		synthetic, encErr := events.New(events.TypeError, events.ErrorData{
			Message:     errMsg,
			ErrorType:   "BackpressureError",
			Recoverable: false,
		}, "")
		if encErr == nil {
			return synthetic, true, true
		}
	}
	if closed {
		return events.Event{}, false, true
	}
	return events.Event{}, false, false
}

// Close is idempotent and wakes any pending Pop. The counters are left
// as they are; Snapshot reports the same values before and after.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.wake()
}

func (b *Buffer) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Queued:       len(b.queue),
		Peak:         b.peak,
		Dropped:      b.dropped,
		Overflows:    b.overflows,
		SlowWarnings: b.slowWarnings,
		LastActivity: b.lastActivity,
		Closed:       b.closed,
		Err:          b.err,
	}
}

func (b *Buffer) IdleFor() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Since(b.lastActivity)
}
