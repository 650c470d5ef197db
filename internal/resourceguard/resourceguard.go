// Package resourceguard enforces static, operator-configured resource
// limits on the worker dispatcher (spec.md's DOMAIN STACK: "gates the
// dispatcher's local concurrency ... same philosophy [as the teacher's
// ResourceGuard] — static config, safety valves, no auto-tuning").
// Grounded on the teacher's internal/shared/limits/resource_guard.go
// (CPU/memory emergency brakes, goroutine semaphore, rate limiters)
// and internal/single/platform/cgroup_cpu.go (container-aware CPU
// measurement), retargeted from "pause Kafka consumption" to "pause
// picking up new dispatch jobs" and from "reject new connections" to
// "report /readyz degraded".
package resourceguard

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config is static, operator-set — no auto-calculation, no historical
// trend tracking, matching the teacher's stated philosophy.
type Config struct {
	CPUPauseThreshold  float64 // % of allocation; pause dispatch pickup above this
	CPURejectThreshold float64 // % of allocation; report /readyz degraded above this
	MemoryLimitBytes   int64   // report /readyz degraded above this
	MaxGoroutines      int

	DispatchesPerSec int // token-bucket rate for new job pickup
	SampleInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{
		CPUPauseThreshold:  80.0,
		CPURejectThreshold: 95.0,
		MemoryLimitBytes:   1 << 30, // 1GiB
		MaxGoroutines:      10000,
		DispatchesPerSec:   50,
		SampleInterval:     15 * time.Second,
	}
}

// Guard holds current resource state and the admission primitives
// derived from it.
type Guard struct {
	cfg    Config
	logger zerolog.Logger

	cpuMonitor     *CPUMonitor
	dispatchLimit  *rate.Limiter
	goroutineLimit chan struct{}

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64
}

func New(cfg Config, logger zerolog.Logger) *Guard {
	g := &Guard{
		cfg:            cfg,
		logger:         logger,
		cpuMonitor:     NewCPUMonitor(logger),
		dispatchLimit:  rate.NewLimiter(rate.Limit(cfg.DispatchesPerSec), cfg.DispatchesPerSec*2),
		goroutineLimit: make(chan struct{}, cfg.MaxGoroutines),
	}
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))
	return g
}

// ShouldPauseDispatch reports whether the dispatcher should hold off
// picking up new jobs (CPU emergency brake, spec.md §5 bounded
// per-worker concurrency).
func (g *Guard) ShouldPauseDispatch() bool {
	return g.currentCPU.Load().(float64) > g.cfg.CPUPauseThreshold
}

// AllowDispatch rate-limits new job pickup via a token bucket; it is
// deliberately local/in-process and distinct from the store-backed
// per-route rate limiter that guards the HTTP surface (spec.md §4.2/
// §8.8), since that one must be correct across replicas and this one
// only needs to protect this process.
func (g *Guard) AllowDispatch() bool {
	return g.dispatchLimit.Allow()
}

// AcquireGoroutine reserves a slot in the process-wide goroutine
// budget. Callers must ReleaseGoroutine when the spawned goroutine
// finishes.
func (g *Guard) AcquireGoroutine() bool {
	select {
	case g.goroutineLimit <- struct{}{}:
		return true
	default:
		g.logger.Warn().Int("max_goroutines", g.cfg.MaxGoroutines).Msg("resourceguard: goroutine budget exhausted")
		return false
	}
}

func (g *Guard) ReleaseGoroutine() {
	<-g.goroutineLimit
}

// Degraded reports whether /readyz should answer degraded: CPU past
// the reject threshold, memory past the configured limit, or the
// goroutine budget full.
func (g *Guard) Degraded() (degraded bool, reason string) {
	cpuPct := g.currentCPU.Load().(float64)
	if cpuPct > g.cfg.CPURejectThreshold {
		return true, "cpu_overload"
	}
	mem := g.currentMemory.Load().(int64)
	if g.cfg.MemoryLimitBytes > 0 && mem > g.cfg.MemoryLimitBytes {
		return true, "memory_limit"
	}
	if len(g.goroutineLimit) >= g.cfg.MaxGoroutines {
		return true, "goroutine_limit"
	}
	return false, ""
}

// Snapshot is a point-in-time view for /readyz and /metrics.
type Snapshot struct {
	CPUPercent      float64
	CPUAllocation   float64
	CPUMode         string
	MemoryBytes     int64
	Goroutines      int
	GoroutinesLimit int
	Degraded        bool
	DegradedReason  string
}

func (g *Guard) Snapshot() Snapshot {
	degraded, reason := g.Degraded()
	return Snapshot{
		CPUPercent:      g.currentCPU.Load().(float64),
		CPUAllocation:   g.cpuMonitor.Allocation(),
		CPUMode:         g.cpuMonitor.Mode(),
		MemoryBytes:     g.currentMemory.Load().(int64),
		Goroutines:      runtime.NumGoroutine(),
		GoroutinesLimit: g.cfg.MaxGoroutines,
		Degraded:        degraded,
		DegradedReason:  reason,
	}
}

// refresh samples CPU and memory once; Run calls it at start and on
// every tick.
func (g *Guard) refresh() {
	if pct, err := g.cpuMonitor.Percent(); err == nil {
		g.currentCPU.Store(pct)
	} else {
		g.logger.Warn().Err(err).Msg("resourceguard: cpu sample failed")
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	g.currentMemory.Store(int64(mem.Alloc))
}

// Run samples resource usage on cfg.SampleInterval until done is
// closed.
func (g *Guard) Run(done <-chan struct{}) {
	interval := g.cfg.SampleInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.refresh()
	for {
		select {
		case <-ticker.C:
			g.refresh()
		case <-done:
			return
		}
	}
}
