package resourceguard

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newTestGuard(cfg Config) *Guard {
	return &Guard{
		cfg:            cfg,
		logger:         zerolog.Nop(),
		cpuMonitor:     &CPUMonitor{mode: "host"},
		dispatchLimit:  rate.NewLimiter(rate.Limit(cfg.DispatchesPerSec), cfg.DispatchesPerSec*2),
		goroutineLimit: make(chan struct{}, cfg.MaxGoroutines),
	}
}

func TestAllowDispatchRespectsRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DispatchesPerSec = 1
	g := newTestGuard(cfg)
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))

	// Burst is 2x the per-second rate: two immediate pickups, then none.
	require.True(t, g.AllowDispatch())
	require.True(t, g.AllowDispatch())
	require.False(t, g.AllowDispatch())
}

func TestShouldPauseDispatchAboveThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUPauseThreshold = 50
	g := newTestGuard(cfg)
	g.currentCPU.Store(75.0)
	g.currentMemory.Store(int64(0))

	require.True(t, g.ShouldPauseDispatch())
}

func TestShouldPauseDispatchBelowThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUPauseThreshold = 50
	g := newTestGuard(cfg)
	g.currentCPU.Store(10.0)
	g.currentMemory.Store(int64(0))

	require.False(t, g.ShouldPauseDispatch())
}

func TestDegradedOnCPUOverload(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPURejectThreshold = 90
	g := newTestGuard(cfg)
	g.currentCPU.Store(95.0)
	g.currentMemory.Store(int64(0))

	degraded, reason := g.Degraded()
	require.True(t, degraded)
	require.Equal(t, "cpu_overload", reason)
}

func TestDegradedOnMemoryLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPURejectThreshold = 90
	cfg.MemoryLimitBytes = 100
	g := newTestGuard(cfg)
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(200))

	degraded, reason := g.Degraded()
	require.True(t, degraded)
	require.Equal(t, "memory_limit", reason)
}

func TestDegradedOnGoroutineLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxGoroutines = 1
	g := newTestGuard(cfg)
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))

	require.True(t, g.AcquireGoroutine())
	degraded, reason := g.Degraded()
	require.True(t, degraded)
	require.Equal(t, "goroutine_limit", reason)

	g.ReleaseGoroutine()
	degraded, _ = g.Degraded()
	require.False(t, degraded)
}

func TestAcquireReleaseGoroutineBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxGoroutines = 2
	g := newTestGuard(cfg)
	g.currentCPU.Store(0.0)
	g.currentMemory.Store(int64(0))

	require.True(t, g.AcquireGoroutine())
	require.True(t, g.AcquireGoroutine())
	require.False(t, g.AcquireGoroutine())

	g.ReleaseGoroutine()
	require.True(t, g.AcquireGoroutine())
}

func TestSnapshotReflectsState(t *testing.T) {
	cfg := DefaultConfig()
	g := newTestGuard(cfg)
	g.currentCPU.Store(42.0)
	g.currentMemory.Store(int64(1024))

	snap := g.Snapshot()
	require.Equal(t, 42.0, snap.CPUPercent)
	require.Equal(t, int64(1024), snap.MemoryBytes)
	require.False(t, snap.Degraded)
}

func TestRunStopsOnDone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleInterval = 5 * time.Millisecond
	g := newTestGuard(cfg)

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		g.Run(done)
		close(finished)
	}()

	time.Sleep(20 * time.Millisecond)
	close(done)

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after done was closed")
	}
}
