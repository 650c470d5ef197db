// Command server boots the agentstream process: the HTTP request
// surface (/chat, /chat/stream, /chat/sync, /session/*, /healthz,
// /readyz, /metrics) and, in the same process, the worker dispatcher
// consuming jobs off the queue. Mirrors the teacher's
// ws/cmd/single/main.go lifecycle: flag parsing, automaxprocs,
// structured startup logging, signal-driven shutdown.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/agentstream/internal/agent"
	"github.com/adred-codev/agentstream/internal/analytics"
	"github.com/adred-codev/agentstream/internal/auth"
	"github.com/adred-codev/agentstream/internal/backpressure"
	"github.com/adred-codev/agentstream/internal/config"
	"github.com/adred-codev/agentstream/internal/dispatcher"
	"github.com/adred-codev/agentstream/internal/eventlog"
	"github.com/adred-codev/agentstream/internal/httpapi"
	"github.com/adred-codev/agentstream/internal/logging"
	"github.com/adred-codev/agentstream/internal/metrics"
	"github.com/adred-codev/agentstream/internal/publisher"
	"github.com/adred-codev/agentstream/internal/queue"
	"github.com/adred-codev/agentstream/internal/ratelimit"
	"github.com/adred-codev/agentstream/internal/resourceguard"
	"github.com/adred-codev/agentstream/internal/session"
	"github.com/adred-codev/agentstream/internal/sse"
	"github.com/adred-codev/agentstream/internal/store"
)

func splitCSV(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// runBackpressureCleanup periodically evicts buffers idle beyond the
// manager's stale threshold and refreshes the slow-client gauge, the
// standing-behavior counterpart to guard.Run's sampling loop.
func runBackpressureCleanup(mgr *backpressure.Manager, registry *metrics.Registry, done <-chan struct{}) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			mgr.CleanupStale()

			slow := 0
			for _, stat := range mgr.Snapshot() {
				if stat.SlowWarnings > 0 {
					slow++
				}
			}
			registry.BackpressureSlowClients.Set(float64(slow))
		case <-done:
			return
		}
	}
}

func main() {
	var (
		debug     = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
		demoAgent = flag.Bool("demo-agent", true, "run the bundled demo agent as the worker's Agent implementation")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting agentstream")
	cfg.LogFields(logger)

	registry := metrics.NewRegistry()

	s, err := store.New(store.Config{
		URL:            cfg.StoreURL,
		MaxConnections: cfg.StoreMaxConnections,
		SocketTimeout:  cfg.StoreSocketTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer s.Close()
	s.WithMetrics(registry)

	sessions := session.New(s, time.Duration(cfg.SessionTTLSeconds)*time.Second)

	log := eventlog.New(s, eventlog.Config{
		MaxLen:             cfg.StreamMaxLen,
		BlockTimeout:       time.Duration(cfg.StreamBlockTimeoutMS) * time.Millisecond,
		MaxPendingClaimAge: time.Duration(cfg.StreamMaxPendingClaimMS) * time.Millisecond,
		DeliveredTTL:       time.Duration(cfg.SessionTTLSeconds) * time.Second,
	}).WithMetrics(registry)

	var sink *analytics.Sink
	if brokers := splitCSV(cfg.KafkaBrokers); len(brokers) > 0 {
		var sinkErr error
		sink, sinkErr = analytics.New(analytics.DefaultConfig(brokers, cfg.KafkaTopic), logger)
		if sinkErr != nil {
			logger.Warn().Err(sinkErr).Msg("analytics sink disabled: failed to connect")
			sink = nil
		} else {
			defer sink.Close()
		}
	}

	pub := publisher.New(s, log).WithAnalytics(sink, sessions)

	bpMgr := backpressure.NewManager()
	streamCfg := sse.DefaultConfig()
	streamCfg.HeartbeatInterval = cfg.SSEHeartbeatInterval
	streamCfg.IdleTimeout = time.Duration(cfg.SSEIdleTimeoutSec) * time.Second
	streamCfg.Buffer.MaxSize = cfg.SSEMaxQueueSize
	streamer := sse.New(log, sessions, bpMgr, streamCfg, logger).WithMetrics(registry)

	bpCleanupDone := make(chan struct{})
	go runBackpressureCleanup(bpMgr, registry, bpCleanupDone)

	limiter := ratelimit.New(s, logger)
	authMgr := auth.NewManager(cfg.JWTSecret, splitCSV(cfg.APIKeys))

	guard := resourceguard.New(resourceguard.Config{
		CPUPauseThreshold:  cfg.CPUPauseThreshold,
		CPURejectThreshold: cfg.CPURejectThreshold,
		MemoryLimitBytes:   cfg.MemoryLimitBytes,
		MaxGoroutines:      cfg.MaxGoroutines,
		DispatchesPerSec:   cfg.DispatchesPerSec,
		SampleInterval:     cfg.ResourceSampleInterval,
	}, logger)

	guardDone := make(chan struct{})
	go guard.Run(guardDone)

	q, err := queue.NewClient(queue.DefaultConfig(cfg.NATSURL), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to job queue")
	}
	defer q.Close()

	var agentImpl agent.Agent
	if *demoAgent {
		agentImpl = agent.NewDemoAgent(agent.DefaultDemoConfig(), agent.DefaultTools)
	}

	disp := dispatcher.New(s, sessions, pub, agentImpl, q, logger).
		WithWallTimeout(cfg.AgentTaskTimeout).
		WithMetrics(registry)

	if err := q.Consume(func(job dispatcher.Job) {
		if !guard.AcquireGoroutine() {
			logger.Warn().Str("session_id", job.SessionID).Msg("goroutine budget exhausted, dropping job pickup")
			return
		}
		go func() {
			defer guard.ReleaseGoroutine()
			defer logging.RecoverPanic(logger, "dispatch", map[string]any{"session_id": job.SessionID})

			if guard.ShouldPauseDispatch() || !guard.AllowDispatch() {
				if err := q.Requeue(context.Background(), job, time.Second); err != nil {
					logger.Error().Err(err).Str("session_id", job.SessionID).Msg("failed to requeue throttled job")
				}
				return
			}

			ctx := context.Background()
			if err := disp.Dispatch(ctx, job); err != nil {
				logger.Error().Err(err).Str("session_id", job.SessionID).Msg("dispatch failed")
			}
		}()
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe to job queue")
	}

	apiCfg := httpapi.DefaultConfig()
	apiCfg.RouteLimits = map[string]ratelimit.RouteConfig{
		"/chat":        {Limit: cfg.RateLimitRequests, Window: cfg.RateLimitWindow},
		"/chat/stream": ratelimit.DefaultRoutes["/chat/stream"],
	}
	apiCfg.RequireAuth = cfg.JWTSecret != "" && cfg.APIKeys != ""

	api := httpapi.New(apiCfg, s, sessions, log, pub, q, streamer, limiter, authMgr, guard, registry, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr(),
		Handler: api.Handler(),
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr()).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	close(guardDone)
	close(bpCleanupDone)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during http shutdown")
	}
}
