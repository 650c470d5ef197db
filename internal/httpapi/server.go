// Package httpapi implements the Request Surface of spec.md §4.10:
// the /chat, /chat/stream, /chat/sync, /session/*, /healthz, /readyz
// and /metrics routes, with rate-limit and optional-auth middleware
// wrapping every route but health/metrics. Grounded on the teacher's
// go-server/internal/server/server.go (a plain http.ServeMux, a
// struct holding every collaborator, CORS/middleware composition) and
// original_source/fastapi_sse/app/middleware/request_id.py (the
// X-Request-ID contract), retargeted from a WebSocket upgrade server
// to the chat/SSE routes spec.md names.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adred-codev/agentstream/internal/auth"
	"github.com/adred-codev/agentstream/internal/dispatcher"
	"github.com/adred-codev/agentstream/internal/eventlog"
	"github.com/adred-codev/agentstream/internal/metrics"
	"github.com/adred-codev/agentstream/internal/publisher"
	"github.com/adred-codev/agentstream/internal/ratelimit"
	"github.com/adred-codev/agentstream/internal/resourceguard"
	"github.com/adred-codev/agentstream/internal/session"
	"github.com/adred-codev/agentstream/internal/sse"
	"github.com/adred-codev/agentstream/internal/store"
)

// JobDispatcher hands a job to the worker pool transport. Implemented
// by internal/queue.Client; kept as an interface so httpapi has no
// direct dependency on NATS.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job dispatcher.Job) error
}

// Config bounds request handling (spec.md §6 environment table,
// request-surface slice).
type Config struct {
	RouteLimits    map[string]ratelimit.RouteConfig
	SyncMaxWait    time.Duration
	RequireAuth    bool
}

func DefaultConfig() Config {
	return Config{
		RouteLimits: ratelimit.DefaultRoutes,
		SyncMaxWait: 60 * time.Second,
		RequireAuth: false,
	}
}

// Server holds every collaborator a route handler needs.
type Server struct {
	cfg Config

	store      *store.Store
	sessions   *session.Store
	log        *eventlog.Log
	pub        *publisher.Publisher
	dispatcher JobDispatcher
	streamer   *sse.Streamer
	limiter    *ratelimit.Limiter
	authMgr    *auth.Manager
	guard      *resourceguard.Guard
	registry   *metrics.Registry
	logger     zerolog.Logger

	startedAt time.Time
}

func New(
	cfg Config,
	s *store.Store,
	sessions *session.Store,
	log *eventlog.Log,
	pub *publisher.Publisher,
	jobDispatcher JobDispatcher,
	streamer *sse.Streamer,
	limiter *ratelimit.Limiter,
	authMgr *auth.Manager,
	guard *resourceguard.Guard,
	registry *metrics.Registry,
	logger zerolog.Logger,
) *Server {
	return &Server{
		cfg:        cfg,
		store:      s,
		sessions:   sessions,
		log:        log,
		pub:        pub,
		dispatcher: jobDispatcher,
		streamer:   streamer,
		limiter:    limiter,
		authMgr:    authMgr,
		guard:      guard,
		registry:   registry,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Handler builds the full route table wrapped in request-id, metrics,
// rate-limit and auth middleware (health/metrics excepted per
// spec.md §4.10).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /chat", s.guarded("/chat", http.HandlerFunc(s.handleChat)))
	mux.Handle("GET /chat/stream", s.guarded("/chat/stream", http.HandlerFunc(s.handleChatStream)))
	mux.Handle("POST /chat/sync", s.guarded("/chat/sync", http.HandlerFunc(s.handleChatSync)))
	mux.Handle("GET /session/{id}", s.guarded("/session/{id}", http.HandlerFunc(s.handleSessionGet)))
	mux.Handle("DELETE /session/{id}", s.guarded("/session/{id}", http.HandlerFunc(s.handleSessionDelete)))
	mux.Handle("POST /session/{id}/cancel", s.guarded("/session/{id}/cancel", http.HandlerFunc(s.handleSessionCancel)))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", s.registry.Handler())

	return withRequestID(mux)
}

// guarded composes the optional-auth and rate-limit middleware around
// one route: auth runs first so a rate-limited caller is identified by
// user id when authenticated, falling back to remote IP otherwise.
func (s *Server) guarded(routeKey string, next http.Handler) http.Handler {
	return s.withMetrics(routeKey, s.withAuth(s.withRateLimit(routeKey, next)))
}

func (s *Server) withMetrics(routeKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.registry != nil {
			s.registry.ObserveHTTP(r.Method, routeKey, time.Since(start))
		}
	})
}

type contextKey int

const (
	requestIDKey contextKey = iota
	identityKey
)

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authMgr == nil {
			next.ServeHTTP(w, r)
			return
		}
		identity, err := s.authMgr.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="agentstream"`)
			writeError(w, r, errUnauthorized("invalid credentials"))
			return
		}
		if s.cfg.RequireAuth && !identity.Authenticated {
			w.Header().Set("WWW-Authenticate", `Bearer realm="agentstream"`)
			writeError(w, r, errUnauthorized("authentication required"))
			return
		}
		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func identityFrom(ctx context.Context) auth.Identity {
	id, _ := ctx.Value(identityKey).(auth.Identity)
	return id
}

// withRateLimit enforces spec.md §4.2/§6: X-RateLimit-* headers on
// every response, 429 + Retry-After when exceeded. Identifier
// preference: authenticated user id, else remote IP.
func (s *Server) withRateLimit(routeKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		route := s.cfg.RouteLimits[routeKey]
		if route.Limit == 0 {
			route = ratelimit.RouteConfig{Limit: 60, Window: 60 * time.Second}
		}

		identifier := remoteIdentifier(r)
		res := s.limiter.Check(r.Context(), identifier, routeKey, route.Limit, route.Window)
		setRateLimitHeaders(w, res)

		if !res.Allowed {
			if s.registry != nil {
				s.registry.RateLimitHits.WithLabelValues(routeKey).Inc()
			}
			w.Header().Set("Retry-After", formatSeconds(res.RetryAfter))
			writeError(w, r, errRateLimited("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIdentifier(r *http.Request) string {
	if id, ok := r.Context().Value(identityKey).(auth.Identity); ok && id.Authenticated && id.UserID != "" {
		return "user:" + id.UserID
	}
	host := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host = fwd
	}
	return "ip:" + host
}
