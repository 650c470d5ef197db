package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/agentstream/internal/auth"
	"github.com/adred-codev/agentstream/internal/backpressure"
	"github.com/adred-codev/agentstream/internal/dispatcher"
	"github.com/adred-codev/agentstream/internal/eventlog"
	"github.com/adred-codev/agentstream/internal/metrics"
	"github.com/adred-codev/agentstream/internal/publisher"
	"github.com/adred-codev/agentstream/internal/ratelimit"
	"github.com/adred-codev/agentstream/internal/session"
	"github.com/adred-codev/agentstream/internal/sse"
	"github.com/adred-codev/agentstream/internal/store"
)

// sharedRegistry avoids promauto's duplicate-registration panic when
// more than one test in this package builds a Server.
var (
	registryOnce sync.Once
	registry     *metrics.Registry
)

func testRegistry() *metrics.Registry {
	registryOnce.Do(func() { registry = metrics.NewRegistry() })
	return registry
}

type stubDispatcher struct {
	mu   sync.Mutex
	jobs []dispatcher.Job
	err  error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, job dispatcher.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

type testServer struct {
	*Server
	dispatcher *stubDispatcher
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := store.New(store.Config{URL: "redis://" + mr.Addr(), MaxConnections: 10})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sessions := session.New(s, time.Hour)
	log := eventlog.New(s, eventlog.Config{MaxLen: 1000, BlockTimeout: 50 * time.Millisecond, MaxPendingClaimAge: time.Minute, DeliveredTTL: time.Hour})
	pub := publisher.New(s, log)
	streamer := sse.New(log, sessions, backpressure.NewManager(), sse.DefaultConfig(), zerolog.Nop())
	limiter := ratelimit.New(s, zerolog.Nop())
	authMgr := auth.NewManager("test-secret", []string{"valid-key"})

	d := &stubDispatcher{}

	srv := New(
		DefaultConfig(),
		s,
		sessions,
		log,
		pub,
		d,
		streamer,
		limiter,
		authMgr,
		nil,
		testRegistry(),
		zerolog.Nop(),
	)
	return testServer{Server: srv, dispatcher: d}
}

func TestHandleChatEnqueuesJobAndReturnsStreamURL(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.Handler()

	body := strings.NewReader(`{"message":"hello there"}`)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["session_id"])
	require.NotEmpty(t, resp["task_id"])
	require.Contains(t, resp["stream_url"], resp["session_id"])

	require.Len(t, ts.dispatcher.jobs, 1)
	require.Equal(t, "hello there", ts.dispatcher.jobs[0].Prompt)
}

func TestHandleChatRejectsEmptyMessage(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.Handler()

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":""}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSessionGetNotFound(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.Handler()

	req := httptest.NewRequest(http.MethodGet, "/session/missing", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.Handler()
	ctx := context.Background()

	_, err := ts.sessions.Create(ctx, "s1", "hi", "user-1", nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/session/s1", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	cancelReq := httptest.NewRequest(http.MethodPost, "/session/s1/cancel", nil)
	cancelW := httptest.NewRecorder()
	handler.ServeHTTP(cancelW, cancelReq)
	require.Equal(t, http.StatusOK, cancelW.Code)

	cancelled, err := ts.pub.IsCancelled(ctx, "s1")
	require.NoError(t, err)
	require.True(t, cancelled)

	delReq := httptest.NewRequest(http.MethodDelete, "/session/s1", nil)
	delW := httptest.NewRecorder()
	handler.ServeHTTP(delW, delReq)
	require.Equal(t, http.StatusOK, delW.Code)

	exists, err := ts.sessions.Exists(ctx, "s1")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestHandleHealthzDoesNotTouchStore(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.Handler()

	ts.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleReadyzReportsStoreUnavailable(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.Handler()

	ts.store.Close()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRateLimitHeadersSetOnEveryResponse(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.Handler()

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.NotEmpty(t, w.Header().Get("X-RateLimit-Limit"))
	require.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	require.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
}

func TestRequestIDEchoedAndGeneratedWhenAbsent(t *testing.T) {
	ts := newTestServer(t)
	handler := ts.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req2.Header.Set("X-Request-ID", "fixed-id")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	require.Equal(t, "fixed-id", w2.Header().Get("X-Request-ID"))
}

func TestAuthRequiredRejectsUnauthenticated(t *testing.T) {
	ts := newTestServer(t)
	ts.cfg.RequireAuth = true
	handler := ts.Handler()

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"message":"hi"}`))
	req2.Header.Set("X-API-Key", "valid-key")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusOK, w2.Code)
}
