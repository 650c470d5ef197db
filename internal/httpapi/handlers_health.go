package httpapi

import (
	"net/http"
	"time"
)

// handleHealthz implements GET /healthz: liveness only, no store
// round-trip (spec.md §4.10 "returns uptime without touching the
// store").
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"uptime_sec": time.Since(s.startedAt).Seconds(),
	})
}

// handleReadyz implements GET /readyz: pings the store and checks
// resource-guard degradation (spec.md §4.10).
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"reason": "store unreachable",
		})
		return
	}

	if s.guard != nil {
		if degraded, reason := s.guard.Degraded(); degraded {
			writeJSON(w, http.StatusOK, map[string]any{
				"status": "degraded",
				"reason": reason,
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
