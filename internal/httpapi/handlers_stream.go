package httpapi

import "net/http"

// handleChatStream implements GET /chat/stream: upgrades to SSE and
// hands the connection to the streamer for the session's lifetime
// (spec.md §4.8).
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, r, errValidation("session_id query parameter is required"))
		return
	}

	fw, ok := w.(flushWriter)
	if !ok {
		writeError(w, r, errStoreUnavailable("streaming unsupported"))
		return
	}

	rec, err := s.sessions.Get(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, errStoreUnavailable("failed to load session"))
		return
	}
	if rec == nil {
		writeError(w, r, errNotFound("session not found"))
		return
	}

	lastEventID := r.Header.Get("Last-Event-ID")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Last-Event-ID")
	w.WriteHeader(http.StatusOK)
	fw.Flush()

	if s.registry != nil {
		s.registry.ActiveSSEConnections.Inc()
		defer s.registry.ActiveSSEConnections.Dec()
	}

	_ = s.streamer.Serve(r.Context(), fw, sessionID, lastEventID)
}

// flushWriter satisfies sse.FlushWriter via the http.ResponseWriter's
// usual concrete type, which also implements http.Flusher.
type flushWriter interface {
	Write([]byte) (int, error)
	Flush()
}
