package httpapi

import (
	"net/http"
	"time"
)

// handleSessionGet implements GET /session/{id}.
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	rec, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, errStoreUnavailable("failed to load session"))
		return
	}
	if rec == nil {
		writeError(w, r, errNotFound("session not found"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":    rec.ID,
		"status":        rec.Status,
		"created_at":    rec.CreatedAt.Format(time.RFC3339),
		"last_activity": rec.LastActivity.Format(time.RFC3339),
		"message_count": rec.MessageCount,
		"user_id":       rec.UserID,
		"task_id":       rec.TaskID,
	})
}

// handleSessionDelete implements DELETE /session/{id}: drops the
// session record and its event log (spec.md §4.5 "Cleanup").
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.sessions.Delete(r.Context(), id); err != nil {
		writeError(w, r, errStoreUnavailable("failed to delete session"))
		return
	}
	if err := s.log.Cleanup(r.Context(), id); err != nil {
		writeError(w, r, errStoreUnavailable("failed to clean up event log"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "deleted": true})
}

// handleSessionCancel implements POST /session/{id}/cancel: sets the
// cooperative cancellation flag an in-flight dispatch polls for
// (spec.md §3 "Cancellation Flag").
func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.pub.SetCancelFlag(r.Context(), id, 0); err != nil {
		writeError(w, r, errStoreUnavailable("failed to set cancel flag"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "cancelled": true})
}
