package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/adred-codev/agentstream/internal/dispatcher"
	"github.com/adred-codev/agentstream/internal/eventlog"
	"github.com/adred-codev/agentstream/internal/events"
)

// chatRequest is the body shared by POST /chat and POST /chat/sync
// (spec.md §4.10).
type chatRequest struct {
	Message        string `json:"message"`
	Context        any    `json:"context,omitempty"`
	Model          string `json:"model,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
}

func decodeChatRequest(r *http.Request) (chatRequest, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return chatRequest{}, fmt.Errorf("decode body: %w", err)
	}
	if req.Message == "" {
		return chatRequest{}, fmt.Errorf("message is required")
	}
	return req, nil
}

// enqueue creates (or reuses) a session and hands a job to the worker
// dispatcher, returning the session and task ids.
func (s *Server) enqueue(ctx context.Context, r *http.Request, req chatRequest) (sessionID, taskID string, err error) {
	sessionID = r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	userID := req.UserID
	if identity := identityFrom(ctx); identity.Authenticated && identity.UserID != "" {
		userID = identity.UserID
	}

	exists, err := s.sessions.Exists(ctx, sessionID)
	if err != nil {
		return "", "", err
	}
	if !exists {
		if _, err := s.sessions.Create(ctx, sessionID, req.Message, userID, req.Context); err != nil {
			return "", "", err
		}
	}

	taskID = uuid.NewString()
	job := dispatcher.Job{
		SessionID: sessionID,
		Prompt:    req.Message,
		Context:   req.Context,
		UserID:    userID,
		TaskID:    taskID,
		Model:     req.Model,
	}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		return "", "", err
	}
	return sessionID, taskID, nil
}

// handleChat implements POST /chat.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, r, errValidation(err.Error()))
		return
	}

	sessionID, taskID, err := s.enqueue(r.Context(), r, req)
	if err != nil {
		writeError(w, r, errStoreUnavailable("failed to enqueue job"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"task_id":    taskID,
		"stream_url": fmt.Sprintf("/chat/stream?session_id=%s", sessionID),
	})
}

// handleChatSync implements POST /chat/sync: enqueues then polls the
// event log for the session's terminal event up to timeout_seconds.
func (s *Server) handleChatSync(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		writeError(w, r, errValidation(err.Error()))
		return
	}

	timeout := s.cfg.SyncMaxWait
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds * float64(time.Second))
		if timeout > s.cfg.SyncMaxWait {
			timeout = s.cfg.SyncMaxWait
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	sessionID, _, err := s.enqueue(ctx, r, req)
	if err != nil {
		writeError(w, r, errStoreUnavailable("failed to enqueue job"))
		return
	}

	start := time.Now()
	ev, err := s.awaitTerminal(ctx, sessionID)
	durationMS := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id":  sessionID,
			"success":     false,
			"error":       "timed out waiting for a terminal event",
			"duration_ms": durationMS,
		})
		return
	}

	if ev.Type == events.TypeFinal {
		var data events.FinalData
		_ = json.Unmarshal(ev.Data, &data)
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id":  sessionID,
			"success":     true,
			"result":      data,
			"duration_ms": durationMS,
		})
		return
	}

	var data events.ErrorData
	_ = json.Unmarshal(ev.Data, &data)
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  sessionID,
		"success":     false,
		"error":       data,
		"duration_ms": durationMS,
	})
}

// awaitTerminal polls ReadNew on a dedicated consumer until a terminal
// event appears or ctx expires. Redis consumer groups distribute new
// entries across every consumer reading the group (the fixed "sse"
// group name in internal/eventlog), not per-consumer broadcast: if a
// /chat/stream connection is also reading this session when the final
// event lands, ReadNew may hand it to either caller, and whichever one
// reads it acks it on the other's behalf. This assumes at most one
// reader per session, true of the common case (sync call with no
// concurrent stream) but not enforced.
func (s *Server) awaitTerminal(ctx context.Context, sessionID string) (events.Event, error) {
	consumer := eventlog.NewConsumerName()
	if err := s.log.EnsureGroup(ctx, sessionID); err != nil {
		return events.Event{}, err
	}

	for {
		select {
		case <-ctx.Done():
			return events.Event{}, ctx.Err()
		default:
		}

		entries, err := s.log.ReadNew(ctx, sessionID, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return events.Event{}, ctx.Err()
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		for _, e := range entries {
			_ = s.log.Ack(ctx, sessionID, e.ID)
			if e.Event.Type.Terminal() {
				return e.Event, nil
			}
		}
	}
}
