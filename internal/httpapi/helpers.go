package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/adred-codev/agentstream/internal/ratelimit"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err *apiError) {
	writeJSON(w, err.Status, map[string]any{
		"error":      err.Kind,
		"message":    err.Message,
		"request_id": requestIDFrom(r.Context()),
	})
}

func setRateLimitHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetAt.Unix()))
}

func formatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.0f", d.Seconds())
}
