package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/file-relay-go/internal/httputil"
)

type SessionCounter interface {
	Count(ctx context.Context) (int64, error)
}

// StreamCounter reports open event streams.
type StreamCounter interface {
	TotalClients() int
}

type HealthHandler struct {
	sessions SessionCounter
	streams  StreamCounter
}

func NewHealthHandler(sessions SessionCounter, streams StreamCounter) *HealthHandler {
	return &HealthHandler{sessions: sessions, streams: streams}
}

// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	count, err := h.sessions.Count(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("health check failed")
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "degraded",
			"timestamp": time.Now().UnixMilli(),
		})
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UnixMilli(),
		"sessions":  count,
		"streams":   h.streams.TotalClients(),
	})
}
