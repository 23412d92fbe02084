package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/file-relay-go/internal/errors"
	"github.com/openclaw/file-relay-go/internal/httputil"
	"github.com/openclaw/file-relay-go/internal/model"
	"github.com/openclaw/file-relay-go/internal/sse"
	"github.com/openclaw/file-relay-go/internal/util"
)

// EventsHandler streams lifecycle events of one transfer to its sender.
type EventsHandler struct {
	broker *sse.Broker
	relay  TransferRelay
}

func NewEventsHandler(broker *sse.Broker, r TransferRelay) *EventsHandler {
	return &EventsHandler{
		broker: broker,
		relay:  r,
	}
}

// GET /v1/transfers/{token}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	// Subscribe before the lookup so an event published in between is queued.
	client := h.broker.Subscribe(util.HashToken(token))
	defer h.broker.Unsubscribe(client)

	expiresAt, err := h.relay.Lookup(r.Context(), token)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	shortHash := util.ShortHash(token)
	log.Info().Str("tokenHash", shortHash).Msg("sse connection established")

	ctx := r.Context()

	if err := h.sendEvent(w, flusher, "connected", map[string]any{
		"expiresAt": expiresAt.UTC().Format(time.RFC3339),
	}); err != nil {
		return
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	deadline := time.NewTimer(time.Until(expiresAt))
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("tokenHash", shortHash).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("tokenHash", shortHash).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}
			if isTerminal(event.Type) {
				return
			}

		case <-deadline.C:
			h.sendEvent(w, flusher, string(model.SessionEventExpired), map[string]any{
				"at": expiresAt.UTC().Format(time.RFC3339),
			})
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("tokenHash", shortHash).Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func isTerminal(eventType string) bool {
	switch model.SessionEventType(eventType) {
	case model.SessionEventConsumed, model.SessionEventDestroyed, model.SessionEventExpired:
		return true
	}
	return false
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
