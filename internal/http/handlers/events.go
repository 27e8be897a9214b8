package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shrinkarr/shrinkarr/internal/events"
)

// sseHeartbeatInterval keeps idle SSE connections from being reaped by
// intermediaries.
const sseHeartbeatInterval = 30 * time.Second

// EventsHandler streams the live event feed over SSE. Each client first gets
// a snapshot event with the full cluster state, then the live feed.
type EventsHandler struct {
	bus               *events.Bus
	heartbeatInterval time.Duration
	logger            *slog.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps Deps) *EventsHandler {
	return &EventsHandler{
		bus:               deps.Bus,
		heartbeatInterval: sseHeartbeatInterval,
		logger:            deps.Logger,
	}
}

// SetHeartbeatInterval sets the SSE heartbeat interval (for testing).
func (h *EventsHandler) SetHeartbeatInterval(interval time.Duration) {
	h.heartbeatInterval = interval
}

// Register registers the SSE route.
func (h *EventsHandler) Register(router *chi.Mux) {
	router.Get("/api/v1/events", h.Stream)
}

// Stream is the raw SSE handler.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	// Subscribe before reading the snapshot: events published in between are
	// buffered on the subscription, so the client misses nothing.
	sub := h.bus.Subscribe()
	defer h.bus.Unsubscribe(sub.ID)

	rc := http.NewResponseController(w)

	snapshot, err := h.bus.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("building SSE snapshot", "error", err)
		http.Error(w, "building snapshot", http.StatusInternalServerError)
		return
	}
	if snapshot != nil {
		if err := writeSSE(w, "snapshot", snapshot); err != nil {
			return
		}
	}
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub.Events:
			if !ok {
				// Disconnected by the bus (too slow) or the bus shut down
				return
			}
			if err := writeSSE(w, string(ev.Type), ev); err != nil {
				h.logger.Debug("SSE write failed, client likely gone", "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

// writeSSE writes one event in SSE wire format.
func writeSSE(w http.ResponseWriter, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
