package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// HealthHandler serves liveness and version endpoints.
type HealthHandler struct {
	version string
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(deps Deps) *HealthHandler {
	return &HealthHandler{version: deps.Version, logger: deps.Logger}
}

// Register registers the health routes.
func (h *HealthHandler) Register(router *chi.Mux) {
	router.Get("/healthz", h.Healthz)
	router.Get("/api/v1/version", h.Version)
}

// Healthz reports process liveness.
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Version reports the coordinator build version.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}
