package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shrinkarr/shrinkarr/internal/quality"
)

// QualityHandler distributes the encode quality lookup tables to workers, so
// every worker applies the same CRF and audio bitrate policy the coordinator
// ships with.
type QualityHandler struct {
	logger *slog.Logger
}

// NewQualityHandler creates a new quality handler.
func NewQualityHandler(deps Deps) *QualityHandler {
	return &QualityHandler{logger: deps.Logger}
}

// Register registers the quality table routes.
func (h *QualityHandler) Register(router *chi.Mux) {
	router.Get("/api/v1/quality/tables", h.Tables)
}

// Tables serves both lookup tables in one payload.
func (h *QualityHandler) Tables(w http.ResponseWriter, r *http.Request) {
	video, audio, err := quality.RawTables()
	if err != nil {
		h.logger.Error("loading quality tables", "error", err)
		writeError(w, http.StatusInternalServerError, "loading quality tables")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"video":`))
	_, _ = w.Write(video)
	_, _ = w.Write([]byte(`,"audio":`))
	_, _ = w.Write(audio)
	_, _ = w.Write([]byte(`}`))
}
