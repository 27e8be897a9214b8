// Package handlers implements the coordinator API: the worker protocol
// (registration, heartbeats, assignments, transfers, reports), the UI surface
// (status, files, SSE events), and operator administration.
package handlers

import (
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/shrinkarr/shrinkarr/internal/events"
	"github.com/shrinkarr/shrinkarr/internal/lifecycle"
	"github.com/shrinkarr/shrinkarr/internal/registry"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/internal/scanner"
	"github.com/shrinkarr/shrinkarr/internal/transfer"
)

// Deps bundles everything the handlers need.
type Deps struct {
	Lifecycle *lifecycle.Manager
	Repo      *repository.FileRepository
	Stats     *repository.StatsRepository
	Registry  *registry.Registry
	Bus       *events.Bus
	Hashes    *transfer.HashCache
	Uploads   *transfer.UploadManager
	Scanner   *scanner.Scanner
	Order     repository.FileOrder
	Version   string
	Logger    *slog.Logger
}

// Register wires all coordinator routes. Structured JSON endpoints go
// through Huma; byte streaming (downloads, uploads, SSE) uses raw chi routes.
func Register(api huma.API, router *chi.Mux, deps Deps) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	NewWorkerHandler(deps).Register(api)
	NewFileHandler(deps).Register(api)
	NewStatusHandler(deps).Register(api)
	NewAdminHandler(deps).Register(api)
	NewQualityHandler(deps).Register(router)
	NewTransferHandler(deps).Register(router)
	NewEventsHandler(deps).Register(router)
	NewHealthHandler(deps).Register(router)
}
