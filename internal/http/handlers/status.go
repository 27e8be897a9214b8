package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shrinkarr/shrinkarr/internal/events"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/internal/registry"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// statusTopFiles is how many queue entries the status view carries.
const statusTopFiles = 50

// statusStatsDays is how many daily aggregate rows the status view carries.
const statusStatsDays = 30

// ClusterSnapshot is the consistent cluster view served to the UI and to
// fresh SSE subscribers.
type ClusterSnapshot struct {
	Paused  bool                      `json:"paused"`
	Queue   *repository.QueueSnapshot `json:"queue"`
	Workers []types.WorkerSnapshot    `json:"workers"`
	Stats   []*models.StatsDaily      `json:"stats"`
}

// StatusHandler serves the cluster status view.
type StatusHandler struct {
	repo     *repository.FileRepository
	stats    *repository.StatsRepository
	registry *registry.Registry
	order    repository.FileOrder
	logger   *slog.Logger
}

// NewStatusHandler creates a new status handler.
func NewStatusHandler(deps Deps) *StatusHandler {
	return &StatusHandler{
		repo:     deps.Repo,
		stats:    deps.Stats,
		registry: deps.Registry,
		order:    deps.Order,
		logger:   deps.Logger,
	}
}

// Register registers the status route with the API.
func (h *StatusHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getStatus",
		Method:      "GET",
		Path:        "/api/v1/status",
		Summary:     "Cluster status",
		Description: "Returns queue counts, worker fleet state, and daily statistics",
		Tags:        []string{"Status"},
	}, h.Get)
}

// Snapshot builds the cluster snapshot. Also installed as the event bus
// snapshot provider so SSE clients start from a consistent state.
func (h *StatusHandler) Snapshot(ctx context.Context) (*ClusterSnapshot, error) {
	queue, err := h.repo.Snapshot(ctx, statusTopFiles, h.order)
	if err != nil {
		return nil, err
	}
	stats, err := h.stats.Recent(ctx, statusStatsDays)
	if err != nil {
		return nil, err
	}
	paused, err := h.repo.Paused(ctx)
	if err != nil {
		return nil, err
	}
	return &ClusterSnapshot{
		Paused:  paused,
		Queue:   queue,
		Workers: h.registry.Snapshot(),
		Stats:   stats,
	}, nil
}

// SnapshotProvider adapts Snapshot for the event bus.
func (h *StatusHandler) SnapshotProvider() events.SnapshotProvider {
	return func(ctx context.Context) (any, error) {
		return h.Snapshot(ctx)
	}
}

// StatusInput is the input for the status view.
type StatusInput struct{}

// StatusOutput is the output for the status view.
type StatusOutput struct {
	Body ClusterSnapshot
}

// Get returns the cluster status.
func (h *StatusHandler) Get(ctx context.Context, input *StatusInput) (*StatusOutput, error) {
	snap, err := h.Snapshot(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("building status", err)
	}
	return &StatusOutput{Body: *snap}, nil
}
