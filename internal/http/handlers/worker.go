package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shrinkarr/shrinkarr/internal/events"
	"github.com/shrinkarr/shrinkarr/internal/lifecycle"
	"github.com/shrinkarr/shrinkarr/internal/registry"
	"github.com/shrinkarr/shrinkarr/internal/scheduler"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// WorkerHandler implements the worker protocol endpoints.
type WorkerHandler struct {
	lifecycle *lifecycle.Manager
	registry  *registry.Registry
	bus       *events.Bus
	logger    *slog.Logger
}

// NewWorkerHandler creates a new worker handler.
func NewWorkerHandler(deps Deps) *WorkerHandler {
	return &WorkerHandler{
		lifecycle: deps.Lifecycle,
		registry:  deps.Registry,
		bus:       deps.Bus,
		logger:    deps.Logger,
	}
}

// Register registers the worker protocol routes with the API.
func (h *WorkerHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "registerWorker",
		Method:      "POST",
		Path:        "/api/v1/workers/register",
		Summary:     "Register worker",
		Description: "Announces a worker and returns the cluster configuration",
		Tags:        []string{"Workers"},
	}, h.RegisterWorker)

	huma.Register(api, huma.Operation{
		OperationID: "workerHeartbeat",
		Method:      "POST",
		Path:        "/api/v1/workers/{id}/heartbeat",
		Summary:     "Worker heartbeat",
		Description: "Records liveness and telemetry, returns pending directives",
		Tags:        []string{"Workers"},
	}, h.Heartbeat)

	huma.Register(api, huma.Operation{
		OperationID: "nextAssignment",
		Method:      "POST",
		Path:        "/api/v1/workers/{id}/next",
		Summary:     "Poll for work",
		Description: "Claims the next eligible file for the worker; assignment is null when the queue has nothing",
		Tags:        []string{"Workers"},
	}, h.Next)
}

// RegisterWorkerInput is the input for worker registration.
type RegisterWorkerInput struct {
	Body types.Announcement
}

// RegisterWorkerOutput is the output for worker registration.
type RegisterWorkerOutput struct {
	Body types.RegisterResponse
}

// RegisterWorker announces a worker.
func (h *WorkerHandler) RegisterWorker(ctx context.Context, input *RegisterWorkerInput) (*RegisterWorkerOutput, error) {
	if input.Body.WorkerID == "" {
		return nil, huma.Error400BadRequest("worker_id is required")
	}
	resp := h.registry.Register(input.Body)
	h.bus.Publish(events.Event{
		Type:     events.TypeWorkerRegistered,
		WorkerID: string(input.Body.WorkerID),
		Payload:  map[string]any{"hostname": input.Body.Hostname, "version": input.Body.Version},
	})
	return &RegisterWorkerOutput{Body: resp}, nil
}

// HeartbeatInput is the input for a heartbeat.
type HeartbeatInput struct {
	ID   string `path:"id" doc:"Worker ID"`
	Body types.Heartbeat
}

// HeartbeatOutput is the output for a heartbeat.
type HeartbeatOutput struct {
	Body types.HeartbeatResponse
}

// Heartbeat records worker liveness. Unknown workers get 404 and must
// re-register before their next heartbeat.
func (h *WorkerHandler) Heartbeat(ctx context.Context, input *HeartbeatInput) (*HeartbeatOutput, error) {
	resp, ok := h.registry.Heartbeat(types.WorkerID(input.ID), input.Body)
	if !ok {
		return nil, huma.Error404NotFound("unknown worker, re-register")
	}
	return &HeartbeatOutput{Body: resp}, nil
}

// NextInput is the input for polling for work.
type NextInput struct {
	ID string `path:"id" doc:"Worker ID"`
}

// NextOutput is the output for polling for work. Assignment is null when no
// work is available.
type NextOutput struct {
	Body struct {
		Assignment *types.Assignment `json:"assignment"`
	}
}

// Next claims the next eligible file for the worker.
func (h *WorkerHandler) Next(ctx context.Context, input *NextInput) (*NextOutput, error) {
	out := &NextOutput{}
	assignment, err := h.lifecycle.Assign(ctx, types.WorkerID(input.ID))
	if errors.Is(err, scheduler.ErrNoWork) {
		return out, nil
	}
	if errors.Is(err, scheduler.ErrUnknownWorker) {
		return nil, huma.Error404NotFound("unknown worker, re-register")
	}
	if err != nil {
		return nil, huma.Error500InternalServerError("assigning work", err)
	}
	out.Body.Assignment = assignment
	return out, nil
}
