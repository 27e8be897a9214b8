package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shrinkarr/shrinkarr/internal/lifecycle"
	"github.com/shrinkarr/shrinkarr/internal/scanner"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// AdminHandler implements operator endpoints: scan triggering, bulk queue
// operations, and worker drain control.
type AdminHandler struct {
	lifecycle *lifecycle.Manager
	scanner   *scanner.Scanner
	logger    *slog.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(deps Deps) *AdminHandler {
	return &AdminHandler{
		lifecycle: deps.Lifecycle,
		scanner:   deps.Scanner,
		logger:    deps.Logger,
	}
}

// Register registers the admin routes with the API.
func (h *AdminHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "triggerScan",
		Method:      "POST",
		Path:        "/api/v1/admin/scan",
		Summary:     "Trigger library scan",
		Description: "Runs a full library scan; returns the scan summary",
		Tags:        []string{"Admin"},
	}, h.Scan)

	huma.Register(api, huma.Operation{
		OperationID: "resetFailedFiles",
		Method:      "POST",
		Path:        "/api/v1/admin/reset_failed",
		Summary:     "Reset all failed files",
		Description: "Returns every terminally failed file to pending",
		Tags:        []string{"Admin"},
	}, h.ResetFailed)

	huma.Register(api, huma.Operation{
		OperationID: "deleteCompletedFiles",
		Method:      "POST",
		Path:        "/api/v1/admin/delete_completed",
		Summary:     "Delete all completed records",
		Description: "Removes every completed record from the queue; media files stay on disk",
		Tags:        []string{"Admin"},
	}, h.DeleteCompleted)

	huma.Register(api, huma.Operation{
		OperationID: "pauseCluster",
		Method:      "POST",
		Path:        "/api/v1/admin/pause",
		Summary:     "Pause assignment",
		Description: "Stops handing out new assignments; in-flight jobs finish normally",
		Tags:        []string{"Admin"},
	}, h.Pause)

	huma.Register(api, huma.Operation{
		OperationID: "resumeCluster",
		Method:      "POST",
		Path:        "/api/v1/admin/resume",
		Summary:     "Resume assignment",
		Tags:        []string{"Admin"},
	}, h.Resume)

	huma.Register(api, huma.Operation{
		OperationID: "setWorkerFadeOut",
		Method:      "POST",
		Path:        "/api/v1/admin/workers/{id}/fade_out",
		Summary:     "Set worker fade-out",
		Description: "A fading-out worker finishes its current job and gets no more",
		Tags:        []string{"Admin"},
	}, h.FadeOut)
}

// ScanInput is the input for triggering a scan.
type ScanInput struct{}

// ScanOutput is the output for a triggered scan.
type ScanOutput struct {
	Body scanner.Summary
}

// Scan runs a library scan synchronously.
func (h *AdminHandler) Scan(ctx context.Context, input *ScanInput) (*ScanOutput, error) {
	sum, err := h.scanner.Scan(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("scanning library", err)
	}
	return &ScanOutput{Body: sum}, nil
}

// ResetFailedInput is the input for bulk-resetting failed files.
type ResetFailedInput struct{}

// ResetFailedOutput reports how many files were reset.
type ResetFailedOutput struct {
	Body struct {
		Reset int64 `json:"reset"`
	}
}

// ResetFailed requeues every failed file.
func (h *AdminHandler) ResetFailed(ctx context.Context, input *ResetFailedInput) (*ResetFailedOutput, error) {
	n, err := h.lifecycle.BulkResetFailed(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("resetting failed files", err)
	}
	out := &ResetFailedOutput{}
	out.Body.Reset = n
	return out, nil
}

// DeleteCompletedInput is the input for bulk-deleting completed records.
type DeleteCompletedInput struct{}

// DeleteCompletedOutput reports how many records were deleted.
type DeleteCompletedOutput struct {
	Body struct {
		Deleted int64 `json:"deleted"`
	}
}

// DeleteCompleted removes every completed record.
func (h *AdminHandler) DeleteCompleted(ctx context.Context, input *DeleteCompletedInput) (*DeleteCompletedOutput, error) {
	n, err := h.lifecycle.BulkDeleteCompleted(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("deleting completed records", err)
	}
	out := &DeleteCompletedOutput{}
	out.Body.Deleted = n
	return out, nil
}

// PauseInput is the input for pausing or resuming assignment.
type PauseInput struct{}

// PauseOutput reports the pause flag after the change.
type PauseOutput struct {
	Body struct {
		Paused bool `json:"paused"`
	}
}

// Pause stops cluster-wide assignment of new work.
func (h *AdminHandler) Pause(ctx context.Context, input *PauseInput) (*PauseOutput, error) {
	return h.setPaused(ctx, true)
}

// Resume restarts cluster-wide assignment of new work.
func (h *AdminHandler) Resume(ctx context.Context, input *PauseInput) (*PauseOutput, error) {
	return h.setPaused(ctx, false)
}

func (h *AdminHandler) setPaused(ctx context.Context, paused bool) (*PauseOutput, error) {
	if err := h.lifecycle.SetPaused(ctx, paused); err != nil {
		return nil, huma.Error500InternalServerError("updating pause state", err)
	}
	out := &PauseOutput{}
	out.Body.Paused = paused
	return out, nil
}

// FadeOutInput is the input for setting worker fade-out.
type FadeOutInput struct {
	ID   string `path:"id" doc:"Worker ID"`
	Body struct {
		FadeOut bool `json:"fade_out"`
	}
}

// FadeOutOutput acknowledges the fade-out change.
type FadeOutOutput struct {
	Body struct {
		FadeOut bool `json:"fade_out"`
	}
}

// FadeOut toggles drain mode on a worker.
func (h *AdminHandler) FadeOut(ctx context.Context, input *FadeOutInput) (*FadeOutOutput, error) {
	if !h.lifecycle.FadeOut(types.WorkerID(input.ID), input.Body.FadeOut) {
		return nil, huma.Error404NotFound("unknown worker")
	}
	out := &FadeOutOutput{}
	out.Body.FadeOut = input.Body.FadeOut
	return out, nil
}
