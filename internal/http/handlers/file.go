package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shrinkarr/shrinkarr/internal/lifecycle"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// FileHandler implements file queue endpoints: worker reports and operator
// queue management.
type FileHandler struct {
	lifecycle *lifecycle.Manager
	repo      *repository.FileRepository
	logger    *slog.Logger
}

// NewFileHandler creates a new file handler.
func NewFileHandler(deps Deps) *FileHandler {
	return &FileHandler{
		lifecycle: deps.Lifecycle,
		repo:      deps.Repo,
		logger:    deps.Logger,
	}
}

// Register registers the file routes with the API.
func (h *FileHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listFiles",
		Method:      "GET",
		Path:        "/api/v1/files",
		Summary:     "List files",
		Description: "Returns files filtered by status, paginated",
		Tags:        []string{"Files"},
	}, h.List)

	huma.Register(api, huma.Operation{
		OperationID: "getFile",
		Method:      "GET",
		Path:        "/api/v1/files/{id}",
		Summary:     "Get file",
		Tags:        []string{"Files"},
	}, h.Get)

	huma.Register(api, huma.Operation{
		OperationID: "reportProgress",
		Method:      "POST",
		Path:        "/api/v1/files/{id}/progress",
		Summary:     "Report progress",
		Description: "Worker progress tick for an assignment",
		Tags:        []string{"Files"},
	}, h.Progress)

	huma.Register(api, huma.Operation{
		OperationID: "reportSource",
		Method:      "POST",
		Path:        "/api/v1/files/{id}/source",
		Summary:     "Report source metadata",
		Description: "Worker probe results for an assignment",
		Tags:        []string{"Files"},
	}, h.Source)

	huma.Register(api, huma.Operation{
		OperationID: "reportOutcome",
		Method:      "POST",
		Path:        "/api/v1/files/{id}/report",
		Summary:     "Report outcome",
		Description: "Final worker outcome for an assignment; the coordinator decides the resulting state",
		Tags:        []string{"Files"},
	}, h.Report)

	huma.Register(api, huma.Operation{
		OperationID: "setFilePriority",
		Method:      "POST",
		Path:        "/api/v1/files/{id}/priority",
		Summary:     "Set priority",
		Tags:        []string{"Files"},
	}, h.SetPriority)

	huma.Register(api, huma.Operation{
		OperationID: "pinFile",
		Method:      "POST",
		Path:        "/api/v1/files/{id}/pin",
		Summary:     "Pin file to worker",
		Description: "Soft-pins a file to a preferred worker; empty worker_id clears the pin",
		Tags:        []string{"Files"},
	}, h.Pin)

	huma.Register(api, huma.Operation{
		OperationID: "skipFile",
		Method:      "POST",
		Path:        "/api/v1/files/{id}/skip",
		Summary:     "Skip file",
		Tags:        []string{"Files"},
	}, h.Skip)

	huma.Register(api, huma.Operation{
		OperationID: "resetFile",
		Method:      "POST",
		Path:        "/api/v1/files/{id}/reset",
		Summary:     "Reset file",
		Description: "Returns a terminal file to pending with a fresh attempt budget",
		Tags:        []string{"Files"},
	}, h.Reset)

	huma.Register(api, huma.Operation{
		OperationID: "cancelFile",
		Method:      "POST",
		Path:        "/api/v1/files/{id}/cancel",
		Summary:     "Cancel assignment",
		Description: "Directs the assigned worker to kill its encode on the next heartbeat",
		Tags:        []string{"Files"},
	}, h.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "deleteFile",
		Method:      "DELETE",
		Path:        "/api/v1/files/{id}",
		Summary:     "Delete file record",
		Description: "Removes the record; the media file on disk is untouched",
		Tags:        []string{"Files"},
	}, h.Delete)
}

// mapRepoError converts repository sentinels to HTTP errors.
func mapRepoError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return huma.Error404NotFound("file not found")
	case errors.Is(err, repository.ErrStaleLease):
		return huma.Error409Conflict("stale lease")
	case errors.Is(err, repository.ErrInvalidTransition):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, lifecycle.ErrNotAssigned):
		return huma.Error409Conflict("file not assigned")
	default:
		return huma.Error500InternalServerError("queue operation failed", err)
	}
}

// ListFilesInput is the input for listing files.
type ListFilesInput struct {
	Status string `query:"status" doc:"Filter by status" enum:",pending,assigned,processing,completed,failed,skipped" required:"false"`
	Offset int    `query:"offset" default:"0" minimum:"0"`
	Limit  int    `query:"limit" default:"100" minimum:"1" maximum:"1000"`
}

// ListFilesOutput is the output for listing files.
type ListFilesOutput struct {
	Body struct {
		Files []*models.FileRecord `json:"files"`
		Total int64                `json:"total"`
	}
}

// List returns files filtered by status.
func (h *FileHandler) List(ctx context.Context, input *ListFilesInput) (*ListFilesOutput, error) {
	files, total, err := h.repo.List(ctx, models.FileStatus(input.Status), input.Offset, input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing files", err)
	}
	out := &ListFilesOutput{}
	out.Body.Files = files
	out.Body.Total = total
	return out, nil
}

// GetFileInput is the input for getting a file.
type GetFileInput struct {
	ID uint64 `path:"id" doc:"File ID"`
}

// GetFileOutput is the output for getting a file.
type GetFileOutput struct {
	Body *models.FileRecord
}

// Get returns a file by ID.
func (h *FileHandler) Get(ctx context.Context, input *GetFileInput) (*GetFileOutput, error) {
	rec, err := h.repo.GetByID(ctx, input.ID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return &GetFileOutput{Body: rec}, nil
}

// ProgressInput is the input for a progress tick.
type ProgressInput struct {
	ID   uint64 `path:"id" doc:"File ID"`
	Body types.ProgressReport
}

// ProgressOutput acknowledges a progress tick.
type ProgressOutput struct {
	Body struct {
		Accepted bool `json:"accepted"`
	}
}

// Progress applies a worker progress tick.
func (h *FileHandler) Progress(ctx context.Context, input *ProgressInput) (*ProgressOutput, error) {
	if err := h.lifecycle.Progress(ctx, input.ID, input.Body); err != nil {
		return nil, mapRepoError(err)
	}
	out := &ProgressOutput{}
	out.Body.Accepted = true
	return out, nil
}

// SourceInput is the input for reporting source metadata.
type SourceInput struct {
	ID   uint64 `path:"id" doc:"File ID"`
	Body struct {
		LeaseToken string           `json:"lease_token"`
		Source     types.SourceInfo `json:"source"`
	}
}

// SourceOutput acknowledges a source report.
type SourceOutput struct {
	Body struct {
		Accepted bool `json:"accepted"`
	}
}

// Source stores probe results for an assignment.
func (h *FileHandler) Source(ctx context.Context, input *SourceInput) (*SourceOutput, error) {
	if err := h.lifecycle.RecordSource(ctx, input.ID, input.Body.LeaseToken, input.Body.Source); err != nil {
		return nil, mapRepoError(err)
	}
	out := &SourceOutput{}
	out.Body.Accepted = true
	return out, nil
}

// ReportInput is the input for an outcome report.
type ReportInput struct {
	ID       uint64 `path:"id" doc:"File ID"`
	WorkerID string `query:"worker_id" doc:"Reporting worker ID"`
	Body     types.OutcomeReport
}

// ReportOutput returns the record after the transition.
type ReportOutput struct {
	Body *models.FileRecord
}

// Report applies a final outcome.
func (h *FileHandler) Report(ctx context.Context, input *ReportInput) (*ReportOutput, error) {
	rec, err := h.lifecycle.Report(ctx, input.ID, types.WorkerID(input.WorkerID), input.Body)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return &ReportOutput{Body: rec}, nil
}

// SetPriorityInput is the input for setting priority.
type SetPriorityInput struct {
	ID   uint64 `path:"id" doc:"File ID"`
	Body struct {
		Priority int32 `json:"priority"`
	}
}

// SetPriority changes a file's scheduling priority.
func (h *FileHandler) SetPriority(ctx context.Context, input *SetPriorityInput) (*GetFileOutput, error) {
	rec, err := h.lifecycle.SetPriority(ctx, input.ID, input.Body.Priority)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return &GetFileOutput{Body: rec}, nil
}

// PinInput is the input for pinning a file.
type PinInput struct {
	ID   uint64 `path:"id" doc:"File ID"`
	Body struct {
		WorkerID string `json:"worker_id"`
	}
}

// Pin soft-pins a file to a worker.
func (h *FileHandler) Pin(ctx context.Context, input *PinInput) (*GetFileOutput, error) {
	rec, err := h.lifecycle.Pin(ctx, input.ID, input.Body.WorkerID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return &GetFileOutput{Body: rec}, nil
}

// FileOpInput identifies a file for an operator action.
type FileOpInput struct {
	ID uint64 `path:"id" doc:"File ID"`
}

// Skip terminally skips a file.
func (h *FileHandler) Skip(ctx context.Context, input *FileOpInput) (*GetFileOutput, error) {
	rec, err := h.lifecycle.OperatorSkip(ctx, input.ID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return &GetFileOutput{Body: rec}, nil
}

// Reset returns a file to pending.
func (h *FileHandler) Reset(ctx context.Context, input *FileOpInput) (*GetFileOutput, error) {
	rec, err := h.lifecycle.Reset(ctx, input.ID)
	if err != nil {
		return nil, mapRepoError(err)
	}
	return &GetFileOutput{Body: rec}, nil
}

// CancelOutput acknowledges a cancel request.
type CancelOutput struct {
	Body struct {
		Requested bool `json:"requested"`
	}
}

// Cancel aborts an in-flight assignment.
func (h *FileHandler) Cancel(ctx context.Context, input *FileOpInput) (*CancelOutput, error) {
	if err := h.lifecycle.Cancel(ctx, input.ID); err != nil {
		return nil, mapRepoError(err)
	}
	out := &CancelOutput{}
	out.Body.Requested = true
	return out, nil
}

// DeleteOutput acknowledges a delete.
type DeleteOutput struct {
	Body struct {
		Deleted bool `json:"deleted"`
	}
}

// Delete removes a file record.
func (h *FileHandler) Delete(ctx context.Context, input *FileOpInput) (*DeleteOutput, error) {
	if err := h.lifecycle.Delete(ctx, input.ID); err != nil {
		return nil, mapRepoError(err)
	}
	out := &DeleteOutput{}
	out.Body.Deleted = true
	return out, nil
}
