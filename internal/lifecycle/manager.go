// Package lifecycle coordinates the full job lifecycle on the coordinator
// side: assignment, progress, completion, and outcome classification. Workers
// only report what happened; every state transition is decided here.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/shrinkarr/shrinkarr/internal/events"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/internal/registry"
	"github.com/shrinkarr/shrinkarr/internal/replace"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/internal/scheduler"
	"github.com/shrinkarr/shrinkarr/internal/transfer"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// ErrNotAssigned indicates the file is not currently held by any worker.
var ErrNotAssigned = errors.New("file not assigned")

// Manager drives files through their lifecycle. It owns the glue between the
// scheduler, the durable queue, the worker registry, the transfer layer, and
// the event bus.
type Manager struct {
	repo        *repository.FileRepository
	stats       *repository.StatsRepository
	registry    *registry.Registry
	scheduler   *scheduler.Scheduler
	bus         *events.Bus
	hashes      *transfer.HashCache
	uploads     *transfer.UploadManager
	replacer    *replace.Replacer
	maxAttempts int
	logger      *slog.Logger
}

// NewManager wires a Manager.
func NewManager(
	repo *repository.FileRepository,
	stats *repository.StatsRepository,
	reg *registry.Registry,
	sched *scheduler.Scheduler,
	bus *events.Bus,
	hashes *transfer.HashCache,
	uploads *transfer.UploadManager,
	replacer *replace.Replacer,
	maxAttempts int,
	logger *slog.Logger,
) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		repo:        repo,
		stats:       stats,
		registry:    reg,
		scheduler:   sched,
		bus:         bus,
		hashes:      hashes,
		uploads:     uploads,
		replacer:    replacer,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "lifecycle"),
	}
}

// Assign claims the next eligible file for a worker and builds the wire
// assignment: path, size, content hash for download verification, the lease
// token, and the encode parameters from the cluster config. Probing happens
// on the worker, so CRF and audio bitrates are left to the worker-side
// policy.
func (m *Manager) Assign(ctx context.Context, workerID types.WorkerID) (*types.Assignment, error) {
	rec, err := m.scheduler.NextFor(ctx, workerID)
	if err != nil {
		return nil, err
	}

	// Leftovers from an earlier interrupted upload would collide with the
	// fresh attempt
	if err := replace.CleanupStale(rec.Path, transfer.TempPrefix); err != nil {
		m.logger.Warn("stale temp cleanup failed", "path", rec.Path, "error", err)
	}

	digest, err := m.hashes.Get(rec.Path)
	if err != nil {
		// The file vanished or is unreadable; nothing a retry on another
		// worker would fix
		m.logger.Error("assigned file unreadable", "file_id", rec.ID, "path", rec.Path, "error", err)
		m.failTerminal(ctx, rec, types.ErrorKindIO, fmt.Sprintf("reading source for hashing: %v", err))
		return nil, scheduler.ErrNoWork
	}

	cfg := m.registry.ClusterConfig()
	assignment := &types.Assignment{
		FileID:     rec.ID,
		Path:       rec.Path,
		SizeBytes:  rec.SizeBytes,
		Hash:       digest,
		LeaseToken: rec.LeaseToken.String(),
		Params: types.EncodeParams{
			Preset:             cfg.EncoderPreset,
			SkipAudioTranscode: cfg.SkipAudioTranscode,
		},
	}

	m.bus.Publish(events.Event{
		Type:     events.TypeFileAssigned,
		FileID:   rec.ID,
		WorkerID: string(workerID),
		Payload:  map[string]any{"path": rec.Path, "attempt": rec.AttemptCount},
	})
	return assignment, nil
}

// Progress applies a worker progress tick. Ticks carrying a stale lease are
// dropped with an audit log entry; the caller gets ErrStaleLease so the
// worker learns its assignment is gone.
func (m *Manager) Progress(ctx context.Context, fileID uint64, rep types.ProgressReport) error {
	token, err := models.ParseULID(rep.LeaseToken)
	if err != nil {
		return repository.ErrStaleLease
	}

	rec, err := m.repo.RecordProgress(ctx, fileID, token, repository.Progress{
		Percent:    rep.Percent,
		FPS:        rep.FPS,
		ETASeconds: rep.ETASeconds,
		Phase:      rep.Phase,
	})
	if errors.Is(err, repository.ErrStaleLease) {
		m.logger.Warn("progress with stale lease dropped",
			"file_id", fileID, "lease", rep.LeaseToken, "phase", rep.Phase)
		return err
	}
	if err != nil {
		return err
	}

	m.bus.Publish(events.Event{
		Type:     events.TypeFileProgress,
		FileID:   fileID,
		WorkerID: rec.AssignedWorkerID,
		Payload: map[string]any{
			"percent": rep.Percent,
			"fps":     rep.FPS,
			"eta":     rep.ETASeconds,
			"phase":   rep.Phase,
		},
	})
	return nil
}

// RecordSource stores the probe results a worker reports once it has
// inspected the source, under the lease.
func (m *Manager) RecordSource(ctx context.Context, fileID uint64, leaseToken string, info types.SourceInfo) error {
	token, err := models.ParseULID(leaseToken)
	if err != nil {
		return repository.ErrStaleLease
	}
	return m.repo.RecordSourceInfo(ctx, fileID, token, info)
}

// FinishUpload verifies a completed upload and swaps the result into place.
// Insufficient savings is not an error: the file is terminally skipped and
// the returned record says so. On replace failure the file fails fatally.
func (m *Manager) FinishUpload(ctx context.Context, fileID uint64, leaseToken, uploadID string) (*models.FileRecord, error) {
	token, err := models.ParseULID(leaseToken)
	if err != nil {
		m.uploads.Abort(uploadID)
		return nil, repository.ErrStaleLease
	}
	rec, err := m.repo.GetByID(ctx, fileID)
	if err != nil {
		m.uploads.Abort(uploadID)
		return nil, err
	}
	if !rec.HoldsLease(token) {
		m.uploads.Abort(uploadID)
		m.logger.Warn("upload completion with stale lease dropped",
			"file_id", fileID, "lease", leaseToken)
		return nil, repository.ErrStaleLease
	}

	tempPath, err := m.uploads.Complete(uploadID)
	if err != nil {
		return nil, err
	}

	result, err := m.replacer.Replace(rec.Path, tempPath)
	if errors.Is(err, replace.ErrInsufficientSavings) {
		_ = os.Remove(tempPath)
		return m.skip(ctx, fileID, token, types.SkipReasonInsufficientSavings, err.Error())
	}
	if err != nil {
		_ = os.Remove(tempPath)
		m.logger.Error("in-place replacement failed",
			"file_id", fileID, "path", rec.Path, "error", err)
		m.failTerminal(ctx, rec, types.ErrorKindSafeReplaceFailed, err.Error())
		return nil, err
	}

	m.hashes.Forget(rec.Path)

	updated, err := m.repo.RecordCompletion(ctx, fileID, token, result.NewSize,
		m.registry.ClusterConfig().MinSavingsPct)
	if err != nil {
		return nil, err
	}
	if err := m.stats.RecordCompletion(ctx, result.OriginalSize, result.NewSize); err != nil {
		m.logger.Warn("stats update failed", "file_id", fileID, "error", err)
	}

	m.logger.Info("file completed",
		"file_id", fileID,
		"path", rec.Path,
		"size_in", result.OriginalSize,
		"size_out", result.NewSize,
		"savings_pct", fmt.Sprintf("%.1f", result.SavingsPercent),
	)
	m.bus.Publish(events.Event{
		Type:     events.TypeFileCompleted,
		FileID:   fileID,
		WorkerID: updated.AssignedWorkerID,
		Payload: map[string]any{
			"output_size":     result.NewSize,
			"savings_bytes":   result.SavingsBytes,
			"savings_percent": result.SavingsPercent,
		},
	})
	return updated, nil
}

// Report applies a worker's final outcome for an assignment. The worker's
// retryable flag is advisory; the failure kind decides the transition here.
func (m *Manager) Report(ctx context.Context, fileID uint64, workerID types.WorkerID, rep types.OutcomeReport) (*models.FileRecord, error) {
	token, err := models.ParseULID(rep.LeaseToken)
	if err != nil {
		return nil, repository.ErrStaleLease
	}

	switch {
	case rep.Outcome.Success != nil:
		return m.reportSuccess(ctx, fileID, workerID, token, rep.Outcome.Success)
	case rep.Outcome.Failure != nil:
		return m.reportFailure(ctx, fileID, workerID, token, rep.Outcome.Failure)
	case rep.Outcome.Skip != nil:
		rec, err := m.skip(ctx, fileID, token, rep.Outcome.Skip.Reason, rep.Outcome.Skip.Message)
		if err == nil {
			m.registry.RecordOutcome(workerID, false)
		}
		return rec, err
	}
	return nil, fmt.Errorf("outcome report carries no outcome")
}

// reportSuccess acknowledges a success report. Completion is FinishUpload's
// job, with the savings floor enforced during the swap; a success report
// against a record FinishUpload has not completed means no verified result
// was ever uploaded, so the report is refused instead of trusted.
func (m *Manager) reportSuccess(ctx context.Context, fileID uint64, workerID types.WorkerID, _ models.ULID, out *types.SuccessOutcome) (*models.FileRecord, error) {
	rec, err := m.repo.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.FileStatusCompleted {
		m.logger.Warn("success report without a completed upload refused",
			"file_id", fileID,
			"worker_id", workerID,
			"status", rec.Status,
			"claimed_output_size", out.OutputSizeBytes,
		)
		return nil, fmt.Errorf("%w: success reported before the result was uploaded", repository.ErrInvalidTransition)
	}
	m.registry.RecordOutcome(workerID, false)
	return rec, nil
}

func (m *Manager) reportFailure(ctx context.Context, fileID uint64, workerID types.WorkerID, token models.ULID, out *types.FailureOutcome) (*models.FileRecord, error) {
	m.uploads.AbortForFile(fileID)

	rec, err := m.repo.RecordFailure(ctx, fileID, token, out.Kind, out.Message, out.Kind.Retryable(), m.maxAttempts)
	if err != nil {
		return nil, err
	}
	m.registry.RecordOutcome(workerID, true)

	m.logger.Warn("file attempt failed",
		"file_id", fileID,
		"worker_id", workerID,
		"kind", out.Kind,
		"attempt_count", rec.AttemptCount,
		"status", rec.Status,
	)
	if rec.Status == models.FileStatusFailed {
		if err := m.stats.RecordFailure(ctx); err != nil {
			m.logger.Warn("stats update failed", "file_id", fileID, "error", err)
		}
		m.bus.Publish(events.Event{
			Type:     events.TypeFileFailed,
			FileID:   fileID,
			WorkerID: string(workerID),
			Payload:  map[string]any{"kind": out.Kind, "message": out.Message},
		})
	} else {
		m.bus.Publish(events.Event{
			Type:     events.TypeFileRequeued,
			FileID:   fileID,
			WorkerID: string(workerID),
			Payload:  map[string]any{"kind": out.Kind, "attempt": rec.AttemptCount},
		})
	}
	return rec, nil
}

// Cancel aborts an in-flight assignment by operator request. The worker is
// told to kill its encoder on the next heartbeat; the file transitions once
// the worker reports the kill.
func (m *Manager) Cancel(ctx context.Context, fileID uint64) error {
	rec, err := m.repo.GetByID(ctx, fileID)
	if err != nil {
		return err
	}
	if !rec.Status.IsActive() || rec.AssignedWorkerID == "" {
		return ErrNotAssigned
	}
	if !m.registry.RequestCancel(types.WorkerID(rec.AssignedWorkerID), rec.LeaseToken.String()) {
		return ErrNotAssigned
	}
	m.logger.Info("cancel requested", "file_id", fileID, "worker_id", rec.AssignedWorkerID)
	return nil
}

// skip records a terminal skip under the lease, with stats and an event.
func (m *Manager) skip(ctx context.Context, fileID uint64, token models.ULID, reason types.SkipReason, message string) (*models.FileRecord, error) {
	rec, err := m.repo.RecordSkip(ctx, fileID, token, reason, message)
	if err != nil {
		return nil, err
	}
	if err := m.stats.RecordSkip(ctx); err != nil {
		m.logger.Warn("stats update failed", "file_id", fileID, "error", err)
	}
	m.logger.Info("file skipped", "file_id", fileID, "reason", reason)
	m.bus.Publish(events.Event{
		Type:    events.TypeFileSkipped,
		FileID:  fileID,
		Payload: map[string]any{"reason": reason, "message": message},
	})
	return rec, nil
}

// failTerminal fails a record fatally under its current lease, with stats
// and an event. Used for coordinator-detected faults.
func (m *Manager) failTerminal(ctx context.Context, rec *models.FileRecord, kind types.ErrorKind, message string) {
	failed, err := m.repo.RecordFailure(ctx, rec.ID, rec.LeaseToken, kind, message, false, m.maxAttempts)
	if err != nil {
		m.logger.Error("could not record failure", "file_id", rec.ID, "error", err)
		return
	}
	if err := m.stats.RecordFailure(ctx); err != nil {
		m.logger.Warn("stats update failed", "file_id", rec.ID, "error", err)
	}
	m.bus.Publish(events.Event{
		Type:     events.TypeFileFailed,
		FileID:   rec.ID,
		WorkerID: failed.AssignedWorkerID,
		Payload:  map[string]any{"kind": kind, "message": message},
	})
}
