package lifecycle

import (
	"context"

	"github.com/shrinkarr/shrinkarr/internal/events"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// Operator-initiated mutations. Thin passthroughs to the repository that add
// the events and stats the raw queue operations don't know about.

// SetPriority changes a file's scheduling priority.
func (m *Manager) SetPriority(ctx context.Context, fileID uint64, priority int32) (*models.FileRecord, error) {
	return m.repo.SetPriority(ctx, fileID, priority)
}

// Pin soft-pins a file to a worker; an empty workerID clears the pin.
func (m *Manager) Pin(ctx context.Context, fileID uint64, workerID string) (*models.FileRecord, error) {
	return m.repo.SetPreferredWorker(ctx, fileID, workerID)
}

// OperatorSkip terminally skips a file by operator request.
func (m *Manager) OperatorSkip(ctx context.Context, fileID uint64) (*models.FileRecord, error) {
	rec, err := m.repo.Skip(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if err := m.stats.RecordSkip(ctx); err != nil {
		m.logger.Warn("stats update failed", "file_id", fileID, "error", err)
	}
	m.bus.Publish(events.Event{
		Type:    events.TypeFileSkipped,
		FileID:  fileID,
		Payload: map[string]any{"reason": types.SkipReasonOperator},
	})
	return rec, nil
}

// Reset returns a terminal or pending file to a clean pending state.
func (m *Manager) Reset(ctx context.Context, fileID uint64) (*models.FileRecord, error) {
	rec, err := m.repo.Reset(ctx, fileID)
	if err != nil {
		return nil, err
	}
	m.bus.Publish(events.Event{Type: events.TypeFileRequeued, FileID: fileID})
	return rec, nil
}

// Delete removes a file record. The media file on disk is untouched.
func (m *Manager) Delete(ctx context.Context, fileID uint64) error {
	return m.repo.Delete(ctx, fileID)
}

// BulkResetFailed requeues every terminally failed file.
func (m *Manager) BulkResetFailed(ctx context.Context) (int64, error) {
	return m.repo.BulkResetFailed(ctx)
}

// BulkDeleteCompleted removes every completed record from the queue. The
// media files on disk are untouched.
func (m *Manager) BulkDeleteCompleted(ctx context.Context) (int64, error) {
	return m.repo.BulkDeleteCompleted(ctx)
}

// SetPaused durably toggles cluster-wide assignment of new work. In-flight
// jobs are unaffected; workers simply poll empty until resumed.
func (m *Manager) SetPaused(ctx context.Context, paused bool) error {
	if err := m.repo.SetPaused(ctx, paused); err != nil {
		return err
	}
	typ := events.TypeClusterResumed
	if paused {
		typ = events.TypeClusterPaused
	}
	m.logger.Info("cluster pause changed", "paused", paused)
	m.bus.Publish(events.Event{Type: typ})
	return nil
}

// FadeOut toggles drain mode on a worker.
func (m *Manager) FadeOut(workerID types.WorkerID, fadeOut bool) bool {
	ok := m.registry.SetFadeOut(workerID, fadeOut)
	if ok {
		m.bus.Publish(events.Event{
			Type:     events.TypeWorkerFadeOut,
			WorkerID: string(workerID),
			Payload:  map[string]any{"fade_out": fadeOut},
		})
	}
	return ok
}
