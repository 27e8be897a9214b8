package repository

import (
	"context"
	"fmt"

	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
	"gorm.io/gorm"
)

// Operator-initiated queue mutations. These bypass leases deliberately: the
// operator outranks any worker, and an aborted assignment is cancelled
// through the heartbeat directive, not here.

// SetPriority updates the scheduling priority of a file.
func (r *FileRepository) SetPriority(ctx context.Context, fileID uint64, priority int32) (*models.FileRecord, error) {
	return r.adminUpdate(ctx, fileID, func(rec *models.FileRecord) error {
		rec.Priority = priority
		return nil
	})
}

// SetPreferredWorker soft-pins a file to a worker. An empty workerID clears
// the pin.
func (r *FileRepository) SetPreferredWorker(ctx context.Context, fileID uint64, workerID string) (*models.FileRecord, error) {
	return r.adminUpdate(ctx, fileID, func(rec *models.FileRecord) error {
		rec.PreferredWorkerID = workerID
		return nil
	})
}

// Skip terminally skips a file by operator request. In-flight files cannot
// be skipped directly; abort the assignment first.
func (r *FileRepository) Skip(ctx context.Context, fileID uint64) (*models.FileRecord, error) {
	return r.adminUpdate(ctx, fileID, func(rec *models.FileRecord) error {
		if rec.Status.IsActive() {
			return fmt.Errorf("%w: cannot skip an in-flight file", ErrInvalidTransition)
		}
		rec.Status = models.FileStatusSkipped
		rec.LastErrorKind = string(types.SkipReasonOperator)
		rec.LastErrorMessage = "skipped by operator"
		return nil
	})
}

// Reset returns a terminal or pending file to a clean pending state with a
// zeroed attempt counter.
func (r *FileRepository) Reset(ctx context.Context, fileID uint64) (*models.FileRecord, error) {
	return r.adminUpdate(ctx, fileID, func(rec *models.FileRecord) error {
		if rec.Status.IsActive() {
			return fmt.Errorf("%w: cannot reset an in-flight file", ErrInvalidTransition)
		}
		resetToPending(rec)
		return nil
	})
}

// Delete removes a file record entirely. The media file itself is untouched.
func (r *FileRepository) Delete(ctx context.Context, fileID uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", fileID).Delete(&models.FileRecord{})
		if result.Error != nil {
			return fmt.Errorf("deleting file: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// BulkResetFailed returns every failed file to pending with a fresh attempt
// budget. Returns the number of rows changed.
func (r *FileRepository) BulkResetFailed(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.FileRecord{}).
		Where("status = ?", models.FileStatusFailed).
		Updates(map[string]interface{}{
			"status":             models.FileStatusPending,
			"attempt_count":      0,
			"last_error_kind":    "",
			"last_error_message": "",
			"error_at":           nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("bulk resetting failed files: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// BulkDeleteCompleted removes all completed records. Returns the number of
// rows deleted.
func (r *FileRepository) BulkDeleteCompleted(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status = ?", models.FileStatusCompleted).
		Delete(&models.FileRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("bulk deleting completed files: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// adminUpdate loads, mutates, and saves a record in one transaction.
func (r *FileRepository) adminUpdate(ctx context.Context, fileID uint64, mutate func(*models.FileRecord) error) (*models.FileRecord, error) {
	var out *models.FileRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.FileRecord
		if err := tx.Where("id = ?", fileID).First(&rec).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("loading file: %w", err)
		}
		if err := mutate(&rec); err != nil {
			return err
		}
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("saving file: %w", err)
		}
		out = &rec
		return nil
	})
	return out, err
}

func resetToPending(rec *models.FileRecord) {
	rec.Status = models.FileStatusPending
	rec.AttemptCount = 0
	rec.OutputSizeBytes = 0
	rec.SavingsBytes = 0
	rec.SavingsPercent = 0
	rec.CompletedAt = nil
	rec.LastErrorKind = ""
	rec.LastErrorMessage = ""
	rec.ErrorAt = nil
}
