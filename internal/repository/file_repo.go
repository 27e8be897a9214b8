// Package repository implements the coordinator's durable queue operations
// on top of GORM. Every mutation runs inside a transaction; worker-originated
// mutations are gated by the lease token on the record.
package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sentinel errors returned by queue operations.
var (
	// ErrNotFound indicates the file record does not exist.
	ErrNotFound = errors.New("file not found")
	// ErrStaleLease indicates the caller's lease no longer matches the
	// current assignment. The mutation was not applied.
	ErrStaleLease = errors.New("stale lease")
	// ErrClaimConflict indicates another worker won the claim race.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrNoCandidate indicates no pending file matched the claim predicate.
	ErrNoCandidate = errors.New("no claimable file")
	// ErrInvalidTransition indicates the record is not in a state that
	// permits the requested operation.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// FileOrder selects the cluster-wide queue ordering.
type FileOrder string

// Queue orderings.
const (
	OrderOldest   FileOrder = "oldest"
	OrderNewest   FileOrder = "newest"
	OrderLargest  FileOrder = "largest"
	OrderSmallest FileOrder = "smallest"
)

// orderingClause maps a FileOrder to its SQL ordering key. Ties are always
// broken by id ASC for stability.
func (o FileOrder) orderingClause() string {
	switch o {
	case OrderNewest:
		return "m_time DESC"
	case OrderLargest:
		return "size_bytes DESC"
	case OrderSmallest:
		return "size_bytes ASC"
	default:
		return "m_time ASC"
	}
}

// FileRepository implements the durable queue over the files table.
type FileRepository struct {
	db *gorm.DB
}

// NewFileRepository creates a new FileRepository.
func NewFileRepository(db *gorm.DB) *FileRepository {
	return &FileRepository{db: db}
}

// ScanResult summarizes a scan upsert.
type ScanResult struct {
	Created  bool
	Updated  bool
	Requeued bool
}

// UpsertScan inserts a newly discovered file as pending, or refreshes
// size/mtime on an existing pending or failed record. In-flight records are
// never touched. A completed record whose size or mtime changed on disk is
// re-enqueued: the file at that path is no longer the one we produced.
func (r *FileRepository) UpsertScan(ctx context.Context, path string, size int64, mtime time.Time) (ScanResult, error) {
	var res ScanResult
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.FileRecord
		err := tx.Where("path = ?", path).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			rec := models.FileRecord{
				Path:      path,
				Directory: filepath.Dir(path),
				Filename:  filepath.Base(path),
				SizeBytes: size,
				MTime:     mtime,
				Status:    models.FileStatusPending,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return fmt.Errorf("inserting scanned file: %w", err)
			}
			res.Created = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("looking up scanned file: %w", err)
		}

		unchanged := existing.SizeBytes == size && existing.MTime.Equal(mtime)

		switch existing.Status {
		case models.FileStatusPending, models.FileStatusFailed:
			if unchanged {
				return nil
			}
			existing.SizeBytes = size
			existing.MTime = mtime
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("updating scanned file: %w", err)
			}
			res.Updated = true
		case models.FileStatusCompleted:
			if unchanged {
				return nil
			}
			existing.SizeBytes = size
			existing.MTime = mtime
			existing.Status = models.FileStatusPending
			existing.AttemptCount = 0
			existing.OutputSizeBytes = 0
			existing.SavingsBytes = 0
			existing.SavingsPercent = 0
			existing.CompletedAt = nil
			existing.LastErrorKind = ""
			existing.LastErrorMessage = ""
			existing.ErrorAt = nil
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("re-enqueueing changed file: %w", err)
			}
			res.Requeued = true
		default:
			// assigned/processing/skipped: leave alone
		}
		return nil
	})
	return res, err
}

// GetByID retrieves a file record by ID.
func (r *FileRepository) GetByID(ctx context.Context, id uint64) (*models.FileRecord, error) {
	var rec models.FileRecord
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting file by ID: %w", err)
	}
	return &rec, nil
}

// GetByPath retrieves a file record by its absolute path.
func (r *FileRepository) GetByPath(ctx context.Context, path string) (*models.FileRecord, error) {
	var rec models.FileRecord
	if err := r.db.WithContext(ctx).Where("path = ?", path).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting file by path: %w", err)
	}
	return &rec, nil
}

// AssignedTo returns the file currently assigned to a worker, or nil.
func (r *FileRepository) AssignedTo(ctx context.Context, workerID string) (*models.FileRecord, error) {
	var rec models.FileRecord
	err := r.db.WithContext(ctx).
		Where("assigned_worker_id = ? AND status IN ?", workerID,
			[]models.FileStatus{models.FileStatusAssigned, models.FileStatusProcessing}).
		First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting assignment for worker: %w", err)
	}
	return &rec, nil
}

// ClaimOptions parameterize a claim attempt.
type ClaimOptions struct {
	Order    FileOrder
	PinGrace time.Duration
}

// ClaimNext atomically claims the best pending file for a worker: pinned
// files first, then priority, then the cluster ordering, ties broken by id.
// Files pinned to another worker stay invisible until the pin grace expires.
// Returns ErrNoCandidate when the queue has nothing eligible, or
// ErrClaimConflict when a concurrent claim won the race on the candidate.
func (r *FileRepository) ClaimNext(ctx context.Context, workerID string, opts ClaimOptions) (*models.FileRecord, error) {
	var claimed models.FileRecord

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		pinCutoff := time.Now().Add(-opts.PinGrace)

		ordering := "CASE WHEN preferred_worker_id = ? THEN 1 ELSE 0 END DESC, priority DESC, " +
			opts.Order.orderingClause() + ", id ASC"

		var candidate models.FileRecord
		err := tx.
			Where("status = ?", models.FileStatusPending).
			Where("preferred_worker_id = '' OR preferred_worker_id IS NULL OR preferred_worker_id = ? OR updated_at <= ?",
				workerID, pinCutoff).
			Clauses(clause.OrderBy{
				Expression: clause.Expr{SQL: ordering, Vars: []interface{}{workerID}, WithoutParentheses: true},
			}).
			Limit(1).
			First(&candidate).Error
		if err == gorm.ErrRecordNotFound {
			return ErrNoCandidate
		}
		if err != nil {
			return fmt.Errorf("finding claimable file: %w", err)
		}

		// Conditional update instead of SELECT FOR UPDATE: SQLite has no row
		// locks, so the status predicate plus affected-row check settles the
		// race between concurrent claimers.
		now := time.Now()
		token := models.NewULID()
		result := tx.Model(&models.FileRecord{}).
			Where("id = ? AND status = ?", candidate.ID, models.FileStatusPending).
			Updates(map[string]interface{}{
				"status":             models.FileStatusAssigned,
				"assigned_worker_id": workerID,
				"assigned_at":        now,
				"last_progress_at":   nil,
				"lease_token":        token.String(),
				"attempt_count":      gorm.Expr("attempt_count + 1"),
			})
		if result.Error != nil {
			return fmt.Errorf("claiming file: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrClaimConflict
		}

		return tx.Where("id = ?", candidate.ID).First(&claimed).Error
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

// withLease loads a record and verifies the lease inside a transaction.
func withLease(tx *gorm.DB, fileID uint64, token models.ULID) (*models.FileRecord, error) {
	var rec models.FileRecord
	if err := tx.Where("id = ?", fileID).First(&rec).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading file: %w", err)
	}
	if !rec.HoldsLease(token) {
		return nil, ErrStaleLease
	}
	return &rec, nil
}

// Progress captures one progress tick.
type Progress struct {
	Percent    float64
	FPS        float64
	ETASeconds int64
	Phase      types.Phase
}

// RecordProgress applies a progress tick under the lease. The first tick
// moves the record from assigned to processing. Stale leases return
// ErrStaleLease without mutating anything.
func (r *FileRepository) RecordProgress(ctx context.Context, fileID uint64, token models.ULID, p Progress) (*models.FileRecord, error) {
	var out *models.FileRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := withLease(tx, fileID, token)
		if err != nil {
			return err
		}

		now := time.Now()
		rec.LastProgressAt = &now
		if rec.Status == models.FileStatusAssigned {
			rec.Status = models.FileStatusProcessing
		}
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("recording progress: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

// RecordSourceInfo stores probe results reported by the worker during the
// probing phase, under the lease.
func (r *FileRepository) RecordSourceInfo(ctx context.Context, fileID uint64, token models.ULID, info types.SourceInfo) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := withLease(tx, fileID, token)
		if err != nil {
			return err
		}

		rec.SourceCodec = info.Codec
		rec.SourceResolution = info.Resolution
		rec.SourceAudioCodec = info.AudioCodec
		rec.SourceBitrate = info.Bitrate
		if info.HDRKind != "" {
			rec.HDRKind = models.HDRKind(info.HDRKind)
		}
		rec.TargetCRF = info.TargetCRF
		rec.TargetAudioKbps = info.TargetAudioKbps
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("recording source info: %w", err)
		}
		return nil
	})
}

// RecordCompletion transitions the record to completed under the lease.
// Idempotent: a repeat delivery against an already-completed record is a
// no-op, whether it carries the same or a stale lease. An output that does
// not clear minSavingsPct is refused: below-floor results go through the
// skip path, never completion.
func (r *FileRepository) RecordCompletion(ctx context.Context, fileID uint64, token models.ULID, outputSize int64, minSavingsPct float64) (*models.FileRecord, error) {
	var out *models.FileRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.FileRecord
		if err := tx.Where("id = ?", fileID).First(&rec).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("loading file: %w", err)
		}

		if rec.Status == models.FileStatusCompleted {
			out = &rec
			return nil
		}
		if !rec.HoldsLease(token) {
			return ErrStaleLease
		}
		if outputSize <= 0 {
			return fmt.Errorf("%w: completion requires a non-empty output", ErrInvalidTransition)
		}
		if rec.SizeBytes > 0 {
			savings := float64(rec.SizeBytes-outputSize) / float64(rec.SizeBytes) * 100
			if savings < minSavingsPct {
				return fmt.Errorf("%w: output saves %.1f%%, floor is %.1f%%",
					ErrInvalidTransition, savings, minSavingsPct)
			}
		}

		now := time.Now()
		rec.Status = models.FileStatusCompleted
		rec.OutputSizeBytes = outputSize
		rec.SavingsBytes = rec.SizeBytes - outputSize
		if rec.SizeBytes > 0 {
			rec.SavingsPercent = float64(rec.SavingsBytes) / float64(rec.SizeBytes) * 100
		}
		rec.CompletedAt = &now
		rec.LastErrorKind = ""
		rec.LastErrorMessage = ""
		rec.ErrorAt = nil
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("recording completion: %w", err)
		}
		out = &rec
		return nil
	})
	return out, err
}

// RecordFailure transitions the record back to pending when the failure is
// retryable and attempts remain, otherwise to failed. Under the lease.
func (r *FileRepository) RecordFailure(ctx context.Context, fileID uint64, token models.ULID, kind types.ErrorKind, message string, retryable bool, maxAttempts int) (*models.FileRecord, error) {
	var out *models.FileRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := withLease(tx, fileID, token)
		if err != nil {
			return err
		}

		now := time.Now()
		rec.LastErrorKind = string(kind)
		rec.LastErrorMessage = message
		rec.ErrorAt = &now
		if retryable && rec.AttemptCount < maxAttempts {
			rec.Status = models.FileStatusPending
		} else {
			rec.Status = models.FileStatusFailed
		}
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("recording failure: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

// RecordSkip terminally skips the record under the lease.
func (r *FileRepository) RecordSkip(ctx context.Context, fileID uint64, token models.ULID, reason types.SkipReason, message string) (*models.FileRecord, error) {
	var out *models.FileRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := withLease(tx, fileID, token)
		if err != nil {
			return err
		}

		now := time.Now()
		rec.Status = models.FileStatusSkipped
		rec.LastErrorKind = string(reason)
		rec.LastErrorMessage = message
		rec.ErrorAt = &now
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("recording skip: %w", err)
		}
		out = rec
		return nil
	})
	return out, err
}

// ReapAssignment discards the assignment of a file whose worker has gone
// offline. The attempt is not refunded; the file is immediately re-eligible.
// Only applies to records still held by the named worker.
func (r *FileRepository) ReapAssignment(ctx context.Context, fileID uint64, workerID string) (*models.FileRecord, error) {
	var out *models.FileRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.FileRecord
		if err := tx.Where("id = ?", fileID).First(&rec).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrNotFound
			}
			return fmt.Errorf("loading file: %w", err)
		}
		if !rec.Status.IsActive() || rec.AssignedWorkerID != workerID {
			return ErrInvalidTransition
		}

		now := time.Now()
		rec.Status = models.FileStatusPending
		rec.LastErrorKind = string(types.ErrorKindWorkerOffline)
		rec.LastErrorMessage = fmt.Sprintf("worker %s stopped heartbeating", workerID)
		rec.ErrorAt = &now
		if err := tx.Save(&rec).Error; err != nil {
			return fmt.Errorf("reaping assignment: %w", err)
		}
		out = &rec
		return nil
	})
	return out, err
}

// StalledProcessing returns processing records whose last progress is older
// than the cutoff. Records that never reported progress are judged by their
// assignment time instead.
func (r *FileRepository) StalledProcessing(ctx context.Context, cutoff time.Time) ([]*models.FileRecord, error) {
	var recs []*models.FileRecord
	err := r.db.WithContext(ctx).
		Where("status = ?", models.FileStatusProcessing).
		Where("(last_progress_at IS NOT NULL AND last_progress_at < ?) OR (last_progress_at IS NULL AND assigned_at < ?)",
			cutoff, cutoff).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("finding stalled files: %w", err)
	}
	return recs, nil
}

// ActiveAssignments returns all records currently held by any worker.
func (r *FileRepository) ActiveAssignments(ctx context.Context) ([]*models.FileRecord, error) {
	var recs []*models.FileRecord
	err := r.db.WithContext(ctx).
		Where("status IN ?", []models.FileStatus{models.FileStatusAssigned, models.FileStatusProcessing}).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("listing active assignments: %w", err)
	}
	return recs, nil
}
