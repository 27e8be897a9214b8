package repository

import (
	"context"
	"fmt"

	"github.com/shrinkarr/shrinkarr/internal/models"
	"gorm.io/gorm"
)

// QueueSnapshot is a consistent read of the queue for the UI.
type QueueSnapshot struct {
	Counts        map[models.FileStatus]int64 `json:"counts"`
	TotalBytes    int64                       `json:"total_bytes"`
	OutputBytes   int64                       `json:"output_bytes"`
	SavingsBytes  int64                       `json:"savings_bytes"`
	TopFiles      []*models.FileRecord        `json:"top_files"`
}

// Snapshot returns per-status counts, byte aggregates, and the top-N files
// in queue order, all read in one transaction.
func (r *FileRepository) Snapshot(ctx context.Context, topN int, order FileOrder) (*QueueSnapshot, error) {
	snap := &QueueSnapshot{Counts: make(map[models.FileStatus]int64)}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		type statusCount struct {
			Status models.FileStatus
			N      int64
		}
		var counts []statusCount
		if err := tx.Model(&models.FileRecord{}).
			Select("status, COUNT(*) AS n").
			Group("status").
			Scan(&counts).Error; err != nil {
			return fmt.Errorf("counting files by status: %w", err)
		}
		for _, c := range counts {
			snap.Counts[c.Status] = c.N
		}

		type sums struct {
			TotalBytes   int64
			OutputBytes  int64
			SavingsBytes int64
		}
		var s sums
		if err := tx.Model(&models.FileRecord{}).
			Select("COALESCE(SUM(size_bytes),0) AS total_bytes, COALESCE(SUM(output_size_bytes),0) AS output_bytes, COALESCE(SUM(savings_bytes),0) AS savings_bytes").
			Scan(&s).Error; err != nil {
			return fmt.Errorf("summing file sizes: %w", err)
		}
		snap.TotalBytes = s.TotalBytes
		snap.OutputBytes = s.OutputBytes
		snap.SavingsBytes = s.SavingsBytes

		if topN > 0 {
			if err := tx.Model(&models.FileRecord{}).
				Where("status NOT IN ?", []models.FileStatus{models.FileStatusCompleted, models.FileStatusSkipped}).
				Order("CASE status WHEN 'processing' THEN 0 WHEN 'assigned' THEN 1 WHEN 'pending' THEN 2 ELSE 3 END").
				Order("priority DESC").
				Order(order.orderingClause()).
				Order("id ASC").
				Limit(topN).
				Find(&snap.TopFiles).Error; err != nil {
				return fmt.Errorf("listing top files: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// List returns files filtered by status (all statuses when empty), paginated.
func (r *FileRepository) List(ctx context.Context, status models.FileStatus, offset, limit int) ([]*models.FileRecord, int64, error) {
	var recs []*models.FileRecord
	var total int64

	query := r.db.WithContext(ctx).Model(&models.FileRecord{})
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting files: %w", err)
	}
	if err := query.Order("id ASC").Offset(offset).Limit(limit).Find(&recs).Error; err != nil {
		return nil, 0, fmt.Errorf("listing files: %w", err)
	}
	return recs, total, nil
}
