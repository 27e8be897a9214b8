package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/shrinkarr/shrinkarr/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StatsRepository maintains the stats_daily aggregates.
type StatsRepository struct {
	db *gorm.DB
}

// NewStatsRepository creates a new StatsRepository.
func NewStatsRepository(db *gorm.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RecordCompletion adds one completed file to today's aggregates.
func (r *StatsRepository) RecordCompletion(ctx context.Context, sizeIn, sizeOut int64) error {
	return r.bump(ctx, map[string]interface{}{
		"files_completed": gorm.Expr("files_completed + 1"),
		"bytes_in":        gorm.Expr("bytes_in + ?", sizeIn),
		"bytes_out":       gorm.Expr("bytes_out + ?", sizeOut),
		"savings_bytes":   gorm.Expr("savings_bytes + ?", sizeIn-sizeOut),
	}, models.StatsDaily{FilesCompleted: 1, BytesIn: sizeIn, BytesOut: sizeOut, SavingsBytes: sizeIn - sizeOut})
}

// RecordFailure adds one terminally failed file to today's aggregates.
func (r *StatsRepository) RecordFailure(ctx context.Context) error {
	return r.bump(ctx, map[string]interface{}{
		"files_failed": gorm.Expr("files_failed + 1"),
	}, models.StatsDaily{FilesFailed: 1})
}

// RecordSkip adds one skipped file to today's aggregates.
func (r *StatsRepository) RecordSkip(ctx context.Context) error {
	return r.bump(ctx, map[string]interface{}{
		"files_skipped": gorm.Expr("files_skipped + 1"),
	}, models.StatsDaily{FilesSkipped: 1})
}

func (r *StatsRepository) bump(ctx context.Context, updates map[string]interface{}, insert models.StatsDaily) error {
	insert.Date = dateKey(time.Now())
	updates["updated_at"] = time.Now()

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "date"}},
		DoUpdates: clause.Assignments(updates),
	}).Create(&insert).Error
	if err != nil {
		return fmt.Errorf("updating daily stats: %w", err)
	}
	return nil
}

// Recent returns the last n daily aggregate rows, newest first.
func (r *StatsRepository) Recent(ctx context.Context, n int) ([]*models.StatsDaily, error) {
	var rows []*models.StatsDaily
	if err := r.db.WithContext(ctx).Order("date DESC").Limit(n).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading daily stats: %w", err)
	}
	return rows, nil
}
