package repository

import (
	"context"
	"fmt"

	"github.com/shrinkarr/shrinkarr/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// clusterStateID is the fixed primary key of the single cluster_state row.
const clusterStateID = 1

// Paused reports whether assignment of new work is paused cluster-wide.
// A database that has never been paused reads as not paused.
func (r *FileRepository) Paused(ctx context.Context) (bool, error) {
	var st models.ClusterState
	err := r.db.WithContext(ctx).Where("id = ?", clusterStateID).First(&st).Error
	if err == gorm.ErrRecordNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading cluster state: %w", err)
	}
	return st.Paused, nil
}

// SetPaused durably sets the cluster-wide pause flag. Pausing only stops new
// assignments; in-flight jobs run to their outcome.
func (r *FileRepository) SetPaused(ctx context.Context, paused bool) error {
	st := models.ClusterState{ID: clusterStateID, Paused: paused}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"paused", "updated_at"}),
	}).Create(&st).Error
	if err != nil {
		return fmt.Errorf("writing cluster state: %w", err)
	}
	return nil
}
