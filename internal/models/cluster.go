package models

import "time"

// ClusterState is the single-row table carrying cluster-wide operator
// toggles that must survive a coordinator restart.
type ClusterState struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	Paused    bool      `gorm:"not null;default:false" json:"paused"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName sets the table name for ClusterState.
func (ClusterState) TableName() string {
	return "cluster_state"
}
