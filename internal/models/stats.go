package models

import "time"

// StatsDaily holds per-day aggregates derived from completed transcodes.
// One row per UTC date, upserted on every completion.
type StatsDaily struct {
	Date           string    `gorm:"primarykey;type:varchar(10)" json:"date"` // YYYY-MM-DD
	FilesCompleted int64     `gorm:"not null;default:0" json:"files_completed"`
	FilesFailed    int64     `gorm:"not null;default:0" json:"files_failed"`
	FilesSkipped   int64     `gorm:"not null;default:0" json:"files_skipped"`
	BytesIn        int64     `gorm:"not null;default:0" json:"bytes_in"`
	BytesOut       int64     `gorm:"not null;default:0" json:"bytes_out"`
	SavingsBytes   int64     `gorm:"not null;default:0" json:"savings_bytes"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName sets the table name for StatsDaily.
func (StatsDaily) TableName() string {
	return "stats_daily"
}

// SchemaVersion is a single-row table gating forward migrations.
type SchemaVersion struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Version   int       `gorm:"not null" json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName sets the table name for SchemaVersion.
func (SchemaVersion) TableName() string {
	return "schema_version"
}

// CurrentSchemaVersion is the schema version this build writes and expects.
const CurrentSchemaVersion = 1
