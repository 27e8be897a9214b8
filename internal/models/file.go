package models

import (
	"time"

	"gorm.io/gorm"
)

// FileStatus represents the lifecycle state of a library file.
type FileStatus string

// File status values.
const (
	FileStatusPending    FileStatus = "pending"
	FileStatusAssigned   FileStatus = "assigned"
	FileStatusProcessing FileStatus = "processing"
	FileStatusCompleted  FileStatus = "completed"
	FileStatusFailed     FileStatus = "failed"
	FileStatusSkipped    FileStatus = "skipped"
)

// IsTerminal returns true if the status is a terminal state.
func (s FileStatus) IsTerminal() bool {
	return s == FileStatusCompleted || s == FileStatusFailed || s == FileStatusSkipped
}

// IsActive returns true if the file is currently held by a worker.
func (s FileStatus) IsActive() bool {
	return s == FileStatusAssigned || s == FileStatusProcessing
}

// HDRKind classifies the high dynamic range metadata of a source file.
type HDRKind string

// HDR kinds. Files carrying dynamic HDR metadata (HDR10+, Dolby Vision)
// cannot be transcoded without losing it and are terminally skipped.
const (
	HDRKindNone        HDRKind = "none"
	HDRKindHDR10       HDRKind = "hdr10"
	HDRKindHDR10Plus   HDRKind = "hdr10plus"
	HDRKindDolbyVision HDRKind = "dolby_vision"
	HDRKindUnknown     HDRKind = "unknown"
)

// IsDynamic returns true for HDR kinds with per-scene metadata.
func (h HDRKind) IsDynamic() bool {
	return h == HDRKindHDR10Plus || h == HDRKindDolbyVision
}

// FileRecord is the unit of work: one video file in the library. Identity is
// the monotonic ID; the absolute canonical path is the natural key.
type FileRecord struct {
	ID        uint64    `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Path      string    `gorm:"uniqueIndex;not null" json:"path"`
	Directory string    `gorm:"not null" json:"directory"`
	Filename  string    `gorm:"not null" json:"filename"`
	SizeBytes int64     `gorm:"not null" json:"size_bytes"`
	MTime     time.Time `json:"mtime"`

	Status   FileStatus `gorm:"not null;default:pending;index:idx_files_queue,priority:1" json:"status"`
	Priority int32      `gorm:"not null;default:0;index:idx_files_queue,priority:2,sort:desc" json:"priority"`

	PreferredWorkerID string     `gorm:"index:idx_files_preferred" json:"preferred_worker_id,omitempty"`
	AssignedWorkerID  string     `gorm:"index:idx_files_assigned" json:"assigned_worker_id,omitempty"`
	AssignedAt        *time.Time `json:"assigned_at,omitempty"`
	LastProgressAt    *time.Time `json:"last_progress_at,omitempty"`
	LeaseToken        ULID       `json:"lease_token,omitempty"`

	SourceCodec       string  `json:"source_codec,omitempty"`
	SourceResolution  string  `json:"source_resolution,omitempty"`
	SourceAudioCodec  string  `json:"source_audio_codec,omitempty"`
	SourceBitrate     int64   `json:"source_bitrate,omitempty"`
	HDRKind           HDRKind `json:"hdr_kind,omitempty"`
	TargetCRF         int     `json:"target_crf,omitempty"`
	TargetAudioKbps   int     `json:"target_audio_bitrate,omitempty"`

	OutputSizeBytes int64   `json:"output_size_bytes,omitempty"`
	SavingsBytes    int64   `json:"savings_bytes,omitempty"`
	SavingsPercent  float64 `json:"savings_percent,omitempty"`

	AttemptCount     int        `gorm:"not null;default:0" json:"attempt_count"`
	LastErrorKind    string     `json:"last_error_kind,omitempty"`
	LastErrorMessage string     `json:"last_error_message,omitempty"`
	ErrorAt          *time.Time `json:"error_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// TableName sets the table name for FileRecord.
func (FileRecord) TableName() string {
	return "files"
}

// BeforeSave keeps the worker-assignment invariant: a non-active status
// never carries assignment state.
func (f *FileRecord) BeforeSave(tx *gorm.DB) error {
	if !f.Status.IsActive() {
		f.AssignedWorkerID = ""
		f.AssignedAt = nil
		f.LeaseToken = ULID{}
	}
	return nil
}

// HoldsLease reports whether the given lease token matches the current
// assignment on this record.
func (f *FileRecord) HoldsLease(token ULID) bool {
	return !f.LeaseToken.IsZero() && f.LeaseToken == token && f.Status.IsActive()
}
