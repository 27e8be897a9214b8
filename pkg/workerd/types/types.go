// Package types defines the wire protocol shared by the shrinkarr
// coordinator and the workerd daemon: registration, heartbeats, assignments,
// progress, and outcome reports.
package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// WorkerID is a stable worker identifier, chosen by the worker and kept
// across reconnects (hostname plus salt hash).
type WorkerID string

// WorkerState represents the coordinator's view of a worker.
type WorkerState string

// Worker states.
const (
	WorkerStateRegistering WorkerState = "registering"
	WorkerStateIdle        WorkerState = "idle"
	WorkerStateProcessing  WorkerState = "processing"
	WorkerStateOffline     WorkerState = "offline"
)

// Phase is the stage a worker reports while handling an assignment.
type Phase string

// Assignment phases in pipeline order.
const (
	PhaseDownloading Phase = "downloading"
	PhaseProbing     Phase = "probing"
	PhaseTranscoding Phase = "transcoding"
	PhaseUploading   Phase = "uploading"
	PhaseVerifying   Phase = "verifying"
)

// ErrorKind classifies a job failure. The coordinator, not the worker,
// decides the resulting state transition.
type ErrorKind string

// Retryable failure kinds.
const (
	ErrorKindTransfer     ErrorKind = "transfer_error"
	ErrorKindProbeTimeout ErrorKind = "probe_timeout"
	ErrorKindEncoderCrash ErrorKind = "encoder_crash"
	ErrorKindWorkerOffline ErrorKind = "worker_offline"
	ErrorKindStaleLease   ErrorKind = "stale_lease"
	ErrorKindStalled      ErrorKind = "stalled"
	ErrorKindKilled       ErrorKind = "killed"
)

// Fatal failure kinds.
const (
	ErrorKindMalformedSource   ErrorKind = "malformed_source"
	ErrorKindDiskFull          ErrorKind = "disk_full"
	ErrorKindSafeReplaceFailed ErrorKind = "safe_replace_failed"
	ErrorKindEmptyOutput       ErrorKind = "empty_output"
	ErrorKindIO                ErrorKind = "io_error"
)

// Retryable reports whether a failure of this kind should send the file
// back to the queue. Unknown kinds are treated as fatal.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrorKindTransfer, ErrorKindProbeTimeout, ErrorKindEncoderCrash,
		ErrorKindWorkerOffline, ErrorKindStaleLease, ErrorKindStalled, ErrorKindKilled:
		return true
	}
	return false
}

// SkipReason is a terminal non-failure outcome.
type SkipReason string

// Skip reasons.
const (
	SkipReasonDynamicHDR          SkipReason = "dynamic_hdr_unpreservable"
	SkipReasonAlreadyEfficient    SkipReason = "already_efficient"
	SkipReasonNonVideo            SkipReason = "non_video"
	SkipReasonInsufficientSavings SkipReason = "output_smaller_than_threshold"
	SkipReasonOperator            SkipReason = "operator_skip"
)

// Capabilities announces what a worker can do.
type Capabilities struct {
	CPUCount                 int   `json:"cpu_count"`
	MemoryTotal              uint64 `json:"memory_total"`
	EncoderPresets           []int `json:"encoder_presets,omitempty"`
	SupportsFileDistribution bool  `json:"supports_file_distribution"`
}

// Announcement is the registration request sent by a worker.
type Announcement struct {
	WorkerID     WorkerID     `json:"worker_id"`
	DisplayName  string       `json:"display_name"`
	Hostname     string       `json:"hostname"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
}

// RegisterResponse acknowledges a registration and carries the cluster
// configuration the worker must run with.
type RegisterResponse struct {
	Accepted      bool          `json:"accepted"`
	ConfigDigest  string        `json:"config_digest"`
	ClusterConfig ClusterConfig `json:"cluster_config"`
}

// Telemetry is the system snapshot a worker attaches to heartbeats.
type Telemetry struct {
	CPUPercent    float64 `json:"cpu"`
	MemoryPercent float64 `json:"mem"`
	MemoryUsed    uint64  `json:"memory_used,omitempty"`
	LoadAvg1m     float64 `json:"load_1m,omitempty"`
	DiskFree      uint64  `json:"disk_free,omitempty"`
}

// CurrentJob is the progress snapshot attached to heartbeats while a worker
// holds an assignment.
type CurrentJob struct {
	FileID     uint64  `json:"file_id"`
	Percent    float64 `json:"percent"`
	FPS        float64 `json:"fps"`
	ETASeconds int64   `json:"eta"`
	Phase      Phase   `json:"phase"`
}

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	Telemetry Telemetry   `json:"telemetry"`
	Current   *CurrentJob `json:"current,omitempty"`
}

// HeartbeatResponse carries coordinator directives back to the worker.
// CancelLease, when set, names the lease whose encoder must be killed.
type HeartbeatResponse struct {
	FadeOut     bool   `json:"fade_out"`
	CancelLease string `json:"cancel,omitempty"`
}

// Assignment authorizes a worker to process one file.
type Assignment struct {
	FileID     uint64       `json:"file_id"`
	Path       string       `json:"path"`
	SizeBytes  int64        `json:"size"`
	Hash       string       `json:"hash,omitempty"`
	LeaseToken string       `json:"lease_token"`
	Params     EncodeParams `json:"params"`
}

// EncodeParams is the parameter bundle handed to the encoder. CRF and audio
// bitrates may be zero when the coordinator leaves the decision to the
// worker-side policy (probe-on-worker mode).
type EncodeParams struct {
	CRF                int            `json:"crf,omitempty"`
	Preset             int            `json:"preset"`
	AudioBitrates      []int          `json:"audio_bitrates,omitempty"` // kbps per stream, in stream order
	PixelFormat        string         `json:"pixel_format,omitempty"`
	Color              *ColorParams   `json:"color,omitempty"`
	SkipAudioTranscode bool           `json:"skip_audio_transcode,omitempty"`
}

// ColorParams preserves HDR10 color metadata through the encode.
type ColorParams struct {
	Primaries  string `json:"primaries"`
	Transfer   string `json:"transfer"`
	Space      string `json:"space"`
	EnableHDR  bool   `json:"enable_hdr"`
}

// ProgressReport is a worker-originated progress tick.
type ProgressReport struct {
	LeaseToken string  `json:"lease_token"`
	Percent    float64 `json:"percent"`
	FPS        float64 `json:"fps"`
	ETASeconds int64   `json:"eta"`
	Phase      Phase   `json:"phase"`
	Message    string  `json:"message,omitempty"`
}

// Outcome is the tagged result of an assignment: exactly one of Success,
// Failure, or Skip is set.
type Outcome struct {
	Success *SuccessOutcome `json:"success,omitempty"`
	Failure *FailureOutcome `json:"failure,omitempty"`
	Skip    *SkipOutcome    `json:"skip,omitempty"`
}

// SuccessOutcome reports a finished transcode. The coordinator verifies the
// uploaded bytes independently before accepting it.
type SuccessOutcome struct {
	OutputSizeBytes int64  `json:"output_size"`
	ContentHash     string `json:"hash,omitempty"`
}

// FailureOutcome reports what went wrong; Retryable is the worker's view and
// advisory only.
type FailureOutcome struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// SkipOutcome reports a terminal non-failure.
type SkipOutcome struct {
	Reason  SkipReason `json:"reason"`
	Message string     `json:"message,omitempty"`
}

// OutcomeReport is the body of POST /files/{id}/report.
type OutcomeReport struct {
	LeaseToken string  `json:"lease_token"`
	Outcome    Outcome `json:"outcome"`
}

// SourceInfo carries the probe results a worker reports with its first
// probing progress tick, so the coordinator records source metadata and
// HDR classification.
type SourceInfo struct {
	Codec      string `json:"codec"`
	Resolution string `json:"resolution"`
	AudioCodec string `json:"audio_codec,omitempty"`
	Bitrate    int64  `json:"bitrate,omitempty"`
	HDRKind    string `json:"hdr_kind,omitempty"`
	TargetCRF  int    `json:"target_crf,omitempty"`
	TargetAudioKbps int `json:"target_audio_bitrate,omitempty"`
}

// ClusterConfig is the versioned coordination contract distributed to
// workers on registration.
type ClusterConfig struct {
	MinSavingsPct      float64 `json:"min_savings_pct"`
	EncoderPreset      int     `json:"encoder_preset"`
	SkipAudioTranscode bool    `json:"skip_audio_transcode"`
	FileOrder          string  `json:"file_order"`
	MaxAttempts        int     `json:"max_attempts"`
	LivenessTimeoutS   int     `json:"liveness_timeout_s"`
	PinGraceS          int     `json:"pin_grace_s"`
	TestingMode        bool    `json:"testing_mode"`
}

// Digest returns a stable SHA-256 digest of the config, used by workers to
// detect configuration drift between heartbeats.
func (c ClusterConfig) Digest() string {
	data, _ := json.Marshal(c)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// WorkerSnapshot is the coordinator's UI/status view of one worker.
type WorkerSnapshot struct {
	ID              WorkerID    `json:"id"`
	DisplayName     string      `json:"display_name"`
	Hostname        string      `json:"hostname"`
	Version         string      `json:"version"`
	State           WorkerState `json:"state"`
	FadeOut         bool        `json:"fade_out"`
	LastHeartbeatAt time.Time   `json:"last_heartbeat_at"`
	CurrentFileID   uint64      `json:"current_file_id,omitempty"`
	CurrentPercent  float64     `json:"current_percent,omitempty"`
	CurrentPhase    Phase       `json:"current_phase,omitempty"`
	EncodeSpeedFPS  float64     `json:"encode_speed_fps,omitempty"`
	JobsCompleted   uint64      `json:"jobs_completed"`
	JobsFailed      uint64      `json:"jobs_failed"`
	Telemetry       Telemetry   `json:"telemetry"`
}
