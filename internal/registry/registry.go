// Package registry tracks the live worker fleet in memory. Workers exist
// only as long as they heartbeat; the durable queue never stores worker
// state beyond the assignment fields on a file.
package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// ewmaAlpha weights the most recent encode speed sample.
const ewmaAlpha = 0.3

type worker struct {
	announcement    types.Announcement
	state           types.WorkerState
	fadeOut         bool
	cancelLease     string
	lastHeartbeatAt time.Time
	current         *types.CurrentJob
	telemetry       types.Telemetry
	speedFPS        float64
	jobsCompleted   uint64
	jobsFailed      uint64
}

// Registry is the in-memory worker directory.
type Registry struct {
	mu              sync.RWMutex
	workers         map[types.WorkerID]*worker
	clusterConfig   types.ClusterConfig
	livenessTimeout time.Duration
	logger          *slog.Logger
}

// New creates a Registry distributing the given cluster config.
func New(cfg types.ClusterConfig, livenessTimeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		workers:         make(map[types.WorkerID]*worker),
		clusterConfig:   cfg,
		livenessTimeout: livenessTimeout,
		logger:          logger.With("component", "registry"),
	}
}

// ClusterConfig returns the config distributed to workers.
func (r *Registry) ClusterConfig() types.ClusterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clusterConfig
}

// Register adds or re-adds a worker. Idempotent: a re-registration after a
// restart replaces the previous announcement and clears any stale state.
func (r *Registry) Register(ann types.Announcement) types.RegisterResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, known := r.workers[ann.WorkerID]
	w := &worker{
		announcement:    ann,
		state:           types.WorkerStateIdle,
		lastHeartbeatAt: time.Now(),
	}
	if known {
		// A restart forgets fade-out; the operator set it against the old
		// process. Completed counters survive.
		w.jobsCompleted = prev.jobsCompleted
		w.jobsFailed = prev.jobsFailed
		w.speedFPS = prev.speedFPS
	}
	r.workers[ann.WorkerID] = w

	r.logger.Info("worker registered",
		"worker_id", ann.WorkerID,
		"hostname", ann.Hostname,
		"version", ann.Version,
		"rejoined", known,
	)
	return types.RegisterResponse{
		Accepted:      true,
		ConfigDigest:  r.clusterConfig.Digest(),
		ClusterConfig: r.clusterConfig,
	}
}

// Heartbeat records liveness and telemetry and returns pending directives.
// Unknown workers get ok=false and must re-register.
func (r *Registry) Heartbeat(id types.WorkerID, hb types.Heartbeat) (types.HeartbeatResponse, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return types.HeartbeatResponse{}, false
	}

	w.lastHeartbeatAt = time.Now()
	w.telemetry = hb.Telemetry
	w.current = hb.Current
	if hb.Current != nil {
		w.state = types.WorkerStateProcessing
		if hb.Current.FPS > 0 {
			if w.speedFPS == 0 {
				w.speedFPS = hb.Current.FPS
			} else {
				w.speedFPS = ewmaAlpha*hb.Current.FPS + (1-ewmaAlpha)*w.speedFPS
			}
		}
	} else {
		w.state = types.WorkerStateIdle
	}

	resp := types.HeartbeatResponse{
		FadeOut:     w.fadeOut,
		CancelLease: w.cancelLease,
	}
	// A cancel directive is delivered once
	w.cancelLease = ""
	return resp, true
}

// Known reports whether a worker is registered and alive.
func (r *Registry) Known(id types.WorkerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return ok && time.Since(w.lastHeartbeatAt) <= r.livenessTimeout
}

// Capabilities returns a worker's announced capabilities.
func (r *Registry) Capabilities(id types.WorkerID) (types.Capabilities, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return types.Capabilities{}, false
	}
	return w.announcement.Capabilities, true
}

// FadingOut reports whether a worker is draining.
func (r *Registry) FadingOut(id types.WorkerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return ok && w.fadeOut
}

// SetFadeOut marks a worker to finish its current job and take no more.
func (r *Registry) SetFadeOut(id types.WorkerID, fadeOut bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.fadeOut = fadeOut
	r.logger.Info("worker fade-out changed", "worker_id", id, "fade_out", fadeOut)
	return true
}

// RequestCancel directs a worker to kill the encode under the given lease on
// its next heartbeat.
func (r *Registry) RequestCancel(id types.WorkerID, leaseToken string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.cancelLease = leaseToken
	return true
}

// RecordOutcome bumps per-worker counters after a job report.
func (r *Registry) RecordOutcome(id types.WorkerID, failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	if failed {
		w.jobsFailed++
	} else {
		w.jobsCompleted++
	}
}

// Expired returns the IDs of workers whose last heartbeat is older than the
// liveness timeout and flips them to offline. Each worker is returned once
// per outage.
func (r *Registry) Expired() []types.WorkerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.livenessTimeout)
	var expired []types.WorkerID
	for id, w := range r.workers {
		if w.state != types.WorkerStateOffline && w.lastHeartbeatAt.Before(cutoff) {
			w.state = types.WorkerStateOffline
			w.current = nil
			expired = append(expired, id)
		}
	}
	return expired
}

// Snapshot returns the UI view of all workers.
func (r *Registry) Snapshot() []types.WorkerSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.WorkerSnapshot, 0, len(r.workers))
	for id, w := range r.workers {
		snap := types.WorkerSnapshot{
			ID:              id,
			DisplayName:     w.announcement.DisplayName,
			Hostname:        w.announcement.Hostname,
			Version:         w.announcement.Version,
			State:           w.state,
			FadeOut:         w.fadeOut,
			LastHeartbeatAt: w.lastHeartbeatAt,
			EncodeSpeedFPS:  w.speedFPS,
			JobsCompleted:   w.jobsCompleted,
			JobsFailed:      w.jobsFailed,
			Telemetry:       w.telemetry,
		}
		if w.current != nil {
			snap.CurrentFileID = w.current.FileID
			snap.CurrentPercent = w.current.Percent
			snap.CurrentPhase = w.current.Phase
		}
		out = append(out, snap)
	}
	return out
}
