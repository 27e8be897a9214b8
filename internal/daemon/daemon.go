// Package daemon implements the shrinkarr worker: it registers with the
// coordinator, heartbeats, polls for assignments, and runs the
// download/probe/transcode/upload pipeline for each one.
package daemon

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shrinkarr/shrinkarr/internal/config"
	"github.com/shrinkarr/shrinkarr/internal/probe"
	"github.com/shrinkarr/shrinkarr/internal/quality"
	"github.com/shrinkarr/shrinkarr/internal/transcoder"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// registerBackoffMax caps the retry delay while the coordinator is down.
const registerBackoffMax = 60 * time.Second

// Daemon is the worker process.
type Daemon struct {
	cfg     *config.WorkerConfig
	id      types.WorkerID
	version string
	client  *Client
	stats   *StatsCollector
	prober  *probe.Prober
	logger  *slog.Logger

	mu           sync.Mutex
	current      *types.CurrentJob
	currentLease string
	cancelJob    context.CancelFunc
}

// New creates a worker daemon. The worker ID is derived from the hostname
// and a salt persisted in cfg.StateDir.
func New(cfg *config.WorkerConfig, version string, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	id, err := WorkerIdentity(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	cfg.TempDir = tempDir

	return &Daemon{
		cfg:     cfg,
		id:      id,
		version: version,
		client:  NewClient(cfg.CoordinatorURL, logger),
		stats:   NewStatsCollector(tempDir),
		prober:  probe.NewProber(cfg.FFprobePath).WithTimeout(cfg.ProbeTimeout),
		logger:  logger.With("component", "workerd", "worker_id", id),
	}, nil
}

// ID returns the derived worker identity.
func (d *Daemon) ID() types.WorkerID { return d.id }

// Run is the worker main loop. It returns when ctx is cancelled, after the
// in-flight job (if any) has been cancelled and its outcome reported.
func (d *Daemon) Run(ctx context.Context) error {
	resp, err := d.registerLoop(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("registered with coordinator",
		"coordinator", d.cfg.CoordinatorURL,
		"config_digest", resp.ConfigDigest,
	)

	lookup, err := FetchQualityLookup(ctx, d.client, d.cfg.StateDir, d.logger)
	if err != nil {
		return err
	}
	tc := transcoder.New(d.cfg.FFmpegPath, d.prober, d.logger)
	pipeline := NewPipeline(d.client, d.prober, quality.NewPolicy(lookup), tc, d.cfg.TempDir, resp.ClusterConfig, d.logger)

	heartbeat := time.NewTicker(d.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	poll := time.NewTicker(d.cfg.PollInterval)
	defer poll.Stop()

	var jobs sync.WaitGroup
	defer jobs.Wait()

	for {
		select {
		case <-ctx.Done():
			d.cancelCurrent("shutdown")
			return nil
		case <-heartbeat.C:
			d.sendHeartbeat(ctx)
		case <-poll.C:
			d.maybeStartJob(ctx, pipeline, &jobs)
		}
	}
}

// registerLoop announces the worker, retrying with exponential backoff until
// the coordinator accepts or ctx ends.
func (d *Daemon) registerLoop(ctx context.Context) (*types.RegisterResponse, error) {
	hostname, _ := os.Hostname()
	ann := types.Announcement{
		WorkerID:     d.id,
		DisplayName:  d.cfg.DisplayName,
		Hostname:     hostname,
		Version:      d.version,
		Capabilities: d.stats.Capabilities(ctx),
	}

	delay := time.Second
	for {
		resp, err := d.client.Register(ctx, ann)
		if err == nil && resp.Accepted {
			return resp, nil
		}
		if err != nil {
			d.logger.Warn("registration failed, retrying", "error", err, "retry_in", delay)
		} else {
			d.logger.Warn("registration rejected, retrying", "retry_in", delay)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > registerBackoffMax {
			delay = registerBackoffMax
		}
	}
}

// sendHeartbeat reports liveness and acts on coordinator directives.
func (d *Daemon) sendHeartbeat(ctx context.Context) {
	hb := types.Heartbeat{Telemetry: d.stats.Collect(ctx)}
	d.mu.Lock()
	if d.current != nil {
		job := *d.current
		hb.Current = &job
	}
	d.mu.Unlock()

	resp, err := d.client.Heartbeat(ctx, d.id, hb)
	if errors.Is(err, ErrUnknownWorker) {
		// Coordinator restarted; re-announce so leases and state line up
		d.logger.Info("coordinator forgot us, re-registering")
		if _, rerr := d.registerLoop(ctx); rerr != nil {
			d.logger.Warn("re-registration failed", "error", rerr)
		}
		return
	}
	if err != nil {
		d.logger.Warn("heartbeat failed", "error", err)
		return
	}

	if resp.CancelLease != "" {
		d.mu.Lock()
		match := resp.CancelLease == d.currentLease
		d.mu.Unlock()
		if match {
			d.cancelCurrent("coordinator cancel")
		}
	}
}

// maybeStartJob polls for work when idle and launches the pipeline for an
// assignment.
func (d *Daemon) maybeStartJob(ctx context.Context, pipeline *Pipeline, jobs *sync.WaitGroup) {
	d.mu.Lock()
	busy := d.current != nil
	d.mu.Unlock()
	if busy {
		return
	}

	a, err := d.client.Next(ctx, d.id)
	if errors.Is(err, ErrUnknownWorker) {
		if _, rerr := d.registerLoop(ctx); rerr != nil {
			d.logger.Warn("re-registration failed", "error", rerr)
		}
		return
	}
	if err != nil {
		d.logger.Warn("polling for work", "error", err)
		return
	}
	if a == nil {
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.current = &types.CurrentJob{FileID: a.FileID}
	d.currentLease = a.LeaseToken
	d.cancelJob = cancel
	d.mu.Unlock()

	d.logger.Info("assignment accepted", "file_id", a.FileID, "path", a.Path, "size", a.SizeBytes)

	jobs.Add(1)
	go func() {
		defer jobs.Done()
		defer cancel()
		if err := pipeline.Process(jobCtx, d.id, a, d); err != nil {
			d.logger.Warn("assignment did not complete", "file_id", a.FileID, "error", err)
		}
		d.mu.Lock()
		d.current = nil
		d.currentLease = ""
		d.cancelJob = nil
		d.mu.Unlock()
	}()
}

func (d *Daemon) cancelCurrent(reason string) {
	d.mu.Lock()
	cancel := d.cancelJob
	var fileID uint64
	if d.current != nil {
		fileID = d.current.FileID
	}
	d.mu.Unlock()
	if cancel != nil {
		d.logger.Info("cancelling current job", "file_id", fileID, "reason", reason)
		cancel()
	}
}

// SetPhase implements jobTracker.
func (d *Daemon) SetPhase(fileID uint64, phase types.Phase) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil && d.current.FileID == fileID {
		d.current.Phase = phase
	}
}

// SetProgress implements jobTracker.
func (d *Daemon) SetProgress(percent, fps float64, eta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		d.current.Percent = percent
		d.current.FPS = fps
		d.current.ETASeconds = eta
	}
}
