package registry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shrinkarr/shrinkarr/internal/events"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// Sweeper periodically reclaims work from dead or silent workers: files
// assigned to workers that stopped heartbeating go back to pending, and
// encodes silent past the progress timeout are failed as stalled.
type Sweeper struct {
	registry        *Registry
	repo            *repository.FileRepository
	bus             *events.Bus
	progressSilence time.Duration
	maxAttempts     int
	interval        time.Duration
	cron            *cron.Cron
	logger          *slog.Logger
}

// NewSweeper creates a Sweeper. interval is the sweep cadence,
// progressSilence the processing-without-progress cutoff.
func NewSweeper(reg *Registry, repo *repository.FileRepository, bus *events.Bus,
	interval, progressSilence time.Duration, maxAttempts int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		registry:        reg,
		repo:            repo,
		bus:             bus,
		progressSilence: progressSilence,
		maxAttempts:     maxAttempts,
		interval:        interval,
		logger:          logger.With("component", "sweeper"),
	}
}

// Start schedules the sweep. Stop with Stop.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()
		s.Sweep(ctx)
	}); err != nil {
		return fmt.Errorf("scheduling sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Sweep runs one pass: expire silent workers, reap their assignments, fail
// stalled encodes.
func (s *Sweeper) Sweep(ctx context.Context) {
	for _, workerID := range s.registry.Expired() {
		s.logger.Warn("worker went offline", "worker_id", workerID)
		s.bus.Publish(events.Event{Type: events.TypeWorkerOffline, WorkerID: string(workerID)})
		s.reapWorker(ctx, workerID)
	}
	s.failStalled(ctx)
}

func (s *Sweeper) reapWorker(ctx context.Context, workerID types.WorkerID) {
	active, err := s.repo.ActiveAssignments(ctx)
	if err != nil {
		s.logger.Error("listing assignments for reap", "error", err)
		return
	}
	for _, rec := range active {
		if rec.AssignedWorkerID != string(workerID) {
			continue
		}
		if _, err := s.repo.ReapAssignment(ctx, rec.ID, string(workerID)); err != nil {
			s.logger.Error("reaping assignment", "file_id", rec.ID, "error", err)
			continue
		}
		s.logger.Info("assignment reaped", "file_id", rec.ID, "worker_id", workerID)
		s.bus.Publish(events.Event{
			Type:     events.TypeFileRequeued,
			FileID:   rec.ID,
			WorkerID: string(workerID),
		})
	}
}

func (s *Sweeper) failStalled(ctx context.Context) {
	cutoff := time.Now().Add(-s.progressSilence)
	stalled, err := s.repo.StalledProcessing(ctx, cutoff)
	if err != nil {
		s.logger.Error("finding stalled files", "error", err)
		return
	}
	for _, rec := range stalled {
		workerID := rec.AssignedWorkerID
		msg := fmt.Sprintf("no progress for %s on worker %s", s.progressSilence, workerID)
		updated, err := s.repo.RecordFailure(ctx, rec.ID, rec.LeaseToken,
			types.ErrorKindStalled, msg, true, s.maxAttempts)
		if err != nil {
			s.logger.Error("failing stalled file", "file_id", rec.ID, "error", err)
			continue
		}
		s.logger.Warn("stalled encode failed", "file_id", rec.ID, "worker_id", workerID, "status", updated.Status)

		// If the worker is still heartbeating, tell it to kill the encode
		s.registry.RequestCancel(types.WorkerID(workerID), rec.LeaseToken.String())

		evType := events.TypeFileRequeued
		if updated.Status == models.FileStatusFailed {
			evType = events.TypeFileFailed
		}
		s.bus.Publish(events.Event{Type: evType, FileID: rec.ID, WorkerID: workerID})
	}
}
