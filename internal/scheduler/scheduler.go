// Package scheduler decides which file a worker gets next. All candidate
// ordering lives in the repository's claim query; the scheduler enforces the
// per-worker preconditions on top.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/internal/registry"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// claimRetries bounds retries when concurrent claims race on the same
// candidate.
const claimRetries = 3

// ErrNoWork indicates the worker gets nothing right now. Not an error
// condition; the worker polls again later.
var ErrNoWork = errors.New("no work available")

// ErrUnknownWorker indicates the worker must (re-)register first.
var ErrUnknownWorker = errors.New("unknown worker")

// Scheduler hands out assignments.
type Scheduler struct {
	repo     *repository.FileRepository
	registry *registry.Registry
	order    repository.FileOrder
	pinGrace time.Duration
	logger   *slog.Logger
}

// New creates a Scheduler.
func New(repo *repository.FileRepository, reg *registry.Registry,
	order repository.FileOrder, pinGrace time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		repo:     repo,
		registry: reg,
		order:    order,
		pinGrace: pinGrace,
		logger:   logger.With("component", "scheduler"),
	}
}

// NextFor claims the best eligible file for a worker. Returns ErrNoWork when
// the cluster is paused, the worker is draining, already busy, lacks the
// transfer capability, or the queue has nothing for it; ErrUnknownWorker
// when it never registered or went silent.
func (s *Scheduler) NextFor(ctx context.Context, workerID types.WorkerID) (*models.FileRecord, error) {
	if !s.registry.Known(workerID) {
		return nil, ErrUnknownWorker
	}
	paused, err := s.repo.Paused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, ErrNoWork
	}
	if s.registry.FadingOut(workerID) {
		return nil, ErrNoWork
	}
	caps, _ := s.registry.Capabilities(workerID)
	if !caps.SupportsFileDistribution {
		return nil, ErrNoWork
	}

	// One file per worker, ever
	held, err := s.repo.AssignedTo(ctx, string(workerID))
	if err != nil {
		return nil, err
	}
	if held != nil {
		s.logger.Debug("worker already holds an assignment",
			"worker_id", workerID, "file_id", held.ID)
		return nil, ErrNoWork
	}

	opts := repository.ClaimOptions{Order: s.order, PinGrace: s.pinGrace}
	for attempt := 0; attempt < claimRetries; attempt++ {
		rec, err := s.repo.ClaimNext(ctx, string(workerID), opts)
		if errors.Is(err, repository.ErrNoCandidate) {
			return nil, ErrNoWork
		}
		if errors.Is(err, repository.ErrClaimConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		s.logger.Info("file assigned",
			"file_id", rec.ID,
			"path", rec.Path,
			"worker_id", workerID,
			"attempt_count", rec.AttemptCount,
		)
		return rec, nil
	}
	// Lost the race every time; the queue is hot, the worker retries soon
	return nil, ErrNoWork
}
