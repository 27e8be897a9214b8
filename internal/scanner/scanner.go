// Package scanner discovers video files in the library roots and feeds them
// into the durable queue. Scans are incremental: known unchanged files are
// no-ops, changed completed files are re-enqueued by the repository.
package scanner

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/shrinkarr/shrinkarr/internal/config"
	"github.com/shrinkarr/shrinkarr/internal/events"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/internal/transfer"
)

// skippedDirs are directory names never descended into: metadata caches from
// NAS indexers and thumbnail sidecars.
var skippedDirs = map[string]bool{
	"@eaDir":     true,
	".trickplay": true,
}

// Summary reports what one scan pass did.
type Summary struct {
	Seen     int `json:"seen"`
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Requeued int `json:"requeued"`
	Errors   int `json:"errors"`
}

// Scanner walks the library roots.
type Scanner struct {
	cfg    config.LibraryConfig
	repo   *repository.FileRepository
	bus    *events.Bus
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cron    *cron.Cron
}

// New creates a Scanner.
func New(cfg config.LibraryConfig, repo *repository.FileRepository, bus *events.Bus, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:    cfg,
		repo:   repo,
		bus:    bus,
		logger: logger.With("component", "scanner"),
	}
}

// Start schedules periodic scans when a schedule is configured. Manual scans
// through Scan work either way.
func (s *Scanner) Start() error {
	if s.cfg.ScanSchedule == "" {
		return nil
	}
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.cfg.ScanSchedule, func() {
		if _, err := s.Scan(context.Background()); err != nil {
			s.logger.Error("scheduled scan failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scan schedule active", "schedule", s.cfg.ScanSchedule)
	return nil
}

// Stop halts scheduled scans and waits for a running one to finish.
func (s *Scanner) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Scan walks all roots once. Only one scan runs at a time; a concurrent call
// returns immediately with an empty summary.
func (s *Scanner) Scan(ctx context.Context) (Summary, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("scan already running, skipping")
		return Summary{}, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	var sum Summary
	for _, root := range s.cfg.Roots {
		if err := s.scanRoot(ctx, root, &sum); err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			s.logger.Error("scanning root failed", "root", root, "error", err)
			sum.Errors++
		}
	}
	s.logger.Info("scan finished",
		"seen", sum.Seen,
		"created", sum.Created,
		"updated", sum.Updated,
		"requeued", sum.Requeued,
		"errors", sum.Errors,
	)
	return sum, nil
}

func (s *Scanner) scanRoot(ctx context.Context, root string, sum *Summary) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Warn("scan entry error", "path", path, "error", err)
			sum.Errors++
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !s.eligible(d.Name()) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			sum.Errors++
			return nil
		}
		if info.Size() < int64(s.cfg.MinFileSize) {
			return nil
		}

		sum.Seen++
		res, err := s.repo.UpsertScan(ctx, path, info.Size(), info.ModTime())
		if err != nil {
			s.logger.Error("upserting scanned file failed", "path", path, "error", err)
			sum.Errors++
			return nil
		}
		switch {
		case res.Created:
			sum.Created++
			s.publishDiscovered(ctx, path)
		case res.Requeued:
			sum.Requeued++
		case res.Updated:
			sum.Updated++
		}
		return nil
	})
}

// eligible filters by extension and rejects our own artifacts: swap backups
// and interrupted upload temp files.
func (s *Scanner) eligible(name string) bool {
	if strings.HasSuffix(name, ".bak") || strings.HasPrefix(name, transfer.TempPrefix) {
		return false
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range s.cfg.Extensions {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

func (s *Scanner) publishDiscovered(ctx context.Context, path string) {
	rec, err := s.repo.GetByPath(ctx, path)
	if err != nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:    events.TypeFileDiscovered,
		FileID:  rec.ID,
		Payload: map[string]any{"path": path, "size": rec.SizeBytes},
	})
}
