package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shrinkarr/shrinkarr/internal/config"
	"github.com/shrinkarr/shrinkarr/internal/database"
	"github.com/shrinkarr/shrinkarr/internal/registry"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFixture(t *testing.T) (*Scheduler, *repository.FileRepository, *registry.Registry) {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	repo := repository.NewFileRepository(db.DB)
	reg := registry.New(types.ClusterConfig{FileOrder: "oldest"}, 30*time.Second, nil)
	sched := New(repo, reg, repository.OrderOldest, time.Minute, nil)
	return sched, repo, reg
}

func register(reg *registry.Registry, id string, transfers bool) {
	reg.Register(types.Announcement{
		WorkerID: types.WorkerID(id),
		Hostname: id,
		Capabilities: types.Capabilities{
			CPUCount:                 8,
			SupportsFileDistribution: transfers,
		},
	})
}

func TestNextFor(t *testing.T) {
	sched, repo, reg := newFixture(t)
	ctx := context.Background()
	register(reg, "w1", true)

	_, err := repo.UpsertScan(ctx, "/media/a.mkv", 1000, time.Now())
	require.NoError(t, err)

	rec, err := sched.NextFor(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "/media/a.mkv", rec.Path)
	assert.Equal(t, "w1", rec.AssignedWorkerID)

	// Busy worker gets nothing even with work queued
	_, err = repo.UpsertScan(ctx, "/media/b.mkv", 1000, time.Now())
	require.NoError(t, err)
	_, err = sched.NextFor(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestNextForUnknownWorker(t *testing.T) {
	sched, repo, _ := newFixture(t)
	ctx := context.Background()
	_, err := repo.UpsertScan(ctx, "/media/a.mkv", 1000, time.Now())
	require.NoError(t, err)

	_, err = sched.NextFor(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownWorker)
}

func TestNextForFadeOut(t *testing.T) {
	sched, repo, reg := newFixture(t)
	ctx := context.Background()
	register(reg, "w1", true)
	reg.SetFadeOut("w1", true)

	_, err := repo.UpsertScan(ctx, "/media/a.mkv", 1000, time.Now())
	require.NoError(t, err)

	_, err = sched.NextFor(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestNextForCapabilityFilter(t *testing.T) {
	sched, repo, reg := newFixture(t)
	ctx := context.Background()
	register(reg, "w1", false)

	_, err := repo.UpsertScan(ctx, "/media/a.mkv", 1000, time.Now())
	require.NoError(t, err)

	_, err = sched.NextFor(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestNextForPausedCluster(t *testing.T) {
	sched, repo, reg := newFixture(t)
	ctx := context.Background()
	register(reg, "w1", true)

	_, err := repo.UpsertScan(ctx, "/media/a.mkv", 1000, time.Now())
	require.NoError(t, err)

	require.NoError(t, repo.SetPaused(ctx, true))
	_, err = sched.NextFor(ctx, "w1")
	assert.ErrorIs(t, err, ErrNoWork)

	// Unregistered workers still learn they must register, paused or not
	_, err = sched.NextFor(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownWorker)

	require.NoError(t, repo.SetPaused(ctx, false))
	rec, err := sched.NextFor(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "/media/a.mkv", rec.Path)
}

func TestNextForEmptyQueue(t *testing.T) {
	sched, _, reg := newFixture(t)
	register(reg, "w1", true)

	_, err := sched.NextFor(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrNoWork)
}
