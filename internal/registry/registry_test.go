package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shrinkarr/shrinkarr/internal/config"
	"github.com/shrinkarr/shrinkarr/internal/database"
	"github.com/shrinkarr/shrinkarr/internal/events"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testClusterConfig = types.ClusterConfig{
	MinSavingsPct: 5,
	EncoderPreset: 8,
	FileOrder:     "oldest",
	MaxAttempts:   3,
}

func announce(id string) types.Announcement {
	return types.Announcement{
		WorkerID: types.WorkerID(id),
		Hostname: id + ".local",
		Version:  "1.0.0",
		Capabilities: types.Capabilities{
			CPUCount:                 16,
			SupportsFileDistribution: true,
		},
	}
}

func TestRegister(t *testing.T) {
	reg := New(testClusterConfig, 30*time.Second, nil)

	resp := reg.Register(announce("w1"))
	assert.True(t, resp.Accepted)
	assert.Equal(t, testClusterConfig.Digest(), resp.ConfigDigest)
	assert.Equal(t, testClusterConfig, resp.ClusterConfig)
	assert.True(t, reg.Known("w1"))
	assert.False(t, reg.Known("w2"))
}

func TestRegisterIdempotent(t *testing.T) {
	reg := New(testClusterConfig, 30*time.Second, nil)
	reg.Register(announce("w1"))
	reg.RecordOutcome("w1", false)
	reg.SetFadeOut("w1", true)

	// Re-registration clears fade-out but keeps counters
	resp := reg.Register(announce("w1"))
	assert.True(t, resp.Accepted)
	assert.False(t, reg.FadingOut("w1"))

	snaps := reg.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(1), snaps[0].JobsCompleted)
}

func TestHeartbeat(t *testing.T) {
	reg := New(testClusterConfig, 30*time.Second, nil)
	reg.Register(announce("w1"))

	resp, ok := reg.Heartbeat("w1", types.Heartbeat{
		Telemetry: types.Telemetry{CPUPercent: 85},
		Current:   &types.CurrentJob{FileID: 3, Percent: 40, FPS: 24, Phase: types.PhaseTranscoding},
	})
	require.True(t, ok)
	assert.False(t, resp.FadeOut)
	assert.Empty(t, resp.CancelLease)

	snaps := reg.Snapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, types.WorkerStateProcessing, snaps[0].State)
	assert.Equal(t, uint64(3), snaps[0].CurrentFileID)
	assert.Equal(t, 85.0, snaps[0].Telemetry.CPUPercent)
	assert.Equal(t, 24.0, snaps[0].EncodeSpeedFPS)

	// Idle heartbeat flips the state back
	_, ok = reg.Heartbeat("w1", types.Heartbeat{})
	require.True(t, ok)
	assert.Equal(t, types.WorkerStateIdle, reg.Snapshot()[0].State)

	// Unknown workers must re-register
	_, ok = reg.Heartbeat("ghost", types.Heartbeat{})
	assert.False(t, ok)
}

func TestHeartbeatDirectives(t *testing.T) {
	reg := New(testClusterConfig, 30*time.Second, nil)
	reg.Register(announce("w1"))

	require.True(t, reg.SetFadeOut("w1", true))
	require.True(t, reg.RequestCancel("w1", "LEASE1"))
	assert.False(t, reg.SetFadeOut("ghost", true))

	resp, ok := reg.Heartbeat("w1", types.Heartbeat{})
	require.True(t, ok)
	assert.True(t, resp.FadeOut)
	assert.Equal(t, "LEASE1", resp.CancelLease)

	// Cancel is delivered once; fade-out persists
	resp, _ = reg.Heartbeat("w1", types.Heartbeat{})
	assert.True(t, resp.FadeOut)
	assert.Empty(t, resp.CancelLease)
}

func TestEncodeSpeedEWMA(t *testing.T) {
	reg := New(testClusterConfig, 30*time.Second, nil)
	reg.Register(announce("w1"))

	job := func(fps float64) types.Heartbeat {
		return types.Heartbeat{Current: &types.CurrentJob{FileID: 1, FPS: fps}}
	}
	reg.Heartbeat("w1", job(100))
	reg.Heartbeat("w1", job(50))

	speed := reg.Snapshot()[0].EncodeSpeedFPS
	assert.Greater(t, speed, 50.0)
	assert.Less(t, speed, 100.0)
}

func TestExpired(t *testing.T) {
	reg := New(testClusterConfig, 50*time.Millisecond, nil)
	reg.Register(announce("w1"))
	reg.Register(announce("w2"))

	assert.Empty(t, reg.Expired())

	time.Sleep(80 * time.Millisecond)
	_, ok := reg.Heartbeat("w2", types.Heartbeat{})
	require.True(t, ok)

	expired := reg.Expired()
	require.Len(t, expired, 1)
	assert.Equal(t, types.WorkerID("w1"), expired[0])
	assert.False(t, reg.Known("w1"))
	assert.True(t, reg.Known("w2"))

	// Reported only once per outage
	assert.Empty(t, reg.Expired())
}

func newSweeperFixture(t *testing.T, liveness, silence time.Duration) (*Registry, *repository.FileRepository, *Sweeper, *events.Bus) {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	repo := repository.NewFileRepository(db.DB)
	reg := New(testClusterConfig, liveness, nil)
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	sweeper := NewSweeper(reg, repo, bus, 10*time.Second, silence, 3, nil)
	return reg, repo, sweeper, bus
}

func TestSweepReapsOfflineWorker(t *testing.T) {
	reg, repo, sweeper, bus := newSweeperFixture(t, 30*time.Millisecond, time.Hour)
	ctx := context.Background()

	reg.Register(announce("w1"))
	_, err := repo.UpsertScan(ctx, "/media/a.mkv", 1000, time.Now())
	require.NoError(t, err)
	claimed, err := repo.ClaimNext(ctx, "w1", repository.ClaimOptions{Order: repository.OrderOldest, PinGrace: time.Minute})
	require.NoError(t, err)

	sub := bus.Subscribe()
	time.Sleep(60 * time.Millisecond)
	sweeper.Sweep(ctx)

	rec, err := repo.GetByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, rec.Status)
	assert.Empty(t, rec.AssignedWorkerID)

	ev := <-sub.Events
	assert.Equal(t, events.TypeWorkerOffline, ev.Type)
	ev = <-sub.Events
	assert.Equal(t, events.TypeFileRequeued, ev.Type)
	assert.Equal(t, claimed.ID, ev.FileID)
}

func TestSweepFailsStalled(t *testing.T) {
	reg, repo, sweeper, _ := newSweeperFixture(t, time.Hour, time.Nanosecond)
	ctx := context.Background()

	reg.Register(announce("w1"))
	_, err := repo.UpsertScan(ctx, "/media/a.mkv", 1000, time.Now())
	require.NoError(t, err)
	claimed, err := repo.ClaimNext(ctx, "w1", repository.ClaimOptions{Order: repository.OrderOldest, PinGrace: time.Minute})
	require.NoError(t, err)
	_, err = repo.RecordProgress(ctx, claimed.ID, claimed.LeaseToken, repository.Progress{Percent: 10})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	sweeper.Sweep(ctx)

	rec, err := repo.GetByID(ctx, claimed.ID)
	require.NoError(t, err)
	// Retryable: attempt 1 of 3, back to pending
	assert.Equal(t, models.FileStatusPending, rec.Status)
	assert.Equal(t, string(types.ErrorKindStalled), rec.LastErrorKind)

	// The still-live worker is told to kill the encode
	resp, ok := reg.Heartbeat("w1", types.Heartbeat{})
	require.True(t, ok)
	assert.Equal(t, claimed.LeaseToken.String(), resp.CancelLease)
}
