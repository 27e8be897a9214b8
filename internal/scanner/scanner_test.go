package scanner

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shrinkarr/shrinkarr/internal/config"
	"github.com/shrinkarr/shrinkarr/internal/database"
	"github.com/shrinkarr/shrinkarr/internal/events"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newScanner(t *testing.T, root string) (*Scanner, *repository.FileRepository, *events.Bus) {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })

	repo := repository.NewFileRepository(db.DB)
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)

	s := New(config.LibraryConfig{
		Roots:       []string{root},
		Extensions:  []string{".mkv", ".mp4"},
		MinFileSize: 100,
	}, repo, bus, nil)
	return s, repo, bus
}

func write(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("v"), size), 0o644))
}

func TestScanDiscovers(t *testing.T) {
	root := t.TempDir()
	s, repo, bus := newScanner(t, root)
	ctx := context.Background()

	write(t, filepath.Join(root, "movies", "a.mkv"), 500)
	write(t, filepath.Join(root, "movies", "b.mp4"), 500)
	write(t, filepath.Join(root, "shows", "c.mkv"), 500)

	sub := bus.Subscribe()
	sum, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Seen)
	assert.Equal(t, 3, sum.Created)
	assert.Zero(t, sum.Errors)

	rec, err := repo.GetByPath(ctx, filepath.Join(root, "movies", "a.mkv"))
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, rec.Status)
	assert.Equal(t, int64(500), rec.SizeBytes)

	for i := 0; i < 3; i++ {
		ev := <-sub.Events
		assert.Equal(t, events.TypeFileDiscovered, ev.Type)
	}
}

func TestScanFilters(t *testing.T) {
	root := t.TempDir()
	s, _, _ := newScanner(t, root)

	write(t, filepath.Join(root, "a.mkv"), 500)
	write(t, filepath.Join(root, "small.mkv"), 50)                      // below min size
	write(t, filepath.Join(root, "notes.txt"), 500)                     // wrong extension
	write(t, filepath.Join(root, "a.mkv.bak"), 500)                     // swap backup
	write(t, filepath.Join(root, ".shrinkarr-upload-xyz"), 500)         // upload temp
	write(t, filepath.Join(root, "@eaDir", "thumb.mkv"), 500)           // NAS cache dir
	write(t, filepath.Join(root, ".trickplay", "preview.mkv"), 500)     // thumbnail dir
	write(t, filepath.Join(root, "UPPER.MKV"), 500)                     // case-insensitive ext

	sum, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Seen)
	assert.Equal(t, 2, sum.Created)
}

func TestScanIncremental(t *testing.T) {
	root := t.TempDir()
	s, repo, _ := newScanner(t, root)
	ctx := context.Background()
	path := filepath.Join(root, "a.mkv")
	write(t, path, 500)

	_, err := s.Scan(ctx)
	require.NoError(t, err)

	// Unchanged file is a no-op
	sum, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Seen)
	assert.Zero(t, sum.Created)
	assert.Zero(t, sum.Updated)

	// A grown pending file gets its metadata refreshed
	write(t, path, 800)
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(time.Minute)))
	sum, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Updated)

	rec, err := repo.GetByPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, int64(800), rec.SizeBytes)
}

func TestScanRequeuesChangedCompleted(t *testing.T) {
	root := t.TempDir()
	s, repo, _ := newScanner(t, root)
	ctx := context.Background()
	path := filepath.Join(root, "a.mkv")
	write(t, path, 500)

	_, err := s.Scan(ctx)
	require.NoError(t, err)

	rec, err := repo.GetByPath(ctx, path)
	require.NoError(t, err)
	claimed, err := repo.ClaimNext(ctx, "w1", repository.ClaimOptions{Order: repository.OrderOldest})
	require.NoError(t, err)
	require.Equal(t, rec.ID, claimed.ID)
	_, err = repo.RecordCompletion(ctx, claimed.ID, claimed.LeaseToken, 200, 5)
	require.NoError(t, err)

	// Same file on disk: completed record stays completed
	sum, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Requeued)

	// File replaced on disk: back to pending
	write(t, path, 900)
	require.NoError(t, os.Chtimes(path, time.Now(), time.Now().Add(time.Hour)))
	sum, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Requeued)

	rec, err = repo.GetByPath(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, models.FileStatusPending, rec.Status)
}

func TestScanMissingRoot(t *testing.T) {
	s, _, _ := newScanner(t, filepath.Join(t.TempDir(), "does-not-exist"))
	sum, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Errors)
	assert.Zero(t, sum.Seen)
}
