package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shrinkarr/shrinkarr/internal/config"
	"github.com/shrinkarr/shrinkarr/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(config.DatabaseConfig{
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNewAndPing(t *testing.T) {
	db := newTestDB(t)
	assert.NoError(t, db.Ping(context.Background()))
}

func TestMigrate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))

	// Schema version is stamped
	var sv models.SchemaVersion
	require.NoError(t, db.DB.First(&sv).Error)
	assert.Equal(t, models.CurrentSchemaVersion, sv.Version)

	// Idempotent
	require.NoError(t, db.Migrate(ctx))

	// Tables exist and accept rows
	f := &models.FileRecord{
		Path:      "/media/a.mkv",
		Directory: "/media",
		Filename:  "a.mkv",
		SizeBytes: 1000,
		Status:    models.FileStatusPending,
	}
	require.NoError(t, db.DB.Create(f).Error)
	assert.NotZero(t, f.ID)
}

func TestMigrateRefusesNewerSchema(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	require.NoError(t, db.DB.Model(&models.SchemaVersion{}).
		Where("id = ?", 1).
		Update("version", models.CurrentSchemaVersion+1).Error)

	assert.Error(t, db.Migrate(ctx))
}

func TestWALMode(t *testing.T) {
	db := newTestDB(t)

	var mode string
	require.NoError(t, db.DB.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)
}
