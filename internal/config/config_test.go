package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8484, cfg.Server.Port)
	assert.Equal(t, "shrinkarr.db", cfg.Database.DSN)
	assert.Equal(t, 5.0, cfg.Cluster.MinSavingsPct)
	assert.Equal(t, 3, cfg.Cluster.MaxAttempts)
	assert.Equal(t, 8, cfg.Cluster.EncoderPreset)
	assert.Equal(t, "oldest", cfg.Cluster.FileOrder)
	assert.Equal(t, 30*time.Second, cfg.Cluster.LivenessTimeout)
	assert.Equal(t, 10*time.Second, cfg.Cluster.SweepInterval)
	assert.Equal(t, 60*time.Second, cfg.Cluster.PinGrace)
	assert.Equal(t, 5*time.Minute, cfg.Cluster.ProgressSilence)
	assert.False(t, cfg.Cluster.TestingMode)
	assert.Contains(t, cfg.Library.Extensions, ".mkv")
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9000
cluster:
  min_savings_pct: 10
  file_order: largest
  testing_mode: true
library:
  roots:
    - /media/movies
  min_file_size: 100MB
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 10.0, cfg.Cluster.MinSavingsPct)
	assert.Equal(t, "largest", cfg.Cluster.FileOrder)
	assert.True(t, cfg.Cluster.TestingMode)
	assert.Equal(t, []string{"/media/movies"}, cfg.Library.Roots)
	assert.Equal(t, int64(100*1024*1024), cfg.Library.MinFileSize.Bytes())
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SHRINKARR_SERVER_PORT", "7777")
	t.Setenv("SHRINKARR_CLUSTER_FILE_ORDER", "smallest")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.Port)
	assert.Equal(t, "smallest", cfg.Cluster.FileOrder)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		v := viper.New()
		SetDefaults(v)
		var cfg Config
		require.NoError(t, v.Unmarshal(&cfg))
		return &cfg
	}

	t.Run("valid defaults", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("bad port", func(t *testing.T) {
		cfg := base()
		cfg.Server.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing dsn", func(t *testing.T) {
		cfg := base()
		cfg.Database.DSN = ""
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad file order", func(t *testing.T) {
		cfg := base()
		cfg.Cluster.FileOrder = "random"
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad savings pct", func(t *testing.T) {
		cfg := base()
		cfg.Cluster.MinSavingsPct = 100
		assert.Error(t, cfg.Validate())
	})

	t.Run("bad log level", func(t *testing.T) {
		cfg := base()
		cfg.Logging.Level = "verbose"
		assert.Error(t, cfg.Validate())
	})
}

func TestWorkerConfigValidate(t *testing.T) {
	v := viper.New()
	SetWorkerDefaults(v)
	var cfg WorkerConfig
	require.NoError(t, v.Unmarshal(&cfg))

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)

	cfg.HeartbeatInterval = 0
	assert.Error(t, cfg.Validate())
}

func TestClusterConfigWire(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	wire := cfg.Cluster.Wire()
	assert.Equal(t, 5.0, wire.MinSavingsPct)
	assert.Equal(t, 3, wire.MaxAttempts)
	assert.Equal(t, 30, wire.LivenessTimeoutS)
	assert.Equal(t, 60, wire.PinGraceS)
	assert.Equal(t, "oldest", wire.FileOrder)
	assert.NotEmpty(t, wire.Digest())
}

func TestServerAddress(t *testing.T) {
	sc := ServerConfig{Host: "127.0.0.1", Port: 8484}
	assert.Equal(t, "127.0.0.1:8484", sc.Address())
}
