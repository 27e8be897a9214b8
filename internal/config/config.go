// Package config provides configuration management for shrinkarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shrinkarr/shrinkarr/pkg/workerd/types"
)

// Default configuration values.
const (
	defaultServerPort      = 8484
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultMinSavingsPct   = 5.0
	defaultMaxAttempts     = 3
	defaultEncoderPreset   = 8
	defaultCRF             = 25
	defaultLivenessTimeout = 30 * time.Second
	defaultSweepInterval   = 10 * time.Second
	defaultPinGrace        = 60 * time.Second
	defaultProgressSilence = 5 * time.Minute

	defaultHeartbeatInterval = 10 * time.Second
	defaultPollInterval      = 5 * time.Second
	defaultProbeTimeout      = 30 * time.Second
)

// Config holds all configuration for the coordinator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Library  LibraryConfig  `mapstructure:"library"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	LogLevel string `mapstructure:"log_level"` // silent, error, warn, info
}

// LibraryConfig holds media library configuration.
type LibraryConfig struct {
	// Roots are the directories scanned for video files.
	Roots []string `mapstructure:"roots"`
	// Extensions are the file extensions considered video files.
	Extensions []string `mapstructure:"extensions"`
	// MinFileSize excludes files below this size from scanning.
	// Supports human-readable values like "100MB" or raw byte counts.
	MinFileSize ByteSize `mapstructure:"min_file_size"`
	// ScanSchedule is an optional cron expression for periodic rescans
	// (empty disables scheduled scans; /admin/scan still works).
	ScanSchedule string `mapstructure:"scan_schedule"`
}

// ClusterConfig holds the coordination parameters that govern scheduling,
// retries, and replacement. A versioned subset is distributed to workers
// on registration.
type ClusterConfig struct {
	MinSavingsPct      float64       `mapstructure:"min_savings_pct"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	EncoderPreset      int           `mapstructure:"encoder_preset"`
	SkipAudioTranscode bool          `mapstructure:"skip_audio_transcode"`
	FileOrder          string        `mapstructure:"file_order"` // oldest, newest, largest, smallest
	TestingMode        bool          `mapstructure:"testing_mode"`
	LivenessTimeout    time.Duration `mapstructure:"liveness_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
	PinGrace           time.Duration `mapstructure:"pin_grace"`
	ProgressSilence    time.Duration `mapstructure:"progress_silence"`
}

// Wire returns the versioned subset of the cluster config that workers
// receive on registration.
func (c ClusterConfig) Wire() types.ClusterConfig {
	return types.ClusterConfig{
		MinSavingsPct:      c.MinSavingsPct,
		EncoderPreset:      c.EncoderPreset,
		SkipAudioTranscode: c.SkipAudioTranscode,
		FileOrder:          c.FileOrder,
		MaxAttempts:        c.MaxAttempts,
		LivenessTimeoutS:   int(c.LivenessTimeout / time.Second),
		PinGraceS:          int(c.PinGrace / time.Second),
		TestingMode:        c.TestingMode,
	}
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// WorkerConfig holds configuration for the worker daemon.
type WorkerConfig struct {
	CoordinatorURL    string        `mapstructure:"coordinator_url"`
	DisplayName       string        `mapstructure:"display_name"`
	TempDir           string        `mapstructure:"temp_dir"`
	StateDir          string        `mapstructure:"state_dir"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	FFmpegPath        string        `mapstructure:"ffmpeg_path"`
	FFprobePath       string        `mapstructure:"ffprobe_path"`
	Logging           LoggingConfig `mapstructure:"logging"`
}

// Load reads coordinator configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with SHRINKARR_, using underscores for nesting.
// Example: SHRINKARR_SERVER_PORT=8484.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shrinkarr")
		v.AddConfigPath("$HOME/.shrinkarr")
	}

	v.SetEnvPrefix("SHRINKARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadWorker reads worker daemon configuration. Environment variables use
// the SHRINKARR_WORKER_ prefix, e.g. SHRINKARR_WORKER_COORDINATOR_URL.
func LoadWorker(configPath string) (*WorkerConfig, error) {
	v := viper.New()
	SetWorkerDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("worker")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/shrinkarr")
		v.AddConfigPath("$HOME/.shrinkarr")
	}

	v.SetEnvPrefix("SHRINKARR_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all coordinator options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)

	// Database defaults
	v.SetDefault("database.dsn", "shrinkarr.db")
	v.SetDefault("database.log_level", "warn")

	// Library defaults
	v.SetDefault("library.roots", []string{})
	v.SetDefault("library.extensions", []string{".mkv", ".mp4", ".avi", ".mov", ".m4v", ".ts", ".webm", ".wmv"})
	v.SetDefault("library.min_file_size", 50*1024*1024)
	v.SetDefault("library.scan_schedule", "")

	// Cluster defaults
	v.SetDefault("cluster.min_savings_pct", defaultMinSavingsPct)
	v.SetDefault("cluster.max_attempts", defaultMaxAttempts)
	v.SetDefault("cluster.encoder_preset", defaultEncoderPreset)
	v.SetDefault("cluster.skip_audio_transcode", false)
	v.SetDefault("cluster.file_order", "oldest")
	v.SetDefault("cluster.testing_mode", false)
	v.SetDefault("cluster.liveness_timeout", defaultLivenessTimeout)
	v.SetDefault("cluster.sweep_interval", defaultSweepInterval)
	v.SetDefault("cluster.pin_grace", defaultPinGrace)
	v.SetDefault("cluster.progress_silence", defaultProgressSilence)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// SetWorkerDefaults configures default values for worker daemon options.
func SetWorkerDefaults(v *viper.Viper) {
	v.SetDefault("coordinator_url", "")
	v.SetDefault("display_name", "")
	v.SetDefault("temp_dir", "")
	v.SetDefault("state_dir", "/var/lib/shrinkarr-workerd")
	v.SetDefault("heartbeat_interval", defaultHeartbeatInterval)
	v.SetDefault("poll_interval", defaultPollInterval)
	v.SetDefault("probe_timeout", defaultProbeTimeout)
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffprobe_path", "ffprobe")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)
}

// ValidFileOrders are the accepted cluster.file_order values.
var ValidFileOrders = []string{"oldest", "newest", "largest", "smallest"}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	validOrder := false
	for _, o := range ValidFileOrders {
		if c.Cluster.FileOrder == o {
			validOrder = true
			break
		}
	}
	if !validOrder {
		return fmt.Errorf("cluster.file_order must be one of: %s", strings.Join(ValidFileOrders, ", "))
	}

	if c.Cluster.MinSavingsPct < 0 || c.Cluster.MinSavingsPct >= 100 {
		return fmt.Errorf("cluster.min_savings_pct must be in [0, 100)")
	}
	if c.Cluster.MaxAttempts < 1 {
		return fmt.Errorf("cluster.max_attempts must be at least 1")
	}
	if c.Cluster.LivenessTimeout <= 0 {
		return fmt.Errorf("cluster.liveness_timeout must be positive")
	}
	if c.Cluster.SweepInterval <= 0 {
		return fmt.Errorf("cluster.sweep_interval must be positive")
	}

	return c.Logging.Validate()
}

// Validate checks the worker configuration for errors. CoordinatorURL is not
// checked here because a CLI flag may still supply it after loading.
func (c *WorkerConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	return c.Logging.Validate()
}

// Validate checks logging configuration values.
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
