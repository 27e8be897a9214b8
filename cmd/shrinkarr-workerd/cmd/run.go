package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shrinkarr/shrinkarr/internal/config"
	"github.com/shrinkarr/shrinkarr/internal/daemon"
	"github.com/shrinkarr/shrinkarr/internal/observability"
	"github.com/shrinkarr/shrinkarr/internal/version"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the worker daemon",
	Long: `Connect to the coordinator and process transcode assignments until
interrupted. On SIGTERM the in-flight encode is stopped gracefully and its
outcome reported before the process exits.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("coordinator-url", "", "Coordinator base URL (e.g. http://nas:8484)")
	runCmd.Flags().String("temp-dir", "", "Directory for downloads and encode output")
	runCmd.Flags().String("display-name", "", "Human-readable worker name shown in the UI")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorker(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyFlags(cmd, cfg)

	if cfg.CoordinatorURL == "" {
		return fmt.Errorf("coordinator_url is required (flag, config file, or SHRINKARR_WORKER_COORDINATOR_URL)")
	}

	applyLogFlags(cmd.Root().PersistentFlags(), &cfg.Logging)
	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	d, err := daemon.New(cfg, version.Version, logger)
	if err != nil {
		return fmt.Errorf("initializing worker: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting shrinkarr worker",
		slog.String("worker_id", string(d.ID())),
		slog.String("coordinator", cfg.CoordinatorURL),
		slog.String("version", version.Version),
	)
	return d.Run(ctx)
}

func applyFlags(cmd *cobra.Command, cfg *config.WorkerConfig) {
	if cmd.Flags().Changed("coordinator-url") {
		cfg.CoordinatorURL, _ = cmd.Flags().GetString("coordinator-url")
	}
	if cmd.Flags().Changed("temp-dir") {
		cfg.TempDir, _ = cmd.Flags().GetString("temp-dir")
	}
	if cmd.Flags().Changed("display-name") {
		cfg.DisplayName, _ = cmd.Flags().GetString("display-name")
	}
}

// applyLogFlags lets explicit CLI flags override config and environment.
func applyLogFlags(flags *pflag.FlagSet, logCfg *config.LoggingConfig) {
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		logCfg.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		logCfg.Format = strings.ToLower(format)
	}
	if logCfg.Level == "warning" {
		logCfg.Level = "warn"
	}
}
