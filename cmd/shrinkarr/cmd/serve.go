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
	"github.com/shrinkarr/shrinkarr/internal/database"
	"github.com/shrinkarr/shrinkarr/internal/events"
	internalhttp "github.com/shrinkarr/shrinkarr/internal/http"
	"github.com/shrinkarr/shrinkarr/internal/http/handlers"
	"github.com/shrinkarr/shrinkarr/internal/lifecycle"
	"github.com/shrinkarr/shrinkarr/internal/observability"
	"github.com/shrinkarr/shrinkarr/internal/registry"
	"github.com/shrinkarr/shrinkarr/internal/repository"
	"github.com/shrinkarr/shrinkarr/internal/replace"
	"github.com/shrinkarr/shrinkarr/internal/scanner"
	"github.com/shrinkarr/shrinkarr/internal/scheduler"
	"github.com/shrinkarr/shrinkarr/internal/transfer"
	"github.com/shrinkarr/shrinkarr/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the shrinkarr coordinator",
	Long: `Start the coordinator: the durable queue, the scheduler, the worker
registry, and the HTTP API workers and the UI talk to.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	applyLogFlags(cmd.Root().PersistentFlags(), &cfg.Logging)

	logger := observability.NewLogger(cfg.Logging)
	observability.SetDefault(logger)

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(cmd.Context()); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	repo := repository.NewFileRepository(db.DB)
	stats := repository.NewStatsRepository(db.DB)

	bus := events.NewBus(logger)
	reg := registry.New(cfg.Cluster.Wire(), cfg.Cluster.LivenessTimeout, logger)
	sched := scheduler.New(repo, reg, repository.FileOrder(cfg.Cluster.FileOrder), cfg.Cluster.PinGrace, logger)

	hashes := transfer.NewHashCache()
	uploads := transfer.NewUploadManager(logger)
	replacer := replace.NewReplacer(cfg.Cluster.MinSavingsPct, cfg.Cluster.TestingMode, logger)

	manager := lifecycle.NewManager(repo, stats, reg, sched, bus, hashes, uploads, replacer,
		cfg.Cluster.MaxAttempts, logger)

	sweeper := registry.NewSweeper(reg, repo, bus,
		cfg.Cluster.SweepInterval, cfg.Cluster.ProgressSilence, cfg.Cluster.MaxAttempts, logger)
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("starting sweeper: %w", err)
	}
	defer sweeper.Stop()

	scan := scanner.New(cfg.Library, repo, bus, logger)
	if err := scan.Start(); err != nil {
		return fmt.Errorf("starting scanner: %w", err)
	}
	defer scan.Stop()

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, logger, version.Version)

	deps := handlers.Deps{
		Lifecycle: manager,
		Repo:      repo,
		Stats:     stats,
		Registry:  reg,
		Bus:       bus,
		Hashes:    hashes,
		Uploads:   uploads,
		Scanner:   scan,
		Order:     repository.FileOrder(cfg.Cluster.FileOrder),
		Version:   version.Version,
		Logger:    logger,
	}
	handlers.Register(server.API(), server.Router(), deps)
	bus.SetSnapshotProvider(handlers.NewStatusHandler(deps).SnapshotProvider())

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	// Kick off an initial scan so a fresh install starts filling the queue
	// without waiting for the schedule or an operator
	go func() {
		if sum, err := scan.Scan(ctx); err != nil {
			logger.Warn("initial library scan failed", slog.String("error", err.Error()))
		} else {
			logger.Info("initial library scan finished",
				slog.Int("seen", sum.Seen),
				slog.Int("created", sum.Created),
				slog.Int("requeued", sum.Requeued),
			)
		}
	}()

	logger.Info("starting shrinkarr coordinator",
		slog.String("host", cfg.Server.Host),
		slog.Int("port", cfg.Server.Port),
		slog.String("version", version.Version),
	)
	return server.ListenAndServe(ctx)
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
