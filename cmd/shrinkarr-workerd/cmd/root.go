// Package cmd implements the CLI commands for the shrinkarr worker daemon.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shrinkarr/shrinkarr/internal/version"
)

// cfgFile holds the config file path from the --config flag.
var cfgFile string

// rootCmd is the base command when called without subcommands.
var rootCmd = &cobra.Command{
	Use:     "shrinkarr-workerd",
	Short:   "shrinkarr transcoding worker",
	Version: version.Short(),
	Long: `shrinkarr-workerd runs transcode jobs for a shrinkarr coordinator.

It registers with the coordinator, polls for assignments, and for each one
downloads the source, probes it, encodes it to AV1/Opus with ffmpeg at idle
priority, and uploads the result back.`,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., /etc/shrinkarr, $HOME/.shrinkarr)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
}
