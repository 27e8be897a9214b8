// Package cmd implements the CLI commands for the shrinkarr coordinator.
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
	Use:     "shrinkarr",
	Short:   "Distributed AV1 transcoding coordinator",
	Version: version.Short(),
	Long: `shrinkarr shrinks a media library by re-encoding it to AV1/Opus across a
fleet of worker machines.

The coordinator scans configured library roots, keeps a durable queue of
candidate files, hands out leased assignments to workers, and swaps each
finished encode into place only when it verifies and actually saves space.`,
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
