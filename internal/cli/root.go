// Package cli is the tradesync command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"tradesync/config"
	"tradesync/internal/adapters/logger"
)

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	DBPath   string
	LogLevel string

	cfg *config.Config
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	ro := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "tradesync",
		Short:         "Broker trade reconstruction and journal sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&ro.DBPath, "db", "", "SQLite journal database (overrides DB_PATH)")
	cmd.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "", "Log level: debug|info|warn|error (overrides LOG_LEVEL)")

	cmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if ro.DBPath != "" {
			cfg.DBPath = ro.DBPath
		}
		if ro.LogLevel != "" {
			cfg.LogLevel = logger.ParseLevel(ro.LogLevel)
		}
		ro.cfg = cfg
		return nil
	}

	cmd.AddCommand(
		newServeCmd(ro),
		newSyncCmd(ro),
		newReconstructCmd(ro),
		newStatsCmd(ro),
	)
	return cmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
