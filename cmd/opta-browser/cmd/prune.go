package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/cdp"
	"github.com/opta-dev/opta-browser/internal/config"
	"github.com/opta-dev/opta-browser/internal/metrics"
	"github.com/opta-dev/opta-browser/internal/service"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply retention policies once",
	Long: `Apply the configured retention policies to profiles, session
artifact directories, and the approval log, then exit. The same pruning
runs periodically inside a serving daemon; this command runs it once for
directories no daemon is currently serving.

Retention is controlled by daemon.profile_max_age, daemon.artifact_max_age,
daemon.approval_max_age and their count counterparts.

Examples:
  # Prune the configured working directory
  opta-browser prune`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	// The daemon is never started: Prune only touches the on-disk
	// stores, so the driver stays idle.
	daemon, err := service.NewDaemon(daemonOptions(cfg), cdp.NewDriver("", logger), metrics.NewNop(), logger)
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}
	defer daemon.Close()

	if err := daemon.Prune(); err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	fmt.Println("Retention policies applied.")
	return nil
}
