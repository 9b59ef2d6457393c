// Package cmd provides the CLI commands for opta-browser.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opta-dev/opta-browser/internal/config"
	"github.com/opta-dev/opta-browser/internal/service"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "opta-browser",
	Short: "opta-browser - governed browser automation",
	Long: `opta-browser is a governed browser-automation control plane.

It exposes browser sessions as MCP tools behind a policy engine: every
tool call is classified, risky calls are gated behind approval, failures
are retried by taxonomy, and every session leaves an artifact timeline
under .opta/browser/ in the working directory.

Quick start:
  1. Optionally create a config file: opta-browser.yaml
  2. Run: opta-browser serve

Configuration:
  Config is loaded from opta-browser.yaml in the current directory,
  $HOME/.opta/, or /etc/opta-browser/.

  Environment variables can override config values with the OPTA_BROWSER_
  prefix. Example: OPTA_BROWSER_DAEMON_MAX_SESSIONS=8

Commands:
  serve       Serve the browser tools over MCP stdio
  status      Show daemon health from the working directory
  corpus      Show the latest run-corpus assessment
  approvals   Show recent approval log events
  prune       Apply retention policies once
  config      Show the effective configuration
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./opta-browser.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}

// quietLogger keeps the inspection commands' stdout clean: only
// warnings from the stores reach stderr.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// browserRoot resolves the daemon's state directory from the loaded
// configuration.
func browserRoot() (string, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return "", fmt.Errorf("failed to load config: %w", err)
	}
	return filepath.Join(cfg.Daemon.Cwd, service.BrowserRoot), nil
}
