package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/opta-dev/opta-browser/internal/adapter/inbound/mcpsrv"
	"github.com/opta-dev/opta-browser/internal/adapter/outbound/cdp"
	"github.com/opta-dev/opta-browser/internal/adapter/outbound/celrules"
	"github.com/opta-dev/opta-browser/internal/config"
	"github.com/opta-dev/opta-browser/internal/domain/action"
	"github.com/opta-dev/opta-browser/internal/domain/policy"
	"github.com/opta-dev/opta-browser/internal/domain/retry"
	"github.com/opta-dev/opta-browser/internal/metrics"
	"github.com/opta-dev/opta-browser/internal/observability"
	"github.com/opta-dev/opta-browser/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the browser tools over MCP stdio",
	Long: `Start the runtime daemon and serve the browser tools over MCP stdio.

The daemon owns the .opta/browser/ tree in the configured working
directory: session artifacts and timelines, the crash-safe session
registry, the approval log, and the run-corpus index. Every tool call
flows through the policy engine and the interceptor pipeline before a
browser is touched.

Gated calls require approval. Without an interactive approver on stdio,
gates fail safe to denied; pass --approve-gates to auto-approve them in
trusted environments.

Examples:
  # Serve with config file settings
  opta-browser serve

  # Development mode: open allowlist, debug logging
  opta-browser serve --dev

  # Auto-approve gated calls (trusted, non-interactive use)
  opta-browser serve --approve-gates`,
	RunE: runServe,
}

var (
	devMode      bool
	approveGates bool
	execPath     string
)

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, open allowlist)")
	serveCmd.Flags().BoolVar(&approveGates, "approve-gates", false, "Auto-approve gated calls instead of failing safe to denied")
	serveCmd.Flags().StringVar(&execPath, "browser-path", "", "Browser binary path (default: search standard locations)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first).
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Signal context for graceful shutdown. stop() restores default
	// handling so a second Ctrl+C is an immediate exit.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Logger to stderr: stdout carries the MCP stream.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	return serve(ctx, cfg, logger)
}

// serve wires the daemon, interceptor, and MCP server together and
// blocks until the context is cancelled.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	telemetry, err := observability.Setup(ctx, observability.Options{
		ServiceName: cfg.Observability.ServiceName,
		Traces:      cfg.Observability.Traces,
		Metrics:     cfg.Observability.Metrics,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	stopMetrics := startMetricsListener(cfg.Server.MetricsAddr, registry, logger)
	defer stopMetrics()

	rules, err := celrules.NewEngine(cfg.Rules)
	if err != nil {
		return fmt.Errorf("compile custom rules: %w", err)
	}

	driver := cdp.NewDriver(execPath, logger)
	daemon, err := service.SharedDaemon(ctx, daemonOptions(cfg), driver, m, logger)
	if err != nil {
		return fmt.Errorf("construct daemon: %w", err)
	}
	for category, patterns := range cfg.Retry.Extensions {
		daemon.ExtendRetryTaxonomy(retry.Category(category), patterns...)
	}
	if err := daemon.Start(ctx); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := daemon.Stop(stopCtx, true); err != nil {
			logger.Warn("daemon stop failed", "error", err)
		}
		if err := daemon.Close(); err != nil {
			logger.Warn("daemon close failed", "error", err)
		}
	}()

	interceptor := service.NewInterceptor(service.InterceptorConfig{
		MaxRetries: cfg.Interceptor.MaxRetries,
		BackoffMs:  cfg.Interceptor.BackoffMs,
		Policy: policy.Config{
			RequireApprovalForHighRisk: cfg.Policy.RequireApprovalForHighRisk,
			AllowedHosts:               cfg.Policy.AllowedHosts,
			BlockedOrigins:             cfg.Policy.BlockedOrigins,
			SensitiveActions:           cfg.Policy.SensitiveActions,
			CredentialIsolation:        cfg.Policy.CredentialIsolation,
		},
	}, daemon, rules, service.Hooks{
		OnGate: gateDecider(logger),
	})

	// Sessions opened without an explicit run id are grouped under one
	// id per serve invocation.
	runID := uuid.NewString()
	logger.Info("opta-browser serving",
		"version", Version,
		"run_id", runID,
		"dev_mode", cfg.DevMode,
		"cwd", cfg.Daemon.Cwd,
		"max_sessions", cfg.Daemon.MaxSessions,
		"custom_rules", rules.Len(),
		"run_corpus", cfg.Daemon.RunCorpus,
	)

	srv := mcpsrv.NewServer(runScope{Daemon: daemon, runID: runID}, interceptor, telemetry.Tracer(), logger, Version)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("opta-browser stopped")
	return nil
}

// runScope tags sessions opened without a run id with the serve
// invocation's run id.
type runScope struct {
	*service.Daemon
	runID string
}

func (r runScope) OpenSession(ctx context.Context, input action.Input) *action.Result {
	if input.RunID == "" {
		input.RunID = r.runID
	}
	return r.Daemon.OpenSession(ctx, input)
}

// gateDecider resolves gated calls. Fail-safe: without --approve-gates
// every gate is denied, and the denial lands in the approval log.
func gateDecider(logger *slog.Logger) func(ctx context.Context, tool string, dec policy.Decision) string {
	return func(ctx context.Context, tool string, dec policy.Decision) string {
		if approveGates {
			logger.Warn("gate auto-approved",
				"tool", tool, "risk", dec.Risk, "action_key", dec.ActionKey, "reason", dec.Reason)
			return service.GateDecisionApproved
		}
		logger.Warn("gate denied: no interactive approver",
			"tool", tool, "risk", dec.Risk, "action_key", dec.ActionKey, "reason", dec.Reason)
		return "denied"
	}
}

// daemonOptions maps the validated config onto daemon options.
func daemonOptions(cfg *config.Config) service.DaemonOptions {
	return service.DaemonOptions{
		Cwd:                  cfg.Daemon.Cwd,
		PersistSessions:      cfg.Daemon.PersistSessions,
		PersistProfile:       cfg.Daemon.PersistProfile,
		MaxSessions:          cfg.Daemon.MaxSessions,
		Headless:             cfg.Daemon.Headless,
		ProfileMaxAge:        config.Duration(cfg.Daemon.ProfileMaxAge),
		ProfileMaxCount:      cfg.Daemon.ProfileMaxCount,
		PruneArtifacts:       cfg.Daemon.PruneArtifacts,
		ArtifactMaxAge:       config.Duration(cfg.Daemon.ArtifactMaxAge),
		ArtifactMaxCount:     cfg.Daemon.ArtifactMaxCount,
		ApprovalMaxAge:       config.Duration(cfg.Daemon.ApprovalMaxAge),
		ApprovalMaxEntries:   cfg.Daemon.ApprovalMaxEntries,
		PruneInterval:        config.Duration(cfg.Daemon.PruneInterval),
		RunCorpusEnabled:     cfg.Daemon.RunCorpus,
		RunCorpusWindowHours: cfg.Daemon.RunCorpusWindowHours,
		SnapshotHistoryKeep:  cfg.Daemon.SnapshotHistoryKeep,
	}
}

// startMetricsListener serves the Prometheus endpoint when an address
// is configured. The returned function stops the listener.
func startMetricsListener(addr string, registry *prometheus.Registry, logger *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listener started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics listener failed", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

// parseLogLevel converts a configured log level to slog.Level,
// defaulting to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
