// Package config provides the file-based configuration schema for the
// opta-browser control plane: daemon options, policy rules, interceptor
// tuning, retry-taxonomy extensions, and custom CEL rules.
package config

import (
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opta-dev/opta-browser/internal/adapter/outbound/celrules"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures logging and the metrics listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Daemon configures the runtime daemon.
	Daemon DaemonConfig `yaml:"daemon" mapstructure:"daemon"`

	// Policy defines the browser policy rule set.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Interceptor tunes the per-tool-call pipeline.
	Interceptor InterceptorConfig `yaml:"interceptor" mapstructure:"interceptor"`

	// Retry extends the built-in retry taxonomy with extra message
	// patterns per category. Driver error strings drift between
	// releases; extensions avoid a rebuild.
	Retry RetryConfig `yaml:"retry" mapstructure:"retry"`

	// Rules are operator-supplied CEL rules evaluated after the static
	// policy engine. Rules can only tighten a decision.
	Rules []celrules.Rule `yaml:"rules" mapstructure:"rules" validate:"omitempty,dive"`

	// Observability configures tracing and metrics export.
	Observability ObservabilityConfig `yaml:"observability" mapstructure:"observability"`

	// DevMode enables development defaults (debug logging, open
	// allowlist).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures logging and the metrics endpoint.
type ServerConfig struct {
	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info". DevMode overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// MetricsAddr is the Prometheus listener address. Empty disables
	// the endpoint.
	MetricsAddr string `yaml:"metrics_addr" mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
}

// DaemonConfig configures the runtime daemon. Durations are strings
// ("30m", "24h") parsed at construction.
type DaemonConfig struct {
	// Cwd is the working directory owning the .opta/browser tree.
	// Defaults to ".".
	Cwd string `yaml:"cwd" mapstructure:"cwd"`

	// PersistSessions enables the crash-safe session registry.
	PersistSessions bool `yaml:"persist_sessions" mapstructure:"persist_sessions"`

	// PersistProfile enables profile retention pruning.
	PersistProfile bool `yaml:"persist_profile" mapstructure:"persist_profile"`

	// MaxSessions caps active plus pending sessions. Defaults to 4.
	MaxSessions int `yaml:"max_sessions" mapstructure:"max_sessions" validate:"omitempty,min=1"`

	// Headless launches isolated sessions headless by default.
	Headless bool `yaml:"headless" mapstructure:"headless"`

	// ProfileMaxAge prunes profiles older than this (e.g. "168h").
	ProfileMaxAge string `yaml:"profile_max_age" mapstructure:"profile_max_age" validate:"omitempty,duration"`

	// ProfileMaxCount keeps at most this many profiles.
	ProfileMaxCount int `yaml:"profile_max_count" mapstructure:"profile_max_count" validate:"omitempty,min=1"`

	// PruneArtifacts enables session artifact retention pruning.
	PruneArtifacts bool `yaml:"prune_artifacts" mapstructure:"prune_artifacts"`

	// ArtifactMaxAge prunes session directories older than this.
	ArtifactMaxAge string `yaml:"artifact_max_age" mapstructure:"artifact_max_age" validate:"omitempty,duration"`

	// ArtifactMaxCount keeps at most this many session directories.
	ArtifactMaxCount int `yaml:"artifact_max_count" mapstructure:"artifact_max_count" validate:"omitempty,min=1"`

	// ApprovalMaxAge prunes approval events older than this.
	ApprovalMaxAge string `yaml:"approval_max_age" mapstructure:"approval_max_age" validate:"omitempty,duration"`

	// ApprovalMaxEntries truncates the approval log to the newest N.
	ApprovalMaxEntries int `yaml:"approval_max_entries" mapstructure:"approval_max_entries" validate:"omitempty,min=1"`

	// PruneInterval schedules periodic pruning and corpus refresh
	// (e.g. "30m"). Empty disables the timer.
	PruneInterval string `yaml:"prune_interval" mapstructure:"prune_interval" validate:"omitempty,duration"`

	// RunCorpus enables the run-corpus refresh and adaptation hints.
	RunCorpus bool `yaml:"run_corpus" mapstructure:"run_corpus"`

	// RunCorpusWindowHours bounds the corpus scan window. Defaults to 24.
	RunCorpusWindowHours int `yaml:"run_corpus_window_hours" mapstructure:"run_corpus_window_hours" validate:"omitempty,min=1"`

	// SnapshotHistoryKeep bounds slugged snapshot history files.
	// Defaults to 20.
	SnapshotHistoryKeep int `yaml:"snapshot_history_keep" mapstructure:"snapshot_history_keep" validate:"omitempty,min=1"`
}

// PolicyConfig is the browser policy rule set.
type PolicyConfig struct {
	// RequireApprovalForHighRisk gates high-risk calls behind approval.
	RequireApprovalForHighRisk bool `yaml:"require_approval_for_high_risk" mapstructure:"require_approval_for_high_risk"`

	// AllowedHosts lists host patterns permitted as targets. "*" means
	// unrestricted; an empty list means closed.
	AllowedHosts []string `yaml:"allowed_hosts" mapstructure:"allowed_hosts"`

	// BlockedOrigins lists origin or host patterns that are always denied.
	BlockedOrigins []string `yaml:"blocked_origins" mapstructure:"blocked_origins"`

	// SensitiveActions names the action keys escalated to high risk.
	// Defaults to {auth_submit, post, checkout, delete} when empty.
	SensitiveActions []string `yaml:"sensitive_actions" mapstructure:"sensitive_actions"`

	// CredentialIsolation denies cross-origin moves while the current
	// page holds credentials.
	CredentialIsolation bool `yaml:"credential_isolation" mapstructure:"credential_isolation"`
}

// InterceptorConfig tunes the per-tool-call pipeline.
type InterceptorConfig struct {
	// MaxRetries is the number of additional attempts after the first.
	// Defaults to 2.
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" validate:"omitempty,min=0,max=10"`

	// BackoffMs is the linear backoff base in milliseconds. Defaults
	// to 100.
	BackoffMs int `yaml:"backoff_ms" mapstructure:"backoff_ms" validate:"omitempty,min=1"`
}

// RetryConfig extends the retry taxonomy. Keys are category names
// (selector, timeout, network, transient, invalid-input); values are
// extra lowercase message substrings for that category.
type RetryConfig struct {
	// Extensions maps a taxonomy category to extra message patterns.
	Extensions map[string][]string `yaml:"extensions" mapstructure:"extensions"`
}

// ObservabilityConfig configures tracing and metrics export.
type ObservabilityConfig struct {
	// Traces enables the stdout trace exporter.
	Traces bool `yaml:"traces" mapstructure:"traces"`

	// Metrics enables the stdout metric exporter.
	Metrics bool `yaml:"metrics" mapstructure:"metrics"`

	// ServiceName overrides the reported service name.
	ServiceName string `yaml:"service_name" mapstructure:"service_name"`
}

// SetDefaults applies sensible default values.
func (c *Config) SetDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Daemon.Cwd == "" {
		c.Daemon.Cwd = "."
	}
	if c.Daemon.MaxSessions == 0 {
		c.Daemon.MaxSessions = 4
	}
	if c.Daemon.RunCorpusWindowHours == 0 {
		c.Daemon.RunCorpusWindowHours = 24
	}
	if c.Daemon.SnapshotHistoryKeep == 0 {
		c.Daemon.SnapshotHistoryKeep = 20
	}
	if c.Interceptor.MaxRetries == 0 {
		c.Interceptor.MaxRetries = 2
	}
	if c.Interceptor.BackoffMs == 0 {
		c.Interceptor.BackoffMs = 100
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "opta-browser"
	}
}

// SetDevDefaults applies permissive defaults for development mode,
// before validation: debug logging and an open allowlist when none is
// configured.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if len(c.Policy.AllowedHosts) == 0 {
		c.Policy.AllowedHosts = []string{"*"}
	}
}

// Duration parses one of the string duration fields, returning zero for
// empty. Validation guarantees parseability for non-empty values.
func Duration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// Dump renders the configuration as YAML, for `config show`.
func (c *Config) Dump() (string, error) {
	out, err := yaml.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
