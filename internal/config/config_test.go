package config

import (
	"strings"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.LogLevel != "info" {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if cfg.Daemon.Cwd != "." {
		t.Errorf("Cwd = %q", cfg.Daemon.Cwd)
	}
	if cfg.Daemon.MaxSessions != 4 {
		t.Errorf("MaxSessions = %d", cfg.Daemon.MaxSessions)
	}
	if cfg.Daemon.RunCorpusWindowHours != 24 {
		t.Errorf("RunCorpusWindowHours = %d", cfg.Daemon.RunCorpusWindowHours)
	}
	if cfg.Interceptor.MaxRetries != 2 || cfg.Interceptor.BackoffMs != 100 {
		t.Errorf("Interceptor = %+v", cfg.Interceptor)
	}
	if cfg.Observability.ServiceName != "opta-browser" {
		t.Errorf("ServiceName = %q", cfg.Observability.ServiceName)
	}
}

func TestSetDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := Config{}
	cfg.Daemon.MaxSessions = 8
	cfg.Interceptor.BackoffMs = 250
	cfg.SetDefaults()

	if cfg.Daemon.MaxSessions != 8 {
		t.Errorf("MaxSessions = %d", cfg.Daemon.MaxSessions)
	}
	if cfg.Interceptor.BackoffMs != 250 {
		t.Errorf("BackoffMs = %d", cfg.Interceptor.BackoffMs)
	}
}

func TestSetDevDefaults(t *testing.T) {
	cfg := Config{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if len(cfg.Policy.AllowedHosts) != 1 || cfg.Policy.AllowedHosts[0] != "*" {
		t.Errorf("AllowedHosts = %v", cfg.Policy.AllowedHosts)
	}

	// Not in dev mode: nothing changes.
	strict := Config{}
	strict.SetDefaults()
	strict.SetDevDefaults()
	if len(strict.Policy.AllowedHosts) != 0 {
		t.Errorf("AllowedHosts = %v", strict.Policy.AllowedHosts)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30m", 30 * time.Minute},
		{"24h", 24 * time.Hour},
		{"garbage", 0},
	}
	for _, tt := range tests {
		if got := Duration(tt.in); got != tt.want {
			t.Errorf("Duration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDump(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	out, err := cfg.Dump()
	if err != nil {
		t.Fatalf("Dump: %v", err)
	}
	for _, want := range []string{"daemon:", "max_sessions: 4", "log_level: info"} {
		if !strings.Contains(out, want) {
			t.Errorf("Dump() missing %q:\n%s", want, out)
		}
	}
}
