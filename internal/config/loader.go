package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, it searches standard
// locations for opta-browser.yaml/.yml. The search requires an explicit
// YAML extension so Viper never matches the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("opta-browser")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: OPTA_BROWSER_DAEMON_MAX_SESSIONS
	viper.SetEnvPrefix("OPTA_BROWSER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an opta-browser config
// file with an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".opta"),
	}
	paths = append(paths, "/etc/opta-browser")
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "opta-browser"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable
// support. Arrays (allowed_hosts, rules) stay file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.metrics_addr")

	_ = viper.BindEnv("daemon.cwd")
	_ = viper.BindEnv("daemon.persist_sessions")
	_ = viper.BindEnv("daemon.persist_profile")
	_ = viper.BindEnv("daemon.max_sessions")
	_ = viper.BindEnv("daemon.headless")
	_ = viper.BindEnv("daemon.prune_interval")
	_ = viper.BindEnv("daemon.run_corpus")
	_ = viper.BindEnv("daemon.run_corpus_window_hours")

	_ = viper.BindEnv("policy.require_approval_for_high_risk")
	_ = viper.BindEnv("policy.credential_isolation")

	_ = viper.BindEnv("interceptor.max_retries")
	_ = viper.BindEnv("interceptor.backoff_ms")

	_ = viper.BindEnv("observability.traces")
	_ = viper.BindEnv("observability.metrics")
	_ = viper.BindEnv("observability.service_name")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment
// overrides and defaults, and validates. Callers that override DevMode
// from CLI flags should use LoadConfigRaw instead, then apply
// SetDevDefaults and Validate themselves.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults but
// does not apply dev defaults or validate.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or
// empty when running on env vars only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
