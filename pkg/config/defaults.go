package config

import (
	"strings"
	"time"

	"github.com/baremetal-lab/inspector/pkg/executor"
	"github.com/baremetal-lab/inspector/pkg/inspection/hooks"
	"github.com/baremetal-lab/inspector/pkg/inspection/store"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyShutdownTimeoutDefaults(cfg)
	cfg.Database.ApplyDefaults()
	applyRegistryDefaults(cfg)
	applyProcessingDefaults(&cfg.Processing)
	applyHooksDefaults(&cfg.Hooks)
	applyExecutorDefaults(cfg)
	cfg.API.ApplyDefaults()
	applyMetricsDefaults(&cfg.Metrics)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyShutdownTimeoutDefaults sets shutdown timeout defaults.
func applyShutdownTimeoutDefaults(cfg *Config) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyRegistryDefaults sets registry API connection defaults.
func applyRegistryDefaults(cfg *Config) {
	if cfg.Registry.Endpoint == "" {
		cfg.Registry.Endpoint = "http://localhost:6385"
	}
	cfg.Registry.ApplyDefaults()
}

// applyProcessingDefaults sets pipeline and clean-up loop defaults.
func applyProcessingDefaults(cfg *ProcessingConfig) {
	cfg.Config.ApplyDefaults()

	if cfg.Timeout == 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.NodeStatusKeepTime == 0 {
		cfg.NodeStatusKeepTime = 7 * 24 * time.Hour
	}
	if cfg.CleanUpPeriod == 0 {
		cfg.CleanUpPeriod = time.Minute
	}
}

// applyHooksDefaults sets hook selection defaults.
func applyHooksDefaults(cfg *HooksConfig) {
	cfg.Config.ApplyDefaults()

	if len(cfg.Names) == 0 {
		cfg.Names = append([]string(nil), hooks.DefaultNames...)
	}
}

// applyExecutorDefaults sets worker pool defaults.
func applyExecutorDefaults(cfg *Config) {
	defaults := executor.DefaultConfig()
	if cfg.Executor.QueueSize == 0 {
		cfg.Executor.QueueSize = defaults.QueueSize
	}
	if cfg.Executor.Workers == 0 {
		cfg.Executor.Workers = defaults.Workers
	}
}

// applyMetricsDefaults sets metrics defaults.
func applyMetricsDefaults(cfg *MetricsConfig) {
	// Enabled defaults to false (opt-in for metrics)
	// Port defaults to 9090 if metrics are enabled
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	cfg := &Config{
		Logging: LoggingConfig{},
		Database: store.Config{
			Type: store.DatabaseTypeSQLite, // Default to SQLite for single-node
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
