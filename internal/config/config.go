// Package config handles CLI configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/pktt/internal/log"
)

// Config is the top-level configuration of the pktt command.
type Config struct {
	Log     log.Config    `mapstructure:"log"`
	Trace   TraceConfig   `mapstructure:"trace"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ─── Trace ───

// TraceConfig controls how capture files are read and printed.
type TraceConfig struct {
	Live         bool          `mapstructure:"live"`          // Follow a file that is still being written
	LiveTimeout  time.Duration `mapstructure:"live_timeout"`  // Give up after this long without new data
	PollInterval time.Duration `mapstructure:"poll_interval"` // Wait between reads at the end of a live file
	Verbosity    int           `mapstructure:"verbosity"`     // 0 one line per packet, 1 one line per layer, 2 every field
	BPF          string        `mapstructure:"bpf"`           // Filter program as printed by tcpdump -ddd
}

// Output verbosity levels.
const (
	VerbositySummary = 0
	VerbosityLayers  = 1
	VerbosityFields  = 2
)

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Loading ───

// Load reads the configuration file at path. An empty path yields the
// defaults. Environment variables override file values with the PKTT_
// prefix, e.g. PKTT_LOG_LEVEL or PKTT_TRACE_LIVE.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("PKTT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pattern", log.DefaultPattern)
	v.SetDefault("log.time", log.DefaultTime)
	v.SetDefault("log.caller", false)
	v.SetDefault("log.appenders", []map[string]interface{}{{"type": "console"}})

	// Trace defaults
	v.SetDefault("trace.live", false)
	v.SetDefault("trace.live_timeout", "30s")
	v.SetDefault("trace.poll_interval", "1s")
	v.SetDefault("trace.verbosity", VerbositySummary)
	v.SetDefault("trace.bpf", "")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9091")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration for values the command cannot use.
func (cfg *Config) Validate() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	for i, a := range cfg.Log.Appenders {
		if a.Type != "console" && a.Type != "file" {
			return fmt.Errorf("log.appenders[%d]: invalid type %q (must be console/file)", i, a.Type)
		}
	}

	// ── Trace validation ──
	if cfg.Trace.LiveTimeout <= 0 {
		return fmt.Errorf("trace.live_timeout must be positive, got %s", cfg.Trace.LiveTimeout)
	}
	if cfg.Trace.PollInterval <= 0 {
		return fmt.Errorf("trace.poll_interval must be positive, got %s", cfg.Trace.PollInterval)
	}
	if cfg.Trace.PollInterval > cfg.Trace.LiveTimeout {
		return fmt.Errorf("trace.poll_interval %s exceeds trace.live_timeout %s", cfg.Trace.PollInterval, cfg.Trace.LiveTimeout)
	}
	if cfg.Trace.Verbosity < VerbositySummary || cfg.Trace.Verbosity > VerbosityFields {
		return fmt.Errorf("invalid trace.verbosity: %d (must be 0-2)", cfg.Trace.Verbosity)
	}

	// ── Metrics validation ──
	if cfg.Metrics.Enabled {
		if cfg.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			return fmt.Errorf("invalid metrics.path: %q (must start with /)", cfg.Metrics.Path)
		}
	}
	return nil
}
