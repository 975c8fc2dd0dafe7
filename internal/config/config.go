// Package config provides configuration types and defaults for the
// reprocessing manager's worker and serve processes.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all configuration for a worker or serve process. It is
// populated primarily from environment variables (see Defaults and the
// viper wiring in cmd/root.go) with an optional YAML file as a
// lower-priority override layer.
type Config struct {
	// DBURL is the persistence connection string. MySQL URLs must
	// request utf8mb4; sqlite URLs point at a local file.
	DBURL string `mapstructure:"db_url"`

	JWTSecret        string `mapstructure:"jwt_secret"`
	JWTExpireMinutes int    `mapstructure:"jwt_expire_minutes"`

	RedisURL     string `mapstructure:"redis_url"`
	RedisChannel string `mapstructure:"redis_channel"`

	OozieDefaultURL  string        `mapstructure:"oozie_default_url"`
	OozieHTTPTimeout time.Duration `mapstructure:"oozie_http_timeout"`
	OozieBin         string        `mapstructure:"oozie_bin"`

	WorkerPollInterval time.Duration `mapstructure:"worker_poll_seconds"`
	WorkerMaxThreads   int           `mapstructure:"worker_max_threads"`
	TaskTimeout        time.Duration `mapstructure:"task_timeout_seconds"`
	MaxStdout          int           `mapstructure:"max_stdout"`
	MaxStderr          int           `mapstructure:"max_stderr"`
	WorkerID           string        `mapstructure:"worker_id"`

	PreTaskCmd      []string `mapstructure:"pre_task_cmd"`
	PreTaskShellCmd string   `mapstructure:"pre_task_shell_cmd"`

	RESTFallbackToCLI bool `mapstructure:"rest_fallback_to_cli"`

	BootstrapAdminUsername string `mapstructure:"bootstrap_admin_username"`
	BootstrapAdminPassword string `mapstructure:"bootstrap_admin_password"`
	AutoCreateSchema        bool  `mapstructure:"auto_create_schema"`
	EnforceSecureDefaults   bool  `mapstructure:"enforce_secure_defaults"`

	Tracing TracingConfig `mapstructure:"tracing"`

	// ServeAddr is the listen address for the observer-facing HTTP surface
	// (health check + websocket fan-out only, see cmd/serve.go).
	ServeAddr string `mapstructure:"serve_addr"`

	// LogPath is the file structured log entries are appended to.
	LogPath string `mapstructure:"log_path"`
}

// TracingConfig holds distributed tracing configuration, mirrored from
// internal/tracing.Config so it can be populated by the same viper
// unmarshal pass as the rest of Config.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
	ServiceName  string  `mapstructure:"service_name"`
}

// Defaults returns a Config with the defaults named in the external
// interfaces section: 3s poll interval, 32 executor slots, 1800s task
// timeout, 50000 byte output caps, REST-fallback-to-CLI enabled.
func Defaults() Config {
	return Config{
		DBURL:              "sqlite:///reprocessor.db",
		JWTExpireMinutes:   30,
		RedisChannel:       "oozie_reprocess_events",
		OozieDefaultURL:    "",
		OozieHTTPTimeout:   30 * time.Second,
		OozieBin:           "oozie",
		WorkerPollInterval: 3 * time.Second,
		WorkerMaxThreads:   32,
		TaskTimeout:        1800 * time.Second,
		MaxStdout:          50000,
		MaxStderr:          50000,
		RESTFallbackToCLI:  true,
		AutoCreateSchema:   true,
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "reprocessor-worker",
		},
		ServeAddr: "localhost:8088",
		LogPath:   "reprocessor.log",
	}
}

// Validate checks configuration invariants that aren't enforceable by
// flag/env parsing alone.
func Validate(cfg Config) error {
	if cfg.JWTExpireMinutes > 0 && cfg.JWTExpireMinutes < 5 {
		return fmt.Errorf("jwt_expire_minutes must be >= 5, got %d", cfg.JWTExpireMinutes)
	}
	if cfg.WorkerMaxThreads < 1 {
		return fmt.Errorf("worker_max_threads must be >= 1, got %d", cfg.WorkerMaxThreads)
	}
	if cfg.MaxStdout < 0 || cfg.MaxStderr < 0 {
		return fmt.Errorf("max_stdout/max_stderr must be >= 0")
	}
	if strings.HasPrefix(cfg.DBURL, "mysql://") && !strings.Contains(cfg.DBURL, "charset=utf8mb4") {
		return fmt.Errorf("mysql db_url must include charset=utf8mb4, got %q", cfg.DBURL)
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors.
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}
	return nil
}
