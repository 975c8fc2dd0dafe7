// Package cmd wires the reprocessor's process entry points: the worker
// (polling loop + executor pool) and serve (observer fan-out) commands,
// following the teacher's spf13/cobra + spf13/viper root command pattern.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"

	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/opsdeck/reprocessor/internal/config"
	"github.com/opsdeck/reprocessor/internal/domain"
	"github.com/opsdeck/reprocessor/internal/events"
	"github.com/opsdeck/reprocessor/internal/log"
	"github.com/opsdeck/reprocessor/internal/pubsub"
	"github.com/opsdeck/reprocessor/internal/store"
	"github.com/opsdeck/reprocessor/internal/tracing"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config

	viper = viperlib.New()
)

var rootCmd = &cobra.Command{
	Use:   "reprocessor",
	Short: "Bulk job-reprocessing orchestration for an Oozie-like external scheduler",
	Long: `reprocessor drives Plans of Tasks through a worker loop that reruns jobs
against an external orchestrator over REST or its CLI, and fans out the
resulting domain events to live observers.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"YAML config file (lower priority than environment variables)")

	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(serveCmd)
}

// initConfig implements §12: environment variables are the primary
// configuration surface, with an optional YAML file as a lower-priority
// layer. viper.AutomaticEnv plus explicit BindEnv calls cover every name
// enumerated in §6.
func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("db_url", defaults.DBURL)
	viper.SetDefault("jwt_expire_minutes", defaults.JWTExpireMinutes)
	viper.SetDefault("redis_channel", defaults.RedisChannel)
	viper.SetDefault("oozie_default_url", defaults.OozieDefaultURL)
	viper.SetDefault("oozie_http_timeout", defaults.OozieHTTPTimeout)
	viper.SetDefault("oozie_bin", defaults.OozieBin)
	viper.SetDefault("worker_poll_seconds", defaults.WorkerPollInterval)
	viper.SetDefault("worker_max_threads", defaults.WorkerMaxThreads)
	viper.SetDefault("task_timeout_seconds", defaults.TaskTimeout)
	viper.SetDefault("max_stdout", defaults.MaxStdout)
	viper.SetDefault("max_stderr", defaults.MaxStderr)
	viper.SetDefault("rest_fallback_to_cli", defaults.RESTFallbackToCLI)
	viper.SetDefault("auto_create_schema", defaults.AutoCreateSchema)
	viper.SetDefault("enforce_secure_defaults", defaults.EnforceSecureDefaults)
	viper.SetDefault("serve_addr", defaults.ServeAddr)
	viper.SetDefault("log_path", defaults.LogPath)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	for _, name := range []string{
		"db_url", "jwt_secret", "jwt_expire_minutes", "redis_url", "redis_channel",
		"oozie_default_url", "oozie_http_timeout", "oozie_bin",
		"worker_poll_seconds", "worker_max_threads", "task_timeout_seconds",
		"max_stdout", "max_stderr", "worker_id", "pre_task_cmd", "pre_task_shell_cmd",
		"rest_fallback_to_cli", "bootstrap_admin_username", "bootstrap_admin_password",
		"auto_create_schema", "enforce_secure_defaults", "serve_addr", "log_path",
	} {
		_ = viper.BindEnv(name)
	}
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to read config file %s: %v\n", cfgFile, err)
		}
	}

	cfg = defaults
	if err := viper.Unmarshal(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to unmarshal config: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
}

// reloadMutableConfig re-reads the YAML config file (if one was given via
// --config) and re-unmarshals it over the current settings, per §12's
// hot-reload contract. Environment variables still take precedence
// through viper's layering, so only file-sourced overrides actually
// change. It validates before committing so a malformed edit never
// replaces a working config.
func reloadMutableConfig() (config.Config, error) {
	if cfgFile == "" {
		return cfg, nil
	}
	if err := viper.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("re-reading config file: %w", err)
	}
	reloaded := cfg
	if err := viper.Unmarshal(&reloaded); err != nil {
		return cfg, fmt.Errorf("unmarshal reloaded config: %w", err)
	}
	if err := config.Validate(reloaded); err != nil {
		return cfg, fmt.Errorf("validating reloaded config: %w", err)
	}
	cfg = reloaded
	return cfg, nil
}

// initLogging opens the configured log file. Callers defer the returned
// cleanup function.
func initLogging() (func(), error) {
	cleanup, err := log.Init(cfg.LogPath)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, "reprocessor starting", "version", version, "log_path", cfg.LogPath)
	return cleanup, nil
}

// bootstrapAdminUser creates the configured admin principal if it does not
// already exist: on first start with AutoCreateSchema and a bootstrap
// username/password set, a single admin user is created with a
// bcrypt-hashed password; subsequent starts are a no-op since the username
// is already taken.
func bootstrapAdminUser(ctx context.Context, st store.Store) error {
	if !cfg.AutoCreateSchema || cfg.BootstrapAdminUsername == "" || cfg.BootstrapAdminPassword == "" {
		return nil
	}

	_, err := st.GetUserByUsername(ctx, cfg.BootstrapAdminUsername)
	if err == nil {
		return nil
	}
	var notFound *store.UserNotFoundError
	if !errors.As(err, &notFound) {
		return fmt.Errorf("checking for bootstrap admin user: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(cfg.BootstrapAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing bootstrap admin password: %w", err)
	}

	user := &domain.User{
		Username: cfg.BootstrapAdminUsername,
		Password: string(hashed),
		Role:     domain.RoleAdmin,
		Active:   true,
	}
	if err := st.CreateUser(ctx, user); err != nil {
		return fmt.Errorf("creating bootstrap admin user: %w", err)
	}
	log.Info(log.CatConfig, "bootstrap admin user created", "username", cfg.BootstrapAdminUsername)
	return nil
}

// newEventBus builds the process-wide event bus: a Redis-backed relay when
// redis_url is set, degrading to a local-broker-only Bus otherwise (§4.7).
func newEventBus() *pubsub.Bus[events.Event] {
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Warn(log.CatConfig, "ignoring invalid redis_url", "error", err.Error())
		} else {
			redisClient = redis.NewClient(opts)
		}
	}
	return pubsub.NewBus[events.Event](redisClient, cfg.RedisChannel)
}

// newTracerFromConfig builds the OpenTelemetry provider from the tracing
// section of Config. instanceID distinguishes this process's spans from
// its siblings in the worker fleet (e.g. the worker ID); pass "" for
// processes where only one instance ever runs.
func newTracerFromConfig(instanceID string) (*tracing.Provider, error) {
	return tracing.NewProvider(tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  cfg.Tracing.ServiceName,
		InstanceID:   instanceID,
	})
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
