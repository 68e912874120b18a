// Package config loads service settings from defaults, an optional YAML
// file, DSRFLOW_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/roach88/dsrflow/internal/orchestrator"
	"github.com/roach88/dsrflow/internal/record"
	"github.com/roach88/dsrflow/internal/retry"
)

// EnvPrefix prefixes every environment variable: grace_period is read from
// DSRFLOW_GRACE_PERIOD, retry.activity.max_attempts from
// DSRFLOW_RETRY_ACTIVITY_MAX_ATTEMPTS.
const EnvPrefix = "DSRFLOW"

// Dir is the directory searched for config.yml, under the working directory
// and then under $HOME.
const Dir = ".dsrflow"

// Config holds every setting of the service.
type Config struct {
	DB         string    `mapstructure:"db"`
	ListenAddr string    `mapstructure:"listen_addr"`
	Log        LogConfig `mapstructure:"log"`

	GracePeriod            time.Duration `mapstructure:"grace_period"`
	InstantDeleteIDs       []string      `mapstructure:"instant_delete_ids"`
	DependencyPollInterval time.Duration `mapstructure:"dependency_poll_interval"`
	BackupDestination      string        `mapstructure:"backup_destination"`
	ServiceID              string        `mapstructure:"service_id"`

	SessionLockURL   string `mapstructure:"session_lock_url"`
	SessionLockToken string `mapstructure:"session_lock_token"`
	PlatformURL      string `mapstructure:"platform_url"`
	PlatformToken    string `mapstructure:"platform_token"`

	CustomerIOAPIKey         string `mapstructure:"customerio_api_key"`
	CustomerIODeleteTemplate string `mapstructure:"customerio_delete_template"`

	SweepSchedule          string        `mapstructure:"sweep_schedule"`
	SweepMissingReasonOnly bool          `mapstructure:"sweep_missing_reason_only"`
	FollowInterval         time.Duration `mapstructure:"follow_interval"`
	Workers                int           `mapstructure:"workers"`
	EnabledOperations      []string      `mapstructure:"enabled_operations"`

	Retry RetryConfig `mapstructure:"retry"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RetryConfig holds the two retry policies.
type RetryConfig struct {
	StatusWrite retry.Policy `mapstructure:"status_write"`
	Activity    retry.Policy `mapstructure:"activity"`
}

var defaults = map[string]any{
	"db":          "dsrflow.db",
	"listen_addr": "127.0.0.1:8080",
	"log.level":   "info",
	"log.format":  "text",

	"grace_period":             orchestrator.DefaultGracePeriod,
	"instant_delete_ids":       []string{},
	"dependency_poll_interval": orchestrator.DefaultDependencyPollInterval,
	"backup_destination":       "",
	"service_id":               "dsrflow",

	"session_lock_url":   "",
	"session_lock_token": "",
	"platform_url":       "",
	"platform_token":     "",

	"customerio_api_key":         "",
	"customerio_delete_template": "",

	"sweep_schedule":            "@every 1h",
	"sweep_missing_reason_only": true,
	"follow_interval":           5 * time.Second,
	"workers":                   8,
	"enabled_operations":        []string{},

	"retry.status_write.first_interval": retry.StatusWrite.FirstInterval,
	"retry.status_write.coefficient":    retry.StatusWrite.Coefficient,
	"retry.status_write.max_interval":   retry.StatusWrite.MaxInterval,
	"retry.status_write.max_attempts":   retry.StatusWrite.MaxAttempts,
	"retry.activity.first_interval":     retry.Activity.FirstInterval,
	"retry.activity.coefficient":        retry.Activity.Coefficient,
	"retry.activity.max_interval":       retry.Activity.MaxInterval,
	"retry.activity.max_attempts":       retry.Activity.MaxAttempts,
}

// New returns a viper instance with every default set and environment
// lookup enabled.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile reads file into v. With file empty it looks for config.yml in
// ./.dsrflow and then $HOME/.dsrflow; finding none is not an error.
func ReadFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(Dir)
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, Dir))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// BindFlags binds each flag of fs named in flags to its config key. Flags
// missing from fs are skipped.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet, flags map[string]string) error {
	for name, key := range flags {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Load decodes v and validates the result.
func Load(v *viper.Viper) (Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	for i, id := range c.InstantDeleteIDs {
		c.InstantDeleteIDs[i] = os.ExpandEnv(id)
	}
	c.BackupDestination = os.ExpandEnv(c.BackupDestination)
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Write saves the settings of v to path as YAML. It refuses to overwrite.
func Write(v *viper.Viper, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.DB == "" {
		return errors.New("db is required")
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative, got %s", c.GracePeriod)
	}
	if c.DependencyPollInterval <= 0 {
		return fmt.Errorf("dependency_poll_interval must be positive, got %s", c.DependencyPollInterval)
	}
	if c.FollowInterval <= 0 {
		return fmt.Errorf("follow_interval must be positive, got %s", c.FollowInterval)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.SweepSchedule); err != nil {
			return fmt.Errorf("sweep_schedule: %w", err)
		}
	}
	if _, err := c.Operations(); err != nil {
		return err
	}
	if err := c.Retry.StatusWrite.Validate(); err != nil {
		return fmt.Errorf("retry.status_write: %w", err)
	}
	if err := c.Retry.Activity.Validate(); err != nil {
		return fmt.Errorf("retry.activity: %w", err)
	}
	return nil
}

// Operations parses EnabledOperations. An empty list enables every
// operation and yields nil.
func (c Config) Operations() ([]record.Operation, error) {
	if len(c.EnabledOperations) == 0 {
		return nil, nil
	}
	ops := make([]record.Operation, 0, len(c.EnabledOperations))
	for _, s := range c.EnabledOperations {
		op, err := record.ParseOperation(strings.ToUpper(strings.TrimSpace(s)))
		if err != nil {
			return nil, fmt.Errorf("enabled_operations: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// Orchestrator returns the workflow settings.
func (c Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		GracePeriod:            c.GracePeriod,
		InstantDelete:          c.InstantDeleteIDs,
		DependencyPollInterval: c.DependencyPollInterval,
		BackupDestination:      c.BackupDestination,
		ServiceID:              c.ServiceID,
		StatusWrite:            c.Retry.StatusWrite,
		Activity:               c.Retry.Activity,
	}
}

// NewLogger builds a logger writing to w at the configured level, as JSON or
// logfmt-style text.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
