// Package config loads server settings from defaults, an optional YAML file
// and PLUGINJOBS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"plugin-jobs/internal/repository"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. PLUGINJOBS_HTTP_PORT
const EnvPrefix = "PLUGINJOBS"

// Config holds all configuration values for the server.
type Config struct {
	HTTPPort        int           `mapstructure:"http_port"`
	PluginsDir      string        `mapstructure:"plugins_dir"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`

	Store     StoreConfig     `mapstructure:"store"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Queue     QueueConfig     `mapstructure:"queue"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Log       LogConfig       `mapstructure:"log"`
}

// StoreConfig selects the job store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type WorkerConfig struct {
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	CancelCheckInterval time.Duration `mapstructure:"cancel_check_interval"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`
}

type QueueConfig struct {
	RetentionLimit int `mapstructure:"retention_limit"`
	MaxQueued      int `mapstructure:"max_queued"`
}

// RateLimitConfig bounds submissions per caller. A zero PerMinute disables it.
type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute"`
	Burst     int `mapstructure:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SetDefaults registers the default value of every key on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("plugins_dir", "plugins")
	v.SetDefault("download_timeout", 10*time.Minute)

	v.SetDefault("store.driver", repository.DriverFile)
	v.SetDefault("store.path", "data/jobs.json")

	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.cancel_check_interval", 500*time.Millisecond)
	v.SetDefault("worker.shutdown_grace", 30*time.Second)

	v.SetDefault("queue.retention_limit", 100)
	v.SetDefault("queue.max_queued", 50)

	v.SetDefault("ratelimit.per_minute", 10)
	v.SetDefault("ratelimit.burst", 5)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// New returns a viper instance with defaults and environment overrides wired
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file at path into v, then decodes v. path may be
// empty, in which case only what v already holds (defaults, environment,
// bound flags) is used.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("http_port %d is out of range", c.HTTPPort))
	}
	if c.PluginsDir == "" {
		errs = append(errs, errors.New("plugins_dir is required"))
	}
	if c.Store.Driver != repository.DriverFile && c.Store.Driver != repository.DriverSQLite {
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q", repository.DriverFile, repository.DriverSQLite))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"download_timeout", c.DownloadTimeout},
		{"worker.poll_interval", c.Worker.PollInterval},
		{"worker.cancel_check_interval", c.Worker.CancelCheckInterval},
		{"worker.shutdown_grace", c.Worker.ShutdownGrace},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.key))
		}
	}

	if c.Queue.RetentionLimit <= 0 {
		errs = append(errs, errors.New("queue.retention_limit must be positive"))
	}
	if c.Queue.MaxQueued < 0 {
		errs = append(errs, errors.New("queue.max_queued must not be negative"))
	}
	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("ratelimit values must not be negative"))
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	return errors.Join(errs...)
}
