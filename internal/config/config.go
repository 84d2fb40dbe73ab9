// Package config loads and validates the reactor's ambient configuration:
// worker lifecycle timing, logging, and the admin/metrics HTTP surface.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordigilh/kreactor/pkg/kreactor"
)

// Config is the root configuration document, loaded from YAML and
// overridable by a handful of environment variables for container
// deployments that prefer env injection over mounted files.
type Config struct {
	Worker  WorkerConfig  `yaml:"worker"`
	Logging LoggingConfig `yaml:"logging"`
	Admin   AdminConfig   `yaml:"admin"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// WorkerConfig mirrors pkg/kreactor.WorkerConfig's fields, in the
// human-edited YAML shape (string durations) rather than time.Duration
// directly.
type WorkerConfig struct {
	IdleTimeout              string `yaml:"idle_timeout"`
	BatchWindow              string `yaml:"batch_window"`
	ExitTimeout              string `yaml:"exit_timeout"`
	WatcherRetryDelay        string `yaml:"watcher_retry_delay"`
	QueueCapacity            int    `yaml:"queue_capacity"`
	BlockingPoolSize         int    `yaml:"blocking_pool_size"`
	DefaultRetryDelay        string `yaml:"default_retry_delay"`
	WaitingKeepaliveInterval string `yaml:"waiting_keepalive_interval"`
	StrictErrors             bool   `yaml:"strict_errors"`

	idleTimeout       time.Duration
	batchWindow       time.Duration
	exitTimeout       time.Duration
	watcherRetryDelay time.Duration
	retryDelay        time.Duration
	keepaliveInterval time.Duration
}

// LoggingConfig configures the zap-backed logger pkg/logging builds.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminConfig configures the admin HTTP surface's listen address.
type AdminConfig struct {
	Address string `yaml:"address"`
}

// MetricsConfig configures the metrics HTTP surface's listen address,
// when served separately from the admin router.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// Load reads path, parses it as YAML, applies environment overrides, and
// validates the result, returning a ready-to-use Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	applyDefaults(config)

	if err := parseDurations(&config.Worker); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validate(config); err != nil {
		return nil, err
	}

	return config, nil
}

func applyDefaults(config *Config) {
	if config.Worker.IdleTimeout == "" {
		config.Worker.IdleTimeout = "10m"
	}
	if config.Worker.BatchWindow == "" {
		config.Worker.BatchWindow = "100ms"
	}
	if config.Worker.ExitTimeout == "" {
		config.Worker.ExitTimeout = "30s"
	}
	if config.Worker.WatcherRetryDelay == "" {
		config.Worker.WatcherRetryDelay = "5s"
	}
	if config.Worker.QueueCapacity == 0 {
		config.Worker.QueueCapacity = 32
	}
	if config.Worker.BlockingPoolSize == 0 {
		config.Worker.BlockingPoolSize = 8
	}
	if config.Worker.DefaultRetryDelay == "" {
		config.Worker.DefaultRetryDelay = "60s"
	}
	if config.Worker.WaitingKeepaliveInterval == "" {
		config.Worker.WaitingKeepaliveInterval = "600s"
	}
	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "json"
	}
	if config.Admin.Address == "" {
		config.Admin.Address = ":8081"
	}
	if config.Metrics.Address == "" {
		config.Metrics.Address = ":8080"
	}
}

func parseDurations(w *WorkerConfig) error {
	var err error
	if w.idleTimeout, err = time.ParseDuration(w.IdleTimeout); err != nil {
		return fmt.Errorf("worker.idle_timeout: %w", err)
	}
	if w.batchWindow, err = time.ParseDuration(w.BatchWindow); err != nil {
		return fmt.Errorf("worker.batch_window: %w", err)
	}
	if w.exitTimeout, err = time.ParseDuration(w.ExitTimeout); err != nil {
		return fmt.Errorf("worker.exit_timeout: %w", err)
	}
	if w.watcherRetryDelay, err = time.ParseDuration(w.WatcherRetryDelay); err != nil {
		return fmt.Errorf("worker.watcher_retry_delay: %w", err)
	}
	if w.retryDelay, err = time.ParseDuration(w.DefaultRetryDelay); err != nil {
		return fmt.Errorf("worker.default_retry_delay: %w", err)
	}
	if w.keepaliveInterval, err = time.ParseDuration(w.WaitingKeepaliveInterval); err != nil {
		return fmt.Errorf("worker.waiting_keepalive_interval: %w", err)
	}
	return nil
}

// IdleTimeout returns the parsed worker idle timeout.
func (w WorkerConfig) IdleTimeoutDuration() time.Duration { return w.idleTimeout }

// BatchWindowDuration returns the parsed worker batch window.
func (w WorkerConfig) BatchWindowDuration() time.Duration { return w.batchWindow }

// ExitTimeoutDuration returns the parsed worker exit timeout.
func (w WorkerConfig) ExitTimeoutDuration() time.Duration { return w.exitTimeout }

// WatcherRetryDelayDuration returns the parsed watcher retry delay.
func (w WorkerConfig) WatcherRetryDelayDuration() time.Duration { return w.watcherRetryDelay }

// DefaultRetryDelayDuration returns the parsed default retry delay.
func (w WorkerConfig) DefaultRetryDelayDuration() time.Duration { return w.retryDelay }

// WaitingKeepaliveIntervalDuration returns the parsed keepalive interval.
func (w WorkerConfig) WaitingKeepaliveIntervalDuration() time.Duration { return w.keepaliveInterval }

// ToWorkerConfig converts the YAML-shaped WorkerConfig into the
// time.Duration-typed kreactor.WorkerConfig the reactor actually consumes.
func (w WorkerConfig) ToWorkerConfig() kreactor.WorkerConfig {
	return kreactor.WorkerConfig{
		WorkerIdleTimeout:        w.idleTimeout,
		WorkerBatchWindow:        w.batchWindow,
		WorkerExitTimeout:        w.exitTimeout,
		WatcherRetryDelay:        w.watcherRetryDelay,
		QueueCapacity:            w.QueueCapacity,
		BlockingPoolSize:         w.BlockingPoolSize,
		DefaultRetryDelay:        w.retryDelay,
		WaitingKeepaliveInterval: w.keepaliveInterval,
		StrictErrors:             w.StrictErrors,
	}
}

func validate(config *Config) error {
	if config.Worker.QueueCapacity <= 0 {
		return fmt.Errorf("worker queue capacity must be greater than 0")
	}
	if config.Worker.BlockingPoolSize <= 0 {
		return fmt.Errorf("worker blocking pool size must be greater than 0")
	}
	switch config.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unsupported logging format %q", config.Logging.Format)
	}
	switch config.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported logging level %q", config.Logging.Level)
	}
	return nil
}

func loadFromEnv(config *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Logging.Format = v
	}
	if v := os.Getenv("ADMIN_ADDRESS"); v != "" {
		config.Admin.Address = v
	}
	if v := os.Getenv("METRICS_ADDRESS"); v != "" {
		config.Metrics.Address = v
	}
	if v := os.Getenv("STRICT_ERRORS"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("STRICT_ERRORS: %w", err)
		}
		config.Worker.StrictErrors = parsed
	}
	return nil
}
