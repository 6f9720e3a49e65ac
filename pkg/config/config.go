// Package config loads and validates the engine configuration from YAML.
// A file watcher supports hot reload of safe-to-change settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/loomctl/loom/pkg/telemetry"
)

// Config is the root engine configuration.
type Config struct {
	// Store configures execution state persistence.
	Store StoreConfig `yaml:"store"`

	// Engine configures scheduling behavior.
	Engine EngineConfig `yaml:"engine"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures OpenTelemetry tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// RegistryPath is an optional registry dump loaded at startup.
	RegistryPath string `yaml:"registry_path"`
}

// StoreConfig selects and configures the execution store.
type StoreConfig struct {
	// Driver selects the store backend.
	Driver string `yaml:"driver" validate:"oneof=sqlite memory"`

	// Path is the SQLite database file path.
	Path string `yaml:"path" validate:"required_if=Driver sqlite"`
}

// EngineConfig configures the scheduler.
type EngineConfig struct {
	// MaxParallel is the default per-execution parallelism bound for
	// workflows that do not declare their own. Zero means unbounded.
	MaxParallel int `yaml:"max_parallel" validate:"min=0"`

	// ConditionPollInterval is how often conditional schedules are
	// re-evaluated.
	ConditionPollInterval time.Duration `yaml:"condition_poll_interval" validate:"min=0"`

	// ShutdownTimeout bounds the graceful drain at shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"min=0"`

	// Recover controls whether interrupted executions are resumed at
	// startup.
	Recover bool `yaml:"recover"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
	Output string `yaml:"output"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`
	Path          string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"min=0,max=1"`
	Insecure     bool    `yaml:"insecure"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "loom.db",
		},
		Engine: EngineConfig{
			MaxParallel:           0,
			ConditionPollInterval: 30 * time.Second,
			ShutdownTimeout:       30 * time.Second,
			Recover:               true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			SamplingRate: 1.0,
			Insecure:     true,
		},
	}
}

// Load reads a YAML configuration file, layered over defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Telemetry converts the configuration to the telemetry package's form.
func (c *Config) Telemetry(serviceVersion string) *telemetry.Config {
	return &telemetry.Config{
		ServiceName:    "loom",
		ServiceVersion: serviceVersion,
		Environment:    "production",
		Logging: telemetry.LoggingConfig{
			Level:  c.Log.Level,
			Format: c.Log.Format,
			Output: c.Log.Output,
		},
		Tracing: telemetry.TracingConfig{
			Enabled:       c.Tracing.Enabled,
			Exporter:      c.Tracing.Exporter,
			Endpoint:      c.Tracing.Endpoint,
			SamplingRate:  c.Tracing.SamplingRate,
			ExportTimeout: 30 * time.Second,
			Insecure:      c.Tracing.Insecure,
		},
		Metrics: telemetry.MetricsConfig{
			Enabled:       c.Metrics.Enabled,
			ListenAddress: c.Metrics.ListenAddress,
			Path:          c.Metrics.Path,
			Namespace:     "loom",
		},
	}
}
