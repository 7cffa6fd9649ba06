package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration for stagehand.
type Config struct {
	// Preset selects the base configuration the remaining keys override
	// (default, development, production).
	Preset string `toml:"preset"`

	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `toml:"service_name"`

	// ServiceVersion is the version of the service.
	ServiceVersion string `toml:"service_version"`

	// Environment is the deployment environment identifier the process targets.
	Environment string `toml:"-"`

	// Logging contains logging configuration.
	Logging LoggingConfig `toml:"logging"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `toml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `toml:"metrics"`

	// Events contains event publishing configuration.
	Events EventsConfig `toml:"events"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error, fatal).
	Level string `toml:"level"`

	// Format specifies the log format (console, json).
	Format string `toml:"format"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `toml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `toml:"enable_caller"`

	// TimeFormat specifies the timestamp format (unix, rfc3339, etc.).
	TimeFormat string `toml:"time_format"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `toml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `toml:"exporter"`

	// Endpoint is the exporter endpoint (e.g., "localhost:4317").
	Endpoint string `toml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `toml:"sampling_rate"`

	// MaxExportBatchSize is the maximum batch size for export.
	MaxExportBatchSize int `toml:"max_export_batch_size"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `toml:"export_timeout"`

	// Headers are additional headers for OTLP exporter.
	Headers map[string]string `toml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `toml:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `toml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	// Empty keeps metrics in-process only.
	ListenAddress string `toml:"listen_address"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `toml:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `toml:"namespace"`

	// DefaultHistogramBuckets are the default latency buckets in seconds.
	DefaultHistogramBuckets []float64 `toml:"buckets"`
}

// EventsConfig configures the event publishing system.
type EventsConfig struct {
	// Enabled controls whether event publishing is active.
	Enabled bool `toml:"enabled"`

	// BufferSize is the size of the event buffer.
	BufferSize int `toml:"buffer_size"`

	// EnableAsync delivers events from a background goroutine.
	EnableAsync bool `toml:"async"`

	// MinLevel is the lowest level recorded in the ledger history
	// (info, warning, error).
	MinLevel string `toml:"min_level"`
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "stagehand",
		ServiceVersion: "dev",
		Environment:    "localhost",
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			Output:       "stderr",
			EnableCaller: false,
			TimeFormat:   "rfc3339",
		},
		Tracing: TracingConfig{
			Enabled:            false,
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            make(map[string]string),
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			ListenAddress: "",
			Path:          "/metrics",
			Namespace:     "stagehand",
			DefaultHistogramBuckets: []float64{
				0.01, 0.05, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
			},
		},
		Events: EventsConfig{
			Enabled:     true,
			BufferSize:  1000,
			EnableAsync: true,
			MinLevel:    EventLevelInfo,
		},
	}
}

// Configuration presets.
const (
	PresetDefault     = "default"
	PresetDevelopment = "development"
	PresetProduction  = "production"
)

// PresetConfig returns the named preset. An empty name is the default.
func PresetConfig(name string) (*Config, error) {
	switch name {
	case "", PresetDefault:
		return DefaultConfig(), nil
	case PresetDevelopment:
		return DevelopmentConfig(), nil
	case PresetProduction:
		return ProductionConfig(), nil
	default:
		return nil, fmt.Errorf("unknown telemetry preset %q", name)
	}
}

// ProductionConfig returns a configuration suited to shared environments.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Preset = PresetProduction
	cfg.Logging.Format = "json"
	cfg.Logging.TimeFormat = "unix"
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Insecure = false
	return cfg
}

// DevelopmentConfig returns a verbose configuration for local work.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Preset = PresetDevelopment
	cfg.Logging.Level = "debug"
	cfg.Logging.EnableCaller = true
	return cfg
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if c.ServiceVersion == "" {
		return fmt.Errorf("service version is required")
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	validExporters := map[string]bool{
		"otlp": true, "stdout": true, "none": true,
	}
	if c.Tracing.Enabled && !validExporters[c.Tracing.Exporter] {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	switch c.Events.MinLevel {
	case "", EventLevelInfo, EventLevelWarning, EventLevelError:
	default:
		return fmt.Errorf("invalid event level: %s", c.Events.MinLevel)
	}

	if c.Events.Enabled && c.Events.BufferSize <= 0 {
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	return nil
}
