package telemetry

import (
	"fmt"
	"time"
)

// Config contains the telemetry configuration of the sequencer.
type Config struct {
	// ServiceName is the name of the service for telemetry identification.
	ServiceName string `yaml:"service_name" validate:"required"`

	// ServiceVersion is the version of the service. Empty means the build
	// version.
	ServiceVersion string `yaml:"service_version"`

	// Environment specifies the deployment environment (dev, staging, prod).
	Environment string `yaml:"environment"`

	// Logging contains logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing contains distributed tracing configuration.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics contains metrics collection configuration.
	Metrics MetricsConfig `yaml:"metrics"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output"`

	// EnableCaller adds file:line caller information to logs.
	EnableCaller bool `yaml:"caller"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector endpoint, such as "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`

	// ExportTimeout is the timeout for trace export.
	ExportTimeout time.Duration `yaml:"export_timeout"`

	// Headers are additional headers for the OTLP exporter.
	Headers map[string]string `yaml:"headers"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`
}

// MetricsConfig configures metrics collection.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint. Metrics
	// are collected but not served when it is empty.
	ListenAddress string `yaml:"listen_address"`

	// Path is the HTTP path for metrics (default: /metrics).
	Path string `yaml:"path"`

	// Namespace is the metrics namespace prefix.
	Namespace string `yaml:"namespace"`

	// Buckets are the execution duration buckets in seconds.
	Buckets []float64 `yaml:"buckets"`
}

// DefaultConfig returns a default telemetry configuration: console logs at
// info level, metrics collected but not served, tracing off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "sequencer",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Enabled:       false,
			Exporter:      "stdout",
			SamplingRate:  1.0,
			ExportTimeout: 30 * time.Second,
			Insecure:      true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "sequencer",
			Buckets: []float64{
				0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300,
			},
		},
	}
}

// Validate checks the settings that the struct tags cannot express.
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required")
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Logging.Format != "" && c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return fmt.Errorf("otlp exporter requires an endpoint")
			}
		case "stdout", "none":
		default:
			return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
		}
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	}

	return nil
}
