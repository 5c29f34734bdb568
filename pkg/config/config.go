// Package config provides configuration structures and loading logic for the
// age prediction service.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// environment variables, then command line flags (applied by the caller).
// Every environment variable is read as AGEPREDICT_<SECTION>_<NAME> first and
// then under its bare name, e.g. AGEPREDICT_SERVER_PORT or PORT.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/polisai/agepredict/pkg/domain"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "AGEPREDICT"

// Config holds the complete service configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Server  ServerConfig  `yaml:"server"`
	Tracing TracingConfig `yaml:"tracing"`
	Predict PredictConfig `yaml:"predict"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServiceConfig identifies the service in traces and logs.
type ServiceConfig struct {
	Name        string `yaml:"name" envconfig:"SERVICE_NAME"`
	Version     string `yaml:"version" envconfig:"SERVICE_VERSION"`
	Namespace   string `yaml:"namespace" envconfig:"SERVICE_NAMESPACE"`
	Environment string `yaml:"environment" envconfig:"APP_ENV"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	// GenerateRequestID stamps a fresh id on requests arriving without one.
	GenerateRequestID bool `yaml:"generate_request_id" envconfig:"GENERATE_REQUEST_ID"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	// URL is the trace collector endpoint. Empty disables OTLP export.
	URL      string `yaml:"url" envconfig:"OTEL_TRACING_URL"`
	Protocol string `yaml:"protocol" envconfig:"TRACING_PROTOCOL"`
	Insecure bool   `yaml:"insecure" envconfig:"TRACING_INSECURE"`

	SampleRatio     float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
	KeepErrorTraces bool    `yaml:"keep_error_traces" envconfig:"KEEP_ERROR_TRACES"`
	ConsoleExporter bool    `yaml:"console_exporter" envconfig:"CONSOLE_EXPORTER"`
	// BaggageRequestID also sends the request id as a W3C baggage member.
	BaggageRequestID bool `yaml:"baggage_request_id" envconfig:"BAGGAGE_REQUEST_ID"`

	BatchTimeout       time.Duration `yaml:"batch_timeout" envconfig:"BATCH_TIMEOUT"`
	ExportTimeout      time.Duration `yaml:"export_timeout" envconfig:"EXPORT_TIMEOUT"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size" envconfig:"MAX_EXPORT_BATCH_SIZE"`
	MaxQueueSize       int           `yaml:"max_queue_size" envconfig:"MAX_QUEUE_SIZE"`
}

// PredictConfig configures the outbound prediction API client.
type PredictConfig struct {
	URL        string        `yaml:"url" envconfig:"PREDICT_URL"`
	Timeout    time.Duration `yaml:"timeout" envconfig:"PREDICT_TIMEOUT"`
	MaxRetries int           `yaml:"max_retries" envconfig:"PREDICT_RETRIES"`
	// BreakerFailures opens the circuit after that many consecutive failed
	// calls. Zero disables the breaker.
	BreakerFailures int           `yaml:"breaker_failures" envconfig:"PREDICT_BREAKER_FAILURES"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown" envconfig:"PREDICT_BREAKER_COOLDOWN"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "otel-age-predict",
			Version:     "1.1.1",
			Namespace:   "my-namespace",
			Environment: "development",
		},
		Server: ServerConfig{
			Port:            5001,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Tracing: TracingConfig{
			URL:                "http://localhost:4318/v1/traces",
			Protocol:           "http/protobuf",
			Insecure:           true,
			SampleRatio:        0.4,
			BatchTimeout:       5 * time.Second,
			ExportTimeout:      10 * time.Second,
			MaxExportBatchSize: 100,
			MaxQueueSize:       2048,
		},
		Predict: PredictConfig{
			URL:             "https://api.agify.io",
			Timeout:         5 * time.Second,
			BreakerCooldown: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads configuration from a file (optional) and applies environment
// variable overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		//nolint:gosec // Config file path is controlled by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate performs validation of the entire configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.Name) == "" {
		return fmt.Errorf("%w: service name is required", domain.ErrConfigInvalid)
	}
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server configuration: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing configuration: %w", err)
	}
	if err := c.Predict.Validate(); err != nil {
		return fmt.Errorf("predict configuration: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging configuration: %w", err)
	}
	return nil
}

// Validate checks the server section.
func (s ServerConfig) Validate() error {
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", domain.ErrConfigInvalid, s.Port)
	}
	if s.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be positive", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate checks the tracing section.
func (t TracingConfig) Validate() error {
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("%w: sample ratio %v must be within [0,1]", domain.ErrConfigInvalid, t.SampleRatio)
	}
	switch strings.ToLower(t.Protocol) {
	case "", "http", "http/protobuf", "grpc", "none":
	default:
		return fmt.Errorf("%w: unsupported tracing protocol %q", domain.ErrConfigInvalid, t.Protocol)
	}
	if t.MaxExportBatchSize < 0 || t.MaxQueueSize < 0 {
		return fmt.Errorf("%w: batch sizes must not be negative", domain.ErrConfigInvalid)
	}
	if t.MaxQueueSize > 0 && t.MaxExportBatchSize > t.MaxQueueSize {
		return fmt.Errorf("%w: max export batch size exceeds queue size", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate checks the predict section.
func (p PredictConfig) Validate() error {
	u, err := url.Parse(p.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: predict url %q is not absolute", domain.ErrConfigInvalid, p.URL)
	}
	if p.Timeout <= 0 {
		return fmt.Errorf("%w: predict timeout must be positive", domain.ErrConfigInvalid)
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("%w: predict retries must not be negative", domain.ErrConfigInvalid)
	}
	if p.BreakerFailures < 0 {
		return fmt.Errorf("%w: breaker failures must not be negative", domain.ErrConfigInvalid)
	}
	return nil
}

// Validate checks the logging section.
func (l LoggingConfig) Validate() error {
	switch strings.ToLower(l.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: unsupported log format %q", domain.ErrConfigInvalid, l.Format)
	}
	return nil
}

// Address returns the listen address for the HTTP server.
func (s ServerConfig) Address() string {
	return fmt.Sprintf(":%d", s.Port)
}
