// Package main is the entry point for the agepredict binary.
// It serves the traced age prediction API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/polisai/agepredict/pkg/config"
	"github.com/polisai/agepredict/pkg/logging"
	"github.com/polisai/agepredict/pkg/predict"
	"github.com/polisai/agepredict/pkg/server"
	"github.com/polisai/agepredict/pkg/telemetry"
)

// CLIConfig holds the parsed CLI configuration. Zero values mean the flag
// was not given and the file or environment value stands.
type CLIConfig struct {
	Config      string
	Port        int
	LogLevel    string
	Environment string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for agepredict
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agepredict",
		Short: "Traced name-to-age prediction service",
		Long: `An HTTP service that predicts a person's age from their name using a
third-party API. Every request is traced end to end; the x-request-id header
is propagated to all spans, to the upstream call and to the logs.

Example:
  agepredict --config config.yaml --port 5001 --env production`,
		SilenceUsage: true,
		RunE:         runService,
	}

	rootCmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.Flags().IntP("port", "p", 0, "Port to listen on (overrides config)")
	rootCmd.Flags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().StringP("env", "e", "", "Runtime environment (development, production)")

	return rootCmd
}

// parseCLIConfig parses command line flags into a CLIConfig
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}

	port, err := cmd.Flags().GetInt("port")
	if err != nil {
		return nil, fmt.Errorf("failed to get port flag: %w", err)
	}

	logLevel, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}

	env, err := cmd.Flags().GetString("env")
	if err != nil {
		return nil, fmt.Errorf("failed to get env flag: %w", err)
	}

	return &CLIConfig{
		Config:      configPath,
		Port:        port,
		LogLevel:    logLevel,
		Environment: env,
	}, nil
}

// buildConfig loads the configuration and applies CLI overrides on top.
func buildConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}

	if cli.Port != 0 {
		cfg.Server.Port = cli.Port
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Environment != "" {
		cfg.Service.Environment = cli.Environment
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// telemetryConfig maps the service configuration onto the telemetry bootstrap.
func telemetryConfig(cfg *config.Config, registerer prometheus.Registerer) telemetry.Config {
	return telemetry.Config{
		ServiceName:        cfg.Service.Name,
		ServiceVersion:     cfg.Service.Version,
		ServiceNamespace:   cfg.Service.Namespace,
		Environment:        telemetry.ParseEnvironment(cfg.Service.Environment),
		SampleRatio:        cfg.Tracing.SampleRatio,
		KeepErrorTraces:    cfg.Tracing.KeepErrorTraces,
		Endpoint:           cfg.Tracing.URL,
		Protocol:           cfg.Tracing.Protocol,
		Insecure:           cfg.Tracing.Insecure,
		ExportTimeout:      cfg.Tracing.ExportTimeout,
		BatchTimeout:       cfg.Tracing.BatchTimeout,
		MaxExportBatchSize: cfg.Tracing.MaxExportBatchSize,
		MaxQueueSize:       cfg.Tracing.MaxQueueSize,
		ConsoleExporter:    cfg.Tracing.ConsoleExporter,
		MetricsRegisterer:  registerer,
	}
}

// runService is the main entry point for the root command
func runService(cmd *cobra.Command, _ []string) error {
	cliConfig, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(cliConfig)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Service:   cfg.Service.Name,
		Version:   cfg.Service.Version,
		Namespace: cfg.Service.Namespace,
	})
	slog.SetDefault(logger)
	telemetry.InstallErrorHandler(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	provider, err := telemetry.NewProvider(ctx, telemetryConfig(cfg, registry))
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		return err
	}
	otel.SetTracerProvider(provider.TracerProvider())
	otel.SetTextMapPropagator(provider.Propagator())
	otel.SetMeterProvider(provider.MeterProvider())

	predictionMetrics, err := telemetry.NewPredictionMetrics(provider.Meter())
	if err != nil {
		logger.Error("Failed to create prediction metrics", "error", err)
		return err
	}

	client := predict.NewClient(predict.Config{
		BaseURL:          cfg.Predict.URL,
		Timeout:          cfg.Predict.Timeout,
		MaxRetries:       cfg.Predict.MaxRetries,
		BreakerFailures:  cfg.Predict.BreakerFailures,
		BreakerCooldown:  cfg.Predict.BreakerCooldown,
		BaggageRequestID: cfg.Tracing.BaggageRequestID,
		TracerProvider:   provider.TracerProvider(),
		Propagator:       provider.Propagator(),
		Metrics:          predictionMetrics,
		Logger:           logger,
	})

	srv, err := server.New(server.Options{
		Addr:              cfg.Server.Address(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		GenerateRequestID: cfg.Server.GenerateRequestID,
		Predictor:         client,
		Logger:            logger,
		TracerProvider:    provider.TracerProvider(),
		Propagator:        provider.Propagator(),
		Metrics:           server.NewMetrics(registry),
	})
	if err != nil {
		return err
	}

	if cliConfig.Config != "" {
		watcher, err := config.NewWatcher(cliConfig.Config, reloadHandler(provider.Sampler(), logger), logger)
		if err != nil {
			logger.Warn("Config hot reload disabled", "error", err)
		} else if err := watcher.Start(ctx); err != nil {
			logger.Warn("Config hot reload disabled", "error", err)
		} else {
			defer func() { _ = watcher.Stop() }()
		}
	}

	logger.Info("Starting agepredict",
		"port", cfg.Server.Port,
		"environment", cfg.Service.Environment,
		"sample_ratio", provider.Sampler().Ratio(),
		"tracing_url", cfg.Tracing.URL,
		"log_level", strings.ToLower(cfg.Logging.Level),
	)

	serveErr := srv.Start(ctx)
	if serveErr != nil {
		logger.Error("Server stopped with error", "error", serveErr)
	}

	// Flush buffered spans within the grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Telemetry shutdown incomplete", "error", err)
	}

	logger.Info("Closing server and ending process")
	return serveErr
}

// reloadHandler applies the hot-reloadable settings of a new configuration.
func reloadHandler(sampler *telemetry.Sampler, logger *slog.Logger) func(*config.Config) {
	return func(cfg *config.Config) {
		previous := sampler.Ratio()
		sampler.SetRatio(cfg.Tracing.SampleRatio)
		if previous != sampler.Ratio() {
			logger.Info("Sampling ratio updated", "previous", previous, "current", sampler.Ratio())
		}
	}
}
