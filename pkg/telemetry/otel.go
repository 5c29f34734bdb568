package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
)

// InstrumentationName is the tracer and meter scope used by this service.
const InstrumentationName = "github.com/polisai/agepredict"

// Exporter protocols.
const (
	ProtocolHTTP = "http/protobuf"
	ProtocolGRPC = "grpc"
	ProtocolNone = "none"
)

// Config describes the telemetry bootstrap options.
type Config struct {
	ServiceName      string
	ServiceVersion   string
	ServiceNamespace string
	Environment      Environment
	ResourceTags     map[string]string

	SampleRatio     float64
	KeepErrorTraces bool
	Tail            TailConfig

	// Endpoint is a full URL for http/protobuf (http://host:4318/v1/traces)
	// and host:port or URL for grpc. Empty disables the primary exporter.
	Endpoint string
	Protocol string
	Insecure bool
	Headers  map[string]string

	ExportTimeout      time.Duration
	BatchTimeout       time.Duration
	MaxExportBatchSize int
	MaxQueueSize       int

	// ConsoleExporter enables the secondary debug exporter writing to ConsoleWriter (stdout by default).
	ConsoleExporter bool
	ConsoleWriter   io.Writer

	// Exporter replaces the exporter built from Endpoint and Protocol.
	Exporter sdktrace.SpanExporter
	// MetricsRegisterer receives OpenTelemetry instruments through the Prometheus bridge.
	MetricsRegisterer prometheus.Registerer
	// MetricReader replaces the Prometheus bridge reader.
	MetricReader sdkmetric.Reader
}

// Provider owns the tracer and meter providers for the process. It is
// created once in main and passed to every component that emits telemetry.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	propagator     propagation.TextMapPropagator
	sampler        *Sampler
	tail           *TailProcessor
}

// NewProvider assembles the span emission pipeline:
//
//	RequestIDProcessor -> [TailProcessor] -> fan-out -> BatchSpanProcessor(OTLP)
//	                                              \-> BatchSpanProcessor(stdout)
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var sinks []sdktrace.SpanProcessor
	primary := cfg.Exporter
	if primary == nil {
		primary, err = newExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}
	if primary != nil {
		sinks = append(sinks, newBatcher(primary, cfg))
	}
	if cfg.ConsoleExporter {
		w := cfg.ConsoleWriter
		if w == nil {
			w = os.Stdout
		}
		console, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create console exporter: %w", err)
		}
		sinks = append(sinks, newBatcher(console, cfg))
	}

	sampler := NewSampler(SamplingConfig{
		Environment: cfg.Environment,
		Ratio:       cfg.SampleRatio,
		KeepErrors:  cfg.KeepErrorTraces,
	})

	var chain sdktrace.SpanProcessor = fanout(sinks)
	var tail *TailProcessor
	if sampler.KeepErrors() {
		tail = NewTailProcessor(chain, KeepErrors, cfg.Tail)
		chain = tail
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(NewRequestIDProcessor(chain)),
	)

	mp, err := newMeterProvider(cfg, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	return &Provider{
		tracerProvider: tp,
		meterProvider:  mp,
		propagator:     NewTextMapPropagator(),
		sampler:        sampler,
		tail:           tail,
	}, nil
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, semconv.ServiceNamespace(cfg.ServiceNamespace))
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(string(cfg.Environment)))
	}
	for k, v := range cfg.ResourceTags {
		attrs = append(attrs, attribute.String(k, v))
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return nil, nil
	}

	switch strings.ToLower(cfg.Protocol) {
	case ProtocolNone:
		return nil, nil
	case ProtocolGRPC:
		return newGRPCExporter(ctx, cfg)
	case "", "http", ProtocolHTTP:
		return newHTTPExporter(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported trace protocol %q", cfg.Protocol)
	}
}

func newHTTPExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(cfg.Endpoint)}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, otlptracehttp.WithTimeout(cfg.ExportTimeout))
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp http exporter: %w", err)
	}
	return exporter, nil
}

func newGRPCExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	var clientOpts []otlptracegrpc.Option
	if strings.Contains(cfg.Endpoint, "://") {
		clientOpts = append(clientOpts, otlptracegrpc.WithEndpointURL(cfg.Endpoint))
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
	} else {
		clientOpts = append(clientOpts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if cfg.ExportTimeout > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithTimeout(cfg.ExportTimeout))
	}
	if len(cfg.Headers) > 0 {
		clientOpts = append(clientOpts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exporter, err := otlptrace.New(dialCtx, otlptracegrpc.NewClient(clientOpts...))
	if err != nil {
		return nil, fmt.Errorf("create otlp grpc exporter: %w", err)
	}
	return exporter, nil
}

func newBatcher(exporter sdktrace.SpanExporter, cfg Config) sdktrace.SpanProcessor {
	var opts []sdktrace.BatchSpanProcessorOption
	if cfg.BatchTimeout > 0 {
		opts = append(opts, sdktrace.WithBatchTimeout(cfg.BatchTimeout))
	}
	if cfg.MaxExportBatchSize > 0 {
		opts = append(opts, sdktrace.WithMaxExportBatchSize(cfg.MaxExportBatchSize))
	}
	if cfg.MaxQueueSize > 0 {
		opts = append(opts, sdktrace.WithMaxQueueSize(cfg.MaxQueueSize))
	}
	if cfg.ExportTimeout > 0 {
		opts = append(opts, sdktrace.WithExportTimeout(cfg.ExportTimeout))
	}
	return sdktrace.NewBatchSpanProcessor(exporter, opts...)
}

func newMeterProvider(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	reader := cfg.MetricReader
	if reader == nil && cfg.MetricsRegisterer != nil {
		exporter, err := otelprom.New(otelprom.WithRegisterer(cfg.MetricsRegisterer))
		if err != nil {
			return nil, fmt.Errorf("create prometheus metric bridge: %w", err)
		}
		reader = exporter
	}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	return sdkmetric.NewMeterProvider(opts...), nil
}

// Tracer returns a tracer scoped to this service.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracerProvider.Tracer(InstrumentationName)
}

// TracerProvider exposes the SDK tracer provider for instrumentation libraries.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider exposes the meter provider for instrumentation libraries.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// Meter returns a meter scoped to this service.
func (p *Provider) Meter() metric.Meter {
	return p.meterProvider.Meter(InstrumentationName)
}

// Propagator returns the W3C trace-context and baggage propagator.
func (p *Provider) Propagator() propagation.TextMapPropagator {
	return p.propagator
}

// Sampler returns the head sampler so callers can retune the ratio.
func (p *Provider) Sampler() *Sampler {
	return p.sampler
}

// Tail returns the tail processor, or nil when error traces are not kept.
func (p *Provider) Tail() *TailProcessor {
	return p.tail
}

// ForceFlush exports every buffered span.
func (p *Provider) ForceFlush(ctx context.Context) error {
	return p.tracerProvider.ForceFlush(ctx)
}

// Shutdown flushes buffered spans and metrics and stops the exporters. It must
// be called during graceful termination.
func (p *Provider) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.tracerProvider.Shutdown(ctx),
		p.meterProvider.Shutdown(ctx),
	)
}

// InstallErrorHandler routes OpenTelemetry SDK errors (failed exports, dropped
// spans) to logger at warn level. Export failures never reach request handling.
func InstallErrorHandler(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		logger.Warn("Telemetry export failed", "error", err)
	}))
}

// fanoutProcessor delivers every span to each sink in order.
type fanoutProcessor []sdktrace.SpanProcessor

func fanout(sinks []sdktrace.SpanProcessor) sdktrace.SpanProcessor {
	return fanoutProcessor(sinks)
}

func (f fanoutProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	for _, sp := range f {
		sp.OnStart(parent, s)
	}
}

func (f fanoutProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	for _, sp := range f {
		sp.OnEnd(s)
	}
}

func (f fanoutProcessor) Shutdown(ctx context.Context) error {
	var errs []error
	for _, sp := range f {
		errs = append(errs, sp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func (f fanoutProcessor) ForceFlush(ctx context.Context) error {
	var errs []error
	for _, sp := range f {
		errs = append(errs, sp.ForceFlush(ctx))
	}
	return errors.Join(errs...)
}
