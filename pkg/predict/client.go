// Package predict calls the third-party name-to-age prediction API.
package predict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agepredict/internal/governance"
	"github.com/polisai/agepredict/pkg/domain"
	"github.com/polisai/agepredict/pkg/telemetry"
)

// DefaultBaseURL is the public agify.io endpoint.
const DefaultBaseURL = "https://api.agify.io"

// Span and event names recorded for each prediction.
const (
	SpanName         = "predictAge"
	EventInput       = "predictAge"
	EventResult      = "predictAge.result"
	AttrName         = attribute.Key("predict.name")
	AttrAge          = attribute.Key("predict.age")
	AttrUpstreamCode = attribute.Key("predict.upstream.status_code")
)

// Predictor is satisfied by anything that can guess an age from a name.
type Predictor interface {
	PredictAge(ctx context.Context, name string) (int, bool)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	// BaggageRequestID also forwards the request id as a baggage member.
	BaggageRequestID bool
	// BreakerFailures opens the circuit after that many failed calls in a
	// row. Zero disables the breaker.
	BreakerFailures int
	BreakerCooldown time.Duration

	TracerProvider trace.TracerProvider
	Propagator     propagation.TextMapPropagator
	Metrics        *telemetry.PredictionMetrics
	Logger         *slog.Logger
	// Transport is the base round tripper; http.DefaultTransport when nil.
	Transport http.RoundTripper
}

// Client is a traced client for the prediction API.
type Client struct {
	http     *resty.Client
	tracer   trace.Tracer
	retry    *governance.RetryPolicy
	timeouts *governance.TimeoutManager
	breaker  *governance.CircuitBreaker
	metrics  *telemetry.PredictionMetrics
	logger   *slog.Logger
	baggage  bool
}

var _ Predictor = (*Client)(nil)

// agifyResponse is the upstream body. Age is null for unknown names.
type agifyResponse struct {
	Name  string `json:"name"`
	Age   *int   `json:"age"`
	Count int    `json:"count"`
}

// NewClient builds a Client. Outbound requests carry W3C trace context and
// produce client spans through otelhttp.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	transport := otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(cfg.TracerProvider),
		otelhttp.WithPropagators(cfg.Propagator),
	)

	rc := resty.New().
		SetTransport(transport).
		SetBaseURL(cfg.BaseURL).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "agepredict/1.0")

	retryCfg := governance.DefaultRetryConfig()
	retryCfg.MaxRetries = cfg.MaxRetries

	var breaker *governance.CircuitBreaker
	if cfg.BreakerFailures > 0 {
		breaker = governance.NewCircuitBreaker(governance.CircuitBreakerConfig{
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerCooldown,
		})
	}

	return &Client{
		http:     rc,
		tracer:   cfg.TracerProvider.Tracer(telemetry.InstrumentationName),
		retry:    governance.NewRetryPolicy(retryCfg),
		timeouts: governance.NewTimeoutManager(governance.TimeoutConfig{RequestTimeout: cfg.Timeout}),
		breaker:  breaker,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		baggage:  cfg.BaggageRequestID,
	}
}

// BreakerState reports the circuit breaker state; closed when it is disabled.
func (c *Client) BreakerState() governance.CircuitBreakerState {
	return c.breaker.State()
}

// PredictAge asks the prediction API for name's age. The second result is
// false when the API fails or does not know the name; failures are recorded on
// the span and logged rather than returned.
func (c *Client) PredictAge(ctx context.Context, name string) (int, bool) {
	ctx, span := c.tracer.Start(ctx, SpanName, trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	span.AddEvent(EventInput, trace.WithAttributes(attribute.String("name", name)))
	c.logger.InfoContext(ctx, "predict age", "name", name)

	requestID := requestIDFor(ctx, span)
	if c.baggage && requestID != "" {
		if bctx, err := telemetry.ContextWithBaggageRequestID(ctx, requestID); err == nil {
			ctx = bctx
		} else {
			c.logger.DebugContext(ctx, "predict client: request id not valid as baggage", "error", err)
		}
	}

	start := time.Now()
	if err := c.breaker.Allow(); err != nil {
		c.fail(ctx, span, fmt.Errorf("prediction request skipped: %w", err), 0)
		c.metrics.Record(ctx, telemetry.OutcomeCircuitOpen, time.Since(start), 0)
		return 0, false
	}

	ctx, cancel := c.timeouts.WithRequestTimeout(ctx)
	defer cancel()

	var body []byte
	attempt, err := c.retry.ExecuteWithRetry(ctx, http.MethodGet, func(ctx context.Context) (int, error) {
		req := c.http.R().
			SetContext(ctx).
			SetQueryParam("name", name)
		if requestID != "" {
			req.SetHeader(domain.HeaderRequestID, requestID)
		}
		resp, err := req.Get("/")
		if err != nil {
			return 0, err
		}
		body = resp.Body()
		return resp.StatusCode(), nil
	})
	elapsed := time.Since(start)
	// 4xx answers mean the upstream is alive
	c.breaker.Record(err == nil && attempt.StatusCode < 500)

	if err != nil {
		c.fail(ctx, span, fmt.Errorf("prediction request failed: %w", err), 0)
		c.metrics.Record(ctx, telemetry.OutcomeTransportError, elapsed, attempt.Retries())
		return 0, false
	}

	span.SetAttributes(AttrUpstreamCode.Int(attempt.StatusCode))
	if attempt.StatusCode < 200 || attempt.StatusCode >= 300 {
		c.fail(ctx, span, fmt.Errorf("%w: %d", domain.ErrUpstreamStatus, attempt.StatusCode), attempt.StatusCode)
		c.metrics.Record(ctx, telemetry.OutcomeUpstreamError, elapsed, attempt.Retries())
		return 0, false
	}

	var out agifyResponse
	if err := json.Unmarshal(body, &out); err != nil {
		c.fail(ctx, span, fmt.Errorf("%w: %w", domain.ErrUpstreamDecode, err), attempt.StatusCode)
		c.metrics.Record(ctx, telemetry.OutcomeUpstreamError, elapsed, attempt.Retries())
		return 0, false
	}

	if out.Age == nil {
		c.logger.InfoContext(ctx, "prediction unknown", "name", name)
		c.metrics.Record(ctx, telemetry.OutcomeUnknown, elapsed, attempt.Retries())
		return 0, false
	}

	span.AddEvent(EventResult, trace.WithAttributes(AttrName.String(name), AttrAge.Int(*out.Age)))
	c.logger.InfoContext(ctx, "prediction success", "name", name, "age", *out.Age)
	c.metrics.Record(ctx, telemetry.OutcomeSuccess, elapsed, attempt.Retries())
	return *out.Age, true
}

// fail marks the span failed with a single exception event and logs the error.
// The log handler sees the error status and does not record a second one.
func (c *Client) fail(ctx context.Context, span trace.Span, err error, status int) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	args := []any{"error", err, "error_type", "prediction_api_error"}
	if status > 0 {
		args = append(args, "status_code", status)
	}
	c.logger.ErrorContext(ctx, "predict client: prediction failed", args...)
}

// requestIDFor resolves the id to forward: the inbound correlation first, then
// the id the span inherited from its parent, then baggage.
func requestIDFor(ctx context.Context, span trace.Span) string {
	if corr, ok := telemetry.CorrelationFromContext(ctx); ok && corr.RequestID != "" {
		return corr.RequestID
	}
	if ro, ok := span.(sdktrace.ReadOnlySpan); ok {
		if id, ok := telemetry.RequestIDFromAttributes(ro.Attributes()); ok {
			return id
		}
	}
	if id, ok := telemetry.RequestIDFromBaggage(ctx); ok {
		return id
	}
	return ""
}
