package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PredictionOutcome classifies a prediction call for metrics.
type PredictionOutcome string

// Prediction outcomes.
const (
	OutcomeSuccess        PredictionOutcome = "success"
	OutcomeUnknown        PredictionOutcome = "unknown"
	OutcomeUpstreamError  PredictionOutcome = "upstream_error"
	OutcomeTransportError PredictionOutcome = "transport_error"
	OutcomeCircuitOpen    PredictionOutcome = "circuit_open"
)

// PredictionMetrics holds the OpenTelemetry instruments describing calls to
// the prediction API. A nil *PredictionMetrics records nothing.
type PredictionMetrics struct {
	predictions metric.Int64Counter
	latency     metric.Float64Histogram
	retries     metric.Int64Counter
}

// NewPredictionMetrics creates the instruments on meter.
func NewPredictionMetrics(meter metric.Meter) (*PredictionMetrics, error) {
	predictions, err := meter.Int64Counter(
		"agepredict.predictions_total",
		metric.WithDescription("Prediction API calls partitioned by outcome"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create predictions counter: %w", err)
	}

	latency, err := meter.Float64Histogram(
		"agepredict.prediction.duration",
		metric.WithDescription("Observed prediction API latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create prediction latency histogram: %w", err)
	}

	retries, err := meter.Int64Counter(
		"agepredict.prediction.retries_total",
		metric.WithDescription("Retry attempts performed against the prediction API"),
		metric.WithUnit("{count}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create prediction retries counter: %w", err)
	}

	return &PredictionMetrics{predictions: predictions, latency: latency, retries: retries}, nil
}

// Record emits one prediction observation.
func (m *PredictionMetrics) Record(ctx context.Context, outcome PredictionOutcome, duration time.Duration, retries int) {
	if m == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("prediction.outcome", string(outcome)))
	m.predictions.Add(ctx, 1, attrs)
	if duration > 0 {
		m.latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
	}
	if retries > 0 {
		m.retries.Add(ctx, int64(retries), attrs)
	}
}
