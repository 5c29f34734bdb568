package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/polisai/agepredict/pkg/telemetry"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   telemetry.LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "input %q", in)
	}
}

func TestNewLogger_JSONWithMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{
		Level:     "info",
		Output:    &buf,
		Service:   "otel-age-predict",
		Version:   "1.1.1",
		Namespace: "my-namespace",
	})

	logger.Info("Listening for requests", "port", 5001)
	logger.Debug("filtered out")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "Listening for requests", rec["msg"])
	assert.Equal(t, "otel-age-predict", rec["service"])
	assert.Equal(t, "1.1.1", rec["version"])
	assert.Equal(t, "my-namespace", rec["k8s.namespace"])
}

func TestNewLogger_TraceLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "trace", Format: "text", Output: &buf})

	logger.Log(context.Background(), telemetry.LevelTrace, "very verbose")

	assert.Contains(t, buf.String(), "level=TRACE")
}

func TestNewLogger_CorrelatesWithSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Output: &buf})

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "request")
	logger.InfoContext(ctx, "predict age")
	span.End()

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, span.SpanContext().TraceID().String(), rec[telemetry.LogKeyTraceID])
}
