package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/agepredict/pkg/domain"
)

// LevelTrace is the most verbose level, below slog.LevelDebug.
const LevelTrace = slog.Level(-8)

// Log record keys added for correlation.
const (
	LogKeyTraceID    = "trace_id"
	LogKeySpanID     = "span_id"
	LogKeyRequestID  = "request_id"
	LogKeyTenantID   = "tenant_id"
	LogKeyTenantHost = "tenant_host"
	LogKeyError      = "error"
)

// LogHandler correlates log records with the active span.
//
// With a span in ctx every record gets trace, span and request identifiers.
// Records at Info and above are mirrored as span events; trace and debug
// records are only written to the sink. Error records mark the span failed
// and record the error, unless the span is already failed, in which case the
// exception recorded by the caller is kept as the only one. Without a span
// the record is passed through untouched.
type LogHandler struct {
	inner slog.Handler
}

var _ slog.Handler = (*LogHandler)(nil)

// NewLogHandler wraps inner.
func NewLogHandler(inner slog.Handler) *LogHandler {
	return &LogHandler{inner: inner}
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogHandler{inner: h.inner.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	return &LogHandler{inner: h.inner.WithGroup(name)}
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		return h.inner.Handle(ctx, r)
	}

	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return h.inner.Handle(ctx, r)
	}

	corr := spanCorrelation(ctx, span)

	r = r.Clone()
	r.AddAttrs(
		slog.String(LogKeyTraceID, sc.TraceID().String()),
		slog.String(LogKeySpanID, sc.SpanID().String()),
	)
	if corr.RequestID != "" {
		r.AddAttrs(slog.String(LogKeyRequestID, corr.RequestID))
	}
	if corr.TenantID != "" {
		r.AddAttrs(slog.String(LogKeyTenantID, corr.TenantID))
	}
	if corr.TenantHost != "" {
		r.AddAttrs(slog.String(LogKeyTenantHost, corr.TenantHost))
	}

	if span.IsRecording() {
		annotateSpan(span, r, corr)
	}

	return h.inner.Handle(ctx, r)
}

// spanCorrelation reads identifiers from the span's attributes, filling gaps
// from the request-scoped correlation in ctx.
func spanCorrelation(ctx context.Context, span trace.Span) domain.Correlation {
	var c domain.Correlation
	if ro, ok := span.(sdktrace.ReadOnlySpan); ok {
		c = CorrelationFromAttributes(ro.Attributes())
	}
	if scoped, ok := CorrelationFromContext(ctx); ok {
		c = c.Merge(scoped)
	}
	return c
}

func annotateSpan(span trace.Span, r slog.Record, corr domain.Correlation) {
	if corr.RequestID != "" {
		span.SetAttributes(AttrLogRequestID.String(corr.RequestID))
	}
	if corr.TenantID != "" {
		span.SetAttributes(AttrLogTenantID.String(corr.TenantID))
	}

	// trace and debug records are frequent; keep them out of span events
	if r.Level < slog.LevelInfo {
		return
	}

	attrs, recErr := recordAttributes(r)
	span.AddEvent(r.Message, trace.WithAttributes(attrs...), trace.WithTimestamp(eventTime(r)))

	if r.Level < slog.LevelError {
		return
	}
	if ro, ok := span.(sdktrace.ReadOnlySpan); ok && ro.Status().Code == codes.Error {
		return
	}
	if recErr == nil {
		recErr = errors.New(r.Message)
	}
	span.RecordError(recErr)
	span.SetStatus(codes.Error, r.Message)
}

func eventTime(r slog.Record) time.Time {
	if r.Time.IsZero() {
		return time.Now()
	}
	return r.Time
}

// recordAttributes flattens the record's attributes into span attributes and
// returns the error carried under the "error" key, if any.
func recordAttributes(r slog.Record) ([]attribute.KeyValue, error) {
	attrs := make([]attribute.KeyValue, 0, r.NumAttrs()+1)
	attrs = append(attrs, attribute.String("log.severity", levelName(r.Level)))

	var recErr error
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == LogKeyError {
			if err, ok := a.Value.Resolve().Any().(error); ok {
				recErr = err
				attrs = append(attrs, attribute.String("log.error", err.Error()))
				return true
			}
		}
		attrs = appendSlogAttr(attrs, "", a)
		return true
	})
	return attrs, recErr
}

func appendSlogAttr(dst []attribute.KeyValue, prefix string, a slog.Attr) []attribute.KeyValue {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return append(dst, attribute.String(key, v.String()))
	case slog.KindInt64:
		return append(dst, attribute.Int64(key, v.Int64()))
	case slog.KindUint64:
		return append(dst, attribute.Int64(key, int64(v.Uint64())))
	case slog.KindFloat64:
		return append(dst, attribute.Float64(key, v.Float64()))
	case slog.KindBool:
		return append(dst, attribute.Bool(key, v.Bool()))
	case slog.KindDuration:
		return append(dst, attribute.String(key, v.Duration().String()))
	case slog.KindTime:
		return append(dst, attribute.String(key, v.Time().Format(time.RFC3339Nano)))
	case slog.KindGroup:
		for _, ga := range v.Group() {
			dst = appendSlogAttr(dst, key, ga)
		}
		return dst
	default:
		return append(dst, attribute.String(key, fmt.Sprint(v.Any())))
	}
}

func levelName(l slog.Level) string {
	if l <= LevelTrace {
		return "TRACE"
	}
	return l.String()
}
