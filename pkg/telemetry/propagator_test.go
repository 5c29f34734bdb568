package telemetry

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"

	"github.com/polisai/agepredict/pkg/domain"
)

func newRecordingProvider(t testing.TB) (*sdktrace.TracerProvider, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(NewRequestIDProcessor(rec)),
	)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, rec
}

func rawRequestID(s sdktrace.ReadOnlySpan) (string, bool) {
	return stringAttribute(s.Attributes(), AttrRequestID)
}

func endedByName(rec *tracetest.SpanRecorder) map[string]sdktrace.ReadOnlySpan {
	out := make(map[string]sdktrace.ReadOnlySpan)
	for _, s := range rec.Ended() {
		out[s.Name()] = s
	}
	return out
}

func TestRequestIDProcessor_PropagatesToAllDescendants(t *testing.T) {
	tp, rec := newRecordingProvider(t)
	tracer := tp.Tracer("test")

	ctx, root := tracer.Start(context.Background(), "root",
		trace.WithAttributes(attribute.StringSlice(string(HeaderAttributeKey(domain.HeaderRequestID)), []string{"abc-123"})))
	childCtx, child := tracer.Start(ctx, "child")
	_, grandchild := tracer.Start(childCtx, "grandchild")
	_, sibling := tracer.Start(ctx, "sibling")
	grandchild.End()
	sibling.End()
	child.End()
	root.End()

	spans := endedByName(rec)
	require.Len(t, spans, 4)
	for name, s := range spans {
		id, ok := rawRequestID(s)
		assert.True(t, ok, "span %s", name)
		assert.Equal(t, "abc-123", id, "span %s", name)
	}
}

func TestRequestIDProcessor_BackfillsParent(t *testing.T) {
	tp, rec := newRecordingProvider(t)
	tracer := tp.Tracer("test")

	ctx, root := tracer.Start(context.Background(), "root")
	_, child := tracer.Start(ctx, "child", trace.WithAttributes(AttrRequestID.String("late-id")))
	child.End()
	root.End()

	id, ok := rawRequestID(endedByName(rec)["root"])
	require.True(t, ok)
	assert.Equal(t, "late-id", id)
}

func TestRequestIDProcessor_BackfillsEveryAncestor(t *testing.T) {
	tp, rec := newRecordingProvider(t)
	tracer := tp.Tracer("test")

	rootCtx, root := tracer.Start(context.Background(), "root")
	midCtx, mid := tracer.Start(rootCtx, "mid")
	_, leaf := tracer.Start(midCtx, "leaf", trace.WithAttributes(AttrRequestID.String("deep-id")))
	leaf.End()
	mid.End()
	root.End()

	spans := endedByName(rec)
	for _, name := range []string{"root", "mid", "leaf"} {
		id, ok := rawRequestID(spans[name])
		require.True(t, ok, "span %s", name)
		assert.Equal(t, "deep-id", id, "span %s", name)
	}
}

func TestRequestIDProcessor_BackfillsIDSetWhileRunning(t *testing.T) {
	tp, rec := newRecordingProvider(t)
	tracer := tp.Tracer("test")

	rootCtx, root := tracer.Start(context.Background(), "root")
	midCtx, mid := tracer.Start(rootCtx, "mid")
	_, leaf := tracer.Start(midCtx, "leaf")
	leaf.SetAttributes(AttrRequestID.String("found-late"))
	leaf.End()
	mid.End()
	root.End()

	id, ok := rawRequestID(endedByName(rec)["root"])
	require.True(t, ok)
	assert.Equal(t, "found-late", id)
}

func TestRequestIDProcessor_ForgetsEndedSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	p := NewRequestIDProcessor(rec)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(p))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, root := tp.Tracer("test").Start(context.Background(), "root")
	_, child := tp.Tracer("test").Start(ctx, "child")
	child.End()
	root.End()

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.live)
}

func TestRequestIDProcessor_DoesNotOverwriteParent(t *testing.T) {
	tp, rec := newRecordingProvider(t)
	tracer := tp.Tracer("test")

	ctx, root := tracer.Start(context.Background(), "root", trace.WithAttributes(AttrRequestID.String("first")))
	_, child := tracer.Start(ctx, "child", trace.WithAttributes(AttrRequestID.String("second")))
	child.End()
	root.End()

	spans := endedByName(rec)
	rootID, _ := rawRequestID(spans["root"])
	childID, _ := rawRequestID(spans["child"])
	assert.Equal(t, "first", rootID)
	assert.Equal(t, "first", childID)
}

func TestRequestIDProcessor_NoIDLeavesSpansUntouched(t *testing.T) {
	tp, rec := newRecordingProvider(t)
	tracer := tp.Tracer("test")

	ctx, root := tracer.Start(context.Background(), "root")
	_, child := tracer.Start(ctx, "child")
	child.End()
	root.End()

	for _, s := range rec.Ended() {
		_, ok := rawRequestID(s)
		assert.False(t, ok, s.Name())
	}
}

func TestRequestIDProcessor_FallsBackToBaggage(t *testing.T) {
	tp, rec := newRecordingProvider(t)

	ctx, err := ContextWithBaggageRequestID(context.Background(), "from-baggage")
	require.NoError(t, err)
	_, span := tp.Tracer("test").Start(ctx, "consumer")
	span.End()

	id, ok := rawRequestID(endedByName(rec)["consumer"])
	require.True(t, ok)
	assert.Equal(t, "from-baggage", id)
}

func TestRequestIDProcessor_NilNextIsSafe(t *testing.T) {
	p := NewRequestIDProcessor(nil)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(p))
	_, span := tp.Tracer("test").Start(context.Background(), "span")
	span.End()

	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestRequestIDProcessor_RunsCustomHooks(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	stamp := func(_ context.Context, s sdktrace.ReadWriteSpan) {
		s.SetAttributes(attribute.Bool("hooked", true))
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(NewRequestIDProcessor(rec, stamp)))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	_, span := tp.Tracer("test").Start(context.Background(), "span")
	span.End()

	require.Len(t, rec.Ended(), 1)
	assert.Contains(t, rec.Ended()[0].Attributes(), attribute.Bool("hooked", true))
}

// A chain of nested spans where the id first appears on span k: every span
// from k down carries it and every ancestor up to the root is backfilled.
func TestRequestIDProcessor_ChainProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		depth := rapid.IntRange(1, 8).Draw(rt, "depth")
		introduced := rapid.IntRange(0, depth-1).Draw(rt, "introduced")
		structured := rapid.Bool().Draw(rt, "structured")
		id := rapid.StringMatching(`[a-z0-9-]{1,24}`).Draw(rt, "id")

		rec := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithSpanProcessor(NewRequestIDProcessor(rec)),
		)
		defer func() { _ = tp.Shutdown(context.Background()) }()
		tracer := tp.Tracer("prop")

		ctx := context.Background()
		spans := make([]trace.Span, depth)
		for i := 0; i < depth; i++ {
			var opts []trace.SpanStartOption
			if i == introduced {
				if structured {
					opts = append(opts, trace.WithAttributes(attribute.StringSlice(string(HeaderAttributeKey(domain.HeaderRequestID)), []string{id})))
				} else {
					opts = append(opts, trace.WithAttributes(AttrRequestID.String(id)))
				}
			}
			ctx, spans[i] = tracer.Start(ctx, string(rune('a'+i)), opts...)
		}
		for i := depth - 1; i >= 0; i-- {
			spans[i].End()
		}

		byName := endedByName(rec)
		for i := 0; i < depth; i++ {
			got, ok := rawRequestID(byName[string(rune('a'+i))])
			if !ok || got != id {
				rt.Fatalf("span %d (id on %d): want %q, got %q (present=%t)", i, introduced, id, got, ok)
			}
		}
	})
}

func TestRequestIDFromAttributes_Precedence(t *testing.T) {
	tests := []struct {
		name   string
		attrs  []attribute.KeyValue
		want   string
		wantOK bool
	}{
		{
			name:  "structured header wins over raw",
			attrs: []attribute.KeyValue{AttrRequestID.String("raw"), attribute.StringSlice("http.request.header.x-request-id", []string{"structured"})},
			want:  "structured", wantOK: true,
		},
		{
			name:  "legacy underscore form",
			attrs: []attribute.KeyValue{attribute.StringSlice("http.request.header.x_request_id", []string{"legacy"})},
			want:  "legacy", wantOK: true,
		},
		{
			name:  "first non-empty slice element",
			attrs: []attribute.KeyValue{attribute.StringSlice("http.request.header.x-request-id", []string{"", "second"})},
			want:  "second", wantOK: true,
		},
		{
			name:  "raw only",
			attrs: []attribute.KeyValue{AttrRequestID.String("raw")},
			want:  "raw", wantOK: true,
		},
		{
			name:  "empty structured falls back to raw",
			attrs: []attribute.KeyValue{attribute.StringSlice("http.request.header.x-request-id", []string{""}), AttrRequestID.String("raw")},
			want:  "raw", wantOK: true,
		},
		{
			name:  "absent",
			attrs: []attribute.KeyValue{attribute.String("http.method", "GET")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RequestIDFromAttributes(tt.attrs)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHeaderAttributes_OnlyAllowListed(t *testing.T) {
	h := http.Header{}
	h.Set("X-Request-Id", "abc")
	h.Set("X-Tenant-Host", "acme.example.com")
	h.Set("Authorization", "Bearer secret")
	h.Set("Cookie", "session=1")

	attrs := HeaderAttributes(h)

	assert.ElementsMatch(t, []attribute.KeyValue{
		attribute.StringSlice("http.request.header.x-request-id", []string{"abc"}),
		attribute.StringSlice("http.request.header.x-tenant-host", []string{"acme.example.com"}),
	}, attrs)

	corr := CorrelationFromHeaders(h)
	assert.Equal(t, domain.Correlation{RequestID: "abc", TenantHost: "acme.example.com"}, corr)
	assert.Equal(t, corr, CorrelationFromAttributes(attrs))
}

func TestCorrelationContext(t *testing.T) {
	_, ok := CorrelationFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithCorrelation(context.Background(), domain.Correlation{RequestID: "r", TenantID: "t"})
	got, ok := CorrelationFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "r", got.RequestID)
	assert.Equal(t, []attribute.KeyValue{AttrRequestID.String("r"), AttrTenantID.String("t")}, CorrelationAttributes(got))
}

func TestContextWithBaggageRequestID_RejectsInvalidValue(t *testing.T) {
	ctx, err := ContextWithBaggageRequestID(context.Background(), "")
	require.NoError(t, err)
	_, ok := RequestIDFromBaggage(ctx)
	assert.False(t, ok)
}

func TestInjectExtractHeaders_RoundTrip(t *testing.T) {
	tp, _ := newRecordingProvider(t)
	propagator := NewTextMapPropagator()

	ctx, err := ContextWithBaggageRequestID(context.Background(), "abc-123")
	require.NoError(t, err)
	ctx, span := tp.Tracer("test").Start(ctx, "client")
	defer span.End()

	headers := http.Header{}
	InjectHeaders(ctx, propagator, headers)
	assert.NotEmpty(t, headers.Get("traceparent"))
	assert.Contains(t, headers.Get("baggage"), "x-request-id=abc-123")

	extracted := ExtractHeaders(context.Background(), propagator, headers)
	remote := trace.SpanContextFromContext(extracted)
	assert.True(t, remote.IsRemote())
	assert.Equal(t, span.SpanContext().TraceID(), remote.TraceID())
	id, ok := RequestIDFromBaggage(extracted)
	require.True(t, ok)
	assert.Equal(t, "abc-123", id)
}
