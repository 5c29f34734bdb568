package telemetry

import (
	"context"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// StartHook runs synchronously while a span is being started, before the span
// is handed back to the caller of Tracer.Start.
type StartHook func(parent context.Context, span sdktrace.ReadWriteSpan)

// RequestIDProcessor decorates a span processor with start hooks. The wrapped
// processor keeps its batching and export behaviour; the hooks only mutate
// span attributes.
//
// It also tracks the live spans of the process so a request id found on any
// span is backfilled onto every recording ancestor that lacks it, up to the
// local root.
type RequestIDProcessor struct {
	next  sdktrace.SpanProcessor
	hooks []StartHook

	mu   sync.Mutex
	live map[spanKey]sdktrace.ReadWriteSpan
}

type spanKey struct {
	trace trace.TraceID
	span  trace.SpanID
}

func keyOf(sc trace.SpanContext) spanKey {
	return spanKey{trace: sc.TraceID(), span: sc.SpanID()}
}

var _ sdktrace.SpanProcessor = (*RequestIDProcessor)(nil)

// NewRequestIDProcessor wraps next. With no hooks, PropagateRequestID is used.
func NewRequestIDProcessor(next sdktrace.SpanProcessor, hooks ...StartHook) *RequestIDProcessor {
	if len(hooks) == 0 {
		hooks = []StartHook{PropagateRequestID}
	}
	return &RequestIDProcessor{
		next:  next,
		hooks: hooks,
		live:  make(map[spanKey]sdktrace.ReadWriteSpan),
	}
}

// OnStart forwards to the wrapped processor, runs the hooks and backfills the
// span's request id onto its ancestors.
func (p *RequestIDProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	if p.next != nil {
		p.next.OnStart(parent, s)
	}
	for _, hook := range p.hooks {
		hook(parent, s)
	}

	p.mu.Lock()
	p.live[keyOf(s.SpanContext())] = s
	p.backfillLocked(s)
	p.mu.Unlock()
}

// OnEnd backfills an id the span acquired while running, then forwards the
// finished span.
func (p *RequestIDProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	p.mu.Lock()
	p.backfillLocked(s)
	delete(p.live, keyOf(s.SpanContext()))
	p.mu.Unlock()

	if p.next != nil {
		p.next.OnEnd(s)
	}
}

// backfillLocked walks the live ancestors of s and sets the request id on
// each one that lacks it. The walk stops at the first ancestor that is not
// live in this process.
func (p *RequestIDProcessor) backfillLocked(s sdktrace.ReadOnlySpan) {
	id, ok := stringAttribute(s.Attributes(), AttrRequestID)
	if !ok || id == "" {
		return
	}
	for parent := s.Parent(); parent.IsValid(); {
		ancestor, found := p.live[keyOf(parent)]
		if !found {
			return
		}
		if _, has := stringAttribute(ancestor.Attributes(), AttrRequestID); !has && ancestor.IsRecording() {
			ancestor.SetAttributes(AttrRequestID.String(id))
		}
		parent = ancestor.Parent()
	}
}

// Shutdown shuts down the wrapped processor.
func (p *RequestIDProcessor) Shutdown(ctx context.Context) error {
	if p.next == nil {
		return nil
	}
	return p.next.Shutdown(ctx)
}

// ForceFlush flushes the wrapped processor.
func (p *RequestIDProcessor) ForceFlush(ctx context.Context) error {
	if p.next == nil {
		return nil
	}
	return p.next.ForceFlush(ctx)
}

// PropagateRequestID copies the request id onto a starting span and backfills
// it onto the parent span when the parent lacks the normalized attribute.
// Ancestors further up are reached by RequestIDProcessor.
//
// Resolution order: parent span attributes, the span's own start attributes
// (a server span created with captured headers), then baggage.
func PropagateRequestID(parent context.Context, span sdktrace.ReadWriteSpan) {
	parentSpan := trace.SpanFromContext(parent)
	readableParent, parentReadable := parentSpan.(sdktrace.ReadOnlySpan)

	var parentAttrs []attribute.KeyValue
	if parentReadable {
		parentAttrs = readableParent.Attributes()
	}

	requestID, ok := RequestIDFromAttributes(parentAttrs)
	if !ok {
		requestID, ok = RequestIDFromAttributes(span.Attributes())
	}
	if !ok {
		requestID, ok = RequestIDFromBaggage(parent)
	}
	if !ok {
		return
	}

	if current, _ := stringAttribute(span.Attributes(), AttrRequestID); current != requestID {
		span.SetAttributes(AttrRequestID.String(requestID))
	}

	if parentReadable && parentSpan.IsRecording() {
		if _, has := stringAttribute(parentAttrs, AttrRequestID); !has {
			parentSpan.SetAttributes(AttrRequestID.String(requestID))
		}
	}
}

func stringAttribute(attrs []attribute.KeyValue, key attribute.Key) (string, bool) {
	for _, kv := range attrs {
		if kv.Key == key && kv.Value.Type() == attribute.STRING {
			return kv.Value.AsString(), true
		}
	}
	return "", false
}

// NewTextMapPropagator returns the W3C trace-context plus baggage propagator.
func NewTextMapPropagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
}

// InjectHeaders writes the trace context and baggage in ctx into headers.
func InjectHeaders(ctx context.Context, propagator propagation.TextMapPropagator, headers http.Header) {
	propagator.Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractHeaders returns a context carrying the remote trace context and
// baggage found in headers.
func ExtractHeaders(ctx context.Context, propagator propagation.TextMapPropagator, headers http.Header) context.Context {
	return propagator.Extract(ctx, propagation.HeaderCarrier(headers))
}
