package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TailDecider decides, once the local root of a recorded-but-unsampled trace
// has ended, whether the buffered spans are exported after all.
type TailDecider func(spans []sdktrace.ReadOnlySpan) bool

// KeepErrors promotes any trace containing a span with status Error.
func KeepErrors(spans []sdktrace.ReadOnlySpan) bool {
	for _, s := range spans {
		if s.Status().Code == codes.Error {
			return true
		}
	}
	return false
}

// TailConfig bounds the tail buffer.
type TailConfig struct {
	// MaxTraces caps the number of traces buffered at once, and separately
	// the number of remembered decisions. Spans of new traces are dropped
	// while the buffer is full.
	MaxTraces int
	// MaxAge evicts traces whose local root never ended, and is how long a
	// decision is remembered for spans ending after their local root.
	MaxAge time.Duration
}

// TailProcessor forwards sampled spans untouched and buffers unsampled but
// recorded spans per trace. When the local root ends the decider runs and
// the whole trace is either forwarded (marked sampled) or discarded.
//
// The decision is remembered for MaxAge. A span ending after its root joins
// a kept trace directly; for a discarded trace the decider runs again over
// the discarded spans plus the late one, so an error in late async work
// still exports the whole trace.
type TailProcessor struct {
	next   sdktrace.SpanProcessor
	decide TailDecider
	cfg    TailConfig
	now    func() time.Time

	mu      sync.Mutex
	pending map[trace.TraceID]*pendingTrace
	decided map[trace.TraceID]*decidedTrace
	dropped int64
}

type pendingTrace struct {
	spans []sdktrace.ReadOnlySpan
	first time.Time
}

type decidedTrace struct {
	kept bool
	// spans of a discarded trace, kept for re-evaluation
	spans []sdktrace.ReadOnlySpan
	at    time.Time
}

var _ sdktrace.SpanProcessor = (*TailProcessor)(nil)

// NewTailProcessor wraps next. A nil decider means KeepErrors.
func NewTailProcessor(next sdktrace.SpanProcessor, decide TailDecider, cfg TailConfig) *TailProcessor {
	if decide == nil {
		decide = KeepErrors
	}
	if cfg.MaxTraces <= 0 {
		cfg.MaxTraces = 10000
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Minute
	}
	return &TailProcessor{
		next:    next,
		decide:  decide,
		cfg:     cfg,
		now:     time.Now,
		pending: make(map[trace.TraceID]*pendingTrace),
		decided: make(map[trace.TraceID]*decidedTrace),
	}
}

// OnStart forwards to the wrapped processor.
func (p *TailProcessor) OnStart(parent context.Context, s sdktrace.ReadWriteSpan) {
	p.next.OnStart(parent, s)
}

// OnEnd forwards sampled spans and buffers the rest until the trace concludes.
func (p *TailProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	if s.SpanContext().IsSampled() {
		p.next.OnEnd(s)
		return
	}

	traceID := s.SpanContext().TraceID()
	now := p.now()

	p.mu.Lock()
	export := p.expireLocked(now)

	if d, ok := p.decided[traceID]; ok {
		export = append(export, p.lateLocked(d, s)...)
		p.mu.Unlock()
		p.forward(export)
		return
	}

	pt, tracked := p.pending[traceID]
	if !tracked {
		if len(p.pending) >= p.cfg.MaxTraces {
			p.dropped++
			p.mu.Unlock()
			p.forward(export)
			return
		}
		pt = &pendingTrace{first: now}
		p.pending[traceID] = pt
	}
	pt.spans = append(pt.spans, s)

	if isLocalRoot(s) {
		delete(p.pending, traceID)
		export = append(export, p.decideLocked(traceID, pt.spans, now)...)
	}
	p.mu.Unlock()

	p.forward(export)
}

// decideLocked runs the decider over a concluded trace, remembers the
// outcome and returns the spans to export.
func (p *TailProcessor) decideLocked(id trace.TraceID, spans []sdktrace.ReadOnlySpan, now time.Time) []sdktrace.ReadOnlySpan {
	kept := p.decide(spans)
	if len(p.decided) < p.cfg.MaxTraces {
		d := &decidedTrace{kept: kept, at: now}
		if !kept {
			d.spans = spans
		}
		p.decided[id] = d
	}
	if kept {
		return spans
	}
	return nil
}

// lateLocked handles a span ending after its trace was decided.
func (p *TailProcessor) lateLocked(d *decidedTrace, s sdktrace.ReadOnlySpan) []sdktrace.ReadOnlySpan {
	if d.kept {
		return []sdktrace.ReadOnlySpan{s}
	}
	d.spans = append(d.spans, s)
	if !p.decide(d.spans) {
		return nil
	}
	spans := d.spans
	d.kept = true
	d.spans = nil
	return spans
}

// expireLocked decides traces older than MaxAge and forgets old decisions.
func (p *TailProcessor) expireLocked(now time.Time) []sdktrace.ReadOnlySpan {
	var export []sdktrace.ReadOnlySpan
	for id, pt := range p.pending {
		if now.Sub(pt.first) > p.cfg.MaxAge {
			delete(p.pending, id)
			export = append(export, p.decideLocked(id, pt.spans, now)...)
		}
	}
	for id, d := range p.decided {
		if now.Sub(d.at) > p.cfg.MaxAge {
			delete(p.decided, id)
		}
	}
	return export
}

func (p *TailProcessor) forward(spans []sdktrace.ReadOnlySpan) {
	for _, s := range spans {
		p.next.OnEnd(promote(s))
	}
}

// Pending returns the number of buffered traces.
func (p *TailProcessor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Dropped returns the number of spans dropped because the buffer was full.
func (p *TailProcessor) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// ForceFlush decides every buffered trace and flushes the wrapped processor.
func (p *TailProcessor) ForceFlush(ctx context.Context) error {
	p.drain()
	return p.next.ForceFlush(ctx)
}

// Shutdown decides every buffered trace and shuts down the wrapped processor.
func (p *TailProcessor) Shutdown(ctx context.Context) error {
	p.drain()
	return p.next.Shutdown(ctx)
}

func (p *TailProcessor) drain() {
	now := p.now()
	p.mu.Lock()
	var export []sdktrace.ReadOnlySpan
	for id, pt := range p.pending {
		delete(p.pending, id)
		export = append(export, p.decideLocked(id, pt.spans, now)...)
	}
	p.mu.Unlock()
	p.forward(export)
}

func isLocalRoot(s sdktrace.ReadOnlySpan) bool {
	parent := s.Parent()
	return !parent.IsValid() || parent.IsRemote()
}

// promotedSpan reports a sampled span context so downstream batch processors
// export a span the head sampler only recorded.
type promotedSpan struct {
	sdktrace.ReadOnlySpan
	sc trace.SpanContext
}

func (s promotedSpan) SpanContext() trace.SpanContext {
	return s.sc
}

func promote(s sdktrace.ReadOnlySpan) sdktrace.ReadOnlySpan {
	sc := s.SpanContext()
	return promotedSpan{ReadOnlySpan: s, sc: sc.WithTraceFlags(sc.TraceFlags().WithSampled(true))}
}
