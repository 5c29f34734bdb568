package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Environment is the runtime environment the service reports and samples for.
type Environment string

// Known environments.
const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// ParseEnvironment normalizes an environment name. Empty, "dev" and "local"
// map to development; anything else is kept lowercased.
func ParseEnvironment(s string) Environment {
	switch env := strings.ToLower(strings.TrimSpace(s)); env {
	case "", "dev", "local", string(EnvDevelopment):
		return EnvDevelopment
	case "prod":
		return EnvProduction
	default:
		return Environment(env)
	}
}

// IsDevelopment reports whether e is the development environment.
func (e Environment) IsDevelopment() bool {
	return e == EnvDevelopment
}

// SamplingConfig configures the head sampler.
type SamplingConfig struct {
	Environment Environment
	// Ratio is the fraction of root traces sampled outside development.
	Ratio float64
	// KeepErrors records traces the ratio would drop so a TailProcessor can
	// still export them when they end in error.
	KeepErrors bool
}

// Sampler is the service's head sampler. Development records everything;
// other environments use a parent-based trace-id ratio sampler, so the
// decision is made once at the root and is deterministic per trace id.
type Sampler struct {
	env        Environment
	keepErrors bool
	delegate   atomic.Pointer[delegateSampler]
}

type delegateSampler struct {
	sampler sdktrace.Sampler
	ratio   float64
}

var _ sdktrace.Sampler = (*Sampler)(nil)

// NewSampler builds a sampler from cfg. The ratio is clamped to [0,1].
func NewSampler(cfg SamplingConfig) *Sampler {
	s := &Sampler{env: cfg.Environment, keepErrors: cfg.KeepErrors}
	s.SetRatio(cfg.Ratio)
	return s
}

// SetRatio atomically replaces the sampling ratio. Traces already started
// keep their decision; children follow their parent regardless.
func (s *Sampler) SetRatio(ratio float64) {
	ratio = clampRatio(ratio)
	s.delegate.Store(&delegateSampler{sampler: s.build(ratio), ratio: ratio})
}

// Ratio returns the active sampling ratio.
func (s *Sampler) Ratio() float64 {
	return s.delegate.Load().ratio
}

// KeepErrors reports whether dropped traces are recorded for tail sampling.
func (s *Sampler) KeepErrors() bool {
	return s.keepErrors && !s.env.IsDevelopment()
}

func (s *Sampler) build(ratio float64) sdktrace.Sampler {
	if s.env.IsDevelopment() {
		return sdktrace.AlwaysSample()
	}

	var root sdktrace.Sampler = sdktrace.TraceIDRatioBased(ratio)
	var opts []sdktrace.ParentBasedSamplerOption
	if s.keepErrors {
		root = recordDropped{inner: root}
		opts = append(opts,
			sdktrace.WithLocalParentNotSampled(recordOnly{}),
			sdktrace.WithRemoteParentNotSampled(recordOnly{}),
		)
	}
	return sdktrace.ParentBased(root, opts...)
}

// ShouldSample implements sdktrace.Sampler.
func (s *Sampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	return s.delegate.Load().sampler.ShouldSample(p)
}

// Description implements sdktrace.Sampler.
func (s *Sampler) Description() string {
	d := s.delegate.Load()
	return fmt.Sprintf("AgePredictSampler{env=%s,keepErrors=%t,%s}", s.env, s.keepErrors, d.sampler.Description())
}

// ShouldSample reports whether a trace would be sampled (exported) under the
// given environment and ratio. isRoot does not change the answer: the ratio
// decision depends only on the trace id, so a non-root span of the trace
// gets the same answer as its root.
func ShouldSample(traceID trace.TraceID, _ bool, env Environment, ratio float64) bool {
	s := NewSampler(SamplingConfig{Environment: env, Ratio: ratio})
	res := s.ShouldSample(sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       traceID,
		Name:          "root",
		Kind:          trace.SpanKindServer,
	})
	return res.Decision == sdktrace.RecordAndSample
}

func clampRatio(r float64) float64 {
	switch {
	case r != r: // NaN
		return 0
	case r < 0:
		return 0
	case r > 1:
		return 1
	default:
		return r
	}
}

// recordDropped turns a Drop decision into RecordOnly so the spans are still
// built and can be promoted by a TailProcessor.
type recordDropped struct {
	inner sdktrace.Sampler
}

func (r recordDropped) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	res := r.inner.ShouldSample(p)
	if res.Decision == sdktrace.Drop {
		res.Decision = sdktrace.RecordOnly
	}
	return res
}

func (r recordDropped) Description() string {
	return "RecordDropped{" + r.inner.Description() + "}"
}

// recordOnly keeps children of unsampled parents recording.
type recordOnly struct{}

func (recordOnly) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	return sdktrace.SamplingResult{
		Decision:   sdktrace.RecordOnly,
		Tracestate: trace.SpanContextFromContext(p.ParentContext).TraceState(),
	}
}

func (recordOnly) Description() string {
	return "RecordOnly"
}
