package telemetry

import (
	"context"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/baggage"

	"github.com/polisai/agepredict/pkg/domain"
)

// Span attribute keys used for correlation.
const (
	// AttrRequestID is the normalized request id attribute stamped on every span.
	AttrRequestID = attribute.Key(domain.HeaderRequestID)
	// AttrTenantID and AttrTenantHost carry tenant identifiers when present.
	AttrTenantID   = attribute.Key(domain.HeaderTenantID)
	AttrTenantHost = attribute.Key(domain.HeaderTenantHost)

	// AttrLogRequestID and AttrLogTenantID are set by the log handler so a span
	// records which identifiers its log lines carried.
	AttrLogRequestID = attribute.Key("log.requestId")
	AttrLogTenantID  = attribute.Key("log.tenantId")

	headerAttrPrefix = "http.request.header."
)

// HeaderAttributeKey returns the semantic-convention attribute key for a
// captured request header, e.g. "http.request.header.x-request-id".
func HeaderAttributeKey(header string) attribute.Key {
	return attribute.Key(headerAttrPrefix + domain.NormalizeHeaderKey(header))
}

// legacyHeaderAttributeKey is the underscore form some instrumentations emit
// ("http.request.header.x_request_id"). It is accepted with the same
// precedence as the dashed form.
func legacyHeaderAttributeKey(header string) attribute.Key {
	return attribute.Key(headerAttrPrefix + strings.ReplaceAll(domain.NormalizeHeaderKey(header), "-", "_"))
}

// RequestIDFromAttributes resolves the request id from a span attribute set.
// The structured header attribute wins over the raw "x-request-id" attribute.
func RequestIDFromAttributes(attrs []attribute.KeyValue) (string, bool) {
	return lookupHeaderAttribute(attrs, domain.HeaderRequestID)
}

// CorrelationFromAttributes resolves every correlation identifier present in attrs.
func CorrelationFromAttributes(attrs []attribute.KeyValue) domain.Correlation {
	var c domain.Correlation
	c.RequestID, _ = lookupHeaderAttribute(attrs, domain.HeaderRequestID)
	c.TenantID, _ = lookupHeaderAttribute(attrs, domain.HeaderTenantID)
	c.TenantHost, _ = lookupHeaderAttribute(attrs, domain.HeaderTenantHost)
	return c
}

func lookupHeaderAttribute(attrs []attribute.KeyValue, header string) (string, bool) {
	structured := HeaderAttributeKey(header)
	legacy := legacyHeaderAttributeKey(header)
	raw := attribute.Key(domain.NormalizeHeaderKey(header))

	var fallback string
	for _, kv := range attrs {
		switch kv.Key {
		case structured, legacy:
			if v, ok := firstString(kv.Value); ok {
				return v, true
			}
		case raw:
			if fallback == "" {
				fallback, _ = firstString(kv.Value)
			}
		}
	}
	return fallback, fallback != ""
}

func firstString(v attribute.Value) (string, bool) {
	switch v.Type() {
	case attribute.STRING:
		s := v.AsString()
		return s, s != ""
	case attribute.STRINGSLICE:
		for _, s := range v.AsStringSlice() {
			if s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// CorrelationFromHeaders reads the allow-listed correlation headers.
func CorrelationFromHeaders(h http.Header) domain.Correlation {
	return domain.Correlation{
		RequestID:  h.Get(domain.HeaderRequestID),
		TenantID:   h.Get(domain.HeaderTenantID),
		TenantHost: h.Get(domain.HeaderTenantHost),
	}
}

// HeaderAttributes converts the allow-listed headers present in h into
// string-slice span attributes.
func HeaderAttributes(h http.Header) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(domain.CorrelationHeaders))
	for _, name := range domain.CorrelationHeaders {
		values := h.Values(name)
		if len(values) == 0 {
			continue
		}
		attrs = append(attrs, attribute.StringSlice(string(HeaderAttributeKey(name)), values))
	}
	return attrs
}

// CorrelationAttributes returns the normalized attributes for c, skipping empty fields.
func CorrelationAttributes(c domain.Correlation) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if c.RequestID != "" {
		attrs = append(attrs, AttrRequestID.String(c.RequestID))
	}
	if c.TenantID != "" {
		attrs = append(attrs, AttrTenantID.String(c.TenantID))
	}
	if c.TenantHost != "" {
		attrs = append(attrs, AttrTenantHost.String(c.TenantHost))
	}
	return attrs
}

type correlationKey struct{}

// WithCorrelation stores c in ctx for the lifetime of a request.
func WithCorrelation(ctx context.Context, c domain.Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

// CorrelationFromContext returns the correlation stored by WithCorrelation.
func CorrelationFromContext(ctx context.Context) (domain.Correlation, bool) {
	c, ok := ctx.Value(correlationKey{}).(domain.Correlation)
	return c, ok
}

// RequestIDFromBaggage returns the request id carried as a baggage member.
func RequestIDFromBaggage(ctx context.Context) (string, bool) {
	v := baggage.FromContext(ctx).Member(domain.HeaderRequestID).Value()
	return v, v != ""
}

// ContextWithBaggageRequestID adds the request id to the baggage in ctx so it
// crosses process boundaries even where attribute backfill does not apply.
func ContextWithBaggageRequestID(ctx context.Context, requestID string) (context.Context, error) {
	if requestID == "" {
		return ctx, nil
	}
	member, err := baggage.NewMemberRaw(domain.HeaderRequestID, requestID)
	if err != nil {
		return ctx, err
	}
	bag, err := baggage.FromContext(ctx).SetMember(member)
	if err != nil {
		return ctx, err
	}
	return baggage.ContextWithBaggage(ctx, bag), nil
}
