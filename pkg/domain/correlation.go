package domain

import "strings"

// Allow-listed correlation headers. Only these inbound headers are captured
// as span attributes and forwarded to logs.
const (
	HeaderRequestID  = "x-request-id"
	HeaderTenantID   = "x-tenant-id"
	HeaderTenantHost = "x-tenant-host"
)

// CorrelationHeaders lists the headers captured from inbound requests, in the
// order they are recorded.
var CorrelationHeaders = []string{HeaderRequestID, HeaderTenantID, HeaderTenantHost}

// Correlation carries the identifiers that join spans, logs and outbound
// requests belonging to one inbound request. It is always passed by value.
type Correlation struct {
	RequestID  string
	TenantID   string
	TenantHost string
}

// IsZero reports whether no identifier is set.
func (c Correlation) IsZero() bool {
	return c.RequestID == "" && c.TenantID == "" && c.TenantHost == ""
}

// Merge returns c with empty fields filled from other.
func (c Correlation) Merge(other Correlation) Correlation {
	if c.RequestID == "" {
		c.RequestID = other.RequestID
	}
	if c.TenantID == "" {
		c.TenantID = other.TenantID
	}
	if c.TenantHost == "" {
		c.TenantHost = other.TenantHost
	}
	return c
}

// NormalizeHeaderKey lowercases a header name and trims surrounding space.
func NormalizeHeaderKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
