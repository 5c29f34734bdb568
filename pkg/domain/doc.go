// Package domain defines the core types shared by the age prediction service.
//
// This package has ZERO dependencies outside the Go standard library. It holds
// the request correlation model threaded through spans, logs and outbound
// calls, and the error taxonomy surfaced by the HTTP layer. Infrastructure
// packages (telemetry, predict, server) depend on it, never the reverse.
package domain
