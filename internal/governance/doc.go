// Package governance holds the safety controls applied to outbound calls:
// bounded retries with exponential backoff, per-call deadlines and a circuit
// breaker that stops calling an upstream which keeps failing.
//
// The prediction client wraps every upstream request in these primitives so
// a slow or failing third-party API cannot hold a request goroutine
// indefinitely.
package governance
