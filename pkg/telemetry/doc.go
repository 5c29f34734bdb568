// Package telemetry wires OpenTelemetry tracing, metrics and log correlation
// for the age prediction service.
//
// It builds an explicitly owned Provider (no global tracer provider) whose
// span pipeline stamps the inbound request id on every span, backfills it onto
// parents, samples per environment with an optional keep-errors tail stage,
// and batches spans to an OTLP exporter plus an optional stdout debug
// exporter. LogHandler joins slog records to the active span.
package telemetry
