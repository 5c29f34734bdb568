// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/polisai/agepredict/pkg/telemetry"
)

// Config holds logging configuration.
type Config struct {
	Level string
	// Format is "json" (default) or "text".
	Format string
	Output io.Writer

	// Static metadata attached to every record.
	Service   string
	Version   string
	Namespace string
}

// ParseLevel maps a level name to a slog level. Unknown names yield info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return telemetry.LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the service logger: a JSON or text handler wrapped by the
// span-correlating telemetry.LogHandler, tagged with service metadata.
func NewLogger(cfg Config) *slog.Logger {
	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		ReplaceAttr: replaceLevel,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}

	logger := slog.New(telemetry.NewLogHandler(handler))

	var meta []any
	if cfg.Service != "" {
		meta = append(meta, "service", cfg.Service)
	}
	if cfg.Version != "" {
		meta = append(meta, "version", cfg.Version)
	}
	if cfg.Namespace != "" {
		meta = append(meta, "k8s.namespace", cfg.Namespace)
	}
	if len(meta) > 0 {
		logger = logger.With(meta...)
	}
	return logger
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if level, ok := a.Value.Any().(slog.Level); ok && level <= telemetry.LevelTrace {
			a.Value = slog.StringValue("TRACE")
		}
	}
	return a
}
