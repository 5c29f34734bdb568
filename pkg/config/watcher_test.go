package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	path := writeFile(t, "tracing:\n  sample_ratio: 0.1\n")

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	w.debounceTime = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("tracing:\n  sample_ratio: 0.9\n"), 0o600))

	// a truncate may be observed before the write lands; wait for the final content
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Tracing.SampleRatio == 0.9 {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}

func TestWatcher_IgnoresInvalidFile(t *testing.T) {
	path := writeFile(t, "tracing:\n  sample_ratio: 0.1\n")

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, func(c *Config) { changes <- c }, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	w.debounceTime = 20 * time.Millisecond

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	// replace atomically so no empty intermediate file is observed
	tmp := path + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("tracing:\n  sample_ratio: 7\n"), 0o600))
	require.NoError(t, os.Rename(tmp, path))

	select {
	case <-changes:
		t.Fatal("invalid configuration must not be applied")
	case <-time.After(300 * time.Millisecond):
	}
}
