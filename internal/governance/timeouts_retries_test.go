package governance

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetryConfig(maxRetries int) RetryConfig {
	cfg := DefaultRetryConfig()
	cfg.MaxRetries = maxRetries
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	cfg.Jitter = false
	return cfg
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := NewRetryPolicy(fastRetryConfig(2))

	tests := []struct {
		name    string
		method  string
		status  int
		err     error
		attempt int
		want    bool
	}{
		{"retryable status", http.MethodGet, http.StatusBadGateway, nil, 0, true},
		{"client error", http.MethodGet, http.StatusBadRequest, nil, 0, false},
		{"internal error not listed", http.MethodGet, http.StatusInternalServerError, nil, 0, false},
		{"non idempotent", http.MethodPost, http.StatusServiceUnavailable, nil, 0, false},
		{"budget spent", http.MethodGet, http.StatusServiceUnavailable, nil, 2, false},
		{"network error", http.MethodGet, 0, errors.New("dial tcp: connection refused"), 0, true},
		{"cancelled", http.MethodGet, 0, context.Canceled, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.ShouldRetry(tt.method, tt.status, tt.err, tt.attempt))
		})
	}
}

func TestRetryPolicy_CalculateBackoffCapped(t *testing.T) {
	policy := NewRetryPolicy(RetryConfig{
		MaxRetries:        5,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        30 * time.Millisecond,
		BackoffMultiplier: 2,
	})

	assert.Equal(t, 10*time.Millisecond, policy.CalculateBackoff(0))
	assert.Equal(t, 20*time.Millisecond, policy.CalculateBackoff(1))
	assert.Equal(t, 30*time.Millisecond, policy.CalculateBackoff(4))
}

func TestExecuteWithRetry_SucceedsAfterTransientStatus(t *testing.T) {
	policy := NewRetryPolicy(fastRetryConfig(3))

	calls := 0
	result, err := policy.ExecuteWithRetry(context.Background(), http.MethodGet, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return http.StatusServiceUnavailable, nil
		}
		return http.StatusOK, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, 3, result.Attempts)
	assert.Equal(t, 2, result.Retries())
}

func TestExecuteWithRetry_ReportsFinalStatusWithoutError(t *testing.T) {
	policy := NewRetryPolicy(fastRetryConfig(0))

	result, err := policy.ExecuteWithRetry(context.Background(), http.MethodGet, func(context.Context) (int, error) {
		return http.StatusInternalServerError, nil
	})

	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, result.StatusCode)
	assert.Equal(t, 1, result.Attempts)
	assert.Zero(t, result.Retries())
}

func TestExecuteWithRetry_WrapsExhaustedTransportError(t *testing.T) {
	policy := NewRetryPolicy(fastRetryConfig(1))
	cause := errors.New("read: connection reset by peer")

	result, err := policy.ExecuteWithRetry(context.Background(), http.MethodGet, func(context.Context) (int, error) {
		return 0, cause
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 2, result.Attempts)
}

func TestExecuteWithRetry_StopsOnCancelledContext(t *testing.T) {
	policy := NewRetryPolicy(fastRetryConfig(3))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := policy.ExecuteWithRetry(ctx, http.MethodGet, func(context.Context) (int, error) {
		t.Fatal("fn must not run after cancellation")
		return 0, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, result.Attempts)
}

func TestTimeoutManager_WithRequestTimeout(t *testing.T) {
	tm := NewTimeoutManager(TimeoutConfig{RequestTimeout: 50 * time.Millisecond})

	ctx, cancel := tm.WithRequestTimeout(context.Background())
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 40*time.Millisecond)

	assert.Equal(t, DefaultTimeoutConfig().RequestTimeout, NewTimeoutManager(TimeoutConfig{}).Config().RequestTimeout)
}
