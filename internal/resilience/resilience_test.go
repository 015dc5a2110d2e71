package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(NewTransientError(errors.New("boom"), 503)))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("api error: status 429 too many requests")))
	assert.False(t, IsTransient(errors.New("invalid api key")))
}

func TestDoVal_SucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}

	calls := 0
	val, err := DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(errors.New("flaky"), 500)
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 3, calls)
}

func TestDoVal_NonTransientNotRetried(t *testing.T) {
	ctx := context.Background()
	cfg := RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond}

	calls := 0
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		calls++
		return "", errors.New("invalid request")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoVal_CancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 5, InitialBackoff: time.Millisecond}

	calls := 0
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (string, error) {
		calls++
		cancel()
		return "", NewTransientError(errors.New("flaky"), 500)
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	ctx := context.Background()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 2, ResetTimeout: time.Minute})

	fail := func(ctx context.Context) (int, error) { return 0, errors.New("down") }

	_, err := ExecuteVal(ctx, cb, fail)
	assert.Error(t, err)
	_, err = ExecuteVal(ctx, cb, fail)
	assert.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())

	// Calls are now rejected without invoking the backend.
	calls := 0
	_, err = ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) {
		calls++
		return 1, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 0, calls)
}

func TestCircuitBreaker_HalfOpenProbeRecovers(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second}).
		WithNow(func() time.Time { return now })

	_, _ = ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 0, errors.New("down") })
	assert.Equal(t, CircuitOpen, cb.State())

	// After the reset timeout a probe is allowed; success closes the circuit.
	now = now.Add(2 * time.Second)
	val, err := ExecuteVal(ctx, cb, func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, val)
	assert.Equal(t, CircuitClosed, cb.State())
}
