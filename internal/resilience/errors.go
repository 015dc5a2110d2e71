// Package resilience provides retry and circuit-breaker patterns for model
// backend calls.
package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// TransientError wraps an error that is safe to retry (429, 5xx, network
// timeout).
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps an error as transient with an optional HTTP status code.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient returns true if the error (or any error in its chain) is a
// TransientError, or matches common transient patterns: network timeouts,
// connection resets, a backend call cut off by its per-call deadline.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	// A timed-out backend invocation is retryable; a cancelled batch is not.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String heuristics for errors wrapped by HTTP clients.
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection reset by peer",
		"broken pipe",
		"timeout",
		"temporarily unavailable",
		"too many requests",
		"rate limit",
		"overloaded",
		"status 429",
		"status 500",
		"status 502",
		"status 503",
		"status 529",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
