package resilience

import (
	"errors"
	"testing"
	"time"
)

func fastRetryConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	err := Retry(func() error {
		attempts++
		if attempts < 3 {
			return errors.New("timeout")
		}
		return nil
	}, fastRetryConfig(5), IsRetryableNetworkError)

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(func() error {
		attempts++
		return errors.New("timeout")
	}, fastRetryConfig(3), IsRetryableNetworkError)

	if err == nil {
		t.Fatal("expected the last error to surface")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := Retry(func() error {
		attempts++
		return errors.New("invalid credentials")
	}, fastRetryConfig(3), IsRetryableNetworkError)

	if err == nil {
		t.Fatal("expected the error to surface")
	}
	if attempts != 1 {
		t.Errorf("non-retryable error should stop after 1 attempt, got %d", attempts)
	}
}

func TestIsRetryableNetworkError(t *testing.T) {
	retryable := []string{
		"dial tcp: connection refused",
		"read: connection reset by peer",
		"context deadline exceeded",
		"i/o timeout",
		"rate limit exceeded",
		"upstream returned 503",
	}
	for _, msg := range retryable {
		if !IsRetryableNetworkError(errors.New(msg)) {
			t.Errorf("%q should be retryable", msg)
		}
	}

	if IsRetryableNetworkError(errors.New("invalid phone number")) {
		t.Error("validation errors should not be retryable")
	}
	if IsRetryableNetworkError(nil) {
		t.Error("nil should not be retryable")
	}
}

func TestRetryableErrorWrapper(t *testing.T) {
	base := errors.New("boom")
	wrapped := NewRetryableError(base)

	if !IsRetryable(wrapped) {
		t.Error("wrapped error should be retryable")
	}
	if !errors.Is(wrapped, base) {
		t.Error("wrapper should unwrap to the base error")
	}
	if NewRetryableError(nil) != nil {
		t.Error("wrapping nil should stay nil")
	}
}
