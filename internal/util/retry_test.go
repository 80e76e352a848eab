package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0

	result := Retry(context.Background(), nil, func() error {
		attempts++
		return nil
	})

	if result.Attempts != 1 || attempts != 1 {
		t.Errorf("expected 1 attempt, got %d (%d calls)", result.Attempts, attempts)
	}
	if result.LastError != nil {
		t.Errorf("expected no error, got %v", result.LastError)
	}
}

func TestRetry_SuccessAfterRetries(t *testing.T) {
	attempts := 0

	result := Retry(context.Background(), fastConfig(5), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("connection refused")
		}
		return nil
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if result.LastError != nil {
		t.Errorf("expected no error, got %v", result.LastError)
	}
}

func TestRetry_MaxRetriesExceeded(t *testing.T) {
	dialErr := errors.New("dial failed")

	result := Retry(context.Background(), fastConfig(2), func() error {
		return dialErr
	})

	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts (1 + 2 retries), got %d", result.Attempts)
	}
	if !errors.Is(result.LastError, ErrMaxRetriesExceeded) {
		t.Errorf("expected ErrMaxRetriesExceeded, got %v", result.LastError)
	}
	if !errors.Is(result.LastError, dialErr) {
		t.Errorf("expected wrapped dial error, got %v", result.LastError)
	}
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(-1)
	cfg.BaseDelay = time.Second

	attempts := 0
	result := Retry(ctx, cfg, func() error {
		attempts++
		cancel()
		return errors.New("still failing")
	})

	if attempts != 1 {
		t.Errorf("expected 1 attempt before cancellation, got %d", attempts)
	}
	if !errors.Is(result.LastError, ErrContextCanceled) {
		t.Errorf("expected ErrContextCanceled, got %v", result.LastError)
	}
}

func TestRetry_NonRetryableError(t *testing.T) {
	attempts := 0

	result := Retry(context.Background(), fastConfig(5), func() error {
		attempts++
		return MarkNonRetryable(errors.New("user rejected"))
	})

	if attempts != 1 {
		t.Errorf("non-retryable error should stop after 1 attempt, got %d", attempts)
	}
	if !IsNonRetryable(result.LastError) {
		t.Errorf("expected non-retryable error, got %v", result.LastError)
	}
}

func TestRetry_RetryIfFunction(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := fastConfig(5)
	cfg.RetryIf = func(err error) bool { return !errors.Is(err, permanent) }

	attempts := 0
	Retry(context.Background(), cfg, func() error {
		attempts++
		if attempts == 2 {
			return permanent
		}
		return errors.New("transient")
	})

	if attempts != 2 {
		t.Errorf("expected RetryIf to stop at attempt 2, got %d", attempts)
	}
}

func TestRetryWithValue(t *testing.T) {
	attempts := 0
	val, result := RetryWithValue(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", errors.New("not yet")
		}
		return "connected", nil
	})

	if val != "connected" {
		t.Errorf("expected value 'connected', got %q", val)
	}
	if result.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", result.Attempts)
	}
}

func TestRetryWithValue_FailureReturnsZero(t *testing.T) {
	val, result := RetryWithValue(context.Background(), fastConfig(1), func() (int, error) {
		return 42, errors.New("broken")
	})

	if val != 0 {
		t.Errorf("expected zero value on failure, got %d", val)
	}
	if result.LastError == nil {
		t.Error("expected an error")
	}
}

func TestBackoff(t *testing.T) {
	cfg := &RetryConfig{BaseDelay: 100 * time.Millisecond, Multiplier: 2.0}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoff(cfg, tt.attempt); got != tt.want {
			t.Errorf("backoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_MaxDelayAndJitter(t *testing.T) {
	cfg := &RetryConfig{BaseDelay: time.Second, MaxDelay: 3 * time.Second, Multiplier: 10}
	if got := backoff(cfg, 4); got != 3*time.Second {
		t.Errorf("expected clamp to 3s, got %v", got)
	}

	cfg = &RetryConfig{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 20; i++ {
		d := backoff(cfg, 1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms]", d)
		}
	}
}
