package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig holds configuration for retry with exponential backoff
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt (0 = no retries, -1 = unlimited)
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Multiplier is the factor by which delay increases (default: 2.0)
	Multiplier float64
	// Jitter adds randomness to delays (0.0 - 1.0)
	Jitter float64
	// RetryIf decides whether an error is worth another attempt. nil retries
	// everything not marked with MarkNonRetryable.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the defaults used for dialing wallet providers
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  250 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// RetryResult describes how a retried call went
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

// ErrMaxRetriesExceeded is returned when max retries is exceeded
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// ErrContextCanceled is returned when context is canceled during retry
var ErrContextCanceled = errors.New("context canceled during retry")

// Retry executes fn with exponential backoff
func Retry(ctx context.Context, config *RetryConfig, fn func() error) *RetryResult {
	_, res := RetryWithValue(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return res
}

// RetryWithValue executes fn with exponential backoff and returns its value
func RetryWithValue[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	retryIf := config.RetryIf
	if retryIf == nil {
		retryIf = func(err error) bool { return !IsNonRetryable(err) }
	}

	var zero T
	res := &RetryResult{}
	start := time.Now()

	for {
		res.Attempts++

		val, err := fn()
		if err == nil {
			res.LastError = nil
			res.Duration = time.Since(start)
			return val, res
		}
		res.LastError = err

		if !retryIf(err) {
			res.Duration = time.Since(start)
			return zero, res
		}

		if config.MaxRetries >= 0 && res.Attempts > config.MaxRetries {
			res.LastError = errors.Join(ErrMaxRetriesExceeded, err)
			res.Duration = time.Since(start)
			return zero, res
		}

		select {
		case <-ctx.Done():
			res.LastError = errors.Join(ErrContextCanceled, ctx.Err())
			res.Duration = time.Since(start)
			return zero, res
		case <-time.After(backoff(config, res.Attempts)):
		}
	}
}

// backoff returns baseDelay * multiplier^(attempt-1), jittered and clamped
func backoff(config *RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt-1))

	if config.Jitter > 0 {
		jitterRange := delay * config.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}

	if config.MaxDelay > 0 && time.Duration(delay) > config.MaxDelay {
		delay = float64(config.MaxDelay)
	}

	return time.Duration(delay)
}

// NonRetryableError marks an error that must not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nonRetryable *NonRetryableError
	return errors.As(err, &nonRetryable)
}

// MarkNonRetryable marks an error as non-retryable
func MarkNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}
