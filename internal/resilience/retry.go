package resilience

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	MaxAttempts       int           // Maximum number of attempts
	InitialBackoff    time.Duration // Backoff before the first retry
	MaxBackoff        time.Duration // Cap on the backoff growth
	BackoffMultiplier float64       // Exponential growth factor
	Jitter            bool          // Randomize backoff by up to 25%
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func() error

// IsRetryableError decides whether a failure is worth another attempt
type IsRetryableError func(error) bool

// Retry executes fn until it succeeds, returns a non-retryable error, or
// the attempt budget is exhausted. A nil predicate retries every error.
func Retry(fn RetryableFunc, config *RetryConfig, isRetryable IsRetryableError) error {
	return RetryWithContext(context.Background(), fn, config, isRetryable)
}

// RetryWithContext is Retry with cancellation between attempts.
func RetryWithContext(ctx context.Context, fn RetryableFunc, config *RetryConfig, isRetryable IsRetryableError) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if isRetryable != nil && !isRetryable(err) {
			return err
		}

		if attempt == config.MaxAttempts-1 {
			break
		}

		sleep := backoff
		if config.Jitter {
			sleep += time.Duration(rand.Int63n(int64(backoff)/4 + 1))
		}
		if sleep > config.MaxBackoff {
			sleep = config.MaxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// IsRetryableNetworkError reports whether an error looks like a
// transient transport failure worth retrying.
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := err.Error()
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"network is unreachable",
		"no route to host",
		"unavailable",
		"timeout",
		"deadline exceeded",
		"rate limit",
	} {
		if strings.Contains(errStr, marker) {
			return true
		}
	}
	return false
}

// RetryableError marks an error as explicitly worth retrying, used when
// the caller knows more than the error text reveals (e.g. a 5xx reply).
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError wraps an error as retryable
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if an error carries the RetryableError marker
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
