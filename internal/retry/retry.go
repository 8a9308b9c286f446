// Package retry implements bounded exponential backoff for transient infrastructure failures.
//
// Every polling and retry loop in certrotor goes through Do so that waits are bounded
// and fail closed: when attempts run out the caller receives an *ExhaustedError and the
// operation halts instead of blocking indefinitely.
//
// The delay before attempt n (n >= 1) is InitialBackoff * 2^(n-1), capped at MaxBackoff,
// plus a jitter share that grows linearly with the attempt number.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the retry behavior. MaxRetries and InitialBackoff must be positive.
type Config struct {
	// MaxRetries is the maximum number of calls to fn.
	MaxRetries int `yaml:"max_retries" json:"max_retries" env:"CERTROTOR_RETRY_MAX"`

	// InitialBackoff is the delay before the second attempt.
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" env:"CERTROTOR_RETRY_INITIAL_BACKOFF"`

	// MaxBackoff caps a single delay. Zero means no cap.
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff" env:"CERTROTOR_RETRY_MAX_BACKOFF"`

	// Jitter is the fraction (0.0 to 1.0) of the delay added at the final attempt.
	Jitter float64 `yaml:"jitter" json:"jitter"`
}

// Valid reports whether the configuration can drive a retry loop.
func (c Config) Valid() bool {
	return c.MaxRetries > 0 && c.InitialBackoff > 0 && c.Jitter >= 0 && c.Jitter <= 1
}

// ShouldRetryFunc decides whether an error is worth another attempt.
// A nil ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// NotifyFunc observes each failed attempt before the next backoff.
type NotifyFunc func(attempt int, err error, next time.Duration)

// ExhaustedError is returned when all attempts failed with retryable errors.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do executes fn until it succeeds, returns a non-retryable error, the context is done,
// or cfg.MaxRetries attempts have been made.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	return DoNotify(ctx, cfg, fn, shouldRetry, nil)
}

// DoNotify is Do with a hook invoked after every retryable failure.
func DoNotify(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc, notify NotifyFunc) error {
	attempts := cfg.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err

		if attempt == attempts {
			break
		}

		delay := Backoff(cfg, attempt)
		if notify != nil {
			notify(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return &ExhaustedError{Attempts: attempts, Last: lastErr}
}

// Backoff returns the delay that follows a failed attempt (1-based).
func Backoff(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && (backoff > cfg.MaxBackoff || backoff < 0) {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 && cfg.MaxRetries > 0 {
		backoff += time.Duration(float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries))
	}

	return backoff
}
