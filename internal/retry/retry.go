// Package retry provides exponential-backoff retry for calls to external
// dependencies.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"
)

// Config holds retry behavior
type Config struct {
	MaxAttempts     int           // total attempts including the first
	InitialDelay    time.Duration // delay before the first retry
	MaxDelay        time.Duration // backoff ceiling
	Multiplier      float64       // backoff multiplier
	RandomizeFactor float64       // jitter factor in [0,1]
	RetryIf         func(error) bool
}

// DefaultConfig returns the standard policy: 3 attempts, 1 s base delay,
// doubling backoff.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialDelay:    time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
		RetryIf:         IsRetryable,
	}
}

// Result describes a finished retry run
type Result struct {
	Attempts int
	Duration time.Duration
	Err      error
}

// Retrier executes operations with backoff
type Retrier struct {
	config *Config
}

// New creates a retrier, falling back to defaults for missing settings
func New(config *Config) *Retrier {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.RandomizeFactor < 0 {
		config.RandomizeFactor = 0
	} else if config.RandomizeFactor > 1 {
		config.RandomizeFactor = 1
	}
	if config.RetryIf == nil {
		config.RetryIf = IsRetryable
	}
	return &Retrier{config: config}
}

// Do runs the operation until it succeeds, exhausts its attempts, hits a
// non-retryable error, or the context expires. Retries never extend the
// context deadline.
func (r *Retrier) Do(ctx context.Context, op func(context.Context) error) *Result {
	start := time.Now()
	result := &Result{}

	var lastErr error
	delay := r.config.InitialDelay

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("context canceled before attempt %d: %w", attempt, err)
			break
		}

		err := op(ctx)
		if err == nil {
			result.Duration = time.Since(start)
			return result
		}
		lastErr = err

		if !r.config.RetryIf(err) || attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-time.After(r.jittered(delay)):
			delay = r.next(delay)
		case <-ctx.Done():
			lastErr = fmt.Errorf("context canceled during retry delay: %w", ctx.Err())
			result.Duration = time.Since(start)
			result.Err = lastErr
			return result
		}
	}

	result.Duration = time.Since(start)
	result.Err = lastErr
	return result
}

func (r *Retrier) jittered(delay time.Duration) time.Duration {
	if r.config.RandomizeFactor == 0 {
		return delay
	}
	delta := float64(delay) * r.config.RandomizeFactor
	return time.Duration(float64(delay) - delta + rand.Float64()*2*delta)
}

func (r *Retrier) next(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * r.config.Multiplier)
	if delay > r.config.MaxDelay {
		return r.config.MaxDelay
	}
	return delay
}

// TemporaryError marks an error as retryable
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string { return fmt.Sprintf("temporary error: %v", e.Err) }

func (e *TemporaryError) Unwrap() error { return e.Err }

// PermanentError marks an error as not retryable
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return fmt.Sprintf("permanent error: %v", e.Err) }

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error looks transient: explicit temporary
// markers, connection resets, timeouts, rate limits, and HTTP 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var tempErr *TemporaryError
	if errors.As(err, &tempErr) {
		return true
	}
	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"timeout",
		"timed out",
		"rate limit",
		"too many requests",
		"status 500", "status 502", "status 503", "status 504",
		"internal server error",
		"service unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
