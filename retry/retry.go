// Package retry provides backoff helpers for transient chain RPC failures
// and for supervising the long-running event listeners.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config holds backoff configuration.
type Config struct {
	MaxAttempts  int           // Maximum number of attempts (including the first)
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Ceiling for the backoff delay
	Multiplier   float64       // Exponential backoff multiplier
}

// DefaultConfig suits short-lived chain RPC reads.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	Multiplier:   2.0,
}

// ListenerConfig suits supervision of websocket subscriptions, which should
// keep reconnecting for the process lifetime.
var ListenerConfig = Config{
	InitialDelay: time.Second,
	MaxDelay:     time.Minute,
	Multiplier:   2.0,
}

// IsRetryable reports whether an error should trigger another attempt.
type IsRetryable func(error) bool

// Do executes fn with exponential backoff until it succeeds, the error is
// not retryable, attempts run out, or the context is cancelled.
func Do[T any](ctx context.Context, config Config, isRetryable IsRetryable, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	delay := config.InitialDelay

	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}

		if attempt < config.MaxAttempts-1 {
			select {
			case <-time.After(delay):
				delay = nextDelay(delay, config)
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}

	return zero, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// Forever runs fn repeatedly with exponential backoff between failures until
// the context is cancelled. A successful return of fn resets the backoff.
// Used to supervise event listeners across transport failures.
func Forever(ctx context.Context, config Config, fn func(context.Context) error) {
	delay := config.InitialDelay
	for {
		if ctx.Err() != nil {
			return
		}
		if err := fn(ctx); err == nil {
			delay = config.InitialDelay
		}
		select {
		case <-time.After(delay):
			delay = nextDelay(delay, config)
		case <-ctx.Done():
			return
		}
	}
}

func nextDelay(delay time.Duration, config Config) time.Duration {
	delay = time.Duration(float64(delay) * config.Multiplier)
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	return delay
}
