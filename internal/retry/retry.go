// Package retry implements the bounded exponential backoff applied at the
// collaborator boundary. Only errors marked transient (network timeouts,
// rate-limit responses) are retried; semantic failures such as "no location
// data" pass straight through.
package retry

import (
	"context"
	"errors"
	"time"
)

// TransientError wraps an error that should trigger a retry.
type TransientError struct{ Err error }

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Do executes fn up to attempts times, doubling delay after each failed
// attempt. Non-transient errors are returned immediately. Returns the last
// error when all attempts fail, or ctx.Err() once the context is cancelled.
func Do(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	attempts = max(attempts, 1)
	var lastErr error

	for i := range attempts {
		if err := fn(); err == nil {
			return nil
		} else if lastErr = err; !errors.As(err, new(*TransientError)) {
			return err
		}

		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				delay *= 2
			}
		}
	}
	return lastErr
}

// WithBackoff runs fn with the default policy: 3 attempts starting at one
// second between tries.
func WithBackoff(ctx context.Context, fn func() error) error {
	return Do(ctx, 3, time.Second, fn)
}
