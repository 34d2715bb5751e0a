package shop

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval (before jitter).
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// permanentError marks a failure that retrying cannot fix (4xx responses,
// undecodable bodies).
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// permanent wraps err so Retry returns it without further attempts.
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes fn up to maxAttempts times with exponential backoff and
// jitter. It returns nil on the first successful call, the error itself if fn
// reports a permanent failure, or a wrapped error containing the last failure
// if all attempts are exhausted.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := range maxAttempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt < maxAttempts-1 {
			delay := backoffDelay(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// backoffDelay computes the delay for a given attempt index, applying
// exponential growth with 50–100 % jitter.
func backoffDelay(attempt int) time.Duration {
	delay := baseDelay * (1 << attempt)
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	// Jitter: uniform in [delay/2, delay).
	jitter := time.Duration(rand.Int63n(int64(delay) / 2)) //nolint:gosec // jitter does not need crypto/rand
	return delay/2 + jitter
}
