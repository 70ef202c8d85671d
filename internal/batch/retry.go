package batch

import (
	"context"
	"time"
)

const (
	DefaultInvokeAttempts = 3
	DefaultInvokeDelay    = 5 * time.Second
)

// Retry calls fn up to attempts times, sleeping delay between failed
// attempts. The error from the last attempt is returned unchanged so callers
// can still match it with errors.Is/errors.As. No backoff, no jitter, and no
// distinction between retryable and fatal errors.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}
