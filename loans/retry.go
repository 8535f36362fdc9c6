package loans

import (
	"context"
	"time"
)

// RetryOnConflict runs fn up to attempts times while it fails with a
// retryable error, sleeping backoff*attempt between tries. Any other error,
// or the last conflict, is returned as is.
func RetryOnConflict(ctx context.Context, attempts int, backoff time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 1; i <= attempts; i++ {
		err = fn()
		if err == nil || !IsRetryable(err) || i == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff * time.Duration(i)):
		}
	}
	return err
}
