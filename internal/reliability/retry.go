package reliability

import (
	"context"
	"time"
)

// Retry calls fn until it succeeds, retryable reports false, or maxRetries extra
// attempts have been made. Backoff waits respect ctx, so the overall call stays
// within the caller's deadline.
func Retry(ctx context.Context, maxRetries int, base, cap time.Duration, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= maxRetries || retryable == nil || !retryable(err) {
			return err
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, base, cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
