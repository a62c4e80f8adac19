package util

import (
	"context"
)

// Retry calls fn up to maxAttempts times, sleeping b's delay for the
// attempt number between calls. It returns nil on the first successful
// call, or the last error once attempts are exhausted. A context
// cancellation during the wait also returns the last error, so callers can
// tell a real failure from a clean shutdown via ctx.Err().
func Retry(ctx context.Context, b Backoff, maxAttempts int, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		if serr := b.Sleep(ctx, attempt); serr != nil {
			return err
		}
	}
	return err
}
