package feed

import (
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Error taxonomy
// ---------------------------------------------------------------------------

// TransientError marks a provider failure worth retrying: timeouts,
// connection resets, 5xx responses.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitedError reports a provider throttle. When the provider names a
// wait (Retry-After), RetryAfter carries it; callers sleep exactly that
// long instead of their own backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// PermanentError marks a provider rejection retrying cannot fix: bad
// credentials, unknown symbol, malformed request.
type PermanentError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent provider error in %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent provider error in %s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// RangeExhaustedError reports that the requested range precedes the
// provider's retention window. The fetch job completes with this recorded.
type RangeExhaustedError struct {
	Provider string
	Start    time.Time
	End      time.Time
}

func (e *RangeExhaustedError) Error() string {
	return fmt.Sprintf("provider %s retains no data in [%s, %s)",
		e.Provider, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// ---------------------------------------------------------------------------
// Classification helpers
// ---------------------------------------------------------------------------

// IsTransient reports whether err should be retried with backoff. Rate
// limits are transient too, but carry their own wait.
func IsTransient(err error) bool {
	var te *TransientError
	var rl *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &rl)
}

// RetryAfter extracts a provider-mandated wait from err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter, true
	}
	return 0, false
}
