package util

import (
	"context"
	"math/rand"
	"time"
)

// Backoff computes jittered exponential delays for reconnect and retry
// loops. The zero value is usable; fields left at zero fall back to
// conservative defaults.
type Backoff struct {
	Min    time.Duration // first delay
	Max    time.Duration // delay cap
	Factor float64       // growth per attempt, > 1
	Jitter float64       // fraction of the delay randomized, 0..1
}

// DefaultBackoff provides conservative reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the delay for the given attempt (1-based). Delays grow by
// Factor per attempt and saturate at Max; Jitter spreads the result inside
// [wait*(1-Jitter), wait*(1+Jitter)] so reconnecting workers do not herd.
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// Sleep blocks for the attempt's delay or until the context is cancelled.
func (b Backoff) Sleep(ctx context.Context, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(b.Next(attempt)):
		return nil
	}
}
