package feed

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Limiters holds one token bucket per provider. Backfill workers and
// realtime reconnects for the same provider draw from the same bucket, so
// a burst of historical fetches cannot starve the stream's budget.
type Limiters struct {
	mu sync.RWMutex
	m  map[string]*rate.Limiter
}

// NewLimiters creates an empty limiter set.
func NewLimiters() *Limiters {
	return &Limiters{m: make(map[string]*rate.Limiter)}
}

// Set installs the bucket for a provider, replacing any existing one.
func (l *Limiters) Set(provider string, perSec float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m[provider] = rate.NewLimiter(rate.Limit(perSec), burst)
}

// Wait blocks until the provider's bucket grants a token or ctx is
// cancelled. Unknown providers fail loudly rather than running unthrottled.
func (l *Limiters) Wait(ctx context.Context, provider string) error {
	l.mu.RLock()
	lim, ok := l.m[provider]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no rate limiter configured for provider %q", provider)
	}
	return lim.Wait(ctx)
}

// Allow reports whether a token is immediately available, without blocking.
func (l *Limiters) Allow(provider string) bool {
	l.mu.RLock()
	lim, ok := l.m[provider]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	return lim.Allow()
}
