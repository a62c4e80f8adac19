// Package feed defines the provider adapter contract: paged historical
// fetches, live streaming, the shared per-provider rate limiter, and the
// error taxonomy adapters translate provider failures into.
package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tickerd/internal/domain"
)

// ---------------------------------------------------------------------------
// Adapter contract
// ---------------------------------------------------------------------------

// Capabilities describes which operations a provider adapter supports.
type Capabilities struct {
	Backfill bool // paged historical fetches of any kind
	Trades   bool // time-ranged trade history
	Stream   bool // live subscriptions
	Quotes   bool // quote records in either mode
	Bars     bool // provider-computed candles
}

// Page is one page of raw records from a historical fetch. An empty
// NextPageToken means the range is exhausted.
type Page struct {
	Records       []domain.RawEnvelope
	NextPageToken string
}

// Stream carries live envelopes from an adapter. Both channels close when
// the stream ends; a terminal error arrives on Errs first.
type Stream struct {
	Envelopes <-chan domain.RawEnvelope
	Errs      <-chan error
}

// Adapter is implemented once per provider. Implementations own transport,
// authentication, and pagination; they emit verbatim payloads wrapped in
// RawEnvelope and translate failures into the package error types.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	// FetchTrades returns one page of trade records in [start, end).
	FetchTrades(ctx context.Context, inst domain.Instrument, start, end time.Time, pageToken string) (Page, error)

	// FetchQuotes returns one page of quote records in [start, end).
	FetchQuotes(ctx context.Context, inst domain.Instrument, start, end time.Time, pageToken string) (Page, error)

	// FetchBars returns one page of provider-computed candles in [start, end).
	FetchBars(ctx context.Context, inst domain.Instrument, granularity time.Duration, start, end time.Time, pageToken string) (Page, error)

	// StreamLive subscribes to live records for the given instruments. The
	// stream stays open until ctx is cancelled or the connection drops.
	StreamLive(ctx context.Context, insts []domain.Instrument, kinds []domain.RecordKind) (Stream, error)
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry holds the configured adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its Name. Registering the same name twice
// is a programming error and returns an error rather than overwriting.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, ok := r.adapters[name]; ok {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	return nil
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", name)
	}
	return a, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
