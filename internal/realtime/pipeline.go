// Package realtime orchestrates live ingestion: one supervised worker per
// (provider, instrument) stream, reconnect with jittered backoff, a
// heartbeat watchdog, write-then-commit offset ordering, and candle
// aggregation fed by durably written trades.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tickerd/internal/candle"
	"tickerd/internal/config"
	"tickerd/internal/domain"
	"tickerd/internal/feed"
	"tickerd/internal/norm"
	"tickerd/internal/store"
	"tickerd/internal/util"
)

// subscription is one configured (provider, instrument) stream.
type subscription struct {
	inst      domain.Instrument
	kinds     []domain.RecordKind
	quoteMode domain.QuoteMode
}

// Pipeline runs every configured stream until cancelled.
type Pipeline struct {
	store     *store.Store
	adapters  *feed.Registry
	norm      *norm.Normalizer
	agg       *candle.Aggregator
	cfg       config.Realtime
	flushIdle time.Duration
	backoff   util.Backoff
	log       *slog.Logger

	subs []subscription

	mu       sync.Mutex
	degraded map[string]bool // stream key -> degraded
}

// New builds the pipeline from configuration. The aggregator is shared by
// every worker; the storage writer is the only other shared state.
func New(st *store.Store, adapters *feed.Registry, normalizer *norm.Normalizer, agg *candle.Aggregator, cfg *config.Config, log *slog.Logger) *Pipeline {
	var subs []subscription
	for _, in := range cfg.Instruments {
		if p, ok := cfg.Providers[in.Provider]; !ok || p.Disabled {
			continue
		}
		var kinds []domain.RecordKind
		for _, k := range in.Kinds {
			kinds = append(kinds, domain.RecordKind(k))
		}
		subs = append(subs, subscription{
			inst: domain.Instrument{
				Symbol:         in.Symbol,
				Provider:       in.Provider,
				ProviderSymbol: in.ProviderSymbol,
				AssetClass:     domain.AssetClass(in.AssetClass),
				BaseCurrency:   in.BaseCurrency,
				QuoteCurrency:  in.QuoteCurrency,
				Active:         true,
			},
			kinds:     kinds,
			quoteMode: domain.QuoteMode(in.QuoteMode),
		})
	}

	return &Pipeline{
		store:     st,
		adapters:  adapters,
		norm:      normalizer,
		agg:       agg,
		cfg:       cfg.Realtime,
		flushIdle: cfg.Candles.FlushIdle.Std(),
		backoff: util.Backoff{
			Min:    cfg.Realtime.BackoffMin.Std(),
			Max:    cfg.Realtime.BackoffMax.Std(),
			Factor: cfg.Realtime.BackoffFactor,
			Jitter: cfg.Realtime.BackoffJitter,
		},
		log:      log.With("component", "realtime"),
		subs:     subs,
		degraded: make(map[string]bool),
	}
}

// Run starts every stream worker plus the idle-flush ticker and blocks
// until ctx is cancelled. Shutdown flushes open candle buckets.
func (p *Pipeline) Run(ctx context.Context) error {
	if len(p.subs) == 0 {
		return errors.New("no instruments configured for realtime ingestion")
	}

	// Rebuild open buckets before consuming anything new, so a restart
	// mid-bucket does not undercount.
	insts := make([]domain.Instrument, len(p.subs))
	for i, s := range p.subs {
		insts[i] = s.inst
	}
	if err := p.agg.Rehydrate(ctx, p.store, insts, time.Now().UTC()); err != nil {
		p.log.Warn("rehydration incomplete", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range p.subs {
		sub := sub
		g.Go(func() error {
			w := newWorker(p, sub)
			w.run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		p.tickLoop(gctx)
		return nil
	})
	g.Wait()

	// Final flush with a fresh context; the run context is already dead.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.agg.FlushAll(flushCtx, time.Now().UTC()); err != nil {
		return fmt.Errorf("flushing candles at shutdown: %w", err)
	}
	return ctx.Err()
}

// tickLoop flushes buckets whose end has passed even when no trade arrives
// to advance the watermark.
func (p *Pipeline) tickLoop(ctx context.Context) {
	interval := p.flushIdle
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := p.agg.Tick(ctx, now.UTC()); err != nil {
				p.log.Error("idle candle flush", "error", err)
			}
		}
	}
}

func (p *Pipeline) setDegraded(key string, degraded bool) {
	p.mu.Lock()
	p.degraded[key] = degraded
	p.mu.Unlock()
}

// Ready reports readiness: at least one stream is up and not degraded.
// Wired into the ops readiness probe.
func (p *Pipeline) Ready(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.degraded) == 0 {
		return errors.New("no stream has connected yet")
	}
	for _, d := range p.degraded {
		if !d {
			return nil
		}
	}
	return errors.New("all streams degraded")
}
