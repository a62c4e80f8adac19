// Package candle aggregates normalized trades into OHLCV candles across
// configurable granularities.
//
// One accumulator is open per (provider, symbol, granularity) at a time,
// keyed by the epoch-aligned bucket start. A bucket is flushed and its
// accumulator evicted when the stream's event-time watermark or a wall-clock
// tick passes the bucket end. Trades that arrive for an already-flushed
// bucket within the lateness window become merge corrections through the
// storage writer; anything older is dropped and counted.
package candle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickerd/internal/domain"
	"tickerd/internal/ops"
)

// Writer is the storage surface the aggregator flushes through.
type Writer interface {
	// UpsertCandles replaces whole candle rows, idempotent on the candle
	// natural key. Used for bucket flushes.
	UpsertCandles(ctx context.Context, candles []domain.Candle) error

	// MergeTrade folds one late trade into an already-flushed candle:
	// widens high/low, adds volume and trade count, and rewrites close only
	// when the trade is newer than the stored last event time. Open is
	// never changed by a merge.
	MergeTrade(ctx context.Context, t domain.Trade, granularity time.Duration) error
}

// Config sets the bucket widths to build and the correction tolerance.
type Config struct {
	// Granularities lists the bucket widths built independently from the
	// same trade stream.
	Granularities []time.Duration

	// Lateness bounds how far behind the watermark a trade may arrive and
	// still correct a flushed candle.
	Lateness time.Duration
}

type streamKey struct {
	provider string
	symbol   string
	g        time.Duration
}

// accum is one open bucket. Open tracks the first print by event time and
// Close the last, with the stream sequence number as tiebreak, so
// intra-bucket reordering cannot corrupt either edge.
type accum struct {
	c          domain.Candle
	firstEvent time.Time
	firstSeq   int64
	lastSeq    int64
}

func newAccum(t domain.Trade, bucket time.Time, g time.Duration) *accum {
	return &accum{
		c: domain.Candle{
			Provider:      t.Provider,
			Symbol:        t.Symbol,
			Granularity:   g,
			BucketStart:   bucket,
			Open:          t.Price,
			High:          t.Price,
			Low:           t.Price,
			Close:         t.Price,
			Volume:        t.Size,
			TradeCount:    1,
			LastEventTime: t.EventTime,
			CorrID:        t.CorrID,
		},
		firstEvent: t.EventTime,
		firstSeq:   t.Seq,
		lastSeq:    t.Seq,
	}
}

func (a *accum) apply(t domain.Trade) {
	if t.Price > a.c.High {
		a.c.High = t.Price
	}
	if t.Price < a.c.Low {
		a.c.Low = t.Price
	}
	a.c.Volume += t.Size
	a.c.TradeCount++

	if t.EventTime.Before(a.firstEvent) ||
		(t.EventTime.Equal(a.firstEvent) && t.Seq < a.firstSeq) {
		a.c.Open = t.Price
		a.firstEvent = t.EventTime
		a.firstSeq = t.Seq
	}
	if t.EventTime.After(a.c.LastEventTime) ||
		(t.EventTime.Equal(a.c.LastEventTime) && t.Seq >= a.lastSeq) {
		a.c.Close = t.Price
		a.c.LastEventTime = t.EventTime
		a.c.CorrID = t.CorrID
		a.lastSeq = t.Seq
	}
}

// stream holds per-(provider, symbol, granularity) state.
type stream struct {
	open      *accum
	watermark time.Time
	// flushedThru is the end of the newest flushed bucket; anything ending
	// at or before it takes the late path.
	flushedThru time.Time
}

type correction struct {
	t domain.Trade
	g time.Duration
}

// Aggregator builds candles from the normalized trade stream.
type Aggregator struct {
	w   Writer
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	streams map[streamKey]*stream
	// Flushed candles and corrections not yet accepted by the writer.
	// Requeued on write failure so accumulator state is mutated exactly
	// once per trade regardless of storage hiccups.
	flushQ []domain.Candle
	corrQ  []correction
}

// New creates an aggregator flushing through w.
func New(w Writer, cfg Config, log *slog.Logger) *Aggregator {
	if len(cfg.Granularities) == 0 {
		cfg.Granularities = []time.Duration{time.Minute}
	}
	if cfg.Lateness < 0 {
		cfg.Lateness = 0
	}
	return &Aggregator{
		w:       w,
		cfg:     cfg,
		log:     log,
		streams: make(map[streamKey]*stream),
	}
}

// Observe folds durably written trades into the open accumulators and hands
// any resulting flushes and corrections to the writer. Callers must submit
// only trades the storage writer reported inserted, and must not submit the
// same trade twice: a returned error means the writer is unavailable and the
// pending output is requeued internally, not that state was lost.
func (a *Aggregator) Observe(ctx context.Context, trades []domain.Trade) error {
	a.mu.Lock()
	for _, t := range trades {
		for _, g := range a.cfg.Granularities {
			a.observeOne(t, g)
		}
	}
	a.mu.Unlock()

	return a.drain(ctx)
}

// observeOne routes one trade for one granularity. Caller holds a.mu.
func (a *Aggregator) observeOne(t domain.Trade, g time.Duration) {
	k := streamKey{provider: t.Provider, symbol: t.Symbol, g: g}
	st := a.streams[k]
	if st == nil {
		st = &stream{}
		a.streams[k] = st
	}
	if t.EventTime.After(st.watermark) {
		st.watermark = t.EventTime
	}

	bucket := domain.AlignBucket(t.EventTime, g)
	switch {
	case st.open != nil && bucket.Equal(st.open.c.BucketStart):
		st.open.apply(t)
		return

	case st.open != nil && bucket.After(st.open.c.BucketStart):
		a.evict(st, true)
		st.open = newAccum(t, bucket, g)
		return

	case st.open == nil && bucket.Add(g).After(st.flushedThru):
		st.open = newAccum(t, bucket, g)
		return
	}

	// Late arrival for a bucket at or behind the flush horizon.
	if st.watermark.Sub(t.EventTime) > a.cfg.Lateness {
		ops.CandleLateDropped.WithLabelValues(domain.FormatGranularity(g)).Inc()
		a.log.Debug("dropping trade beyond lateness window",
			"provider", t.Provider, "symbol", t.Symbol,
			"granularity", domain.FormatGranularity(g),
			"event_time", t.EventTime, "watermark", st.watermark)
		return
	}
	a.corrQ = append(a.corrQ, correction{t: t, g: g})
}

// evict moves the open bucket onto the flush queue. Caller holds a.mu.
func (a *Aggregator) evict(st *stream, complete bool) {
	c := st.open.c
	c.Complete = complete
	a.flushQ = append(a.flushQ, c)
	if end := c.BucketStart.Add(c.Granularity); end.After(st.flushedThru) {
		st.flushedThru = end
	}
	st.open = nil
}

// drain pushes queued flushes and corrections to the writer, requeueing
// whatever the writer did not accept.
func (a *Aggregator) drain(ctx context.Context) error {
	a.mu.Lock()
	flush := a.flushQ
	corr := a.corrQ
	a.flushQ = nil
	a.corrQ = nil
	a.mu.Unlock()

	if len(flush) > 0 {
		if err := a.w.UpsertCandles(ctx, flush); err != nil {
			a.requeue(flush, corr)
			return fmt.Errorf("flushing %d candles: %w", len(flush), err)
		}
		for _, c := range flush {
			ops.CandleFlushes.WithLabelValues(domain.FormatGranularity(c.Granularity)).Inc()
		}
	}

	for i, cr := range corr {
		if err := a.w.MergeTrade(ctx, cr.t, cr.g); err != nil {
			a.requeue(nil, corr[i:])
			return fmt.Errorf("merging late trade %s/%s into %s candle: %w",
				cr.t.Provider, cr.t.Symbol, domain.FormatGranularity(cr.g), err)
		}
		ops.CandleCorrections.WithLabelValues(domain.FormatGranularity(cr.g)).Inc()
	}
	return nil
}

func (a *Aggregator) requeue(flush []domain.Candle, corr []correction) {
	a.mu.Lock()
	a.flushQ = append(flush, a.flushQ...)
	a.corrQ = append(corr, a.corrQ...)
	a.mu.Unlock()
}

// Tick flushes open buckets whose end has passed the wall clock, covering
// streams where no newer trade arrives to advance the watermark.
func (a *Aggregator) Tick(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	for _, st := range a.streams {
		if st.open != nil && !now.Before(st.open.c.BucketStart.Add(st.open.c.Granularity)) {
			a.evict(st, true)
		}
	}
	a.mu.Unlock()

	return a.drain(ctx)
}

// FlushAll flushes every open bucket, used at shutdown. Buckets whose end
// has not passed yet are written with Complete false; rehydration replaces
// them after restart.
func (a *Aggregator) FlushAll(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	for _, st := range a.streams {
		if st.open != nil {
			complete := !now.Before(st.open.c.BucketStart.Add(st.open.c.Granularity))
			a.evict(st, complete)
		}
	}
	a.mu.Unlock()

	return a.drain(ctx)
}

// Snapshot returns a copy of the open bucket for one stream, if any.
func (a *Aggregator) Snapshot(provider, symbol string, g time.Duration) (domain.Candle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.streams[streamKey{provider: provider, symbol: symbol, g: g}]
	if st == nil || st.open == nil {
		return domain.Candle{}, false
	}
	return st.open.c, true
}

// ---------------------------------------------------------------------------
// Rehydration
// ---------------------------------------------------------------------------

// TradeSource loads stored trades for rebuild after a restart. Results must
// be ordered by event time, then sequence.
type TradeSource interface {
	TradesSince(ctx context.Context, provider, symbol string, since time.Time) ([]domain.Trade, error)
}

// Rehydrate replays stored trades covering the currently open bucket of
// every granularity, so a crash mid-bucket does not undercount. Replayed
// flushes are idempotent full-row upserts.
func (a *Aggregator) Rehydrate(ctx context.Context, src TradeSource, instruments []domain.Instrument, now time.Time) error {
	since := now
	for _, g := range a.cfg.Granularities {
		if s := domain.AlignBucket(now, g); s.Before(since) {
			since = s
		}
	}

	for _, inst := range instruments {
		trades, err := src.TradesSince(ctx, inst.Provider, inst.Symbol, since)
		if err != nil {
			return fmt.Errorf("rehydrating %s/%s: %w", inst.Provider, inst.Symbol, err)
		}
		if len(trades) == 0 {
			continue
		}
		if err := a.Observe(ctx, trades); err != nil {
			return fmt.Errorf("rehydrating %s/%s: %w", inst.Provider, inst.Symbol, err)
		}
		a.log.Info("rehydrated open buckets",
			"provider", inst.Provider, "symbol", inst.Symbol,
			"trades", len(trades), "since", since)
	}
	return nil
}
