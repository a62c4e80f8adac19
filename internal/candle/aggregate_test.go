package candle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"tickerd/internal/domain"
)

type mergeCall struct {
	trade domain.Trade
	g     time.Duration
}

type fakeWriter struct {
	mu      sync.Mutex
	upserts [][]domain.Candle
	merges  []mergeCall
	fail    error
}

var _ Writer = (*fakeWriter)(nil)

func (w *fakeWriter) UpsertCandles(ctx context.Context, cs []domain.Candle) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	cp := make([]domain.Candle, len(cs))
	copy(cp, cs)
	w.upserts = append(w.upserts, cp)
	return nil
}

func (w *fakeWriter) MergeTrade(ctx context.Context, t domain.Trade, g time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail != nil {
		return w.fail
	}
	w.merges = append(w.merges, mergeCall{trade: t, g: g})
	return nil
}

// flushed returns every candle handed to UpsertCandles, in order.
func (w *fakeWriter) flushed() []domain.Candle {
	w.mu.Lock()
	defer w.mu.Unlock()
	var all []domain.Candle
	for _, batch := range w.upserts {
		all = append(all, batch...)
	}
	return all
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testAggregator(w Writer, gs []time.Duration, lateness time.Duration) *Aggregator {
	return New(w, Config{Granularities: gs, Lateness: lateness}, testLogger())
}

func trade(event time.Time, price, size float64, seq int64) domain.Trade {
	return domain.Trade{
		Provider:  "alpaca",
		Symbol:    "AAPL",
		Price:     price,
		Size:      size,
		Side:      domain.SideUnknown,
		EventTime: event,
		Received:  event,
		Seq:       seq,
	}
}

func TestSixtyOneTradesAcrossTwoBuckets(t *testing.T) {
	w := &fakeWriter{}
	agg := testAggregator(w, []time.Duration{time.Minute}, 2*time.Minute)
	ctx := context.Background()

	// One trade per second from 09:30:30: 30 land in the 09:30 bucket,
	// 31 in the 09:31 bucket.
	start := time.Date(2025, 6, 2, 9, 30, 30, 0, time.UTC)
	var trades []domain.Trade
	for i := 0; i < 61; i++ {
		trades = append(trades, trade(start.Add(time.Duration(i)*time.Second), 100+float64(i)*0.01, 1, int64(i)))
	}
	if err := agg.Observe(ctx, trades); err != nil {
		t.Fatalf("Observe() error: %v", err)
	}

	// The first bucket flushed when the watermark crossed into the second.
	if got := len(w.flushed()); got != 1 {
		t.Fatalf("flushed %d candles before tick, want 1", got)
	}

	// Wall clock passes the second bucket's end.
	if err := agg.Tick(ctx, time.Date(2025, 6, 2, 9, 32, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}
	flushed := w.flushed()
	if len(flushed) != 2 {
		t.Fatalf("flushed %d candles, want 2", len(flushed))
	}

	first, second := flushed[0], flushed[1]
	if want := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC); !first.BucketStart.Equal(want) {
		t.Errorf("first bucket start = %v, want %v", first.BucketStart, want)
	}
	if want := time.Date(2025, 6, 2, 9, 31, 0, 0, time.UTC); !second.BucketStart.Equal(want) {
		t.Errorf("second bucket start = %v, want %v", second.BucketStart, want)
	}
	if first.Volume != 30 || first.TradeCount != 30 {
		t.Errorf("first bucket volume/count = %v/%d, want 30/30", first.Volume, first.TradeCount)
	}
	if second.Volume != 31 || second.TradeCount != 31 {
		t.Errorf("second bucket volume/count = %v/%d, want 31/31", second.Volume, second.TradeCount)
	}
	if first.Open != 100 {
		t.Errorf("first bucket open = %v, want 100", first.Open)
	}
	if want := 100 + float64(29)*0.01; first.Close != want {
		t.Errorf("first bucket close = %v, want %v", first.Close, want)
	}
	if !first.Complete || !second.Complete {
		t.Error("flushed candles not marked complete")
	}
	for _, c := range flushed {
		if err := c.Validate(); err != nil {
			t.Errorf("flushed candle invalid: %v", err)
		}
	}
}

func TestLateTradeBecomesCorrection(t *testing.T) {
	w := &fakeWriter{}
	agg := testAggregator(w, []time.Duration{time.Minute}, 2*time.Minute)
	ctx := context.Background()

	err := agg.Observe(ctx, []domain.Trade{
		trade(time.Date(2025, 6, 2, 9, 30, 5, 0, time.UTC), 100, 1, 1),
		trade(time.Date(2025, 6, 2, 9, 30, 50, 0, time.UTC), 101, 1, 2),
		trade(time.Date(2025, 6, 2, 9, 31, 10, 0, time.UTC), 102, 1, 3),
	})
	if err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	if got := len(w.flushed()); got != 1 {
		t.Fatalf("flushed %d candles, want 1", got)
	}
	if got := w.flushed()[0]; got.High != 101 || got.Open != 100 {
		t.Fatalf("flushed candle high/open = %v/%v, want 101/100", got.High, got.Open)
	}

	// 40s behind the watermark, inside the lateness window, for the
	// already-flushed 09:30 bucket.
	late := trade(time.Date(2025, 6, 2, 9, 30, 30, 0, time.UTC), 105, 2, 4)
	if err := agg.Observe(ctx, []domain.Trade{late}); err != nil {
		t.Fatalf("Observe(late) error: %v", err)
	}

	if len(w.merges) != 1 {
		t.Fatalf("merge calls = %d, want 1", len(w.merges))
	}
	got := w.merges[0]
	if got.g != time.Minute {
		t.Errorf("merge granularity = %v, want 1m", got.g)
	}
	if got.trade.Price != 105 || !got.trade.EventTime.Equal(late.EventTime) {
		t.Errorf("merge trade = %+v, want the late trade", got.trade)
	}
	// The late trade must not have been re-flushed as a whole bucket.
	if got := len(w.flushed()); got != 1 {
		t.Errorf("flushed %d candles after correction, want still 1", got)
	}
}

func TestTradeBeyondLatenessDropped(t *testing.T) {
	w := &fakeWriter{}
	agg := testAggregator(w, []time.Duration{time.Minute}, time.Minute)
	ctx := context.Background()

	err := agg.Observe(ctx, []domain.Trade{
		trade(time.Date(2025, 6, 2, 9, 30, 10, 0, time.UTC), 100, 1, 1),
		trade(time.Date(2025, 6, 2, 9, 35, 0, 0, time.UTC), 101, 1, 2),
	})
	if err != nil {
		t.Fatalf("Observe() error: %v", err)
	}

	// 4m40s behind the watermark with a 1m lateness window.
	stale := trade(time.Date(2025, 6, 2, 9, 30, 20, 0, time.UTC), 200, 1, 3)
	if err := agg.Observe(ctx, []domain.Trade{stale}); err != nil {
		t.Fatalf("Observe(stale) error: %v", err)
	}

	if len(w.merges) != 0 {
		t.Errorf("merge calls = %d, want 0 for a dropped trade", len(w.merges))
	}
	if got := len(w.flushed()); got != 1 {
		t.Errorf("flushed %d candles, want 1", got)
	}
}

func TestIntraBucketReorderKeepsEdges(t *testing.T) {
	w := &fakeWriter{}
	agg := testAggregator(w, []time.Duration{time.Minute}, 2*time.Minute)
	ctx := context.Background()

	// Out of order within one bucket: the earliest event sets open, the
	// latest sets close, regardless of arrival order.
	err := agg.Observe(ctx, []domain.Trade{
		trade(time.Date(2025, 6, 2, 9, 30, 40, 0, time.UTC), 101, 1, 3),
		trade(time.Date(2025, 6, 2, 9, 30, 5, 0, time.UTC), 99, 1, 1),
		trade(time.Date(2025, 6, 2, 9, 30, 20, 0, time.UTC), 100, 1, 2),
	})
	if err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	if err := agg.Tick(ctx, time.Date(2025, 6, 2, 9, 31, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	flushed := w.flushed()
	if len(flushed) != 1 {
		t.Fatalf("flushed %d candles, want 1", len(flushed))
	}
	c := flushed[0]
	if c.Open != 99 {
		t.Errorf("open = %v, want 99 (earliest event)", c.Open)
	}
	if c.Close != 101 {
		t.Errorf("close = %v, want 101 (latest event)", c.Close)
	}
	if c.High != 101 || c.Low != 99 {
		t.Errorf("high/low = %v/%v, want 101/99", c.High, c.Low)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("candle invalid: %v", err)
	}
}

func TestShuffledBucketHoldsInvariants(t *testing.T) {
	w := &fakeWriter{}
	agg := testAggregator(w, []time.Duration{time.Minute}, 2*time.Minute)
	ctx := context.Background()

	base := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)
	var trades []domain.Trade
	var volume float64
	for i := 0; i < 50; i++ {
		price := 100 + float64((i*37)%23) - float64((i*13)%11)
		trades = append(trades, trade(base.Add(time.Duration(i)*time.Second), price, 1, int64(i)))
		volume++
	}
	firstPrice, lastPrice := trades[0].Price, trades[len(trades)-1].Price

	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(trades), func(i, j int) { trades[i], trades[j] = trades[j], trades[i] })

	if err := agg.Observe(ctx, trades); err != nil {
		t.Fatalf("Observe() error: %v", err)
	}
	if err := agg.Tick(ctx, base.Add(2*time.Minute)); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	flushed := w.flushed()
	if len(flushed) != 1 {
		t.Fatalf("flushed %d candles, want 1", len(flushed))
	}
	c := flushed[0]
	if err := c.Validate(); err != nil {
		t.Fatalf("candle invalid after shuffle: %v", err)
	}
	if c.Open != firstPrice {
		t.Errorf("open = %v, want %v (earliest event)", c.Open, firstPrice)
	}
	if c.Close != lastPrice {
		t.Errorf("close = %v, want %v (latest event)", c.Close, lastPrice)
	}
	if c.Volume != volume {
		t.Errorf("volume = %v, want %v", c.Volume, volume)
	}
}

func TestGranularitiesAreIndependent(t *testing.T) {
	w := &fakeWriter{}
	agg := testAggregator(w, []time.Duration{time.Minute, 5 * time.Minute}, 2*time.Minute)
	ctx := context.Background()

	err := agg.Observe(ctx, []domain.Trade{
		trade(time.Date(2025, 6, 2, 9, 30, 10, 0, time.UTC), 100, 1, 1),
		trade(time.Date(2025, 6, 2, 9, 31, 10, 0, time.UTC), 101, 1, 2),
	})
	if err != nil {
		t.Fatalf("Observe() error: %v", err)
	}

	// Only the 1m bucket flushed; the 5m bucket still accumulates both.
	flushed := w.flushed()
	if len(flushed) != 1 {
		t.Fatalf("flushed %d candles, want 1", len(flushed))
	}
	if flushed[0].Granularity != time.Minute {
		t.Errorf("flushed granularity = %v, want 1m", flushed[0].Granularity)
	}

	open, ok := agg.Snapshot("alpaca", "AAPL", 5*time.Minute)
	if !ok {
		t.Fatal("no open 5m bucket")
	}
	if open.Volume != 2 || open.TradeCount != 2 {
		t.Errorf("5m bucket volume/count = %v/%d, want 2/2", open.Volume, open.TradeCount)
	}
	if open.Complete {
		t.Error("open bucket marked complete")
	}
}

func TestWriterFailureRequeuesFlush(t *testing.T) {
	w := &fakeWriter{fail: errors.New("storage down")}
	agg := testAggregator(w, []time.Duration{time.Minute}, 2*time.Minute)
	ctx := context.Background()

	err := agg.Observe(ctx, []domain.Trade{
		trade(time.Date(2025, 6, 2, 9, 30, 10, 0, time.UTC), 100, 1, 1),
		trade(time.Date(2025, 6, 2, 9, 31, 10, 0, time.UTC), 101, 1, 2),
	})
	if err == nil {
		t.Fatal("Observe() = nil error with writer down")
	}
	if got := len(w.flushed()); got != 0 {
		t.Fatalf("flushed %d candles while writer down, want 0", got)
	}

	// Writer recovers; the queued flush goes out with the next tick, once.
	w.mu.Lock()
	w.fail = nil
	w.mu.Unlock()
	if err := agg.Tick(ctx, time.Date(2025, 6, 2, 9, 32, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Tick() error: %v", err)
	}

	flushed := w.flushed()
	if len(flushed) != 2 {
		t.Fatalf("flushed %d candles after recovery, want 2", len(flushed))
	}
	if flushed[0].Volume != 1 || flushed[1].Volume != 1 {
		t.Errorf("flushed volumes = %v/%v, want 1/1", flushed[0].Volume, flushed[1].Volume)
	}
}

func TestFlushAllWritesPartialBucket(t *testing.T) {
	w := &fakeWriter{}
	agg := testAggregator(w, []time.Duration{time.Minute}, 2*time.Minute)
	ctx := context.Background()

	err := agg.Observe(ctx, []domain.Trade{
		trade(time.Date(2025, 6, 2, 9, 30, 10, 0, time.UTC), 100, 1, 1),
	})
	if err != nil {
		t.Fatalf("Observe() error: %v", err)
	}

	// Shutdown mid-bucket: the row is written but not marked complete.
	if err := agg.FlushAll(ctx, time.Date(2025, 6, 2, 9, 30, 40, 0, time.UTC)); err != nil {
		t.Fatalf("FlushAll() error: %v", err)
	}
	flushed := w.flushed()
	if len(flushed) != 1 {
		t.Fatalf("flushed %d candles, want 1", len(flushed))
	}
	if flushed[0].Complete {
		t.Error("mid-bucket flush marked complete")
	}
}

type fakeTradeSource struct {
	trades    []domain.Trade
	gotSince  time.Time
	gotSymbol string
}

func (s *fakeTradeSource) TradesSince(ctx context.Context, provider, symbol string, since time.Time) ([]domain.Trade, error) {
	s.gotSince = since
	s.gotSymbol = symbol
	return s.trades, nil
}

func TestRehydrateRebuildsOpenBucket(t *testing.T) {
	w := &fakeWriter{}
	agg := testAggregator(w, []time.Duration{time.Minute}, 2*time.Minute)
	ctx := context.Background()

	src := &fakeTradeSource{trades: []domain.Trade{
		trade(time.Date(2025, 6, 2, 9, 30, 5, 0, time.UTC), 100, 1, 1),
		trade(time.Date(2025, 6, 2, 9, 30, 20, 0, time.UTC), 101, 2, 2),
	}}
	instruments := []domain.Instrument{{Symbol: "AAPL", Provider: "alpaca"}}
	now := time.Date(2025, 6, 2, 9, 30, 40, 0, time.UTC)

	if err := agg.Rehydrate(ctx, src, instruments, now); err != nil {
		t.Fatalf("Rehydrate() error: %v", err)
	}

	if want := time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC); !src.gotSince.Equal(want) {
		t.Errorf("rehydrate since = %v, want %v", src.gotSince, want)
	}
	open, ok := agg.Snapshot("alpaca", "AAPL", time.Minute)
	if !ok {
		t.Fatal("no open bucket after rehydrate")
	}
	if open.Volume != 3 || open.Open != 100 || open.Close != 101 {
		t.Errorf("rehydrated bucket = %+v, want volume 3, open 100, close 101", open)
	}
	if got := len(w.flushed()); got != 0 {
		t.Errorf("rehydrate flushed %d candles, want 0", got)
	}
}
