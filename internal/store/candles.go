package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tickerd/internal/domain"
	"tickerd/internal/ops"
)

const upsertCandleSQL = `
INSERT INTO candles
  (provider, symbol, granularity, bucket_start_ns, open, high, low, close, volume, trade_count, last_event_ns, complete, corr_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, symbol, granularity, bucket_start_ns) DO UPDATE SET
  open = excluded.open,
  high = excluded.high,
  low = excluded.low,
  close = excluded.close,
  volume = excluded.volume,
  trade_count = excluded.trade_count,
  last_event_ns = excluded.last_event_ns,
  complete = excluded.complete,
  corr_id = excluded.corr_id`

// The merge statement folds one late trade into a flushed candle: high/low
// widen, volume and count add, and close moves only when the trade is newer
// than the stored last event. Open is never touched. The %s pair is the
// engine's two-argument max/min.
const mergeCandleTemplate = `
INSERT INTO candles
  (provider, symbol, granularity, bucket_start_ns, open, high, low, close, volume, trade_count, last_event_ns, complete, corr_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, symbol, granularity, bucket_start_ns) DO UPDATE SET
  high = %[1]s(candles.high, excluded.high),
  low = %[2]s(candles.low, excluded.low),
  volume = candles.volume + excluded.volume,
  trade_count = candles.trade_count + excluded.trade_count,
  close = CASE WHEN excluded.last_event_ns >= candles.last_event_ns THEN excluded.close ELSE candles.close END,
  corr_id = CASE WHEN excluded.last_event_ns >= candles.last_event_ns THEN excluded.corr_id ELSE candles.corr_id END,
  last_event_ns = %[1]s(candles.last_event_ns, excluded.last_event_ns)`

func candleArgs(c domain.Candle) []any {
	return []any{
		c.Provider, c.Symbol, domain.FormatGranularity(c.Granularity), c.BucketStart.UnixNano(),
		c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount,
		c.LastEventTime.UnixNano(), boolToInt(c.Complete), c.CorrID,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertCandles replaces whole candle rows, keyed on
// (provider, symbol, granularity, bucket start). Re-flushing a bucket after
// rehydration lands on the same row.
func (s *Store) UpsertCandles(ctx context.Context, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	q := s.db.Rebind(upsertCandleSQL)

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range candles {
			if _, err := tx.ExecContext(ctx, q, candleArgs(c)...); err != nil {
				return fmt.Errorf("candle %s/%s %s @%s: %w", c.Provider, c.Symbol,
					domain.FormatGranularity(c.Granularity), c.BucketStart.Format(time.RFC3339), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for range candles {
		ops.WriteOutcomes.WithLabelValues("candles", string(OutcomeInserted)).Inc()
	}
	return nil
}

// MergeTrade folds a late trade into its flushed candle. When the bucket has
// no candle yet (it was empty when the rest of the window flushed) a
// single-trade candle is created instead.
func (s *Store) MergeTrade(ctx context.Context, t domain.Trade, granularity time.Duration) error {
	bucket := domain.AlignBucket(t.EventTime, granularity)
	q := s.db.Rebind(fmt.Sprintf(mergeCandleTemplate, s.fnMax, s.fnMin))

	_, err := s.db.ExecContext(ctx, q,
		t.Provider, t.Symbol, domain.FormatGranularity(granularity), bucket.UnixNano(),
		t.Price, t.Price, t.Price, t.Price, t.Size, 1,
		t.EventTime.UnixNano(), 1, t.CorrID)
	if err != nil {
		return fmt.Errorf("merging trade into candle %s/%s %s @%s: %w", t.Provider, t.Symbol,
			domain.FormatGranularity(granularity), bucket.Format(time.RFC3339), err)
	}
	return nil
}

// ListCandles returns candles for one stream and granularity with
// BucketStart in [start, end), ordered by bucket start.
func (s *Store) ListCandles(ctx context.Context, provider, symbol string, granularity time.Duration, start, end time.Time) ([]domain.Candle, error) {
	q := s.db.Rebind(`
SELECT provider, symbol, granularity, bucket_start_ns, open, high, low, close, volume, trade_count, last_event_ns, complete, corr_id
FROM candles
WHERE provider = ? AND symbol = ? AND granularity = ? AND bucket_start_ns >= ? AND bucket_start_ns < ?
ORDER BY bucket_start_ns`)

	rows, err := s.db.QueryContext(ctx, q, provider, symbol,
		domain.FormatGranularity(granularity), start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("listing candles for %s/%s: %w", provider, symbol, err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var (
			c           domain.Candle
			granStr     string
			bucketNS    int64
			lastEventNS int64
			complete    int
		)
		if err := rows.Scan(&c.Provider, &c.Symbol, &granStr, &bucketNS,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.TradeCount,
			&lastEventNS, &complete, &c.CorrID); err != nil {
			return nil, fmt.Errorf("scanning candle: %w", err)
		}
		g, err := domain.ParseGranularity(granStr)
		if err != nil {
			return nil, err
		}
		c.Granularity = g
		c.BucketStart = time.Unix(0, bucketNS).UTC()
		c.LastEventTime = time.Unix(0, lastEventNS).UTC()
		c.Complete = complete != 0
		candles = append(candles, c)
	}
	return candles, rows.Err()
}
