package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"tickerd/internal/domain"
)

// ---------------------------------------------------------------------------
// Parquet export (on-disk schema for downstream backtesters)
// ---------------------------------------------------------------------------

// CandleRecord is the Parquet schema for exported candles. Bucket starts are
// millisecond timestamps; granularities are one second or coarser so nothing
// is lost.
type CandleRecord struct {
	Provider    string  `parquet:"provider"`
	Symbol      string  `parquet:"symbol"`
	Granularity string  `parquet:"granularity"`
	Timestamp   int64   `parquet:"timestamp,timestamp(millisecond)"` // bucket start, Unix ms
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      float64 `parquet:"volume"`
	TradeCount  int64   `parquet:"trade_count"`
	Complete    bool    `parquet:"complete"`
}

// ExportCandles writes candles for one stream and granularity with bucket
// start in [start, end) to a Parquet file, sorted by bucket start. When the
// file already exists its rows are merged in first, newer rows winning, so
// re-running an export extends the file instead of truncating it. Returns
// the number of rows in the written file.
func (s *Store) ExportCandles(ctx context.Context, path, provider, symbol string, granularity time.Duration, start, end time.Time) (int, error) {
	candles, err := s.ListCandles(ctx, provider, symbol, granularity, start, end)
	if err != nil {
		return 0, err
	}

	records := make([]CandleRecord, 0, len(candles))
	for _, c := range candles {
		records = append(records, CandleRecord{
			Provider:    c.Provider,
			Symbol:      c.Symbol,
			Granularity: domain.FormatGranularity(c.Granularity),
			Timestamp:   c.BucketStart.UnixMilli(),
			Open:        c.Open,
			High:        c.High,
			Low:         c.Low,
			Close:       c.Close,
			Volume:      c.Volume,
			TradeCount:  c.TradeCount,
			Complete:    c.Complete,
		})
	}

	// Merge with whatever is already in the file; a missing file merges
	// with nothing.
	existing, _ := parquet.ReadFile[CandleRecord](path)
	merged := mergeCandleRecords(existing, records)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("creating export directory: %w", err)
	}
	if err := parquet.WriteFile(path, merged); err != nil {
		return 0, fmt.Errorf("writing candle export %s: %w", path, err)
	}
	s.log.Info("exported candles", "path", path, "symbol", symbol,
		"granularity", domain.FormatGranularity(granularity), "rows", len(merged))
	return len(merged), nil
}

// mergeCandleRecords deduplicates by (provider, symbol, granularity,
// timestamp), preferring incoming rows, and sorts by timestamp.
func mergeCandleRecords(existing, incoming []CandleRecord) []CandleRecord {
	type key struct {
		provider    string
		symbol      string
		granularity string
		ts          int64
	}
	seen := make(map[key]CandleRecord, len(existing)+len(incoming))
	for _, r := range existing {
		seen[key{r.Provider, r.Symbol, r.Granularity, r.Timestamp}] = r
	}
	for _, r := range incoming {
		seen[key{r.Provider, r.Symbol, r.Granularity, r.Timestamp}] = r
	}

	merged := make([]CandleRecord, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].Symbol < merged[j].Symbol
	})
	return merged
}
