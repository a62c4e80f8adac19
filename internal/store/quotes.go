package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tickerd/internal/domain"
	"tickerd/internal/ops"
)

const insertQuoteSQL = `
INSERT INTO quotes
  (provider, symbol, bid_price, bid_size, ask_price, ask_size, last_price, last_size, event_time_ns, received_ns, seq, corr_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, symbol, event_time_ns, seq) DO NOTHING`

// Only a newer event may overwrite the latest row; replays and reordered
// batches cannot move it backwards.
const upsertLatestQuoteSQL = `
INSERT INTO quotes_latest
  (provider, symbol, bid_price, bid_size, ask_price, ask_size, last_price, last_size, event_time_ns, received_ns, seq, corr_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, symbol) DO UPDATE SET
  bid_price = excluded.bid_price,
  bid_size = excluded.bid_size,
  ask_price = excluded.ask_price,
  ask_size = excluded.ask_size,
  last_price = excluded.last_price,
  last_size = excluded.last_size,
  event_time_ns = excluded.event_time_ns,
  received_ns = excluded.received_ns,
  seq = excluded.seq,
  corr_id = excluded.corr_id
WHERE excluded.event_time_ns >= quotes_latest.event_time_ns`

func quoteArgs(q domain.Quote) []any {
	return []any{
		q.Provider, q.Symbol, q.Bid, q.BidSize, q.Ask, q.AskSize,
		q.LastPrice, q.LastSize, q.EventTime.UnixNano(), q.Received.UnixNano(),
		q.Seq, q.CorrID,
	}
}

// InsertQuotes writes a quote batch under the instrument's quote mode:
// history appends rows, latest overwrites the single current row, both does
// both. Outcomes are per record, aligned with the input; in latest-only mode
// an update skipped by the monotonic guard reports duplicate.
func (s *Store) InsertQuotes(ctx context.Context, quotes []domain.Quote, mode domain.QuoteMode) ([]Outcome, error) {
	outcomes := make([]Outcome, len(quotes))
	if len(quotes) == 0 {
		return outcomes, nil
	}
	history := mode == domain.QuoteHistory || mode == domain.QuoteBoth
	latest := mode == domain.QuoteLatest || mode == domain.QuoteBoth

	histQ := s.db.Rebind(insertQuoteSQL)
	latestQ := s.db.Rebind(upsertLatestQuoteSQL)

	apply := func(exec sqlx.ExtContext, i int, q domain.Quote) error {
		if history {
			res, err := exec.ExecContext(ctx, histQ, quoteArgs(q)...)
			if err != nil {
				return fmt.Errorf("quote %s/%s @%d: %w", q.Provider, q.Symbol, q.EventTime.UnixNano(), err)
			}
			if rowsAffected(res) == 0 {
				outcomes[i] = OutcomeDuplicate
			} else {
				outcomes[i] = OutcomeInserted
			}
		}
		if latest {
			res, err := exec.ExecContext(ctx, latestQ, quoteArgs(q)...)
			if err != nil {
				return fmt.Errorf("latest quote %s/%s: %w", q.Provider, q.Symbol, err)
			}
			if !history {
				if rowsAffected(res) == 0 {
					outcomes[i] = OutcomeDuplicate
				} else {
					outcomes[i] = OutcomeInserted
				}
			}
		}
		return nil
	}

	batchErr := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i, q := range quotes {
			if err := apply(tx, i, q); err != nil {
				return err
			}
		}
		return nil
	})

	if batchErr != nil {
		s.log.Warn("quote batch aborted, retrying per record",
			"batch", len(quotes), "error", batchErr)
		failed := 0
		for i, q := range quotes {
			if err := apply(s.db, i, q); err != nil {
				outcomes[i] = OutcomeFailed
				failed++
			}
		}
		if failed == len(quotes) {
			return outcomes, fmt.Errorf("inserting quote batch: %w", batchErr)
		}
	}

	for _, o := range outcomes {
		ops.WriteOutcomes.WithLabelValues("quotes", string(o)).Inc()
	}
	return outcomes, nil
}

// LatestQuote returns the current quote row for one instrument. The boolean
// is false when the instrument has no quote yet.
func (s *Store) LatestQuote(ctx context.Context, provider, symbol string) (domain.Quote, bool, error) {
	q := s.db.Rebind(`
SELECT provider, symbol, bid_price, bid_size, ask_price, ask_size, last_price, last_size, event_time_ns, received_ns, seq, corr_id
FROM quotes_latest
WHERE provider = ? AND symbol = ?`)

	var (
		out        domain.Quote
		eventNS    int64
		receivedNS int64
	)
	err := s.db.QueryRowContext(ctx, q, provider, symbol).Scan(
		&out.Provider, &out.Symbol, &out.Bid, &out.BidSize, &out.Ask, &out.AskSize,
		&out.LastPrice, &out.LastSize, &eventNS, &receivedNS, &out.Seq, &out.CorrID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Quote{}, false, nil
	}
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("loading latest quote %s/%s: %w", provider, symbol, err)
	}
	out.EventTime = time.Unix(0, eventNS).UTC()
	out.Received = time.Unix(0, receivedNS).UTC()
	return out, true, nil
}
