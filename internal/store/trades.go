package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"tickerd/internal/domain"
	"tickerd/internal/ops"
)

// Outcome classifies the result of writing one record.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const insertTradeSQL = `
INSERT INTO trades
  (provider, symbol, trade_id, price, size, side, event_time_ns, received_ns, seq, venue, conditions, corr_id)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, symbol, event_time_ns, trade_id) DO NOTHING`

func tradeArgs(t domain.Trade) []any {
	conditions := []byte("[]")
	if len(t.Conditions) > 0 {
		conditions, _ = json.Marshal(t.Conditions)
	}
	side := t.Side
	if side == "" {
		side = domain.SideUnknown
	}
	return []any{
		t.Provider, t.Symbol, t.TradeID, t.Price, t.Size, string(side),
		t.EventTime.UnixNano(), t.Received.UnixNano(), t.Seq,
		t.Venue, string(conditions), t.CorrID,
	}
}

// InsertTrades writes a batch and reports a per-record outcome aligned with
// the input. The batch runs in one transaction; if that fails, each record is
// retried alone so one bad row cannot sink its neighbors. An error is
// returned only when every record failed, which signals the store itself is
// unavailable.
func (s *Store) InsertTrades(ctx context.Context, trades []domain.Trade) ([]Outcome, error) {
	outcomes := make([]Outcome, len(trades))
	if len(trades) == 0 {
		return outcomes, nil
	}
	q := s.db.Rebind(insertTradeSQL)

	batchErr := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i, t := range trades {
			res, err := tx.ExecContext(ctx, q, tradeArgs(t)...)
			if err != nil {
				return fmt.Errorf("trade %s/%s %s: %w", t.Provider, t.Symbol, t.TradeID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				outcomes[i] = OutcomeDuplicate
			} else {
				outcomes[i] = OutcomeInserted
			}
		}
		return nil
	})

	if batchErr != nil {
		s.log.Warn("trade batch aborted, retrying per record",
			"batch", len(trades), "error", batchErr)
		failed := 0
		for i, t := range trades {
			res, err := s.db.ExecContext(ctx, q, tradeArgs(t)...)
			switch {
			case err != nil:
				outcomes[i] = OutcomeFailed
				failed++
			case rowsAffected(res) == 0:
				outcomes[i] = OutcomeDuplicate
			default:
				outcomes[i] = OutcomeInserted
			}
		}
		if failed == len(trades) {
			return outcomes, fmt.Errorf("inserting trade batch: %w", batchErr)
		}
	}

	for _, o := range outcomes {
		ops.WriteOutcomes.WithLabelValues("trades", string(o)).Inc()
	}
	return outcomes, nil
}

func rowsAffected(res sql.Result) int64 {
	n, _ := res.RowsAffected()
	return n
}

// TradesSince returns stored trades for one stream from the given event time
// on, ordered by event time then sequence. Feeds candle rehydration.
func (s *Store) TradesSince(ctx context.Context, provider, symbol string, since time.Time) ([]domain.Trade, error) {
	q := s.db.Rebind(`
SELECT provider, symbol, trade_id, price, size, side, event_time_ns, received_ns, seq, venue, conditions, corr_id
FROM trades
WHERE provider = ? AND symbol = ? AND event_time_ns >= ?
ORDER BY event_time_ns, seq`)

	rows, err := s.db.QueryContext(ctx, q, provider, symbol, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("loading trades for %s/%s: %w", provider, symbol, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			t          domain.Trade
			side       string
			eventNS    int64
			receivedNS int64
			conditions string
		)
		if err := rows.Scan(&t.Provider, &t.Symbol, &t.TradeID, &t.Price, &t.Size, &side,
			&eventNS, &receivedNS, &t.Seq, &t.Venue, &conditions, &t.CorrID); err != nil {
			return nil, fmt.Errorf("scanning trade: %w", err)
		}
		t.Side = domain.TradeSide(side)
		t.EventTime = time.Unix(0, eventNS).UTC()
		t.Received = time.Unix(0, receivedNS).UTC()
		if conditions != "" && conditions != "[]" {
			json.Unmarshal([]byte(conditions), &t.Conditions)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ---------------------------------------------------------------------------
// Raw archive
// ---------------------------------------------------------------------------

// RawArchiveEntry pairs a provider payload with the event time its normalized
// record carried, which is the archive's partition key.
type RawArchiveEntry struct {
	Envelope  domain.RawEnvelope
	EventTime time.Time
}

// ArchiveRaw appends verbatim provider payloads to trades_raw. Append-only;
// rows are never updated or deduplicated.
func (s *Store) ArchiveRaw(ctx context.Context, entries []RawArchiveEntry) error {
	if len(entries) == 0 {
		return nil
	}
	q := s.db.Rebind(`
INSERT INTO trades_raw (provider, symbol, kind, payload, seq, corr_id, event_time_ns, received_ns)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, e := range entries {
			env := e.Envelope
			_, err := tx.ExecContext(ctx, q, env.Provider, env.Symbol, string(env.Kind),
				env.Payload, env.Seq, env.CorrID, e.EventTime.UnixNano(), env.Received.UnixNano())
			if err != nil {
				return fmt.Errorf("archiving %s/%s payload: %w", env.Provider, env.Symbol, err)
			}
		}
		return nil
	})
}

// EnsureRawPartition creates the trades_raw partition covering the month of
// t, plus the month after, so writes never land in the default partition
// during normal operation. No-op on sqlite.
func (s *Store) EnsureRawPartition(ctx context.Context, t time.Time) error {
	if s.driver != DriverPostgres {
		return nil
	}
	for _, m := range []time.Time{monthStart(t), monthStart(t).AddDate(0, 1, 0)} {
		name := "trades_raw_" + m.Format("200601")
		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF trades_raw FOR VALUES FROM (%d) TO (%d)`,
			name, m.UnixNano(), m.AddDate(0, 1, 0).UnixNano())
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating partition %s: %w", name, err)
		}
	}
	return nil
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
