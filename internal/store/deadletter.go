package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tickerd/internal/domain"
	"tickerd/internal/ops"
)

// AddDeadLetters preserves rejected envelopes. The table is append-only;
// nothing in the pipeline reads it back except inspection tooling.
func (s *Store) AddDeadLetters(ctx context.Context, recs []domain.DeadLetterRecord) error {
	if len(recs) == 0 {
		return nil
	}
	q := s.db.Rebind(`
INSERT INTO dead_letter (id, provider, symbol, kind, payload, reason, first_seen_ns, attempts)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for i := range recs {
			r := &recs[i]
			if r.ID == uuid.Nil {
				r.ID = uuid.New()
			}
			if r.FirstSeen.IsZero() {
				r.FirstSeen = time.Now().UTC()
			}
			_, err := tx.ExecContext(ctx, q,
				r.ID.String(), r.Provider, r.Symbol, string(r.Kind),
				r.Payload, r.Reason, r.FirstSeen.UnixNano(), r.Attempts)
			if err != nil {
				return fmt.Errorf("dead letter %s/%s: %w", r.Provider, r.Symbol, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, r := range recs {
		ops.DeadLetters.WithLabelValues(r.Provider, r.Reason).Inc()
	}
	return nil
}

// ListDeadLetters returns stored rejections, oldest first, optionally
// filtered by reason.
func (s *Store) ListDeadLetters(ctx context.Context, reason string, limit int) ([]domain.DeadLetterRecord, error) {
	q := `
SELECT id, provider, symbol, kind, payload, reason, first_seen_ns, attempts FROM dead_letter`
	var args []any
	if reason != "" {
		q += ` WHERE reason = ?`
		args = append(args, reason)
	}
	q += ` ORDER BY first_seen_ns LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var recs []domain.DeadLetterRecord
	for rows.Next() {
		var (
			r           domain.DeadLetterRecord
			id, kind    string
			firstSeenNS int64
		)
		if err := rows.Scan(&id, &r.Provider, &r.Symbol, &kind, &r.Payload,
			&r.Reason, &firstSeenNS, &r.Attempts); err != nil {
			return nil, fmt.Errorf("scanning dead letter: %w", err)
		}
		r.ID, err = uuid.Parse(id)
		if err != nil {
			return nil, fmt.Errorf("parsing dead letter id %q: %w", id, err)
		}
		r.Kind = domain.RecordKind(kind)
		r.FirstSeen = time.Unix(0, firstSeenNS).UTC()
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// DeleteDeadLetters removes records that were replayed successfully.
func (s *Store) DeleteDeadLetters(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	q, args, err := sqlx.In(`DELETE FROM dead_letter WHERE id IN (?)`, strs)
	if err != nil {
		return fmt.Errorf("building dead letter delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(q), args...); err != nil {
		return fmt.Errorf("deleting dead letters: %w", err)
	}
	return nil
}
