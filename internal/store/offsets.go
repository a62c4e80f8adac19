package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tickerd/internal/domain"
)

// CommitOffset records the last durably written stream position. Callers
// commit only after the batch carrying those records has been written, so a
// crash between write and commit re-delivers rather than skips.
func (s *Store) CommitOffset(ctx context.Context, off domain.StreamOffset) error {
	q := s.db.Rebind(`
INSERT INTO stream_offsets (provider, symbol, kind, seq, event_time_ns, committed_ns)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, symbol, kind) DO UPDATE SET
  seq = excluded.seq,
  event_time_ns = excluded.event_time_ns,
  committed_ns = excluded.committed_ns`)

	_, err := s.db.ExecContext(ctx, q,
		off.Provider, off.Symbol, string(off.Kind),
		off.Seq, timeToNS(off.EventTime), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("committing offset %s/%s/%s: %w", off.Provider, off.Symbol, off.Kind, err)
	}
	return nil
}

// GetOffset loads the committed position for one stream. The second return
// is false when no offset has ever been committed.
func (s *Store) GetOffset(ctx context.Context, provider, symbol string, kind domain.RecordKind) (domain.StreamOffset, bool, error) {
	q := s.db.Rebind(`
SELECT seq, event_time_ns, committed_ns FROM stream_offsets
WHERE provider = ? AND symbol = ? AND kind = ?`)

	var (
		off                  domain.StreamOffset
		eventNS, committedNS int64
	)
	err := s.db.QueryRowContext(ctx, q, provider, symbol, string(kind)).
		Scan(&off.Seq, &eventNS, &committedNS)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.StreamOffset{}, false, nil
	}
	if err != nil {
		return domain.StreamOffset{}, false, fmt.Errorf("loading offset %s/%s/%s: %w", provider, symbol, kind, err)
	}
	off.Provider, off.Symbol, off.Kind = provider, symbol, kind
	off.EventTime = nsToTime(eventNS)
	off.CommittedAt = time.Unix(0, committedNS).UTC()
	return off, true, nil
}
