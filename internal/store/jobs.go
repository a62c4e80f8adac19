package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"tickerd/internal/domain"
)

// ErrDuplicateJob is returned when a job for the same
// (provider, symbol, kind, start) already exists, whatever its state.
var ErrDuplicateJob = errors.New("fetch job already exists")

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("fetch job not found")

const jobColumns = `id, provider, symbol, kind, records, granularity, start_ns, end_ns, state, last_processed_ns, attempts, last_error, created_ns, updated_ns`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (domain.FetchJob, error) {
	var (
		j                             domain.FetchJob
		id, granStr                   string
		startNS, endNS, lastNS        int64
		createdNS, updatedNS          int64
		kind, records, state, lastErr string
	)
	err := r.Scan(&id, &j.Provider, &j.Symbol, &kind, &records, &granStr,
		&startNS, &endNS, &state, &lastNS, &j.Attempts, &lastErr, &createdNS, &updatedNS)
	if err != nil {
		return domain.FetchJob{}, fmt.Errorf("scanning fetch job: %w", err)
	}
	j.ID, err = uuid.Parse(id)
	if err != nil {
		return domain.FetchJob{}, fmt.Errorf("parsing job id %q: %w", id, err)
	}
	if granStr != "" {
		j.Granularity, err = domain.ParseGranularity(granStr)
		if err != nil {
			return domain.FetchJob{}, err
		}
	}
	j.Kind = domain.JobKind(kind)
	j.Records = domain.RecordKind(records)
	j.State = domain.JobState(state)
	j.LastError = lastErr
	j.Start = time.Unix(0, startNS).UTC()
	j.End = time.Unix(0, endNS).UTC()
	j.LastProcessed = nsToTime(lastNS)
	j.CreatedAt = time.Unix(0, createdNS).UTC()
	j.UpdatedAt = time.Unix(0, updatedNS).UTC()
	return j, nil
}

func nsToTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func timeToNS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// CreateJob persists a new fetch job in the pending state and returns it
// with its assigned id. A second job for the same (provider, symbol, kind,
// start) is rejected with ErrDuplicateJob regardless of the first one's
// state.
func (s *Store) CreateJob(ctx context.Context, j domain.FetchJob) (domain.FetchJob, error) {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.Records == "" {
		j.Records = domain.KindTrade
	}
	j.State = domain.JobPending
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now

	gran := ""
	if j.Granularity > 0 {
		gran = domain.FormatGranularity(j.Granularity)
	}
	q := s.db.Rebind(`
INSERT INTO fetch_jobs (` + jobColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, q,
		j.ID.String(), j.Provider, j.Symbol, string(j.Kind), string(j.Records), gran,
		j.Start.UnixNano(), j.End.UnixNano(), string(j.State),
		timeToNS(j.LastProcessed), j.Attempts, j.LastError,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		if isUniqueViolation(err) {
			return domain.FetchJob{}, fmt.Errorf("%s/%s %s starting %s: %w",
				j.Provider, j.Symbol, j.Kind, j.Start.Format(time.RFC3339), ErrDuplicateJob)
		}
		return domain.FetchJob{}, fmt.Errorf("creating fetch job: %w", err)
	}
	return j, nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (domain.FetchJob, error) {
	q := s.db.Rebind(`SELECT ` + jobColumns + ` FROM fetch_jobs WHERE id = ?`)
	j, err := scanJob(s.db.QueryRowContext(ctx, q, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FetchJob{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return j, err
}

// ClaimPending atomically moves up to limit pending jobs to running, oldest
// first, and returns them. Jobs another process claimed between the select
// and the update are skipped.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]domain.FetchJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []domain.FetchJob
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		sel := tx.Rebind(`
SELECT ` + jobColumns + ` FROM fetch_jobs WHERE state = ? ORDER BY created_ns LIMIT ?`)
		rows, err := tx.QueryContext(ctx, sel, string(domain.JobPending), limit)
		if err != nil {
			return fmt.Errorf("selecting pending jobs: %w", err)
		}
		var pending []domain.FetchJob
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				rows.Close()
				return err
			}
			pending = append(pending, j)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		upd := tx.Rebind(`
UPDATE fetch_jobs SET state = ?, updated_ns = ? WHERE id = ? AND state = ?`)
		now := time.Now().UTC()
		for _, j := range pending {
			res, err := tx.ExecContext(ctx, upd,
				string(domain.JobRunning), now.UnixNano(), j.ID.String(), string(domain.JobPending))
			if err != nil {
				return fmt.Errorf("claiming job %s: %w", j.ID, err)
			}
			if rowsAffected(res) == 0 {
				continue
			}
			j.State = domain.JobRunning
			j.UpdatedAt = now
			claimed = append(claimed, j)
		}
		return nil
	})
	return claimed, err
}

// SetJobState moves a job to a new lifecycle state, enforcing the allowed
// transitions. Moving to failed records lastError and bumps the attempt
// counter; moving failed back to pending clears the error.
func (s *Store) SetJobState(ctx context.Context, id uuid.UUID, to domain.JobState, lastError string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		sel := tx.Rebind(`SELECT state FROM fetch_jobs WHERE id = ?`)
		var from string
		if err := tx.QueryRowContext(ctx, sel, id.String()).Scan(&from); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
			}
			return fmt.Errorf("loading job %s state: %w", id, err)
		}
		if !domain.ValidTransition(domain.JobState(from), to) {
			return fmt.Errorf("job %s: invalid transition %s -> %s", id, from, to)
		}

		now := time.Now().UTC().UnixNano()
		var (
			upd  string
			args []any
		)
		switch to {
		case domain.JobFailed:
			upd = `UPDATE fetch_jobs SET state = ?, last_error = ?, attempts = attempts + 1, updated_ns = ? WHERE id = ? AND state = ?`
			args = []any{string(to), lastError, now, id.String(), from}
		case domain.JobPending:
			upd = `UPDATE fetch_jobs SET state = ?, last_error = '', updated_ns = ? WHERE id = ? AND state = ?`
			args = []any{string(to), now, id.String(), from}
		default:
			upd = `UPDATE fetch_jobs SET state = ?, updated_ns = ? WHERE id = ? AND state = ?`
			args = []any{string(to), now, id.String(), from}
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(upd), args...)
		if err != nil {
			return fmt.Errorf("updating job %s state: %w", id, err)
		}
		if rowsAffected(res) == 0 {
			return fmt.Errorf("job %s: state changed concurrently", id)
		}
		return nil
	})
}

// Checkpoint advances a running job's resume point after a chunk has been
// fully persisted. Checkpointing a job that is not running is an error; the
// chunk was written but the job owner has lost the claim.
func (s *Store) Checkpoint(ctx context.Context, id uuid.UUID, through time.Time) error {
	q := s.db.Rebind(`
UPDATE fetch_jobs SET last_processed_ns = ?, updated_ns = ? WHERE id = ? AND state = ?`)
	res, err := s.db.ExecContext(ctx, q,
		through.UnixNano(), time.Now().UTC().UnixNano(), id.String(), string(domain.JobRunning))
	if err != nil {
		return fmt.Errorf("checkpointing job %s: %w", id, err)
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("job %s is not running", id)
	}
	return nil
}

// ListJobs returns jobs in the given states, newest first. With no states it
// returns everything.
func (s *Store) ListJobs(ctx context.Context, states ...domain.JobState) ([]domain.FetchJob, error) {
	q := `SELECT ` + jobColumns + ` FROM fetch_jobs`
	var args []any
	if len(states) > 0 {
		in := make([]string, len(states))
		for i, st := range states {
			in[i] = string(st)
		}
		var err error
		q, args, err = sqlx.In(q+` WHERE state IN (?)`, in)
		if err != nil {
			return nil, fmt.Errorf("building job list query: %w", err)
		}
	}
	q += ` ORDER BY created_ns DESC`

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("listing fetch jobs: %w", err)
	}
	defer rows.Close()

	var jobs []domain.FetchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// RequeueFailed moves failed jobs with remaining attempts back to pending
// and returns how many it moved. The periodic sweep calls this.
func (s *Store) RequeueFailed(ctx context.Context, maxAttempts int) (int, error) {
	q := s.db.Rebind(`
UPDATE fetch_jobs SET state = ?, last_error = '', updated_ns = ? WHERE state = ? AND attempts < ?`)
	res, err := s.db.ExecContext(ctx, q,
		string(domain.JobPending), time.Now().UTC().UnixNano(), string(domain.JobFailed), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("requeueing failed jobs: %w", err)
	}
	return int(rowsAffected(res)), nil
}
