// Package backfill owns the historical fetch lifecycle: job submission,
// claiming, chunked fetching with checkpoints, bounded retries, and the
// periodic sweep that requeues failed jobs. A crashed job resumes from its
// last checkpoint; no completed chunk is ever fetched twice.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"tickerd/internal/config"
	"tickerd/internal/domain"
	"tickerd/internal/feed"
	"tickerd/internal/norm"
	"tickerd/internal/ops"
	"tickerd/internal/store"
	"tickerd/internal/util"
)

type instKey struct {
	provider string
	symbol   string
}

type instrument struct {
	domain.Instrument
	quoteMode domain.QuoteMode
}

// Summary is what one drain run accomplished, reported by the CLI.
type Summary struct {
	Completed    int
	Failed       int
	Inserted     int64
	Duplicates   int64
	DeadLettered int64
}

// Manager drives fetch jobs through their state machine.
type Manager struct {
	store    *store.Store
	adapters *feed.Registry
	norm     *norm.Normalizer
	cfg      config.Backfill
	insts    map[instKey]instrument
	log      *slog.Logger
	backoff  util.Backoff

	inserted     atomic.Int64
	duplicates   atomic.Int64
	deadLettered atomic.Int64
}

// New builds a manager over the configured instruments.
func New(st *store.Store, adapters *feed.Registry, normalizer *norm.Normalizer, cfg *config.Config, log *slog.Logger) *Manager {
	insts := make(map[instKey]instrument, len(cfg.Instruments))
	for _, in := range cfg.Instruments {
		insts[instKey{in.Provider, in.Symbol}] = instrument{
			Instrument: domain.Instrument{
				Symbol:         in.Symbol,
				Provider:       in.Provider,
				ProviderSymbol: in.ProviderSymbol,
				AssetClass:     domain.AssetClass(in.AssetClass),
				BaseCurrency:   in.BaseCurrency,
				QuoteCurrency:  in.QuoteCurrency,
				Active:         true,
			},
			quoteMode: domain.QuoteMode(in.QuoteMode),
		}
	}
	return &Manager{
		store:    st,
		adapters: adapters,
		norm:     normalizer,
		cfg:      cfg.Backfill,
		insts:    insts,
		log:      log.With("component", "backfill"),
		backoff: util.Backoff{
			Min:    cfg.Backfill.BackoffMin.Std(),
			Max:    cfg.Backfill.BackoffMax.Std(),
			Factor: 2.0,
			Jitter: 0.2,
		},
	}
}

// Submit validates and persists a new job in the pending state. A job for
// the same (provider, symbol, kind, start) is rejected with
// store.ErrDuplicateJob.
func (m *Manager) Submit(ctx context.Context, j domain.FetchJob) (domain.FetchJob, error) {
	if _, ok := m.insts[instKey{j.Provider, j.Symbol}]; !ok {
		return domain.FetchJob{}, fmt.Errorf("no configured instrument %s/%s", j.Provider, j.Symbol)
	}
	adapter, err := m.adapters.Get(j.Provider)
	if err != nil {
		return domain.FetchJob{}, err
	}
	caps := adapter.Capabilities()
	if !caps.Backfill {
		return domain.FetchJob{}, fmt.Errorf("provider %s does not support backfill", j.Provider)
	}
	if j.Records == domain.KindTrade && !caps.Trades {
		return domain.FetchJob{}, fmt.Errorf("provider %s does not serve trade history", j.Provider)
	}
	if j.Records == domain.KindQuote && !caps.Quotes {
		return domain.FetchJob{}, fmt.Errorf("provider %s does not serve quote history", j.Provider)
	}
	if j.Records == domain.KindBar {
		if !caps.Bars {
			return domain.FetchJob{}, fmt.Errorf("provider %s does not serve bars", j.Provider)
		}
		if j.Granularity <= 0 {
			return domain.FetchJob{}, fmt.Errorf("bar job without granularity")
		}
	}
	if !j.End.After(j.Start) {
		return domain.FetchJob{}, fmt.Errorf("job range [%s, %s) is empty",
			j.Start.Format(time.RFC3339), j.End.Format(time.RFC3339))
	}

	created, err := m.store.CreateJob(ctx, j)
	if err != nil {
		return domain.FetchJob{}, err
	}
	m.log.Info("job submitted", "job", created.ID, "provider", j.Provider,
		"symbol", j.Symbol, "records", j.Records,
		"start", j.Start.Format(time.RFC3339), "end", j.End.Format(time.RFC3339))
	return created, nil
}

// Drain claims and runs pending jobs until none remain, then reports what
// happened. Failed jobs with remaining attempts are requeued and retried
// within the same drain.
func (m *Manager) Drain(ctx context.Context) (Summary, error) {
	var sum Summary
	for {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}

		claimed, err := m.store.ClaimPending(ctx, m.cfg.Parallelism)
		if err != nil {
			return sum, err
		}
		if len(claimed) == 0 {
			// Give failed-but-retriable jobs another round.
			requeued, err := m.store.RequeueFailed(ctx, m.cfg.MaxAttempts)
			if err != nil {
				return sum, err
			}
			if requeued == 0 {
				break
			}
			m.log.Info("requeued failed jobs", "count", requeued)
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.cfg.Parallelism)
		for _, job := range claimed {
			job := job
			g.Go(func() error {
				if err := m.runJob(gctx, job); err != nil {
					m.log.Error("job failed", "job", job.ID, "error", err)
				}
				return nil
			})
		}
		g.Wait()
	}

	terminal, err := m.store.ListJobs(ctx, domain.JobCompleted, domain.JobFailed)
	if err != nil {
		return sum, err
	}
	for _, j := range terminal {
		switch j.State {
		case domain.JobCompleted:
			sum.Completed++
		case domain.JobFailed:
			sum.Failed++
		}
	}
	sum.Inserted = m.inserted.Load()
	sum.Duplicates = m.duplicates.Load()
	sum.DeadLettered = m.deadLettered.Load()
	return sum, nil
}

// Run claims and runs jobs continuously until ctx is cancelled, polling for
// new work. The realtime binary runs this alongside the stream workers so
// catch-up jobs execute promptly.
func (m *Manager) Run(ctx context.Context) error {
	sweeper, err := m.startSweep(ctx)
	if err != nil {
		return err
	}
	if sweeper != nil {
		defer sweeper.Stop()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		claimed, err := m.store.ClaimPending(ctx, m.cfg.Parallelism)
		if err != nil {
			m.log.Error("claiming jobs", "error", err)
		}
		if len(claimed) > 0 {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(m.cfg.Parallelism)
			for _, job := range claimed {
				job := job
				g.Go(func() error {
					if err := m.runJob(gctx, job); err != nil {
						m.log.Error("job failed", "job", job.ID, "error", err)
					}
					return nil
				})
			}
			g.Wait()
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// startSweep schedules the periodic maintenance pass: requeue retriable
// failures, enqueue catch-up jobs for stale stream offsets, and pre-create
// upcoming raw partitions.
func (m *Manager) startSweep(ctx context.Context) (*cron.Cron, error) {
	if m.cfg.SweepCron == "" {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(m.cfg.SweepCron, func() {
		sctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if n, err := m.store.RequeueFailed(sctx, m.cfg.MaxAttempts); err != nil {
			m.log.Error("sweep requeue", "error", err)
		} else if n > 0 {
			m.log.Info("sweep requeued failed jobs", "count", n)
		}
		m.sweepOffsetGaps(sctx)
		if err := m.store.EnsureRawPartition(sctx, time.Now().UTC()); err != nil {
			m.log.Error("sweep partition", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduling sweep %q: %w", m.cfg.SweepCron, err)
	}
	c.Start()
	m.log.Info("sweep scheduled", "cron", m.cfg.SweepCron)
	return c, nil
}

// sweepOffsetGaps enqueues a catch-up job for every instrument whose last
// committed trade offset has fallen more than one chunk behind the wall
// clock. Duplicates of a still-open gap are absorbed by job uniqueness.
func (m *Manager) sweepOffsetGaps(ctx context.Context) {
	now := time.Now().UTC()
	stale := m.cfg.Chunk.Std()
	for key := range m.insts {
		adapter, err := m.adapters.Get(key.provider)
		if err != nil {
			continue
		}
		caps := adapter.Capabilities()
		if !caps.Backfill || !caps.Trades {
			continue
		}
		off, ok, err := m.store.GetOffset(ctx, key.provider, key.symbol, domain.KindTrade)
		if err != nil {
			m.log.Error("sweep offset read", "provider", key.provider, "symbol", key.symbol, "error", err)
			continue
		}
		if !ok || off.EventTime.IsZero() || now.Sub(off.EventTime) <= stale {
			continue
		}
		_, err = m.store.CreateJob(ctx, domain.FetchJob{
			Provider: key.provider,
			Symbol:   key.symbol,
			Kind:     domain.JobCatchup,
			Records:  domain.KindTrade,
			Start:    off.EventTime,
			End:      now,
		})
		if err != nil && !errors.Is(err, store.ErrDuplicateJob) {
			m.log.Error("sweep catch-up enqueue", "provider", key.provider, "symbol", key.symbol, "error", err)
			continue
		}
		if err == nil {
			m.log.Info("sweep enqueued catch-up",
				"provider", key.provider, "symbol", key.symbol,
				"behind", now.Sub(off.EventTime).Round(time.Second))
		}
	}
}

// runJob fetches one claimed job chunk by chunk. Each chunk is fully
// persisted before the checkpoint advances, so resume never skips and never
// refetches a completed chunk.
func (m *Manager) runJob(ctx context.Context, job domain.FetchJob) error {
	inst, ok := m.insts[instKey{job.Provider, job.Symbol}]
	if !ok {
		return m.fail(ctx, job, fmt.Errorf("no configured instrument %s/%s", job.Provider, job.Symbol))
	}
	adapter, err := m.adapters.Get(job.Provider)
	if err != nil {
		return m.fail(ctx, job, err)
	}

	log := m.log.With("job", job.ID, "provider", job.Provider, "symbol", job.Symbol, "records", job.Records)
	chunk := m.cfg.Chunk.Std()

	from := job.ResumeFrom()
	if from.After(job.Start) {
		log.Info("resuming from checkpoint", "from", from.Format(time.RFC3339))
	}
	for from.Before(job.End) {
		if ctx.Err() != nil {
			// Cooperative stop: the checkpoint already covers every
			// persisted chunk, a future claim resumes there.
			return ctx.Err()
		}
		chunkEnd := from.Add(chunk)
		if chunkEnd.After(job.End) {
			chunkEnd = job.End
		}

		if err := m.fetchChunk(ctx, adapter, inst, job, from, chunkEnd); err != nil {
			ops.JobChunks.WithLabelValues(string(job.Kind), "failed").Inc()
			return m.fail(ctx, job, fmt.Errorf("chunk [%s, %s): %w",
				from.Format(time.RFC3339), chunkEnd.Format(time.RFC3339), err))
		}
		if err := m.store.Checkpoint(ctx, job.ID, chunkEnd); err != nil {
			return m.fail(ctx, job, err)
		}
		ops.JobChunks.WithLabelValues(string(job.Kind), "completed").Inc()
		log.Debug("chunk done", "through", chunkEnd.Format(time.RFC3339))
		from = chunkEnd
	}

	if err := m.store.SetJobState(ctx, job.ID, domain.JobCompleted, ""); err != nil {
		return err
	}
	log.Info("job completed")
	return nil
}

// fail moves the job to failed with the error recorded. The store bumps the
// attempt counter; the sweep or the next drain round requeues it while
// attempts remain.
func (m *Manager) fail(ctx context.Context, job domain.FetchJob, cause error) error {
	var exhausted *feed.RangeExhaustedError
	if errors.As(cause, &exhausted) {
		// The provider retains nothing there; that is a terminal success
		// with a note, not a retriable failure.
		if err := m.store.SetJobState(ctx, job.ID, domain.JobCompleted, ""); err != nil {
			return err
		}
		m.log.Warn("range precedes provider retention", "job", job.ID, "error", cause)
		return nil
	}
	if err := m.store.SetJobState(ctx, job.ID, domain.JobFailed, cause.Error()); err != nil {
		return fmt.Errorf("recording failure of job %s: %w (original: %v)", job.ID, err, cause)
	}
	return cause
}

// fetchChunk pages through one sub-range and persists every page before
// returning. Transient provider errors retry in place with backoff; a
// provider-mandated retry-after is honored exactly and does not consume an
// attempt.
func (m *Manager) fetchChunk(ctx context.Context, adapter feed.Adapter, inst instrument, job domain.FetchJob, start, end time.Time) error {
	pageToken := ""
	for {
		page, err := m.fetchPage(ctx, adapter, inst, job, start, end, pageToken)
		if err != nil {
			return err
		}
		if len(page.Records) > 0 {
			if err := m.persist(ctx, inst, job.Records, page.Records); err != nil {
				return err
			}
		}
		if page.NextPageToken == "" {
			return nil
		}
		pageToken = page.NextPageToken
	}
}

// fetchPage is one adapter call wrapped in the retry policy.
func (m *Manager) fetchPage(ctx context.Context, adapter feed.Adapter, inst instrument, job domain.FetchJob, start, end time.Time, pageToken string) (feed.Page, error) {
	var lastErr error
	attempt := 0
	for attempt < m.cfg.MaxAttempts {
		var (
			page feed.Page
			err  error
		)
		switch job.Records {
		case domain.KindTrade:
			page, err = adapter.FetchTrades(ctx, inst.Instrument, start, end, pageToken)
		case domain.KindQuote:
			page, err = adapter.FetchQuotes(ctx, inst.Instrument, start, end, pageToken)
		case domain.KindBar:
			page, err = adapter.FetchBars(ctx, inst.Instrument, job.Granularity, start, end, pageToken)
		default:
			return feed.Page{}, fmt.Errorf("unknown record kind %q", job.Records)
		}
		if err == nil {
			return page, nil
		}
		lastErr = err

		if wait, ok := feed.RetryAfter(err); ok {
			// The provider named its price; pay exactly that and do not
			// burn an attempt.
			m.log.Warn("rate limited, honoring retry-after",
				"job", job.ID, "wait", wait)
			select {
			case <-ctx.Done():
				return feed.Page{}, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}
		if !feed.IsTransient(err) {
			return feed.Page{}, err
		}
		attempt++
		if attempt >= m.cfg.MaxAttempts {
			break
		}
		m.log.Warn("transient fetch error, backing off",
			"job", job.ID, "attempt", attempt, "error", err)
		if err := m.backoff.Sleep(ctx, attempt); err != nil {
			return feed.Page{}, err
		}
	}
	return feed.Page{}, fmt.Errorf("fetch exhausted %d attempts: %w", m.cfg.MaxAttempts, lastErr)
}

// persist normalizes one page and writes it: raw archive, canonical rows,
// and dead letters for whatever refused to decode. A malformed record never
// fails the chunk.
func (m *Manager) persist(ctx context.Context, inst instrument, kind domain.RecordKind, envs []domain.RawEnvelope) error {
	var (
		raw     []store.RawArchiveEntry
		trades  []domain.Trade
		quotes  []domain.Quote
		candles []domain.Candle
		dead    []domain.DeadLetterRecord
	)

	for _, env := range envs {
		ops.IngestRecords.WithLabelValues(env.Provider, string(env.Kind)).Inc()
		eventTime := env.Received
		var decodeErr error

		switch env.Kind {
		case domain.KindTrade:
			t, err := m.norm.Trade(env)
			if err == nil {
				trades = append(trades, t)
				eventTime = t.EventTime
			}
			decodeErr = err
		case domain.KindQuote:
			q, err := m.norm.Quote(env)
			if err == nil {
				quotes = append(quotes, q)
				eventTime = q.EventTime
			}
			decodeErr = err
		case domain.KindBar:
			c, err := m.norm.Bar(env)
			if err == nil {
				candles = append(candles, c)
				eventTime = c.BucketStart
			}
			decodeErr = err
		default:
			continue
		}

		raw = append(raw, store.RawArchiveEntry{Envelope: env, EventTime: eventTime})
		if decodeErr != nil {
			reason := norm.ReasonFor(decodeErr)
			ops.NormalizeFailures.WithLabelValues(env.Provider, string(reason)).Inc()
			dead = append(dead, domain.DeadLetterRecord{
				Provider: env.Provider,
				Symbol:   env.Symbol,
				Kind:     env.Kind,
				Payload:  env.Payload,
				Reason:   string(reason),
			})
		}
	}

	if err := m.store.ArchiveRaw(ctx, raw); err != nil {
		return err
	}
	if len(trades) > 0 {
		outcomes, err := m.store.InsertTrades(ctx, trades)
		if err != nil {
			return err
		}
		m.count(outcomes)
	}
	if len(quotes) > 0 {
		outcomes, err := m.store.InsertQuotes(ctx, quotes, inst.quoteMode)
		if err != nil {
			return err
		}
		m.count(outcomes)
	}
	if len(candles) > 0 {
		if err := m.store.UpsertCandles(ctx, candles); err != nil {
			return err
		}
		m.inserted.Add(int64(len(candles)))
	}
	if len(dead) > 0 {
		if err := m.store.AddDeadLetters(ctx, dead); err != nil {
			return err
		}
		m.deadLettered.Add(int64(len(dead)))
	}
	return nil
}

func (m *Manager) count(outcomes []store.Outcome) {
	for _, o := range outcomes {
		switch o {
		case store.OutcomeInserted:
			m.inserted.Add(1)
		case store.OutcomeDuplicate:
			m.duplicates.Add(1)
		}
	}
}

// ReplayDeadLetters re-runs normalization over parked records, persisting
// and deleting the ones that now decode. Run after a decoder fix ships.
func (m *Manager) ReplayDeadLetters(ctx context.Context, limit int) (replayed, remaining int, err error) {
	recs, err := m.store.ListDeadLetters(ctx, "", limit)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range recs {
		inst, ok := m.insts[instKey{rec.Provider, rec.Symbol}]
		if !ok {
			remaining++
			continue
		}
		env := domain.RawEnvelope{
			Provider: rec.Provider,
			Symbol:   rec.Symbol,
			Kind:     rec.Kind,
			Payload:  rec.Payload,
			Received: rec.FirstSeen,
			CorrID:   rec.ID.String(),
		}
		if err := m.persistReplay(ctx, inst, env); err != nil {
			remaining++
			continue
		}
		if err := m.store.DeleteDeadLetters(ctx, []uuid.UUID{rec.ID}); err != nil {
			return replayed, remaining, err
		}
		replayed++
	}
	m.log.Info("dead letter replay done", "replayed", replayed, "remaining", remaining)
	return replayed, remaining, nil
}

// persistReplay writes one re-decoded record, skipping the raw archive
// since the original bytes are already there.
func (m *Manager) persistReplay(ctx context.Context, inst instrument, env domain.RawEnvelope) error {
	switch env.Kind {
	case domain.KindTrade:
		t, err := m.norm.Trade(env)
		if err != nil {
			return err
		}
		_, err = m.store.InsertTrades(ctx, []domain.Trade{t})
		return err
	case domain.KindQuote:
		q, err := m.norm.Quote(env)
		if err != nil {
			return err
		}
		_, err = m.store.InsertQuotes(ctx, []domain.Quote{q}, inst.quoteMode)
		return err
	case domain.KindBar:
		c, err := m.norm.Bar(env)
		if err != nil {
			return err
		}
		return m.store.UpsertCandles(ctx, []domain.Candle{c})
	default:
		return fmt.Errorf("unknown record kind %q", env.Kind)
	}
}
