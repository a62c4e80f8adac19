package realtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tickerd/internal/domain"
	"tickerd/internal/feed"
	"tickerd/internal/norm"
	"tickerd/internal/ops"
	"tickerd/internal/store"
	"tickerd/internal/util"
)

// worker owns one (provider, instrument) stream: connect, consume, batch,
// write, commit, reconnect. It never gives up; past the degraded threshold
// it keeps retrying at the backoff cap.
type worker struct {
	p   *Pipeline
	sub subscription
	log *slog.Logger
	key string

	batch []domain.RawEnvelope

	// consumedAny records that the last connection delivered at least one
	// durable batch, so the failure counter resets on the next drop.
	consumedAny bool
}

func newWorker(p *Pipeline, sub subscription) *worker {
	key := sub.inst.Provider + "/" + sub.inst.Symbol
	return &worker{
		p:   p,
		sub: sub,
		log: p.log.With("provider", sub.inst.Provider, "symbol", sub.inst.Symbol),
		key: key,
	}
}

// run is the supervision loop: connecting -> streaming -> disconnected ->
// connecting, until the context ends.
func (w *worker) run(ctx context.Context) {
	provider := w.sub.inst.Provider
	adapter, err := w.p.adapters.Get(provider)
	if err != nil {
		w.log.Error("no adapter for stream", "error", err)
		return
	}

	failures := 0
	for ctx.Err() == nil {
		err := w.streamOnce(ctx, adapter)
		ops.StreamConnected.WithLabelValues(provider).Set(0)
		if ctx.Err() != nil {
			return
		}

		// A connection that actually delivered data resets the failure
		// count; only consecutive dead connections count toward degraded.
		if w.consumedAny {
			failures = 0
			w.consumedAny = false
		}
		failures++
		if failures == w.p.cfg.DegradedAfter {
			w.p.setDegraded(w.key, true)
			ops.StreamDegraded.WithLabelValues(provider).Set(1)
			w.log.Error("stream degraded, continuing to retry at capped interval",
				"failures", failures, "error", err)
		} else if failures < w.p.cfg.DegradedAfter {
			w.log.Warn("stream dropped, reconnecting", "failures", failures, "error", err)
		}

		// A provider-mandated wait substitutes for this round's backoff.
		if wait, ok := feed.RetryAfter(err); ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		if err := w.p.backoff.Sleep(ctx, failures); err != nil {
			return
		}
	}
}

// streamOnce runs one connection to exhaustion. Returning nil means the
// stream closed cleanly (context end); anything else triggers reconnect.
func (w *worker) streamOnce(ctx context.Context, adapter feed.Adapter) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := adapter.StreamLive(sctx, []domain.Instrument{w.sub.inst}, w.sub.kinds)
	if err != nil {
		return err
	}

	provider := w.sub.inst.Provider
	ops.StreamConnected.WithLabelValues(provider).Set(1)
	w.p.setDegraded(w.key, false)
	ops.StreamDegraded.WithLabelValues(provider).Set(0)
	w.log.Info("stream up")

	// A reconnect leaves a hole between the last committed offset and the
	// first live record; a catch-up job fills it from the historical API.
	w.enqueueCatchup(ctx, adapter)

	// Relay envelopes through a buffered channel so a slow write batch
	// does not backpressure the socket reader into a provider disconnect.
	buf := w.p.cfg.Buffer
	if buf <= 0 {
		buf = 1024
	}
	envelopes := make(chan domain.RawEnvelope, buf)
	go func() {
		defer close(envelopes)
		for env := range stream.Envelopes {
			select {
			case envelopes <- env:
			case <-sctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTimer(w.p.cfg.HeartbeatTimeout.Std())
	defer heartbeat.Stop()
	flush := time.NewTicker(w.p.cfg.BatchFlush.Std())
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushBatch(context.Background())
			return nil

		case env, ok := <-envelopes:
			if !ok {
				w.flushBatch(ctx)
				select {
				case err, ok := <-stream.Errs:
					if ok && err != nil {
						return err
					}
				default:
				}
				return errors.New("stream closed")
			}
			if !heartbeat.Stop() {
				select {
				case <-heartbeat.C:
				default:
				}
			}
			heartbeat.Reset(w.p.cfg.HeartbeatTimeout.Std())

			if env.Kind == domain.KindHeartbeat {
				continue
			}
			w.batch = append(w.batch, env)
			if len(w.batch) >= w.p.cfg.BatchSize {
				if err := w.flushBatch(ctx); err != nil {
					return err
				}
			}

		case <-flush.C:
			if err := w.flushBatch(ctx); err != nil {
				return err
			}

		case <-heartbeat.C:
			// Silence past the timeout: the transport may still look
			// open, but the feed is dead. Force a reconnect.
			w.flushBatch(ctx)
			return errors.New("heartbeat timeout")

		case err, ok := <-stream.Errs:
			w.flushBatch(ctx)
			if !ok || err == nil {
				return errors.New("stream closed")
			}
			return err
		}
	}
}

// enqueueCatchup submits a catch-up backfill covering the gap since the
// last committed trade offset. Duplicate submissions (same gap start) are
// absorbed by job uniqueness.
func (w *worker) enqueueCatchup(ctx context.Context, adapter feed.Adapter) {
	caps := adapter.Capabilities()
	if !caps.Backfill || !caps.Trades {
		return
	}
	off, ok, err := w.p.store.GetOffset(ctx, w.sub.inst.Provider, w.sub.inst.Symbol, domain.KindTrade)
	if err != nil {
		w.log.Error("loading offset for catch-up", "error", err)
		return
	}
	if !ok || off.EventTime.IsZero() {
		return
	}
	now := time.Now().UTC()
	if now.Sub(off.EventTime) < time.Second {
		return
	}
	_, err = w.p.store.CreateJob(ctx, domain.FetchJob{
		Provider: w.sub.inst.Provider,
		Symbol:   w.sub.inst.Symbol,
		Kind:     domain.JobCatchup,
		Records:  domain.KindTrade,
		Start:    off.EventTime,
		End:      now,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicateJob) {
		w.log.Error("submitting catch-up job", "error", err)
		return
	}
	if err == nil {
		w.log.Info("catch-up job submitted",
			"from", off.EventTime.Format(time.RFC3339), "to", now.Format(time.RFC3339))
	}
}

// flushBatch normalizes and writes the pending batch, then commits stream
// offsets. The order is fixed: records first, offsets after, so a crash in
// between re-delivers rather than skips, and the unique keys make the
// re-delivery a no-op.
func (w *worker) flushBatch(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	batch := w.batch
	w.batch = nil

	var (
		raw       []store.RawArchiveEntry
		trades    []domain.Trade
		quotes    []domain.Quote
		dead      []domain.DeadLetterRecord
		offsets   = make(map[domain.RecordKind]domain.StreamOffset)
		newestEvt time.Time
	)

	for _, env := range batch {
		ops.IngestRecords.WithLabelValues(env.Provider, string(env.Kind)).Inc()
		eventTime := env.Received
		var decodeErr error
		switch env.Kind {
		case domain.KindTrade:
			t, err := w.p.norm.Trade(env)
			if err == nil {
				trades = append(trades, t)
				eventTime = t.EventTime
			}
			decodeErr = err
		case domain.KindQuote:
			q, err := w.p.norm.Quote(env)
			if err == nil {
				quotes = append(quotes, q)
				eventTime = q.EventTime
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
			continue
		}

		// Offset candidates advance only for records that decoded; they
		// are committed below, strictly after the write.
		off := offsets[env.Kind]
		if env.Seq > off.Seq || eventTime.After(off.EventTime) {
			offsets[env.Kind] = domain.StreamOffset{
				Provider:  env.Provider,
				Symbol:    env.Symbol,
				Kind:      env.Kind,
				Seq:       max(env.Seq, off.Seq),
				EventTime: laterTime(eventTime, off.EventTime),
			}
		}
		if eventTime.After(newestEvt) {
			newestEvt = eventTime
		}
	}

	if err := w.writeWithRetry(ctx, raw, trades, quotes, dead); err != nil {
		return err
	}

	// Write succeeded; now, and only now, move the durable cursor.
	for _, off := range offsets {
		if err := w.p.store.CommitOffset(ctx, off); err != nil {
			// The records are safe; the next batch recommits. Worst case
			// a crash here replays one batch into unique-key no-ops.
			w.log.Warn("offset commit failed, will recommit", "error", err)
			break
		}
	}

	if !newestEvt.IsZero() {
		ops.StreamLag.WithLabelValues(w.sub.inst.Provider, w.sub.inst.Symbol).
			Set(time.Since(newestEvt).Seconds())
	}
	w.consumedAny = true
	return nil
}

// writeWithRetry pushes one batch through the storage writer with bounded
// retries. When storage stays unreachable the whole batch is dead-lettered
// under a distinguishing reason so it can be bulk-replayed.
func (w *worker) writeWithRetry(ctx context.Context, raw []store.RawArchiveEntry, trades []domain.Trade, quotes []domain.Quote, dead []domain.DeadLetterRecord) error {
	const storageAttempts = 3

	attempt := 0
	lastErr := util.Retry(ctx, w.p.backoff, storageAttempts, func() error {
		attempt++
		err := w.writeOnce(ctx, raw, trades, quotes, dead)
		if err != nil {
			w.log.Warn("batch write failed", "attempt", attempt, "error", err)
		}
		return err
	})
	if lastErr == nil {
		return nil
	}
	// Shutdown is not a storage failure; leave the batch for replay.
	if ctx.Err() != nil {
		return lastErr
	}

	// Storage refused the batch repeatedly. Park everything that was
	// supposed to land, tagged distinctly from malformed records.
	parked := dead
	for _, t := range trades {
		parked = append(parked, domain.DeadLetterRecord{
			Provider: t.Provider, Symbol: t.Symbol, Kind: domain.KindTrade,
			Payload: findPayload(raw, t.CorrID), Reason: "storage_unavailable",
		})
	}
	for _, q := range quotes {
		parked = append(parked, domain.DeadLetterRecord{
			Provider: q.Provider, Symbol: q.Symbol, Kind: domain.KindQuote,
			Payload: findPayload(raw, q.CorrID), Reason: "storage_unavailable",
		})
	}
	if err := w.p.store.AddDeadLetters(ctx, parked); err != nil {
		w.log.Error("dead-lettering failed batch", "records", len(parked), "error", err)
	}
	return lastErr
}

func findPayload(raw []store.RawArchiveEntry, corrID string) []byte {
	for _, e := range raw {
		if e.Envelope.CorrID == corrID {
			return e.Envelope.Payload
		}
	}
	return nil
}

// writeOnce is one attempt at persisting the batch and feeding the
// aggregator with the trades that were actually inserted.
func (w *worker) writeOnce(ctx context.Context, raw []store.RawArchiveEntry, trades []domain.Trade, quotes []domain.Quote, dead []domain.DeadLetterRecord) error {
	if err := w.p.store.ArchiveRaw(ctx, raw); err != nil {
		return err
	}
	if len(dead) > 0 {
		if err := w.p.store.AddDeadLetters(ctx, dead); err != nil {
			return err
		}
	}
	if len(quotes) > 0 {
		if _, err := w.p.store.InsertQuotes(ctx, quotes, w.sub.quoteMode); err != nil {
			return err
		}
	}
	if len(trades) == 0 {
		return nil
	}

	outcomes, err := w.p.store.InsertTrades(ctx, trades)
	if err != nil {
		return err
	}
	// Only inserted trades reach the aggregator: a replayed duplicate must
	// never double-count into a candle.
	inserted := trades[:0:0]
	for i, o := range outcomes {
		if o == store.OutcomeInserted {
			inserted = append(inserted, trades[i])
		}
	}
	if len(inserted) > 0 {
		if err := w.p.agg.Observe(ctx, inserted); err != nil {
			// Candle output is requeued inside the aggregator; the trades
			// themselves are durable, so the batch still counts as written.
			w.log.Warn("candle flush deferred", "error", err)
		}
	}
	return nil
}

func laterTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
