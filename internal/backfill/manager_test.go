package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tickerd/internal/config"
	"tickerd/internal/domain"
	"tickerd/internal/feed"
	"tickerd/internal/norm"
	"tickerd/internal/store"
)

// fetchFunc serves one recorded fetch call. call is 1-based.
type fetchFunc func(call int, start, end time.Time, pageToken string) (feed.Page, error)

type fakeAdapter struct {
	name  string
	serve fetchFunc
	caps  *feed.Capabilities // nil means full support

	mu    sync.Mutex
	calls int
}

var _ feed.Adapter = (*fakeAdapter)(nil)

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Capabilities() feed.Capabilities {
	if f.caps != nil {
		return *f.caps
	}
	return feed.Capabilities{Backfill: true, Trades: true, Stream: true, Quotes: true, Bars: true}
}

func (f *fakeAdapter) fetch(start, end time.Time, pageToken string) (feed.Page, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.serve(call, start, end, pageToken)
}

func (f *fakeAdapter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAdapter) FetchTrades(_ context.Context, _ domain.Instrument, start, end time.Time, pageToken string) (feed.Page, error) {
	return f.fetch(start, end, pageToken)
}

func (f *fakeAdapter) FetchQuotes(_ context.Context, _ domain.Instrument, start, end time.Time, pageToken string) (feed.Page, error) {
	return f.fetch(start, end, pageToken)
}

func (f *fakeAdapter) FetchBars(_ context.Context, _ domain.Instrument, _ time.Duration, start, end time.Time, pageToken string) (feed.Page, error) {
	return f.fetch(start, end, pageToken)
}

func (f *fakeAdapter) StreamLive(context.Context, []domain.Instrument, []domain.RecordKind) (feed.Stream, error) {
	return feed.Stream{}, errors.New("not streaming in this test")
}

// tradePage builds a page of alpaca-shaped trade envelopes inside [start, end).
func tradePage(t *testing.T, n int, start time.Time) feed.Page {
	t.Helper()
	page := feed.Page{}
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Second)
		payload, err := json.Marshal(norm.AlpacaTrade{
			ID:        ts.UnixNano(),
			Symbol:    "AAPL",
			Exchange:  "V",
			Price:     100.5,
			Size:      1,
			Timestamp: ts,
		})
		if err != nil {
			t.Fatalf("encoding trade: %v", err)
		}
		page.Records = append(page.Records, domain.RawEnvelope{
			Provider: "alpaca",
			Symbol:   "AAPL",
			Kind:     domain.KindTrade,
			Payload:  payload,
			CorrID:   "corr",
			Received: ts,
		})
	}
	return page
}

func testConfig(t *testing.T, chunk time.Duration, maxAttempts int) *config.Config {
	t.Helper()
	return &config.Config{
		Storage: config.Storage{
			Driver: store.DriverSQLite,
			DSN:    filepath.Join(t.TempDir(), "tickerd.db"),
		},
		Providers: map[string]config.Provider{
			"alpaca": {Kind: "broker", RatePerSec: 1000, Burst: 100},
		},
		Instruments: []config.Instrument{
			{Symbol: "AAPL", Provider: "alpaca", ProviderSymbol: "AAPL", QuoteMode: "both"},
		},
		Backfill: config.Backfill{
			Chunk:       config.Duration(chunk),
			Parallelism: 2,
			MaxAttempts: maxAttempts,
			BackoffMin:  config.Duration(time.Millisecond),
			BackoffMax:  config.Duration(5 * time.Millisecond),
		},
	}
}

func newTestManager(t *testing.T, cfg *config.Config, adapter feed.Adapter) (*Manager, *store.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.Open(context.Background(), cfg.Storage, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	reg := feed.NewRegistry()
	if err := reg.Register(adapter); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return New(st, reg, norm.New(), cfg, log), st
}

func backfillJob(start, end time.Time) domain.FetchJob {
	return domain.FetchJob{
		Provider: "alpaca",
		Symbol:   "AAPL",
		Kind:     domain.JobBackfill,
		Records:  domain.KindTrade,
		Start:    start,
		End:      end,
	}
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	adapter := &fakeAdapter{name: "alpaca", serve: func(int, time.Time, time.Time, string) (feed.Page, error) {
		return feed.Page{}, nil
	}}
	m, st := newTestManager(t, testConfig(t, time.Hour, 3), adapter)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	job := backfillJob(start, start.Add(time.Hour))

	if _, err := m.Submit(ctx, job); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := m.Submit(ctx, job); !errors.Is(err, store.ErrDuplicateJob) {
		t.Errorf("second submit: got %v, want ErrDuplicateJob", err)
	}

	jobs, err := st.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("got %d jobs, want 1", len(jobs))
	}
}

func TestSubmitRejectsUnknownInstrument(t *testing.T) {
	adapter := &fakeAdapter{name: "alpaca"}
	m, _ := newTestManager(t, testConfig(t, time.Hour, 3), adapter)

	job := backfillJob(time.Now().Add(-time.Hour), time.Now())
	job.Symbol = "MSFT"
	if _, err := m.Submit(context.Background(), job); err == nil {
		t.Error("expected submit of unconfigured instrument to fail")
	}
}

func TestSubmitRejectsTradeJobWithoutTradeHistory(t *testing.T) {
	// A bars-only backfill provider (coinbase shape) must reject trade
	// jobs at submit time instead of creating jobs that can only fail.
	adapter := &fakeAdapter{name: "alpaca", caps: &feed.Capabilities{
		Backfill: true, Stream: true, Quotes: true, Bars: true,
	}}
	m, st := newTestManager(t, testConfig(t, time.Hour, 3), adapter)

	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	if _, err := m.Submit(context.Background(), backfillJob(start, start.Add(time.Hour))); err == nil {
		t.Fatal("expected trade submit to a bars-only provider to fail")
	}
	jobs, err := st.ListJobs(context.Background())
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("got %d jobs, want 0", len(jobs))
	}
}

func TestDrainCompletesJob(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	adapter := &fakeAdapter{name: "alpaca", serve: func(call int, chunkStart, _ time.Time, _ string) (feed.Page, error) {
		return tradePage(t, 5, chunkStart), nil
	}}
	m, st := newTestManager(t, testConfig(t, time.Hour, 3), adapter)

	job, err := m.Submit(ctx, backfillJob(start, start.Add(2*time.Hour)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	sum, err := m.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Completed != 1 || sum.Failed != 0 {
		t.Errorf("summary %+v, want 1 completed, 0 failed", sum)
	}
	if sum.Inserted != 10 {
		t.Errorf("inserted %d trades, want 10", sum.Inserted)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != domain.JobCompleted {
		t.Errorf("job state %s, want completed", got.State)
	}
	if !got.LastProcessed.Equal(job.End) {
		t.Errorf("checkpoint %s, want %s", got.LastProcessed, job.End)
	}
	if adapter.callCount() != 2 {
		t.Errorf("got %d fetches, want 2 (one per chunk)", adapter.callCount())
	}
}

// A job killed after its first chunk checkpointed must, on resume, fetch
// exactly the remaining chunks: four of five for a 10-day range in 2-day
// chunks.
func TestResumeSkipsCompletedChunks(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	day := 24 * time.Hour

	adapter := &fakeAdapter{name: "alpaca", serve: func(call int, chunkStart, _ time.Time, _ string) (feed.Page, error) {
		if call >= 2 {
			// The crash: chunk 1 persisted and checkpointed, then the
			// process dies.
			return feed.Page{}, &feed.PermanentError{Op: "fake", Err: errors.New("killed")}
		}
		return tradePage(t, 3, chunkStart), nil
	}}
	m, st := newTestManager(t, testConfig(t, 2*day, 1), adapter)

	job, err := m.Submit(ctx, backfillJob(start, start.Add(10*day)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Drain(ctx); err != nil {
		t.Fatalf("Drain (interrupted run): %v", err)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != domain.JobFailed {
		t.Fatalf("job state %s, want failed", got.State)
	}
	if want := start.Add(2 * day); !got.LastProcessed.Equal(want) {
		t.Fatalf("checkpoint %s, want %s", got.LastProcessed, want)
	}

	// Operator retry: back to pending, adapter healthy again.
	if err := st.SetJobState(ctx, job.ID, domain.JobPending, ""); err != nil {
		t.Fatalf("SetJobState: %v", err)
	}
	before := adapter.callCount()
	adapter.serve = func(call int, chunkStart, _ time.Time, _ string) (feed.Page, error) {
		return tradePage(t, 3, chunkStart), nil
	}

	if _, err := m.Drain(ctx); err != nil {
		t.Fatalf("Drain (resume): %v", err)
	}
	got, err = st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.State != domain.JobCompleted {
		t.Errorf("job state %s, want completed", got.State)
	}
	if fetched := adapter.callCount() - before; fetched != 4 {
		t.Errorf("resume fetched %d chunks, want exactly 4", fetched)
	}
}

// A rate-limited provider names its wait; the manager pays exactly that and
// the retry does not count against the attempt budget.
func TestRateLimitedFetchHonorsRetryAfter(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	const wait = 150 * time.Millisecond

	adapter := &fakeAdapter{name: "alpaca", serve: func(call int, chunkStart, _ time.Time, _ string) (feed.Page, error) {
		if call == 1 {
			return feed.Page{}, &feed.RateLimitedError{RetryAfter: wait, Err: errors.New("throttled")}
		}
		return tradePage(t, 2, chunkStart), nil
	}}
	// MaxAttempts 1: if the rate-limit retry burned an attempt, the job
	// would fail instead of completing.
	m, st := newTestManager(t, testConfig(t, time.Hour, 1), adapter)

	job, err := m.Submit(ctx, backfillJob(start, start.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	begin := time.Now()
	sum, err := m.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if elapsed := time.Since(begin); elapsed < wait {
		t.Errorf("drain returned after %s, want at least %s", elapsed, wait)
	}
	if sum.Completed != 1 {
		t.Errorf("summary %+v, want 1 completed", sum)
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts %d, want 0 (rate limits are not failures)", got.Attempts)
	}
}

func TestMalformedRecordIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	adapter := &fakeAdapter{name: "alpaca", serve: func(call int, chunkStart, _ time.Time, _ string) (feed.Page, error) {
		page := tradePage(t, 1, chunkStart)
		page.Records = append(page.Records, domain.RawEnvelope{
			Provider: "alpaca",
			Symbol:   "AAPL",
			Kind:     domain.KindTrade,
			Payload:  []byte(`{"p": "not a number"`),
			CorrID:   "bad",
			Received: chunkStart,
		})
		return page, nil
	}}
	m, st := newTestManager(t, testConfig(t, time.Hour, 1), adapter)

	if _, err := m.Submit(ctx, backfillJob(start, start.Add(time.Hour))); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	sum, err := m.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if sum.Completed != 1 {
		t.Fatalf("summary %+v, want completed job", sum)
	}
	if sum.Inserted != 1 || sum.DeadLettered != 1 {
		t.Errorf("summary %+v, want 1 inserted and 1 dead-lettered", sum)
	}

	dead, err := st.ListDeadLetters(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(dead))
	}
	if dead[0].Reason != string(norm.ReasonBadPayload) {
		t.Errorf("reason %q, want %q", dead[0].Reason, norm.ReasonBadPayload)
	}

	trades, err := st.TradesSince(ctx, "alpaca", "AAPL", start.Add(-time.Hour))
	if err != nil {
		t.Fatalf("TradesSince: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("got %d trades, want 1 (the malformed one must not land)", len(trades))
	}
}

func TestReplayDeadLetters(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	adapter := &fakeAdapter{name: "alpaca"}
	m, st := newTestManager(t, testConfig(t, time.Hour, 1), adapter)

	// One payload that decodes fine today (parked by an old decoder bug)
	// and one that is still garbage.
	good, err := json.Marshal(norm.AlpacaTrade{ID: 7, Symbol: "AAPL", Price: 10, Size: 1, Timestamp: start})
	if err != nil {
		t.Fatalf("encoding trade: %v", err)
	}
	recs := []domain.DeadLetterRecord{
		{Provider: "alpaca", Symbol: "AAPL", Kind: domain.KindTrade, Payload: good, Reason: "bad_payload"},
		{Provider: "alpaca", Symbol: "AAPL", Kind: domain.KindTrade, Payload: []byte("junk"), Reason: "bad_payload"},
	}
	if err := st.AddDeadLetters(ctx, recs); err != nil {
		t.Fatalf("AddDeadLetters: %v", err)
	}

	replayed, remaining, err := m.ReplayDeadLetters(ctx, 100)
	if err != nil {
		t.Fatalf("ReplayDeadLetters: %v", err)
	}
	if replayed != 1 || remaining != 1 {
		t.Errorf("got replayed=%d remaining=%d, want 1 and 1", replayed, remaining)
	}

	trades, err := st.TradesSince(ctx, "alpaca", "AAPL", start.Add(-time.Hour))
	if err != nil {
		t.Fatalf("TradesSince: %v", err)
	}
	if len(trades) != 1 {
		t.Errorf("got %d trades after replay, want 1", len(trades))
	}
	dead, err := st.ListDeadLetters(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(dead) != 1 {
		t.Errorf("got %d dead letters after replay, want 1", len(dead))
	}
}
