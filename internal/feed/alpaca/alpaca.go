// Package alpaca adapts the Alpaca market-data API to the feed contract:
// paged historical trades/quotes/bars over REST and live records over the
// SDK's stocks stream.
package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"github.com/google/uuid"

	"tickerd/internal/config"
	"tickerd/internal/domain"
	"tickerd/internal/feed"
	"tickerd/internal/norm"
	"tickerd/internal/ops"
)

var _ feed.Adapter = (*Adapter)(nil)

// Adapter speaks to Alpaca through the official SDK. Historical endpoints
// auto-paginate inside the SDK, so the contract's page token is the start of
// the next fetch window rather than an opaque provider cursor.
type Adapter struct {
	name   string
	client *marketdata.Client
	limits *feed.Limiters
	log    *slog.Logger

	apiKey    string
	apiSecret string
	streamURL string
	feed      marketdata.Feed
	pageLimit int
}

// New builds an adapter from the provider configuration. Credentials are
// expected to arrive via the environment (config applies APCA_* overrides).
func New(name string, cfg config.Provider, pageLimit int, limits *feed.Limiters, log *slog.Logger) *Adapter {
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		// The fetch loop owns retry policy; the SDK must fail fast.
		RetryLimit: 0,
	}
	if cfg.BaseURL != "" {
		opts.BaseURL = cfg.BaseURL
	}
	dataFeed := marketdata.IEX
	if cfg.Feed != "" {
		dataFeed = marketdata.Feed(cfg.Feed)
	}
	if pageLimit <= 0 {
		pageLimit = 10000
	}
	return &Adapter{
		name:      name,
		client:    marketdata.NewClient(opts),
		limits:    limits,
		log:       log.With("adapter", name),
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		streamURL: cfg.StreamURL,
		feed:      dataFeed,
		pageLimit: pageLimit,
	}
}

// Name returns the provider name this adapter was registered under.
func (a *Adapter) Name() string { return a.name }

// Capabilities reports full support: backfill, stream, quotes, and
// provider-computed bars.
func (a *Adapter) Capabilities() feed.Capabilities {
	return feed.Capabilities{Backfill: true, Trades: true, Stream: true, Quotes: true, Bars: true}
}

// wait blocks on the provider's shared rate budget.
func (a *Adapter) wait(ctx context.Context) error {
	begin := time.Now()
	if err := a.limits.Wait(ctx, a.name); err != nil {
		return err
	}
	ops.ObserveRateLimitWait(a.name, time.Since(begin))
	return nil
}

// pageWindow resolves the fetch window for one page. A non-empty token from
// a previous page replaces start.
func pageWindow(start time.Time, pageToken string) (time.Time, error) {
	if pageToken == "" {
		return start, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, pageToken)
	if err != nil {
		return time.Time{}, &feed.PermanentError{Op: "alpaca.pageToken",
			Err: fmt.Errorf("parsing page token %q: %w", pageToken, err)}
	}
	return ts, nil
}

// nextToken derives the token for the page after one that came back full.
// Refetching from the last record's timestamp (inclusive) cannot lose
// same-nanosecond siblings; the storage writer's unique key absorbs the
// overlap. When the whole page shares one timestamp the token advances a
// nanosecond so pagination always makes progress.
func nextToken(pageStart, last time.Time, full bool) string {
	if !full {
		return ""
	}
	if !last.After(pageStart) {
		last = last.Add(time.Nanosecond)
	}
	return last.UTC().Format(time.RFC3339Nano)
}

// FetchTrades returns one page of historical trades in [start, end).
func (a *Adapter) FetchTrades(ctx context.Context, inst domain.Instrument, start, end time.Time, pageToken string) (feed.Page, error) {
	from, err := pageWindow(start, pageToken)
	if err != nil {
		return feed.Page{}, err
	}
	if err := a.wait(ctx); err != nil {
		return feed.Page{}, err
	}

	trades, err := a.client.GetTrades(inst.ProviderSymbol, marketdata.GetTradesRequest{
		Start:      from,
		End:        end,
		TotalLimit: a.pageLimit,
		Feed:       a.feed,
	})
	if err != nil {
		return feed.Page{}, a.classify("GetTrades", err)
	}

	received := time.Now().UTC()
	page := feed.Page{Records: make([]domain.RawEnvelope, 0, len(trades))}
	var last time.Time
	for _, t := range trades {
		payload, err := json.Marshal(norm.AlpacaTrade{
			ID:         t.ID,
			Symbol:     inst.ProviderSymbol,
			Exchange:   t.Exchange,
			Price:      t.Price,
			Size:       float64(t.Size),
			Timestamp:  t.Timestamp,
			Conditions: t.Conditions,
			Tape:       t.Tape,
		})
		if err != nil {
			return feed.Page{}, fmt.Errorf("encoding alpaca trade: %w", err)
		}
		page.Records = append(page.Records, domain.RawEnvelope{
			Provider: a.name,
			Symbol:   inst.Symbol,
			Kind:     domain.KindTrade,
			Payload:  payload,
			CorrID:   uuid.NewString(),
			Received: received,
		})
		last = t.Timestamp
	}
	page.NextPageToken = nextToken(from, last, len(trades) >= a.pageLimit)
	return page, nil
}

// FetchQuotes returns one page of historical quotes in [start, end).
func (a *Adapter) FetchQuotes(ctx context.Context, inst domain.Instrument, start, end time.Time, pageToken string) (feed.Page, error) {
	from, err := pageWindow(start, pageToken)
	if err != nil {
		return feed.Page{}, err
	}
	if err := a.wait(ctx); err != nil {
		return feed.Page{}, err
	}

	quotes, err := a.client.GetQuotes(inst.ProviderSymbol, marketdata.GetQuotesRequest{
		Start:      from,
		End:        end,
		TotalLimit: a.pageLimit,
		Feed:       a.feed,
	})
	if err != nil {
		return feed.Page{}, a.classify("GetQuotes", err)
	}

	received := time.Now().UTC()
	page := feed.Page{Records: make([]domain.RawEnvelope, 0, len(quotes))}
	var last time.Time
	for _, q := range quotes {
		payload, err := json.Marshal(norm.AlpacaQuote{
			Symbol:      inst.ProviderSymbol,
			BidExchange: q.BidExchange,
			BidPrice:    q.BidPrice,
			BidSize:     float64(q.BidSize),
			AskExchange: q.AskExchange,
			AskPrice:    q.AskPrice,
			AskSize:     float64(q.AskSize),
			Timestamp:   q.Timestamp,
		})
		if err != nil {
			return feed.Page{}, fmt.Errorf("encoding alpaca quote: %w", err)
		}
		page.Records = append(page.Records, domain.RawEnvelope{
			Provider: a.name,
			Symbol:   inst.Symbol,
			Kind:     domain.KindQuote,
			Payload:  payload,
			CorrID:   uuid.NewString(),
			Received: received,
		})
		last = q.Timestamp
	}
	page.NextPageToken = nextToken(from, last, len(quotes) >= a.pageLimit)
	return page, nil
}

// FetchBars returns one page of provider-computed candles in [start, end).
func (a *Adapter) FetchBars(ctx context.Context, inst domain.Instrument, granularity time.Duration, start, end time.Time, pageToken string) (feed.Page, error) {
	tf, err := timeFrame(granularity)
	if err != nil {
		return feed.Page{}, err
	}
	from, err := pageWindow(start, pageToken)
	if err != nil {
		return feed.Page{}, err
	}
	if err := a.wait(ctx); err != nil {
		return feed.Page{}, err
	}

	bars, err := a.client.GetBars(inst.ProviderSymbol, marketdata.GetBarsRequest{
		TimeFrame:  tf,
		Start:      from,
		End:        end,
		TotalLimit: a.pageLimit,
		Feed:       a.feed,
	})
	if err != nil {
		return feed.Page{}, a.classify("GetBars", err)
	}

	received := time.Now().UTC()
	page := feed.Page{Records: make([]domain.RawEnvelope, 0, len(bars))}
	var last time.Time
	for _, b := range bars {
		payload, err := json.Marshal(norm.AlpacaBar{
			Symbol:     inst.ProviderSymbol,
			Open:       b.Open,
			High:       b.High,
			Low:        b.Low,
			Close:      b.Close,
			Volume:     float64(b.Volume),
			TradeCount: int64(b.TradeCount),
			Timestamp:  b.Timestamp,
		})
		if err != nil {
			return feed.Page{}, fmt.Errorf("encoding alpaca bar: %w", err)
		}
		page.Records = append(page.Records, domain.RawEnvelope{
			Provider:    a.name,
			Symbol:      inst.Symbol,
			Kind:        domain.KindBar,
			Payload:     payload,
			Granularity: granularity,
			CorrID:      uuid.NewString(),
			Received:    received,
		})
		last = b.Timestamp
	}
	// Bar timestamps are bucket starts; the next window begins one bucket
	// later so a full page never refetches its own last bar forever.
	if len(bars) >= a.pageLimit {
		page.NextPageToken = last.Add(granularity).UTC().Format(time.RFC3339Nano)
	}
	return page, nil
}

// timeFrame maps a bucket width onto the SDK's timeframe type. Alpaca's
// finest historical bar is one minute.
func timeFrame(g time.Duration) (marketdata.TimeFrame, error) {
	switch {
	case g >= 24*time.Hour && g%(24*time.Hour) == 0:
		return marketdata.NewTimeFrame(int(g/(24*time.Hour)), marketdata.Day), nil
	case g >= time.Hour && g%time.Hour == 0:
		return marketdata.NewTimeFrame(int(g/time.Hour), marketdata.Hour), nil
	case g >= time.Minute && g%time.Minute == 0:
		return marketdata.NewTimeFrame(int(g/time.Minute), marketdata.Min), nil
	default:
		return marketdata.TimeFrame{}, &feed.PermanentError{Op: "alpaca.FetchBars",
			Err: fmt.Errorf("granularity %s not supported, minimum is 1m", g)}
	}
}

// StreamLive subscribes to live trades and quotes over the SDK stream. One
// call owns one connection; the worker reconnects by calling again.
func (a *Adapter) StreamLive(ctx context.Context, insts []domain.Instrument, kinds []domain.RecordKind) (feed.Stream, error) {
	if len(insts) == 0 {
		return feed.Stream{}, &feed.PermanentError{Op: "alpaca.StreamLive", Err: errors.New("no instruments")}
	}
	if err := a.wait(ctx); err != nil {
		return feed.Stream{}, err
	}

	// Canonical symbol lookup for incoming messages.
	bySDK := make(map[string]string, len(insts))
	symbols := make([]string, 0, len(insts))
	for _, inst := range insts {
		bySDK[inst.ProviderSymbol] = inst.Symbol
		symbols = append(symbols, inst.ProviderSymbol)
	}

	envs := make(chan domain.RawEnvelope, 256)
	errs := make(chan error, 1)
	emit := func(env domain.RawEnvelope) {
		select {
		case envs <- env:
		case <-ctx.Done():
		}
	}

	opts := []stream.StockOption{
		stream.WithCredentials(a.apiKey, a.apiSecret),
	}
	if a.streamURL != "" {
		opts = append(opts, stream.WithBaseURL(a.streamURL))
	}
	for _, kind := range kinds {
		switch kind {
		case domain.KindTrade:
			opts = append(opts, stream.WithTrades(func(t stream.Trade) {
				sym, ok := bySDK[t.Symbol]
				if !ok {
					return
				}
				payload, err := json.Marshal(norm.AlpacaTrade{
					ID:         t.ID,
					Symbol:     t.Symbol,
					Exchange:   t.Exchange,
					Price:      t.Price,
					Size:       float64(t.Size),
					Timestamp:  t.Timestamp,
					Conditions: t.Conditions,
					Tape:       t.Tape,
				})
				if err != nil {
					return
				}
				emit(domain.RawEnvelope{
					Provider: a.name,
					Symbol:   sym,
					Kind:     domain.KindTrade,
					Payload:  payload,
					CorrID:   uuid.NewString(),
					Received: time.Now().UTC(),
				})
			}, symbols...))
		case domain.KindQuote:
			opts = append(opts, stream.WithQuotes(func(q stream.Quote) {
				sym, ok := bySDK[q.Symbol]
				if !ok {
					return
				}
				payload, err := json.Marshal(norm.AlpacaQuote{
					Symbol:      q.Symbol,
					BidExchange: q.BidExchange,
					BidPrice:    q.BidPrice,
					BidSize:     float64(q.BidSize),
					AskExchange: q.AskExchange,
					AskPrice:    q.AskPrice,
					AskSize:     float64(q.AskSize),
					Timestamp:   q.Timestamp,
				})
				if err != nil {
					return
				}
				emit(domain.RawEnvelope{
					Provider: a.name,
					Symbol:   sym,
					Kind:     domain.KindQuote,
					Payload:  payload,
					CorrID:   uuid.NewString(),
					Received: time.Now().UTC(),
				})
			}, symbols...))
		}
	}

	client := stream.NewStocksClient(a.feed, opts...)
	if err := client.Connect(ctx); err != nil {
		return feed.Stream{}, a.classify("stream.Connect", err)
	}
	a.log.Info("stream connected", "symbols", len(symbols))

	go func() {
		defer close(envs)
		defer close(errs)
		select {
		case err := <-client.Terminated():
			if err != nil && ctx.Err() == nil {
				errs <- &feed.TransientError{Op: "alpaca.stream", Err: err}
			}
		case <-ctx.Done():
		}
	}()

	return feed.Stream{Envelopes: envs, Errs: errs}, nil
}

// classify maps SDK errors onto the feed taxonomy.
func (a *Adapter) classify(op string, err error) error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			// The SDK does not surface Retry-After; callers fall back to
			// their own backoff.
			return &feed.RateLimitedError{Err: err}
		case apiErr.StatusCode >= 500:
			return &feed.TransientError{Op: "alpaca." + op, Err: err}
		default:
			return &feed.PermanentError{Op: "alpaca." + op, StatusCode: apiErr.StatusCode, Err: err}
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	// Anything unclassified is a network-layer failure worth retrying.
	return &feed.TransientError{Op: "alpaca." + op, Err: err}
}
