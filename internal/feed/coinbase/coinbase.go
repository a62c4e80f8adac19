// Package coinbase adapts the Coinbase Exchange API to the feed contract:
// historical candles over REST and live matches/tickers over the websocket
// feed. It demonstrates that the adapter contract hides transport entirely;
// nothing upstream knows this provider speaks websocket frames.
package coinbase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tickerd/internal/config"
	"tickerd/internal/domain"
	"tickerd/internal/feed"
	"tickerd/internal/ops"
)

var _ feed.Adapter = (*Adapter)(nil)

// readTimeout bounds one websocket read. The heartbeat channel ticks about
// once a second, so a silent 30s means the connection is gone even if the
// transport has not noticed.
const readTimeout = 30 * time.Second

// Adapter wraps the low-level Client behind the feed contract.
type Adapter struct {
	name   string
	client *Client
	limits *feed.Limiters
	log    *slog.Logger
}

// New builds a Coinbase adapter from the provider configuration.
func New(name string, cfg config.Provider, limits *feed.Limiters, log *slog.Logger) *Adapter {
	return &Adapter{
		name:   name,
		client: NewClient(cfg.BaseURL, cfg.StreamURL),
		limits: limits,
		log:    log.With("adapter", name),
	}
}

// Name returns the provider name this adapter was registered under.
func (a *Adapter) Name() string { return a.name }

// Capabilities reports candle backfill plus live trades and quotes.
// Coinbase's public trade history is cursor-paged newest-first with no time
// filter, so historical trades are not offered: Trades stays false and
// callers scheduling trade backfills must skip this provider.
func (a *Adapter) Capabilities() feed.Capabilities {
	return feed.Capabilities{Backfill: true, Stream: true, Quotes: true, Bars: true}
}

func (a *Adapter) wait(ctx context.Context) error {
	begin := time.Now()
	if err := a.limits.Wait(ctx, a.name); err != nil {
		return err
	}
	ops.ObserveRateLimitWait(a.name, time.Since(begin))
	return nil
}

// FetchTrades is not supported: the exchange exposes no time-ranged trade
// history. Backfill candles instead.
func (a *Adapter) FetchTrades(ctx context.Context, inst domain.Instrument, start, end time.Time, pageToken string) (feed.Page, error) {
	return feed.Page{}, &feed.PermanentError{Op: "coinbase.FetchTrades",
		Err: errors.New("time-ranged trade history not available, backfill bars instead")}
}

// FetchQuotes is not supported; quotes are stream-only on this provider.
func (a *Adapter) FetchQuotes(ctx context.Context, inst domain.Instrument, start, end time.Time, pageToken string) (feed.Page, error) {
	return feed.Page{}, &feed.PermanentError{Op: "coinbase.FetchQuotes",
		Err: errors.New("historical quotes not available")}
}

// FetchBars returns one page of historical candles in [start, end). The
// endpoint caps a request at 300 rows, so one page covers at most
// 300*granularity; the next page token is the following window's start.
func (a *Adapter) FetchBars(ctx context.Context, inst domain.Instrument, granularity time.Duration, start, end time.Time, pageToken string) (feed.Page, error) {
	if granularity < time.Minute || granularity%time.Second != 0 {
		return feed.Page{}, &feed.PermanentError{Op: "coinbase.FetchBars",
			Err: fmt.Errorf("granularity %s not supported, minimum is 1m", granularity)}
	}

	from := start
	if pageToken != "" {
		ts, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return feed.Page{}, &feed.PermanentError{Op: "coinbase.pageToken",
				Err: fmt.Errorf("parsing page token %q: %w", pageToken, err)}
		}
		from = ts
	}
	windowEnd := from.Add(restCandleLimit * granularity)
	if windowEnd.After(end) {
		windowEnd = end
	}

	if err := a.wait(ctx); err != nil {
		return feed.Page{}, err
	}
	rows, err := a.client.GetCandles(ctx, inst.ProviderSymbol, int64(granularity/time.Second), from, windowEnd)
	if err != nil {
		return feed.Page{}, err
	}

	received := time.Now().UTC()
	page := feed.Page{Records: make([]domain.RawEnvelope, 0, len(rows))}
	// Rows arrive newest first; emit oldest first like every other adapter.
	for i := len(rows) - 1; i >= 0; i-- {
		page.Records = append(page.Records, domain.RawEnvelope{
			Provider:    a.name,
			Symbol:      inst.Symbol,
			Kind:        domain.KindBar,
			Payload:     []byte(rows[i]),
			Granularity: granularity,
			CorrID:      uuid.NewString(),
			Received:    received,
		})
	}
	if windowEnd.Before(end) {
		page.NextPageToken = windowEnd.UTC().Format(time.RFC3339Nano)
	}
	return page, nil
}

// StreamLive subscribes to the websocket feed for the given instruments.
// Matches become trade envelopes, tickers quote envelopes, and the feed's
// heartbeat channel passes through as keepalive envelopes so the worker's
// watchdog stays quiet on slow markets.
func (a *Adapter) StreamLive(ctx context.Context, insts []domain.Instrument, kinds []domain.RecordKind) (feed.Stream, error) {
	if len(insts) == 0 {
		return feed.Stream{}, &feed.PermanentError{Op: "coinbase.StreamLive", Err: errors.New("no instruments")}
	}
	if err := a.wait(ctx); err != nil {
		return feed.Stream{}, err
	}

	byProduct := make(map[string]string, len(insts))
	products := make([]string, 0, len(insts))
	for _, inst := range insts {
		byProduct[inst.ProviderSymbol] = inst.Symbol
		products = append(products, inst.ProviderSymbol)
	}

	var channels []string
	for _, kind := range kinds {
		switch kind {
		case domain.KindTrade:
			channels = append(channels, "matches")
		case domain.KindQuote:
			channels = append(channels, "ticker")
		}
	}
	if len(channels) == 0 {
		return feed.Stream{}, &feed.PermanentError{Op: "coinbase.StreamLive",
			Err: fmt.Errorf("no streamable kinds in %v", kinds)}
	}

	conn, err := a.client.Subscribe(ctx, products, channels)
	if err != nil {
		return feed.Stream{}, err
	}
	a.log.Info("feed subscribed", "products", len(products), "channels", channels)

	envs := make(chan domain.RawEnvelope, 256)
	errs := make(chan error, 1)

	// The read loop owns the connection; a second goroutine closes it when
	// the caller cancels, which unblocks the pending read.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(envs)
		defer close(errs)
		for {
			hdr, payload, err := conn.Read(readTimeout)
			if err != nil {
				if ctx.Err() == nil {
					errs <- err
				}
				return
			}

			var kind domain.RecordKind
			switch hdr.Type {
			case "match", "last_match":
				kind = domain.KindTrade
			case "ticker":
				kind = domain.KindQuote
			case "heartbeat":
				kind = domain.KindHeartbeat
			default:
				// subscriptions ack and anything future
				continue
			}

			symbol, ok := byProduct[hdr.ProductID]
			if !ok && kind != domain.KindHeartbeat {
				continue
			}
			env := domain.RawEnvelope{
				Provider: a.name,
				Symbol:   symbol,
				Kind:     kind,
				Payload:  payload,
				Seq:      hdr.Sequence,
				CorrID:   uuid.NewString(),
				Received: time.Now().UTC(),
			}
			select {
			case envs <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	return feed.Stream{Envelopes: envs, Errs: errs}, nil
}
