// Package norm decodes raw provider payloads into canonical records and
// validates them. Decoding is a pure function of the envelope bytes, so a
// dead-lettered payload can be replayed through a fixed decoder later.
package norm

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"tickerd/internal/domain"
)

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// Reason classifies why a record failed normalization. It is persisted on
// the dead-letter row and labels the failure metric.
type Reason string

const (
	ReasonBadPayload      Reason = "bad_payload"
	ReasonMissingField    Reason = "missing_field"
	ReasonOutOfRange      Reason = "out_of_range"
	ReasonBadTimestamp    Reason = "bad_timestamp"
	ReasonUnknownProvider Reason = "unknown_provider"
)

// MalformedError reports a record the pipeline refuses to ingest. It is
// never retried; the envelope goes to the dead-letter table.
type MalformedError struct {
	Reason Reason
	Field  string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("malformed record (%s, field %s): %v", e.Reason, e.Field, e.Err)
	}
	return fmt.Sprintf("malformed record (%s): %v", e.Reason, e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

func malformed(reason Reason, field, format string, args ...any) *MalformedError {
	return &MalformedError{Reason: reason, Field: field, Err: fmt.Errorf(format, args...)}
}

// ReasonFor extracts the typed reason from a normalization error, falling
// back to bad_payload for anything unclassified.
func ReasonFor(err error) Reason {
	var me *MalformedError
	if errors.As(err, &me) {
		return me.Reason
	}
	return ReasonBadPayload
}

// ---------------------------------------------------------------------------
// Normalizer
// ---------------------------------------------------------------------------

// TradeDecoder decodes one provider's trade payload.
type TradeDecoder func(env domain.RawEnvelope) (domain.Trade, error)

// QuoteDecoder decodes one provider's quote payload.
type QuoteDecoder func(env domain.RawEnvelope) (domain.Quote, error)

// BarDecoder decodes one provider's candle payload.
type BarDecoder func(env domain.RawEnvelope) (domain.Candle, error)

// Normalizer dispatches envelopes to per-provider decoders and validates
// the result. The zero value is not usable; construct with New.
type Normalizer struct {
	trades map[string]TradeDecoder
	quotes map[string]QuoteDecoder
	bars   map[string]BarDecoder

	// future tolerance for event timestamps
	maxAhead time.Duration
	now      func() time.Time
}

// New creates a Normalizer with the built-in provider decoders registered.
func New() *Normalizer {
	n := &Normalizer{
		trades:   make(map[string]TradeDecoder),
		quotes:   make(map[string]QuoteDecoder),
		bars:     make(map[string]BarDecoder),
		maxAhead: 5 * time.Minute,
		now:      time.Now,
	}
	n.RegisterTrades("alpaca", decodeAlpacaTrade)
	n.RegisterQuotes("alpaca", decodeAlpacaQuote)
	n.RegisterBars("alpaca", decodeAlpacaBar)
	n.RegisterTrades("coinbase", decodeCoinbaseMatch)
	n.RegisterQuotes("coinbase", decodeCoinbaseTicker)
	n.RegisterBars("coinbase", decodeCoinbaseCandle)
	return n
}

// RegisterTrades installs the trade decoder for a provider.
func (n *Normalizer) RegisterTrades(provider string, d TradeDecoder) { n.trades[provider] = d }

// RegisterQuotes installs the quote decoder for a provider.
func (n *Normalizer) RegisterQuotes(provider string, d QuoteDecoder) { n.quotes[provider] = d }

// RegisterBars installs the candle decoder for a provider.
func (n *Normalizer) RegisterBars(provider string, d BarDecoder) { n.bars[provider] = d }

// Trade decodes and validates a trade envelope.
func (n *Normalizer) Trade(env domain.RawEnvelope) (domain.Trade, error) {
	dec, ok := n.trades[env.Provider]
	if !ok {
		return domain.Trade{}, malformed(ReasonUnknownProvider, "", "no trade decoder for provider %q", env.Provider)
	}
	t, err := dec(env)
	if err != nil {
		return domain.Trade{}, err
	}
	if err := n.validateTrade(&t); err != nil {
		return domain.Trade{}, err
	}
	return t, nil
}

// Quote decodes and validates a quote envelope.
func (n *Normalizer) Quote(env domain.RawEnvelope) (domain.Quote, error) {
	dec, ok := n.quotes[env.Provider]
	if !ok {
		return domain.Quote{}, malformed(ReasonUnknownProvider, "", "no quote decoder for provider %q", env.Provider)
	}
	q, err := dec(env)
	if err != nil {
		return domain.Quote{}, err
	}
	if err := n.validateQuote(&q); err != nil {
		return domain.Quote{}, err
	}
	return q, nil
}

// Bar decodes and validates a provider-computed candle envelope.
func (n *Normalizer) Bar(env domain.RawEnvelope) (domain.Candle, error) {
	dec, ok := n.bars[env.Provider]
	if !ok {
		return domain.Candle{}, malformed(ReasonUnknownProvider, "", "no bar decoder for provider %q", env.Provider)
	}
	c, err := dec(env)
	if err != nil {
		return domain.Candle{}, err
	}
	if c.Granularity <= 0 {
		return domain.Candle{}, malformed(ReasonMissingField, "granularity", "bar without granularity")
	}
	if err := n.checkEventTime(c.BucketStart); err != nil {
		return domain.Candle{}, err
	}
	if err := c.Validate(); err != nil {
		return domain.Candle{}, malformed(ReasonOutOfRange, "ohlc", "%v", err)
	}
	return c, nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func (n *Normalizer) validateTrade(t *domain.Trade) error {
	if t.Symbol == "" {
		return malformed(ReasonMissingField, "symbol", "trade without symbol")
	}
	if !finitePositive(t.Price) {
		return malformed(ReasonOutOfRange, "price", "price %v not a positive finite number", t.Price)
	}
	if t.Size < 0 || !finite(t.Size) {
		return malformed(ReasonOutOfRange, "size", "size %v negative or not finite", t.Size)
	}
	if err := n.checkEventTime(t.EventTime); err != nil {
		return err
	}
	if t.Side == "" {
		t.Side = domain.SideUnknown
	}
	if t.TradeID == "" {
		t.TradeID = SyntheticTradeID(t.EventTime, t.Price, t.Size, t.Seq)
	}
	return nil
}

func (n *Normalizer) validateQuote(q *domain.Quote) error {
	if q.Symbol == "" {
		return malformed(ReasonMissingField, "symbol", "quote without symbol")
	}
	if q.Bid < 0 || q.Ask < 0 || !finite(q.Bid) || !finite(q.Ask) {
		return malformed(ReasonOutOfRange, "bid/ask", "bid %v / ask %v negative or not finite", q.Bid, q.Ask)
	}
	if q.Bid == 0 && q.Ask == 0 {
		return malformed(ReasonMissingField, "bid/ask", "quote with empty book")
	}
	if q.BidSize < 0 || q.AskSize < 0 || !finite(q.BidSize) || !finite(q.AskSize) {
		return malformed(ReasonOutOfRange, "bid_size/ask_size", "sizes %v/%v negative or not finite", q.BidSize, q.AskSize)
	}
	return n.checkEventTime(q.EventTime)
}

// earliestEvent rejects obviously bogus epoch values (unit confusion,
// zeroed fields) without refusing genuinely old historical backfills.
var earliestEvent = time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

func (n *Normalizer) checkEventTime(ts time.Time) error {
	if ts.IsZero() {
		return malformed(ReasonBadTimestamp, "event_time", "zero event time")
	}
	if ts.Before(earliestEvent) {
		return malformed(ReasonBadTimestamp, "event_time", "event time %s before %s", ts.Format(time.RFC3339), earliestEvent.Format(time.RFC3339))
	}
	if ahead := ts.Sub(n.now()); ahead > n.maxAhead {
		return malformed(ReasonBadTimestamp, "event_time", "event time %s is %s in the future", ts.Format(time.RFC3339), ahead)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finitePositive(f float64) bool {
	return finite(f) && f > 0
}

// SyntheticTradeID derives a stable trade ID for providers that do not
// assign one. The same record always hashes to the same ID, so replayed
// deliveries still dedup on the trades unique key.
func SyntheticTradeID(eventTime time.Time, price, size float64, seq int64) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%.10f|%.10f|%d", eventTime.UnixNano(), price, size, seq)
	return hex.EncodeToString(h.Sum(nil))[:32]
}
