// Package domain defines the canonical records that move through the
// pipeline: providers, instruments, raw envelopes, trades, quotes, candles,
// fetch jobs, stream offsets, and dead letters.
package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Providers and instruments
// ---------------------------------------------------------------------------

// ProviderKind classifies an external data source.
type ProviderKind string

const (
	ProviderExchange ProviderKind = "exchange"
	ProviderBroker   ProviderKind = "broker"
	ProviderVendor   ProviderKind = "vendor"
)

// Provider is an external data source registered with the pipeline.
// Providers are created from configuration and read-only at runtime.
type Provider struct {
	Name    string
	Kind    ProviderKind
	BaseURL string
	RatePer float64 // sustained requests per second
	Burst   int     // token bucket burst
	Active  bool
}

// AssetClass classifies an instrument.
type AssetClass string

const (
	AssetEquity AssetClass = "equity"
	AssetCrypto AssetClass = "crypto"
	AssetFX     AssetClass = "fx"
)

// Instrument is a tradable symbol and its provider-native spelling.
type Instrument struct {
	Symbol         string // canonical, e.g. "AAPL", "BTC-USD"
	Provider       string // provider affinity
	ProviderSymbol string // provider-native, e.g. "BTC/USD"
	AssetClass     AssetClass
	BaseCurrency   string
	QuoteCurrency  string
	Active         bool
}

// QuoteMode selects how quotes persist for an instrument: a rolling history,
// a single latest row, or both.
type QuoteMode string

const (
	QuoteHistory QuoteMode = "history"
	QuoteLatest  QuoteMode = "latest"
	QuoteBoth    QuoteMode = "both"
)

// ---------------------------------------------------------------------------
// Wire records
// ---------------------------------------------------------------------------

// RecordKind tags a raw envelope with the payload type it carries.
type RecordKind string

const (
	KindTrade RecordKind = "trade"
	KindQuote RecordKind = "quote"
	KindBar   RecordKind = "bar"

	// KindHeartbeat marks a provider keepalive. It resets the stream
	// watchdog and is never normalized or stored.
	KindHeartbeat RecordKind = "heartbeat"
)

// TradeSide is the aggressor side of a print, when the provider reports it.
type TradeSide string

const (
	SideBuy     TradeSide = "buy"
	SideSell    TradeSide = "sell"
	SideUnknown TradeSide = "unknown"
)

// RawEnvelope is a verbatim provider payload plus routing metadata. The
// payload bytes are stored untouched so records can be re-normalized later.
type RawEnvelope struct {
	Provider    string
	Symbol      string // canonical symbol
	Kind        RecordKind
	Payload     []byte
	Seq         int64         // provider sequence number, 0 when absent
	Granularity time.Duration // bar envelopes only
	CorrID      string        // ingest correlation id, assigned at receipt
	Received    time.Time
}

// Trade is a normalized execution record. TradeID is unique per
// (provider, symbol, event time); when the provider supplies none the
// normalizer synthesizes a stable one.
type Trade struct {
	Provider   string
	Symbol     string
	TradeID    string
	Price      float64
	Size       float64
	Side       TradeSide
	EventTime  time.Time
	Received   time.Time
	Seq        int64
	Venue      string
	Conditions []string
	CorrID     string
}

// Quote is a normalized top-of-book record. LastPrice/LastSize carry the
// provider's last-print snapshot when its quote feed includes one.
type Quote struct {
	Provider  string
	Symbol    string
	Bid       float64
	BidSize   float64
	Ask       float64
	AskSize   float64
	LastPrice float64
	LastSize  float64
	EventTime time.Time
	Received  time.Time
	Seq       int64
	CorrID    string
}

// ---------------------------------------------------------------------------
// Candles
// ---------------------------------------------------------------------------

// Candle is an OHLCV aggregate over one granularity bucket. BucketStart is
// epoch-aligned: BucketStart = AlignBucket(EventTime, Granularity).
// LastEventTime is the event time of the last contributing print; it
// decides close precedence when late corrections arrive.
type Candle struct {
	Provider      string
	Symbol        string
	Granularity   time.Duration
	BucketStart   time.Time
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        float64
	TradeCount    int64
	LastEventTime time.Time
	Complete      bool
	CorrID        string
}

// AlignBucket rounds t down to the start of its granularity bucket,
// aligned to the Unix epoch in UTC.
func AlignBucket(t time.Time, g time.Duration) time.Time {
	if g <= 0 {
		return t.UTC()
	}
	ns := t.UnixNano()
	return time.Unix(0, (ns/int64(g))*int64(g)).UTC()
}

// FormatGranularity renders a bucket width in the compact market-data form
// ("1m", "5m", "1h", "1d"). Widths that do not divide evenly fall back to
// time.Duration formatting.
func FormatGranularity(g time.Duration) string {
	switch {
	case g >= 24*time.Hour && g%(24*time.Hour) == 0:
		return strconv.FormatInt(int64(g/(24*time.Hour)), 10) + "d"
	case g >= time.Hour && g%time.Hour == 0:
		return strconv.FormatInt(int64(g/time.Hour), 10) + "h"
	case g >= time.Minute && g%time.Minute == 0:
		return strconv.FormatInt(int64(g/time.Minute), 10) + "m"
	case g >= time.Second && g%time.Second == 0:
		return strconv.FormatInt(int64(g/time.Second), 10) + "s"
	default:
		return g.String()
	}
}

// ParseGranularity parses the compact form produced by FormatGranularity.
// It accepts everything time.ParseDuration does plus a "d" day suffix.
func ParseGranularity(s string) (time.Duration, error) {
	if n, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing granularity %q: %w", s, err)
		}
		if days <= 0 {
			return 0, fmt.Errorf("parsing granularity %q: days must be positive", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("parsing granularity %q: %w", s, err)
	}
	return d, nil
}

// Validate reports whether the candle satisfies the OHLCV ordering
// invariants.
func (c Candle) Validate() error {
	if c.Low > c.High {
		return fmt.Errorf("candle %s/%s @%s: low %.6f > high %.6f",
			c.Provider, c.Symbol, c.BucketStart.Format(time.RFC3339), c.Low, c.High)
	}
	if c.Open < c.Low || c.Open > c.High {
		return fmt.Errorf("candle %s/%s @%s: open %.6f outside [%.6f, %.6f]",
			c.Provider, c.Symbol, c.BucketStart.Format(time.RFC3339), c.Open, c.Low, c.High)
	}
	if c.Close < c.Low || c.Close > c.High {
		return fmt.Errorf("candle %s/%s @%s: close %.6f outside [%.6f, %.6f]",
			c.Provider, c.Symbol, c.BucketStart.Format(time.RFC3339), c.Close, c.Low, c.High)
	}
	if c.Volume < 0 || c.TradeCount < 0 {
		return fmt.Errorf("candle %s/%s @%s: negative volume or trade count",
			c.Provider, c.Symbol, c.BucketStart.Format(time.RFC3339))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Fetch jobs
// ---------------------------------------------------------------------------

// JobKind separates operator-requested backfills from gap fills scheduled
// after stream reconnects.
type JobKind string

const (
	JobBackfill JobKind = "backfill"
	JobCatchup  JobKind = "realtime-catchup"
)

// JobState is a fetch job's lifecycle state.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCanceled  JobState = "canceled"
)

// ValidTransition reports whether a job may move from one state to another.
// Completed and canceled are terminal; failed jobs may be retried by moving
// back to pending.
func ValidTransition(from, to JobState) bool {
	switch from {
	case JobPending:
		return to == JobRunning || to == JobCanceled
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobCanceled
	case JobFailed:
		return to == JobPending
	default:
		return false
	}
}

// FetchJob is one historical fetch over [Start, End). Records selects what
// is fetched (trades, quotes, or provider bars); Granularity applies to
// bars only. LastProcessed is the resume checkpoint: the upper bound of the
// last fully persisted chunk.
type FetchJob struct {
	ID            uuid.UUID
	Provider      string
	Symbol        string
	Kind          JobKind
	Records       RecordKind
	Granularity   time.Duration
	Start         time.Time
	End           time.Time
	State         JobState
	LastProcessed time.Time
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ResumeFrom returns the point the job should continue fetching from.
func (j FetchJob) ResumeFrom() time.Time {
	if j.LastProcessed.After(j.Start) {
		return j.LastProcessed
	}
	return j.Start
}

// ---------------------------------------------------------------------------
// Offsets and dead letters
// ---------------------------------------------------------------------------

// StreamOffset marks the last durably written position of a live stream.
// One live row per (provider, symbol, kind), overwritten on every batch
// commit; it is committed only after the write batch holding those records
// succeeds, so replay after a crash can only re-deliver, never skip.
type StreamOffset struct {
	Provider    string
	Symbol      string
	Kind        RecordKind
	Seq         int64
	EventTime   time.Time
	CommittedAt time.Time
}

// DeadLetterRecord preserves an envelope the pipeline rejected, with the
// typed reason, for later inspection or replay. Append-only.
type DeadLetterRecord struct {
	ID        uuid.UUID
	Provider  string
	Symbol    string
	Kind      RecordKind
	Payload   []byte
	Reason    string
	FirstSeen time.Time
	Attempts  int
}
