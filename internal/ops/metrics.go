package ops

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the pipeline's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	// IngestRecords counts raw records accepted from a provider, before
	// normalization.
	IngestRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "ingest_records_total",
			Help:      "Raw records received per provider and record kind.",
		},
		[]string{"provider", "kind"},
	)

	// NormalizeFailures counts records rejected by the normalizer.
	NormalizeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "normalize_failures_total",
			Help:      "Records rejected during normalization, by reason.",
		},
		[]string{"provider", "reason"},
	)

	// WriteOutcomes counts per-record storage outcomes.
	WriteOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "write_outcomes_total",
			Help:      "Storage write outcomes per table (inserted, duplicate, failed).",
		},
		[]string{"table", "outcome"},
	)

	// DeadLetters counts records routed to the dead-letter table.
	DeadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "dead_letter_total",
			Help:      "Records parked in the dead-letter table, by reason.",
		},
		[]string{"provider", "reason"},
	)

	// StreamConnected is 1 while the provider's live stream is up.
	StreamConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tickerd",
			Name:      "stream_connected",
			Help:      "1 when the provider stream is connected, 0 otherwise.",
		},
		[]string{"provider"},
	)

	// StreamDegraded is 1 once reconnect attempts exceed the configured
	// threshold.
	StreamDegraded = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tickerd",
			Name:      "stream_degraded",
			Help:      "1 when consecutive reconnects passed the degraded threshold.",
		},
		[]string{"provider"},
	)

	// StreamLag reports now minus the newest event time seen on a stream.
	StreamLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "tickerd",
			Name:      "stream_lag_seconds",
			Help:      "Seconds between wall clock and the latest observed event time.",
		},
		[]string{"provider", "instrument"},
	)

	// CandleFlushes counts candle buckets flushed to storage.
	CandleFlushes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "candle_flush_total",
			Help:      "Candle buckets flushed, by granularity.",
		},
		[]string{"granularity"},
	)

	// CandleCorrections counts late trades merged into flushed candles.
	CandleCorrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "candle_correction_total",
			Help:      "Late trades merged into already-flushed candles.",
		},
		[]string{"granularity"},
	)

	// CandleLateDropped counts trades older than the lateness window.
	CandleLateDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "candle_late_dropped_total",
			Help:      "Trades dropped because they fell outside the lateness window.",
		},
		[]string{"granularity"},
	)

	// JobChunks counts backfill chunk outcomes.
	JobChunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tickerd",
			Name:      "job_chunks_total",
			Help:      "Backfill chunks processed, by job kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	// RateLimitWait observes time spent blocked on provider rate budgets.
	RateLimitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tickerd",
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting on the provider rate limiter.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms to ~4.5m
		},
		[]string{"provider"},
	)
)

func init() {
	Registry.MustRegister(
		IngestRecords,
		NormalizeFailures,
		WriteOutcomes,
		DeadLetters,
		StreamConnected,
		StreamDegraded,
		StreamLag,
		CandleFlushes,
		CandleCorrections,
		CandleLateDropped,
		JobChunks,
		RateLimitWait,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// MetricsHandler returns an HTTP handler exposing the registered collectors.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveRateLimitWait records time spent blocked on a provider budget.
// Sub-millisecond waits are not worth a sample.
func ObserveRateLimitWait(provider string, d time.Duration) {
	if d < time.Millisecond {
		return
	}
	RateLimitWait.WithLabelValues(provider).Observe(d.Seconds())
}
