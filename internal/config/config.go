// Package config loads and validates the pipeline configuration from YAML
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"tickerd/internal/domain"
)

// ---------------------------------------------------------------------------
// Duration
// ---------------------------------------------------------------------------

// Duration wraps time.Duration so YAML values like "90s", "1m" or "2d"
// decode directly.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := domain.ParseGranularity(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the tickerd pipeline.
type Config struct {
	Storage     Storage             `yaml:"storage"`
	Ops         Ops                 `yaml:"ops"`
	Logging     Logging             `yaml:"logging"`
	Providers   map[string]Provider `yaml:"providers"`
	Instruments []Instrument        `yaml:"instruments"`
	Candles     Candles             `yaml:"candles"`
	Realtime    Realtime            `yaml:"realtime"`
	Backfill    Backfill            `yaml:"backfill"`
}

// Storage selects the database engine and write parameters.
type Storage struct {
	Driver       string `yaml:"driver"` // "sqlite" or "postgres"
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	BatchSize    int    `yaml:"batch_size"`
}

// Ops holds the health/metrics listener address.
type Ops struct {
	Addr string `yaml:"addr"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Provider holds one upstream source's credentials, endpoints, and rate
// limit. Credentials normally come from the environment, not the file.
type Provider struct {
	Kind       string  `yaml:"kind"` // "exchange", "broker", or "vendor"
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
	APIKey     string  `yaml:"api_key"`
	APISecret  string  `yaml:"api_secret"`
	BaseURL    string  `yaml:"base_url"`
	StreamURL  string  `yaml:"stream_url"`
	Feed       string  `yaml:"feed"` // alpaca data feed: "iex" or "sip"
	Disabled   bool    `yaml:"disabled"`
}

// Instrument maps a canonical symbol to its provider-native spelling and
// selects which record kinds to ingest for it.
type Instrument struct {
	Symbol         string   `yaml:"symbol"`
	Provider       string   `yaml:"provider"`
	ProviderSymbol string   `yaml:"provider_symbol"`
	AssetClass     string   `yaml:"asset_class"`
	BaseCurrency   string   `yaml:"base_currency"`
	QuoteCurrency  string   `yaml:"quote_currency"`
	QuoteMode      string   `yaml:"quote_mode"` // "history", "latest", or "both"
	Kinds          []string `yaml:"kinds"`      // "trade", "quote"
}

// Candles controls the trade-to-candle aggregator.
type Candles struct {
	Granularities []Duration `yaml:"granularities"`
	Lateness      Duration   `yaml:"lateness"`
	FlushIdle     Duration   `yaml:"flush_idle"`
}

// Realtime controls the live stream workers.
type Realtime struct {
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	DegradedAfter    int      `yaml:"degraded_after"` // consecutive failures before degraded
	BatchSize        int      `yaml:"batch_size"`
	BatchFlush       Duration `yaml:"batch_flush"`
	Buffer           int      `yaml:"buffer"` // per-worker channel capacity
	BackoffMin       Duration `yaml:"backoff_min"`
	BackoffMax       Duration `yaml:"backoff_max"`
	BackoffFactor    float64  `yaml:"backoff_factor"`
	BackoffJitter    float64  `yaml:"backoff_jitter"`
}

// Backfill controls the fetch job manager.
type Backfill struct {
	Chunk       Duration `yaml:"chunk"` // sub-range size per checkpoint
	Parallelism int      `yaml:"parallelism"`
	MaxAttempts int      `yaml:"max_attempts"`
	PageLimit   int      `yaml:"page_limit"` // records per provider page
	SweepCron   string   `yaml:"sweep_cron"` // catch-up sweep schedule, empty disables
	BackoffMin  Duration `yaml:"backoff_min"`
	BackoffMax  Duration `yaml:"backoff_max"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it,
// applies environment variable overrides and defaults, and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides
// the corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TICKERD_DB_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("TICKERD_DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("TICKERD_OPS_ADDR"); v != "" {
		cfg.Ops.Addr = v
	}
	if v := os.Getenv("TICKERD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TICKERD_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Per-provider credentials: TICKERD_<NAME>_API_KEY / _API_SECRET.
	for name, p := range cfg.Providers {
		prefix := "TICKERD_" + envName(name)
		if v := os.Getenv(prefix + "_API_KEY"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv(prefix + "_API_SECRET"); v != "" {
			p.APISecret = v
		}
		cfg.Providers[name] = p
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if p, ok := cfg.Providers["alpaca"]; ok {
		if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
			p.APIKey = v
		}
		if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
			p.APISecret = v
		}
		cfg.Providers["alpaca"] = p
	}
}

// envName uppercases a provider name for use in environment variables.
func envName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - 'a' + 'A'
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}

// applyDefaults fills unset fields with working defaults.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.MaxOpenConns == 0 {
		cfg.Storage.MaxOpenConns = 8
	}
	if cfg.Storage.BatchSize == 0 {
		cfg.Storage.BatchSize = 500
	}
	if cfg.Ops.Addr == "" {
		cfg.Ops.Addr = ":9102"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if len(cfg.Candles.Granularities) == 0 {
		cfg.Candles.Granularities = []Duration{Duration(time.Minute)}
	}
	if cfg.Candles.Lateness == 0 {
		cfg.Candles.Lateness = Duration(2 * time.Minute)
	}
	if cfg.Candles.FlushIdle == 0 {
		cfg.Candles.FlushIdle = Duration(30 * time.Second)
	}
	if cfg.Realtime.HeartbeatTimeout == 0 {
		cfg.Realtime.HeartbeatTimeout = Duration(30 * time.Second)
	}
	if cfg.Realtime.DegradedAfter == 0 {
		cfg.Realtime.DegradedAfter = 5
	}
	if cfg.Realtime.BatchSize == 0 {
		cfg.Realtime.BatchSize = 200
	}
	if cfg.Realtime.BatchFlush == 0 {
		cfg.Realtime.BatchFlush = Duration(time.Second)
	}
	if cfg.Realtime.Buffer == 0 {
		cfg.Realtime.Buffer = 1024
	}
	if cfg.Realtime.BackoffMin == 0 {
		cfg.Realtime.BackoffMin = Duration(250 * time.Millisecond)
	}
	if cfg.Realtime.BackoffMax == 0 {
		cfg.Realtime.BackoffMax = Duration(30 * time.Second)
	}
	if cfg.Realtime.BackoffFactor == 0 {
		cfg.Realtime.BackoffFactor = 2.0
	}
	if cfg.Realtime.BackoffJitter == 0 {
		cfg.Realtime.BackoffJitter = 0.2
	}
	if cfg.Backfill.Chunk == 0 {
		cfg.Backfill.Chunk = Duration(time.Hour)
	}
	if cfg.Backfill.Parallelism == 0 {
		cfg.Backfill.Parallelism = 4
	}
	if cfg.Backfill.MaxAttempts == 0 {
		cfg.Backfill.MaxAttempts = 5
	}
	if cfg.Backfill.PageLimit == 0 {
		cfg.Backfill.PageLimit = 10000
	}
	if cfg.Backfill.BackoffMin == 0 {
		cfg.Backfill.BackoffMin = Duration(500 * time.Millisecond)
	}
	if cfg.Backfill.BackoffMax == 0 {
		cfg.Backfill.BackoffMax = Duration(time.Minute)
	}

	for name, p := range cfg.Providers {
		if p.Kind == "" {
			p.Kind = "vendor"
		}
		if p.RatePerSec == 0 {
			p.RatePerSec = 5
		}
		if p.Burst == 0 {
			p.Burst = 10
		}
		cfg.Providers[name] = p
	}

	for i, inst := range cfg.Instruments {
		if inst.ProviderSymbol == "" {
			inst.ProviderSymbol = inst.Symbol
		}
		if inst.AssetClass == "" {
			inst.AssetClass = "equity"
		}
		if inst.QuoteMode == "" {
			inst.QuoteMode = "both"
		}
		if len(inst.Kinds) == 0 {
			inst.Kinds = []string{"trade"}
		}
		cfg.Instruments[i] = inst
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q: must be sqlite or postgres", c.Storage.Driver)
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	for name, p := range c.Providers {
		switch p.Kind {
		case "exchange", "broker", "vendor":
		default:
			return fmt.Errorf("provider %s: kind %q must be exchange, broker, or vendor", name, p.Kind)
		}
		if p.RatePerSec <= 0 {
			return fmt.Errorf("provider %s: rate_per_sec must be positive", name)
		}
	}

	for _, inst := range c.Instruments {
		if inst.Symbol == "" {
			return fmt.Errorf("instrument with empty symbol")
		}
		if _, ok := c.Providers[inst.Provider]; !ok {
			return fmt.Errorf("instrument %s: unknown provider %q", inst.Symbol, inst.Provider)
		}
		switch inst.QuoteMode {
		case "history", "latest", "both":
		default:
			return fmt.Errorf("instrument %s: quote_mode %q must be history, latest, or both", inst.Symbol, inst.QuoteMode)
		}
		for _, k := range inst.Kinds {
			if k != "trade" && k != "quote" {
				return fmt.Errorf("instrument %s: kind %q must be trade or quote", inst.Symbol, k)
			}
		}
	}

	for _, g := range c.Candles.Granularities {
		if g.Std() < time.Second {
			return fmt.Errorf("candles.granularities: %s is below 1s", g.Std())
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Catalog view
// ---------------------------------------------------------------------------

// Catalog renders the configured providers and instruments as catalog rows.
// Credentials stay in the config; they are never part of the catalog.
func (c *Config) Catalog() ([]domain.Provider, []domain.Instrument) {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	provs := make([]domain.Provider, 0, len(names))
	for _, name := range names {
		p := c.Providers[name]
		provs = append(provs, domain.Provider{
			Name:    name,
			Kind:    domain.ProviderKind(p.Kind),
			BaseURL: p.BaseURL,
			RatePer: p.RatePerSec,
			Burst:   p.Burst,
			Active:  !p.Disabled,
		})
	}

	insts := make([]domain.Instrument, 0, len(c.Instruments))
	for _, in := range c.Instruments {
		insts = append(insts, domain.Instrument{
			Symbol:         in.Symbol,
			Provider:       in.Provider,
			ProviderSymbol: in.ProviderSymbol,
			AssetClass:     domain.AssetClass(in.AssetClass),
			BaseCurrency:   in.BaseCurrency,
			QuoteCurrency:  in.QuoteCurrency,
			Active:         true,
		})
	}
	return provs, insts
}
