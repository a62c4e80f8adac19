package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tickerd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoadFull(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: "sqlite"
  dsn: "file:/tmp/tickerd/tickerd.db"
  max_open_conns: 4
  batch_size: 250
ops:
  addr: ":9200"
logging:
  level: "debug"
  format: "text"
providers:
  alpaca:
    kind: "broker"
    rate_per_sec: 3
    burst: 6
    base_url: "https://data.alpaca.markets"
    stream_url: "wss://stream.data.alpaca.markets/v2/iex"
    feed: "iex"
  coinbase:
    kind: "exchange"
    rate_per_sec: 8
instruments:
  - symbol: "AAPL"
    provider: "alpaca"
    kinds: ["trade", "quote"]
  - symbol: "BTC-USD"
    provider: "coinbase"
    provider_symbol: "BTC-USD"
    asset_class: "crypto"
    quote_mode: "latest"
candles:
  granularities: ["1m", "5m"]
  lateness: "90s"
  flush_idle: "15s"
realtime:
  heartbeat_timeout: "45s"
  degraded_after: 3
  batch_size: 100
backfill:
  chunk: "30m"
  parallelism: 2
  max_attempts: 4
  sweep_cron: "@every 10m"
`)

	// Clear any environment overrides that might interfere.
	os.Unsetenv("TICKERD_DB_DRIVER")
	os.Unsetenv("TICKERD_DB_DSN")
	os.Unsetenv("TICKERD_ALPACA_API_KEY")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- Storage --
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.MaxOpenConns != 4 {
		t.Errorf("Storage.MaxOpenConns = %d, want %d", cfg.Storage.MaxOpenConns, 4)
	}
	if cfg.Storage.BatchSize != 250 {
		t.Errorf("Storage.BatchSize = %d, want %d", cfg.Storage.BatchSize, 250)
	}

	// -- Ops / logging --
	if cfg.Ops.Addr != ":9200" {
		t.Errorf("Ops.Addr = %q, want %q", cfg.Ops.Addr, ":9200")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v, want debug/text", cfg.Logging)
	}

	// -- Providers --
	alpaca, ok := cfg.Providers["alpaca"]
	if !ok {
		t.Fatal("provider alpaca missing")
	}
	if alpaca.RatePerSec != 3 || alpaca.Burst != 6 {
		t.Errorf("alpaca rate = %v/%d, want 3/6", alpaca.RatePerSec, alpaca.Burst)
	}
	if alpaca.Feed != "iex" {
		t.Errorf("alpaca.Feed = %q, want %q", alpaca.Feed, "iex")
	}
	coinbase := cfg.Providers["coinbase"]
	if coinbase.Kind != "exchange" {
		t.Errorf("coinbase.Kind = %q, want %q", coinbase.Kind, "exchange")
	}
	if coinbase.Burst != 10 {
		t.Errorf("coinbase.Burst = %d, want default %d", coinbase.Burst, 10)
	}

	// -- Instruments (defaults fill the gaps) --
	if len(cfg.Instruments) != 2 {
		t.Fatalf("len(Instruments) = %d, want 2", len(cfg.Instruments))
	}
	aapl := cfg.Instruments[0]
	if aapl.ProviderSymbol != "AAPL" {
		t.Errorf("aapl.ProviderSymbol = %q, want defaulted %q", aapl.ProviderSymbol, "AAPL")
	}
	if aapl.QuoteMode != "both" {
		t.Errorf("aapl.QuoteMode = %q, want defaulted %q", aapl.QuoteMode, "both")
	}
	btc := cfg.Instruments[1]
	if btc.AssetClass != "crypto" || btc.QuoteMode != "latest" {
		t.Errorf("btc = %+v, want crypto/latest", btc)
	}
	if len(btc.Kinds) != 1 || btc.Kinds[0] != "trade" {
		t.Errorf("btc.Kinds = %v, want defaulted [trade]", btc.Kinds)
	}

	// -- Candles --
	if len(cfg.Candles.Granularities) != 2 {
		t.Fatalf("len(Granularities) = %d, want 2", len(cfg.Candles.Granularities))
	}
	if cfg.Candles.Granularities[0].Std() != time.Minute {
		t.Errorf("Granularities[0] = %v, want 1m", cfg.Candles.Granularities[0].Std())
	}
	if cfg.Candles.Lateness.Std() != 90*time.Second {
		t.Errorf("Lateness = %v, want 90s", cfg.Candles.Lateness.Std())
	}

	// -- Realtime --
	if cfg.Realtime.HeartbeatTimeout.Std() != 45*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 45s", cfg.Realtime.HeartbeatTimeout.Std())
	}
	if cfg.Realtime.DegradedAfter != 3 {
		t.Errorf("DegradedAfter = %d, want 3", cfg.Realtime.DegradedAfter)
	}
	if cfg.Realtime.BackoffFactor != 2.0 {
		t.Errorf("BackoffFactor = %v, want defaulted 2.0", cfg.Realtime.BackoffFactor)
	}

	// -- Backfill --
	if cfg.Backfill.Chunk.Std() != 30*time.Minute {
		t.Errorf("Chunk = %v, want 30m", cfg.Backfill.Chunk.Std())
	}
	if cfg.Backfill.SweepCron != "@every 10m" {
		t.Errorf("SweepCron = %q, want %q", cfg.Backfill.SweepCron, "@every 10m")
	}
	if cfg.Backfill.PageLimit != 10000 {
		t.Errorf("PageLimit = %d, want defaulted %d", cfg.Backfill.PageLimit, 10000)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: "sqlite"
  dsn: "file:original.db"
providers:
  alpaca:
    kind: "broker"
    api_key: "yaml-key"
    api_secret: "yaml-secret"
`)

	os.Setenv("TICKERD_DB_DSN", "file:env.db")
	os.Setenv("TICKERD_ALPACA_API_KEY", "env-key")
	os.Unsetenv("APCA_API_KEY_ID")
	os.Unsetenv("APCA_API_SECRET_KEY")
	defer os.Unsetenv("TICKERD_DB_DSN")
	defer os.Unsetenv("TICKERD_ALPACA_API_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Storage.DSN != "file:env.db" {
		t.Errorf("Storage.DSN = %q, want %q (env override)", cfg.Storage.DSN, "file:env.db")
	}
	alpaca := cfg.Providers["alpaca"]
	if alpaca.APIKey != "env-key" {
		t.Errorf("alpaca.APIKey = %q, want %q (env override)", alpaca.APIKey, "env-key")
	}
	// api_secret should remain from YAML since no env override was set.
	if alpaca.APISecret != "yaml-secret" {
		t.Errorf("alpaca.APISecret = %q, want %q (from YAML)", alpaca.APISecret, "yaml-secret")
	}
}

func TestLoadAlpacaCanonicalEnv(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: "sqlite"
  dsn: "file:t.db"
providers:
  alpaca:
    kind: "broker"
    api_key: "yaml-key"
`)

	os.Setenv("APCA_API_KEY_ID", "apca-key")
	os.Setenv("APCA_API_SECRET_KEY", "apca-secret")
	defer os.Unsetenv("APCA_API_KEY_ID")
	defer os.Unsetenv("APCA_API_SECRET_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	alpaca := cfg.Providers["alpaca"]
	if alpaca.APIKey != "apca-key" || alpaca.APISecret != "apca-secret" {
		t.Errorf("alpaca creds = %q/%q, want canonical env values", alpaca.APIKey, alpaca.APISecret)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad driver", `
storage:
  driver: "oracle"
  dsn: "x"
`},
		{"missing dsn", `
storage:
  driver: "sqlite"
`},
		{"unknown provider on instrument", `
storage:
  driver: "sqlite"
  dsn: "file:t.db"
instruments:
  - symbol: "AAPL"
    provider: "nope"
`},
		{"bad quote mode", `
storage:
  driver: "sqlite"
  dsn: "file:t.db"
providers:
  alpaca:
    kind: "broker"
instruments:
  - symbol: "AAPL"
    provider: "alpaca"
    quote_mode: "sometimes"
`},
		{"bad provider kind", `
storage:
  driver: "sqlite"
  dsn: "file:t.db"
providers:
  alpaca:
    kind: "carrier-pigeon"
`},
		{"sub-second granularity", `
storage:
  driver: "sqlite"
  dsn: "file:t.db"
candles:
  granularities: ["500ms"]
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("Load() = nil error, want validation failure")
			}
		})
	}
}

func TestDurationUnmarshalRejectsGarbage(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: "sqlite"
  dsn: "file:t.db"
candles:
  lateness: "ninety seconds"
`)
	if _, err := Load(path); err == nil {
		t.Error("Load() = nil error, want duration parse failure")
	}
}

func TestDurationUnmarshalDaySuffix(t *testing.T) {
	path := writeConfig(t, `
storage:
  driver: "sqlite"
  dsn: "file:t.db"
backfill:
  chunk: "2d"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := cfg.Backfill.Chunk.Std(); got != 48*time.Hour {
		t.Errorf("chunk = %v, want 48h", got)
	}
}
