package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickerd/internal/config"
	"tickerd/internal/domain"
	"tickerd/internal/store"
	"tickerd/internal/util"
)

func main() {
	var (
		cfgPath     = flag.String("config", defaultConfigPath(), "path to the tickerd config file")
		provider    = flag.String("provider", "", "provider of the candles to export")
		symbol      = flag.String("symbol", "", "canonical symbol to export")
		granularity = flag.String("granularity", "1m", "candle granularity, e.g. 1m, 5m, 1h")
		start       = flag.String("start", "", "range start, RFC 3339")
		end         = flag.String("end", "", "range end, RFC 3339")
		out         = flag.String("out", "", "output parquet file path")
	)
	flag.Parse()

	if *provider == "" || *symbol == "" || *out == "" {
		log.Fatal("-provider, -symbol, and -out are required")
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	g, err := domain.ParseGranularity(*granularity)
	if err != nil {
		log.Fatalf("invalid granularity: %v", err)
	}
	from, err := time.Parse(time.RFC3339, *start)
	if err != nil {
		log.Fatalf("parsing -start: %v", err)
	}
	to, err := time.Parse(time.RFC3339, *end)
	if err != nil {
		log.Fatalf("parsing -end: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	n, err := st.ExportCandles(ctx, *out, *provider, *symbol, g, from, to)
	if err != nil {
		log.Fatalf("exporting candles: %v", err)
	}
	logger.Info("export complete", "path", *out, "rows", n,
		"provider", *provider, "symbol", *symbol, "granularity", domain.FormatGranularity(g))
}

func defaultConfigPath() string {
	if p := os.Getenv("TICKERD_CONFIG"); p != "" {
		return p
	}
	return "config/tickerd.yaml"
}
