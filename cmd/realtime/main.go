package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tickerd/internal/backfill"
	"tickerd/internal/candle"
	"tickerd/internal/config"
	"tickerd/internal/feed"
	"tickerd/internal/feed/alpaca"
	"tickerd/internal/feed/coinbase"
	"tickerd/internal/norm"
	"tickerd/internal/ops"
	"tickerd/internal/realtime"
	"tickerd/internal/store"
	"tickerd/internal/util"
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath(), "path to the tickerd config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("failed to set up logging: %v", err)
	}
	defer closeLog()
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	providers, instruments := cfg.Catalog()
	if err := st.SyncCatalog(ctx, providers, instruments); err != nil {
		log.Fatalf("syncing catalog: %v", err)
	}
	if err := st.EnsureRawPartition(ctx, time.Now().UTC()); err != nil {
		log.Fatalf("preparing raw archive partition: %v", err)
	}

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build provider adapters: %v", err)
	}

	normalizer := norm.New()
	grans := make([]time.Duration, len(cfg.Candles.Granularities))
	for i, g := range cfg.Candles.Granularities {
		grans[i] = g.Std()
	}
	agg := candle.New(st, candle.Config{
		Granularities: grans,
		Lateness:      cfg.Candles.Lateness.Std(),
	}, logger)

	pipeline := realtime.New(st, adapters, normalizer, agg, cfg, logger)
	manager := backfill.New(st, adapters, normalizer, cfg, logger)

	srv := ops.NewServer(cfg.Ops.Addr, logger)
	srv.RegisterCheck("store", st.Ping)
	srv.RegisterCheck("streams", pipeline.Ready)

	logger.Info("starting realtime ingestion",
		"providers", adapters.Names(), "instruments", len(cfg.Instruments), "ops", cfg.Ops.Addr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return pipeline.Run(gctx) })
	// The manager drains catch-up jobs that stream reconnects enqueue.
	g.Go(func() error { return manager.Run(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("realtime ingestion failed: %v", err)
	}
	logger.Info("shutdown complete")
}

// buildAdapters wires one adapter per enabled provider entry. The map key
// selects the implementation.
func buildAdapters(cfg *config.Config, logger *slog.Logger) (*feed.Registry, error) {
	limits := feed.NewLimiters()
	reg := feed.NewRegistry()
	for name, p := range cfg.Providers {
		if p.Disabled {
			continue
		}
		limits.Set(name, p.RatePerSec, p.Burst)

		var a feed.Adapter
		switch name {
		case "alpaca":
			a = alpaca.New(name, p, cfg.Backfill.PageLimit, limits, logger)
		case "coinbase":
			a = coinbase.New(name, p, limits, logger)
		default:
			return nil, fmt.Errorf("unknown provider %q", name)
		}
		if err := reg.Register(a); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func newLogger(cfg *config.Config) (*slog.Logger, func(), error) {
	if cfg.Logging.File == "" {
		return util.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format), func() {}, nil
	}
	f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	w := io.MultiWriter(os.Stdout, f)
	return util.NewLogger(w, cfg.Logging.Level, cfg.Logging.Format), func() { f.Close() }, nil
}

func defaultConfigPath() string {
	if p := os.Getenv("TICKERD_CONFIG"); p != "" {
		return p
	}
	return "config/tickerd.yaml"
}
