package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickerd/internal/backfill"
	"tickerd/internal/config"
	"tickerd/internal/domain"
	"tickerd/internal/feed"
	"tickerd/internal/feed/alpaca"
	"tickerd/internal/feed/coinbase"
	"tickerd/internal/norm"
	"tickerd/internal/store"
	"tickerd/internal/util"
)

func main() {
	var (
		cfgPath     = flag.String("config", defaultConfigPath(), "path to the tickerd config file")
		submit      = flag.Bool("submit", false, "submit a new fetch job")
		run         = flag.Bool("run", false, "drain pending jobs until done")
		replay      = flag.Int("replay-dead-letters", 0, "replay up to N dead-lettered records and exit")
		provider    = flag.String("provider", "", "provider of the job to submit")
		symbol      = flag.String("symbol", "", "canonical symbol of the job to submit")
		records     = flag.String("records", "trade", "record kind to fetch: trade, quote, or bar")
		granularity = flag.String("granularity", "", "bar granularity, e.g. 1m or 1h (bar jobs only)")
		start       = flag.String("start", "", "range start, RFC 3339")
		end         = flag.String("end", "", "range end, RFC 3339")
	)
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

	adapters, err := buildAdapters(cfg, logger)
	if err != nil {
		log.Fatalf("failed to build provider adapters: %v", err)
	}
	manager := backfill.New(st, adapters, norm.New(), cfg, logger)

	switch {
	case *replay > 0:
		replayed, remaining, err := manager.ReplayDeadLetters(ctx, *replay)
		if err != nil {
			log.Fatalf("replaying dead letters: %v", err)
		}
		logger.Info("dead-letter replay done", "replayed", replayed, "remaining", remaining)

	case *submit:
		job, err := buildJob(*provider, *symbol, *records, *granularity, *start, *end)
		if err != nil {
			log.Fatalf("invalid job: %v", err)
		}
		created, err := manager.Submit(ctx, job)
		if errors.Is(err, store.ErrDuplicateJob) {
			logger.Info("job already exists", "provider", job.Provider, "symbol", job.Symbol,
				"start", job.Start.Format(time.RFC3339))
			return
		}
		if err != nil {
			log.Fatalf("submitting job: %v", err)
		}
		logger.Info("job submitted", "id", created.ID, "provider", created.Provider,
			"symbol", created.Symbol, "records", created.Records,
			"start", created.Start.Format(time.RFC3339), "end", created.End.Format(time.RFC3339))

	case *run:
		summary, err := manager.Drain(ctx)
		if err != nil {
			log.Fatalf("draining jobs: %v", err)
		}
		logger.Info("drain finished",
			"completed", summary.Completed,
			"failed", summary.Failed,
			"inserted", summary.Inserted,
			"duplicates", summary.Duplicates,
			"deadLettered", summary.DeadLettered)
		if summary.Failed > 0 {
			os.Exit(1)
		}

	default:
		log.Fatal("nothing to do: pass -submit, -run, or -replay-dead-letters")
	}
}

func buildJob(provider, symbol, records, granularity, start, end string) (domain.FetchJob, error) {
	if provider == "" || symbol == "" {
		return domain.FetchJob{}, errors.New("-provider and -symbol are required")
	}
	from, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return domain.FetchJob{}, fmt.Errorf("parsing -start: %w", err)
	}
	to, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return domain.FetchJob{}, fmt.Errorf("parsing -end: %w", err)
	}
	job := domain.FetchJob{
		Provider: provider,
		Symbol:   symbol,
		Kind:     domain.JobBackfill,
		Records:  domain.RecordKind(records),
		Start:    from,
		End:      to,
	}
	if granularity != "" {
		g, err := domain.ParseGranularity(granularity)
		if err != nil {
			return domain.FetchJob{}, err
		}
		job.Granularity = g
	}
	return job, nil
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
