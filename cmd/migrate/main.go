package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tickerd/internal/config"
	"tickerd/internal/store"
	"tickerd/internal/util"
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath(), "path to the tickerd config file")
	down := flag.Int("down", 0, "roll back this many migrations instead of migrating up")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.Storage, logger)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	if *down > 0 {
		if err := st.MigrateDown(*down); err != nil {
			log.Fatalf("migrate down: %v", err)
		}
	} else {
		if err := st.Migrate(); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	version, dirty, err := st.SchemaVersion()
	if err != nil {
		log.Fatalf("reading schema version: %v", err)
	}
	logger.Info("schema migrated", "driver", st.Driver(), "version", version, "dirty", dirty)
}

func defaultConfigPath() string {
	if p := os.Getenv("TICKERD_CONFIG"); p != "" {
		return p
	}
	return "config/tickerd.yaml"
}
