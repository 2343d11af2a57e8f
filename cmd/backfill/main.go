// Command backfill reconstructs historical feature snapshots from the
// exchange's public S3 archive, one day at a time.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hynous/hynous-data/internal/archive"
	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/engine/smartmoney"
	"github.com/hynous/hynous-data/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/default.yaml", "path to YAML config")
	startStr := flag.String("start", "", "first day to process (YYYY-MM-DD)")
	endStr := flag.String("end", "", "last day to process (YYYY-MM-DD), defaults to start")
	skipProfiles := flag.Bool("skip-profiles", false, "skip wallet profiling")
	flag.Parse()

	log := logger.New(logger.Config{Level: "info", Pretty: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	start, err := time.Parse("2006-01-02", *startStr)
	if err != nil {
		log.Fatal().Str("start", *startStr).Msg("invalid or missing -start date")
	}
	end := start
	if *endStr != "" {
		end, err = time.Parse("2006-01-02", *endStr)
		if err != nil {
			log.Fatal().Str("end", *endStr).Msg("invalid -end date")
		}
	}

	db, err := database.New(cfg.DB.Path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		log.Fatal().Err(err).Msg("failed to init schema")
	}

	var profiler *smartmoney.Profiler
	if !*skipProfiles {
		profiler = smartmoney.NewProfiler(db, nil, nil, cfg.SmartMoney, log)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		cancel()
	}()

	pipeline, err := archive.New(ctx, db, profiler, cfg.Archive, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create archive pipeline")
	}

	results := pipeline.ProcessDateRange(ctx, start, end)

	total := 0
	for _, r := range results {
		total += r.SnapshotsReconstructed
	}
	log.Info().
		Int("days", len(results)).
		Int("snapshots", total).
		Msg("backfill complete")
}
