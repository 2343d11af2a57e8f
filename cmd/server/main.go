// Command server runs the hynous-data pipeline: trade stream, position
// poller, HLP tracker, derivation engines and the read HTTP API.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/hynous/hynous-data/internal/app"
	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/default.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})
	logger.SetGlobalLogger(log)

	application := app.New(cfg, log)
	if err := application.Start(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	application.Stop()
}
