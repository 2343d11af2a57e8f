// Package app builds and runs the full pipeline: store, rate limiter,
// collectors, derivation engines, maintenance jobs and the HTTP server,
// in dependency order, with graceful reverse-order shutdown.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/internal/collectors/hlp"
	"github.com/hynous/hynous-data/internal/collectors/poller"
	"github.com/hynous/hynous-data/internal/collectors/tradestream"
	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/engine/heatmap"
	"github.com/hynous/hynous-data/internal/engine/orderflow"
	"github.com/hynous/hynous-data/internal/engine/smartmoney"
	"github.com/hynous/hynous-data/internal/engine/tracker"
	"github.com/hynous/hynous-data/internal/engine/whales"
	"github.com/hynous/hynous-data/internal/exchange"
	"github.com/hynous/hynous-data/internal/market"
	"github.com/hynous/hynous-data/internal/ratelimit"
	"github.com/hynous/hynous-data/internal/server"
	"github.com/hynous/hynous-data/pkg/logger"
)

const profileRefreshBootDelay = 5 * time.Minute

// Runner is the capability every long-running component exposes.
type Runner interface {
	Start()
	Stop()
	Healthy() bool
	Stats() map[string]any
}

// App owns every long-lived component.
type App struct {
	cfg *config.Config
	log zerolog.Logger

	lock    *InstanceLock
	db      *database.DB
	limiter *ratelimit.Limiter
	srv     *server.Server

	// runners in start order; stopped in reverse.
	runners []Runner

	cron   *cron.Cron
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an unstarted App.
func New(cfg *config.Config, log zerolog.Logger) *App {
	return &App{
		cfg:    cfg,
		log:    logger.Component(log, "app"),
		stopCh: make(chan struct{}),
	}
}

// Start wires and starts everything. Failures here are fatal: the
// process must not limp along without its store or instance lock.
func (a *App) Start() error {
	storageDir := filepath.Dir(a.cfg.DB.Path)
	lock, err := AcquireInstanceLock(storageDir)
	if err != nil {
		return err
	}
	a.lock = lock

	startTime := time.Now()
	a.log.Info().Msg("hynous-data starting")

	db, err := database.New(a.cfg.DB.Path, a.log)
	if err != nil {
		a.lock.Release()
		return err
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		a.lock.Release()
		return fmt.Errorf("init schema: %w", err)
	}
	a.db = db

	a.limiter = ratelimit.New(a.cfg.RateLimit.MaxWeightPerMin, a.cfg.RateLimit.SafetyPct, a.log)
	client := exchange.NewClient(a.cfg.BaseURL, a.log)
	registry := market.NewBufferRegistry(market.DefaultBufferCap)

	// Engines first, so collectors can be wired to them.
	profiler := smartmoney.NewProfiler(db, client, a.limiter, a.cfg.SmartMoney, a.log)
	smartMoney := smartmoney.New(db, profiler, a.cfg.SmartMoney.MinEquity, a.log)
	flowEngine := orderflow.New(registry, a.cfg.OrderFlow.Windows)
	heatEngine := heatmap.New(db, client, a.limiter, a.cfg.Heatmap, a.log)
	whaleTracker := whales.New(db, a.log)

	changeTracker := tracker.New(db, a.log)
	if err := changeTracker.LoadSnapshots(); err != nil {
		a.log.Warn().Err(err).Msg("failed to preload position snapshots")
	}

	engines := server.Engines{
		DB:         db,
		Limiter:    a.limiter,
		Heatmap:    heatEngine,
		OrderFlow:  flowEngine,
		Whales:     whaleTracker,
		SmartMoney: smartMoney,
		Profiler:   profiler,
		StartTime:  startTime,
	}

	// Collectors in order: trade stream, poller, HLP tracker.
	a.startRunner(smartMoney)
	if a.cfg.TradeStream.Enabled {
		stream := tradestream.New(db, client, registry, a.cfg.WSURL, a.log)
		engines.TradeStream = stream
		a.startRunner(stream)
	}
	if a.cfg.L2Book.Enabled {
		l2 := tradestream.NewL2Subscriber(a.cfg.L2Book.Coins, a.cfg.WSURL, a.log)
		engines.L2Book = l2
		a.startRunner(l2)
	}
	if a.cfg.PositionPoller.Enabled {
		positionPoller := poller.New(db, client, a.limiter, a.cfg.PositionPoller, a.log)
		positionPoller.SetSmartMoney(smartMoney)
		positionPoller.SetTracker(changeTracker)
		engines.Poller = positionPoller
		a.startRunner(positionPoller)
	}
	if a.cfg.HlpTracker.Enabled {
		hlpTracker := hlp.New(db, client, a.limiter, a.cfg.HlpTracker, a.log)
		engines.Hlp = hlpTracker
		a.startRunner(hlpTracker)
	}
	a.startRunner(heatEngine)

	a.startMaintenance(profiler)

	a.srv = server.New(a.cfg.Server.Host, a.cfg.Server.Port, engines, a.log)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.srv.Start(); err != nil {
			a.log.Error().Err(err).Msg("http server failed")
		}
	}()

	a.log.Info().Int("components", len(a.runners)).Msg("all components started")
	return nil
}

func (a *App) startRunner(r Runner) {
	r.Start()
	a.runners = append(a.runners, r)
}

// startMaintenance schedules the hourly pruner and the periodic profile
// refresh (which waits five minutes after boot before its first cycle).
func (a *App) startMaintenance(profiler *smartmoney.Profiler) {
	a.cron = cron.New()
	_, err := a.cron.AddFunc("@hourly", a.pruneCycle)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to schedule pruner")
	}
	a.cron.Start()

	refreshInterval := time.Duration(a.cfg.SmartMoney.ProfileRefreshHours) * time.Hour
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case <-a.stopCh:
			return
		case <-time.After(profileRefreshBootDelay):
		}
		for {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				profiler.RefreshProfiles(ctx)
				if a.cfg.SmartMoney.AutoCurateEnabled {
					profiler.AutoCurate()
				}
			}()
			select {
			case <-a.stopCh:
				cancel()
				<-done
				return
			case <-done:
				cancel()
			}

			select {
			case <-a.stopCh:
				return
			case <-time.After(refreshInterval):
			}
		}
	}()
}

// pruneCycle reclaims old time-series rows, stale positions (>24h) and
// old position-change events (>7d).
func (a *App) pruneCycle() {
	if _, err := a.db.PruneOldData(a.cfg.DB.PruneDays); err != nil {
		a.log.Error().Err(err).Msg("prune failed")
	}

	now := float64(time.Now().Unix())
	err := a.db.WithWriteTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM positions WHERE updated_at < ?", now-86400); err != nil {
			return err
		}
		_, err := tx.Exec("DELETE FROM position_changes WHERE detected_at < ?", now-7*86400)
		return err
	})
	if err != nil {
		a.log.Error().Err(err).Msg("stale row prune failed")
	}
}

// Stop shuts everything down: collectors in reverse start order, then
// cron, the HTTP server, the store and finally the instance lock.
func (a *App) Stop() {
	a.log.Info().Msg("shutting down")
	close(a.stopCh)

	for i := len(a.runners) - 1; i >= 0; i-- {
		a.runners[i].Stop()
	}
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	if a.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.srv.Shutdown(ctx); err != nil {
			a.log.Error().Err(err).Msg("server forced to shutdown")
		}
		cancel()
	}
	a.wg.Wait()

	if a.db != nil {
		_ = a.db.Close()
	}
	if a.lock != nil {
		a.lock.Release()
	}
	a.log.Info().Msg("shutdown complete")
}
