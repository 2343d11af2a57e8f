// Package heatmap periodically recomputes liquidation heatmaps from
// live positions and current mid prices.
package heatmap

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/exchange"
	"github.com/hynous/hynous-data/internal/ratelimit"
	"github.com/hynous/hynous-data/pkg/logger"
)

const allMidsWeight = 2

// Bucket is one price band of the heatmap.
type Bucket struct {
	PriceLow    float64 `json:"price_low"`
	PriceHigh   float64 `json:"price_high"`
	PriceMid    float64 `json:"price_mid"`
	LongLiqUSD  float64 `json:"long_liq_usd"`
	ShortLiqUSD float64 `json:"short_liq_usd"`
	LongCount   int     `json:"long_count"`
	ShortCount  int     `json:"short_count"`
}

// Summary aggregates a heatmap.
type Summary struct {
	TotalLongLiqUSD  float64 `json:"total_long_liq_usd"`
	TotalShortLiqUSD float64 `json:"total_short_liq_usd"`
	TotalPositions   int     `json:"total_positions"`
	ComputedAt       float64 `json:"computed_at"`
}

// Heatmap is the bucketed liquidation map for one coin.
type Heatmap struct {
	Coin        string   `json:"coin"`
	MidPrice    float64  `json:"mid_price"`
	RangePct    float64  `json:"range_pct"`
	BucketCount int      `json:"bucket_count"`
	Buckets     []Bucket `json:"buckets"`
	Summary     Summary  `json:"summary"`
}

// LiqRow is one liquidation-relevant position row.
type LiqRow struct {
	Side    string
	SizeUSD float64
	LiqPx   float64
}

// Build buckets rows into the ±rangePct band around mid. Out-of-band
// liquidation prices contribute nothing to the totals but still count
// toward TotalPositions (rows considered).
func Build(coin string, mid, rangePct float64, bucketCount int, rows []LiqRow) *Heatmap {
	frac := rangePct / 100
	low := mid - mid*frac
	high := mid + mid*frac
	bucketSize := (high - low) / float64(bucketCount)

	buckets := make([]Bucket, bucketCount)
	for i := range buckets {
		priceLow := low + float64(i)*bucketSize
		buckets[i] = Bucket{
			PriceLow:  priceLow,
			PriceHigh: priceLow + bucketSize,
			PriceMid:  priceLow + bucketSize/2,
		}
	}

	h := &Heatmap{
		Coin:        coin,
		MidPrice:    mid,
		RangePct:    rangePct,
		BucketCount: bucketCount,
		Buckets:     buckets,
		Summary: Summary{
			TotalPositions: len(rows),
			ComputedAt:     float64(time.Now().Unix()),
		},
	}

	for _, row := range rows {
		if row.LiqPx <= 0 || row.LiqPx < low || row.LiqPx >= high {
			continue
		}
		idx := int((row.LiqPx - low) / bucketSize)
		if idx >= bucketCount {
			idx = bucketCount - 1
		}
		if row.Side == "long" {
			h.Buckets[idx].LongLiqUSD += row.SizeUSD
			h.Buckets[idx].LongCount++
			h.Summary.TotalLongLiqUSD += row.SizeUSD
		} else {
			h.Buckets[idx].ShortLiqUSD += row.SizeUSD
			h.Buckets[idx].ShortCount++
			h.Summary.TotalShortLiqUSD += row.SizeUSD
		}
	}
	return h
}

// Engine owns the heatmap cache and its recompute loop.
type Engine struct {
	db      *database.DB
	client  *exchange.Client
	limiter *ratelimit.Limiter
	cfg     config.HeatmapConfig
	log     zerolog.Logger

	cacheMu sync.Mutex
	cache   map[string]*Heatmap

	lastRecompute time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the engine.
func New(db *database.DB, client *exchange.Client, limiter *ratelimit.Limiter, cfg config.HeatmapConfig, log zerolog.Logger) *Engine {
	return &Engine{
		db:      db,
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		log:     logger.Component(log, "liq_heatmap"),
		cache:   make(map[string]*Heatmap),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the recompute loop.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
}

// Stop stops the loop.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Healthy reports whether a recompute succeeded within two intervals.
func (e *Engine) Healthy() bool {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if e.lastRecompute.IsZero() {
		return false
	}
	return time.Since(e.lastRecompute) < 2*time.Duration(e.cfg.RecomputeInterval)*time.Second
}

// Stats reports engine counters.
func (e *Engine) Stats() map[string]any {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	stats := map[string]any{"cached_coins": len(e.cache)}
	if !e.lastRecompute.IsZero() {
		stats["last_recompute"] = float64(e.lastRecompute.Unix())
	}
	return stats
}

func (e *Engine) run() {
	defer e.wg.Done()
	interval := time.Duration(e.cfg.RecomputeInterval) * time.Second
	e.log.Info().Dur("interval", interval).Msg("heatmap engine starting")
	for {
		if err := e.RecomputeAll(); err != nil {
			e.log.Debug().Err(err).Msg("heatmap recompute skipped")
		}
		select {
		case <-e.stopCh:
			return
		case <-time.After(interval):
		}
	}
}

// RecomputeAll rebuilds heatmaps for every coin with open positions.
// On any failure the previous cache is retained.
func (e *Engine) RecomputeAll() error {
	conn := e.db.Conn()
	rows, err := conn.Query("SELECT DISTINCT coin FROM positions")
	if err != nil {
		return err
	}
	var coins []string
	for rows.Next() {
		var coin string
		if err := rows.Scan(&coin); err != nil {
			rows.Close()
			return err
		}
		coins = append(coins, coin)
	}
	rows.Close()
	if len(coins) == 0 {
		return nil
	}

	if e.limiter != nil && !e.limiter.Acquire(allMidsWeight, 10*time.Second) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	mids, err := e.client.AllMids(ctx)
	cancel()
	if err != nil {
		return err
	}

	newCache := make(map[string]*Heatmap)
	for _, coin := range coins {
		mid := mids[coin]
		if mid <= 0 {
			continue
		}
		h, err := e.computeCoin(coin, mid)
		if err != nil {
			e.log.Debug().Err(err).Str("coin", coin).Msg("heatmap compute failed")
			continue
		}
		if h != nil {
			newCache[coin] = h
		}
	}

	e.cacheMu.Lock()
	e.cache = newCache
	e.lastRecompute = time.Now()
	e.cacheMu.Unlock()
	return nil
}

// computeCoin builds the heatmap for one coin from its current
// positions. Returns nil when no position carries a liquidation price.
func (e *Engine) computeCoin(coin string, mid float64) (*Heatmap, error) {
	rows, err := e.db.Conn().Query(
		"SELECT side, size_usd, liq_px FROM positions WHERE coin = ? AND liq_px IS NOT NULL AND liq_px > 0",
		coin,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var liqRows []LiqRow
	for rows.Next() {
		var r LiqRow
		if err := rows.Scan(&r.Side, &r.SizeUSD, &r.LiqPx); err != nil {
			return nil, err
		}
		liqRows = append(liqRows, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(liqRows) == 0 {
		return nil, nil
	}
	return Build(coin, mid, e.cfg.RangePct, e.cfg.BucketCount, liqRows), nil
}

// Get returns the cached heatmap for a coin, or nil.
func (e *Engine) Get(coin string) *Heatmap {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.cache[coin]
}

// AvailableCoins lists coins with a cached heatmap.
func (e *Engine) AvailableCoins() []string {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	coins := make([]string, 0, len(e.cache))
	for coin := range e.cache {
		coins = append(coins, coin)
	}
	return coins
}
