// Package hlp polls the exchange's house liquidity provider vaults and
// derives per-coin sentiment from the snapshot history.
package hlp

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/exchange"
	"github.com/hynous/hynous-data/internal/ratelimit"
	"github.com/hynous/hynous-data/pkg/logger"
)

const userStateWeight = 2

// VaultPosition is one current vault position. SizeUSD here is notional
// at entry (abs(size) × entry_px), matching the snapshot table.
type VaultPosition struct {
	VaultAddress  string  `json:"vault_address"`
	Coin          string  `json:"coin"`
	Side          string  `json:"side"`
	Size          float64 `json:"size"`
	SizeUSD       float64 `json:"size_usd"`
	EntryPx       float64 `json:"entry_px"`
	MarkPx        float64 `json:"mark_px"`
	Leverage      float64 `json:"leverage"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// CoinSentiment is the derived stance for one coin over a window.
type CoinSentiment struct {
	Coin           string  `json:"coin"`
	CurrentSide    string  `json:"current_side"`
	CurrentSizeUSD float64 `json:"current_size_usd"`
	Flips          int     `json:"flips"`
}

// Tracker polls a fixed vault set on a timer.
type Tracker struct {
	db      *database.DB
	client  *exchange.Client
	limiter *ratelimit.Limiter
	cfg     config.HlpTrackerConfig
	log     zerolog.Logger

	posMu     sync.Mutex
	positions []VaultPosition

	stopCh chan struct{}
	wg     sync.WaitGroup

	totalPolls     atomic.Int64
	totalSnapshots atomic.Int64
	lastPoll       atomic.Int64 // unix seconds
}

// New creates a tracker.
func New(db *database.DB, client *exchange.Client, limiter *ratelimit.Limiter, cfg config.HlpTrackerConfig, log zerolog.Logger) *Tracker {
	return &Tracker{
		db:      db,
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		log:     logger.Component(log, "hlp_tracker"),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the polling loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.run()
}

// Stop stops the loop.
func (t *Tracker) Stop() {
	close(t.stopCh)
	t.wg.Wait()
}

// Healthy reports whether a poll completed within two intervals.
func (t *Tracker) Healthy() bool {
	last := t.lastPoll.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(last, 0)) < 2*time.Duration(t.cfg.PollInterval)*time.Second
}

// Stats reports tracker counters.
func (t *Tracker) Stats() map[string]any {
	t.posMu.Lock()
	current := len(t.positions)
	t.posMu.Unlock()
	return map[string]any{
		"vaults_tracked":    len(t.cfg.Vaults),
		"total_polls":       t.totalPolls.Load(),
		"total_snapshots":   t.totalSnapshots.Load(),
		"current_positions": current,
	}
}

func (t *Tracker) run() {
	defer t.wg.Done()
	t.log.Info().Int("vaults", len(t.cfg.Vaults)).Msg("hlp tracker starting")
	for {
		t.pollAllVaults()
		select {
		case <-t.stopCh:
			return
		case <-time.After(time.Duration(t.cfg.PollInterval) * time.Second):
		}
	}
}

// pollAllVaults fetches every vault's state, refreshes the in-memory
// cache and writes one snapshot batch.
func (t *Tracker) pollAllVaults() {
	now := float64(time.Now().Unix())
	var all []VaultPosition

	for _, vault := range t.cfg.Vaults {
		select {
		case <-t.stopCh:
			return
		default:
		}
		if !t.limiter.Acquire(userStateWeight, 10*time.Second) {
			t.log.Warn().Str("vault", vault[:10]).Msg("rate limit, skipping vault")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		state, err := t.client.UserState(ctx, vault)
		cancel()
		if err != nil {
			t.log.Debug().Err(err).Str("vault", vault[:10]).Msg("vault poll failed")
			continue
		}
		t.totalPolls.Add(1)

		snap := exchange.ParseUserState(vault, state)
		for _, p := range snap.Positions {
			all = append(all, VaultPosition{
				VaultAddress:  vault,
				Coin:          p.Coin,
				Side:          p.Side,
				Size:          p.Size,
				SizeUSD:       p.Size * p.EntryPx,
				EntryPx:       p.EntryPx,
				MarkPx:        p.MarkPx,
				Leverage:      p.Leverage,
				UnrealizedPnl: p.UnrealizedPnl,
			})
		}
	}

	t.posMu.Lock()
	t.positions = all
	t.posMu.Unlock()
	t.lastPoll.Store(time.Now().Unix())

	if len(all) == 0 {
		return
	}
	err := t.db.WithWriteTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
INSERT OR REPLACE INTO hlp_snapshots
(vault_address, coin, snapshot_at, side, size, size_usd, entry_px, mark_px, leverage, unrealized_pnl)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range all {
			if _, err := stmt.Exec(p.VaultAddress, p.Coin, now, p.Side, p.Size,
				p.SizeUSD, p.EntryPx, p.MarkPx, p.Leverage, p.UnrealizedPnl); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.log.Error().Err(err).Int("rows", len(all)).Msg("failed to write hlp snapshots")
		return
	}
	t.totalSnapshots.Add(int64(len(all)))
}

// Positions returns the latest vault positions.
func (t *Tracker) Positions() []VaultPosition {
	t.posMu.Lock()
	defer t.posMu.Unlock()
	out := make([]VaultPosition, len(t.positions))
	copy(out, t.positions)
	return out
}

// Sentiment walks the snapshot history per coin in chronological order,
// counting side flips and keeping the final stance.
func (t *Tracker) Sentiment(hours float64) map[string]*CoinSentiment {
	cutoff := float64(time.Now().Unix()) - hours*3600
	out := make(map[string]*CoinSentiment)

	rows, err := t.db.Conn().Query(`
SELECT coin, side, size_usd
FROM hlp_snapshots
WHERE snapshot_at >= ?
ORDER BY coin, snapshot_at`, cutoff)
	if err != nil {
		t.log.Error().Err(err).Msg("sentiment query failed")
		return out
	}
	defer rows.Close()

	prevSide := make(map[string]string)
	for rows.Next() {
		var coin, side string
		var sizeUSD float64
		if err := rows.Scan(&coin, &side, &sizeUSD); err != nil {
			return out
		}
		s, ok := out[coin]
		if !ok {
			s = &CoinSentiment{Coin: coin}
			out[coin] = s
		}
		if prev := prevSide[coin]; prev != "" && prev != side {
			s.Flips++
		}
		prevSide[coin] = side
		s.CurrentSide = side
		s.CurrentSizeUSD = sizeUSD
	}
	return out
}
