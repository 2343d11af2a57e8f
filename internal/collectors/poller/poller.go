// Package poller keeps the positions table current for all known active
// addresses under the rate-limit budget, tiered by wallet size.
package poller

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/engine/smartmoney"
	"github.com/hynous/hynous-data/internal/engine/tracker"
	"github.com/hynous/hynous-data/internal/exchange"
	"github.com/hynous/hynous-data/internal/ratelimit"
	"github.com/hynous/hynous-data/pkg/logger"
)

const (
	userStateWeight = 2
	// Addresses with no trade activity for this long are not re-polled.
	addressMaxAgeDays = 7
	// Upper bound of one selection batch.
	batchLimit = 200

	cycleWait = 5 * time.Second
	idleWait  = 2 * time.Second
)

// pollResult is the outcome of one successful address poll.
type pollResult struct {
	address string
	snap    exchange.AccountSnapshot
}

// Poller runs the tiered polling loop with a bounded worker pool.
type Poller struct {
	db      *database.DB
	client  *exchange.Client
	limiter *ratelimit.Limiter
	cfg     config.PositionPollerConfig
	log     zerolog.Logger

	smartMoney *smartmoney.Engine
	tracker    *tracker.Tracker

	stopCh chan struct{}
	wg     sync.WaitGroup

	totalPolls            atomic.Int64
	totalPositionsUpserts atomic.Int64
	totalPositionsDeletes atomic.Int64
	totalErrors           atomic.Int64
	lastCycle             atomic.Int64
}

// New creates a poller.
func New(db *database.DB, client *exchange.Client, limiter *ratelimit.Limiter, cfg config.PositionPollerConfig, log zerolog.Logger) *Poller {
	return &Poller{
		db:      db,
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		log:     logger.Component(log, "position_poller"),
		stopCh:  make(chan struct{}),
	}
}

// SetSmartMoney wires equity snapshot forwarding.
func (p *Poller) SetSmartMoney(engine *smartmoney.Engine) {
	p.smartMoney = engine
}

// SetTracker wires position change detection for watched addresses.
func (p *Poller) SetTracker(t *tracker.Tracker) {
	p.tracker = t
}

// Start launches the polling loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop stops the loop. In-flight polls finish but their results are
// discarded.
func (p *Poller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Healthy reports whether a cycle completed recently.
func (p *Poller) Healthy() bool {
	last := p.lastCycle.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(last, 0)) < time.Minute
}

// Stats reports poller counters including per-tier address counts.
func (p *Poller) Stats() map[string]any {
	tierCounts := make(map[int]int)
	rows, err := p.db.Conn().Query("SELECT tier, COUNT(*) FROM addresses GROUP BY tier")
	if err == nil {
		for rows.Next() {
			var tier, n int
			if err := rows.Scan(&tier, &n); err != nil {
				break
			}
			tierCounts[tier] = n
		}
		rows.Close()
	}
	return map[string]any{
		"total_polls":             p.totalPolls.Load(),
		"total_positions_upserts": p.totalPositionsUpserts.Load(),
		"total_positions_deletes": p.totalPositionsDeletes.Load(),
		"total_errors":            p.totalErrors.Load(),
		"tier_counts":             tierCounts,
	}
}

func (p *Poller) run() {
	defer p.wg.Done()
	p.log.Info().Int("workers", p.cfg.Workers).Msg("position poller starting")
	for {
		idle := p.pollCycle()
		p.lastCycle.Store(time.Now().Unix())

		wait := cycleWait
		if idle {
			wait = idleWait
		}
		select {
		case <-p.stopCh:
			return
		case <-time.After(wait):
		}
	}
}

// pollCycle selects due addresses, fans them out to the worker pool and
// persists the batch. Returns true when nothing was due.
func (p *Poller) pollCycle() bool {
	addrs, err := p.selectDue()
	if err != nil {
		p.log.Error().Err(err).Msg("address selection failed")
		return true
	}
	if len(addrs) == 0 {
		return true
	}

	results := p.fanOut(addrs)

	select {
	case <-p.stopCh:
		// Discard in-flight results on shutdown.
		return false
	default:
	}

	p.persistResults(results)
	return false
}

// selectDue picks up to batchLimit addresses whose tier interval has
// elapsed, skipping wallets silent for more than a week. Tier 1 first,
// stalest first.
func (p *Poller) selectDue() ([]string, error) {
	now := float64(time.Now().Unix())
	activeCutoff := now - addressMaxAgeDays*86400

	rows, err := p.db.Conn().Query(`
SELECT address FROM addresses
WHERE last_seen >= ?
AND (
    (tier = 1 AND (last_polled IS NULL OR last_polled < ?))
    OR (tier = 2 AND (last_polled IS NULL OR last_polled < ?))
    OR (tier = 3 AND (last_polled IS NULL OR last_polled < ?))
)
ORDER BY tier ASC, last_polled ASC
LIMIT ?`,
		activeCutoff,
		now-float64(p.cfg.Tier1Interval),
		now-float64(p.cfg.Tier2Interval),
		now-float64(p.cfg.Tier3Interval),
		batchLimit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// fanOut polls the batch through a bounded worker pool and waits for
// completion.
func (p *Poller) fanOut(addrs []string) []pollResult {
	sem := make(chan struct{}, p.cfg.Workers)
	resultCh := make(chan pollResult, len(addrs))
	var wg sync.WaitGroup

submit:
	for _, addr := range addrs {
		select {
		case <-p.stopCh:
			break submit
		default:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(address string) {
			defer wg.Done()
			defer func() { <-sem }()
			if res, ok := p.pollAddress(address); ok {
				resultCh <- res
			}
		}(addr)
	}

	wg.Wait()
	close(resultCh)

	results := make([]pollResult, 0, len(addrs))
	for res := range resultCh {
		results = append(results, res)
	}
	return results
}

// pollAddress fetches one address's account state. Rate-limit timeouts
// and transient errors are skips, not failures.
func (p *Poller) pollAddress(address string) (pollResult, bool) {
	if !p.limiter.Acquire(userStateWeight, 10*time.Second) {
		return pollResult{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	state, err := p.client.UserState(ctx, address)
	cancel()
	if err != nil {
		p.totalErrors.Add(1)
		return pollResult{}, false
	}
	p.totalPolls.Add(1)

	return pollResult{address: address, snap: exchange.ParseUserState(address, state)}, true
}

// persistResults applies one completed batch: position upserts, closed
// position deletes, address metadata/tier updates, equity forwarding
// and change detection.
func (p *Poller) persistResults(results []pollResult) {
	if len(results) == 0 {
		return
	}

	p.upsertPositions(results)
	p.deleteClosedPositions(results)
	p.updateAddressMeta(results)

	// Equity snapshots go to the smart-money engine in one batch.
	if p.smartMoney != nil {
		var snapshots []smartmoney.EquitySnapshot
		for _, r := range results {
			if r.snap.Equity > 0 {
				snapshots = append(snapshots, smartmoney.EquitySnapshot{
					Address:    r.address,
					Equity:     r.snap.Equity,
					Unrealized: r.snap.Unrealized,
				})
			}
		}
		p.smartMoney.BatchSnapshotPnl(snapshots)
	}

	// Change detection for watched addresses only.
	if p.tracker != nil {
		watched := p.tracker.WatchedAddresses()
		for _, r := range results {
			if _, ok := watched[r.address]; ok {
				p.tracker.CheckChanges(r.address, r.snap.Positions)
			}
		}
	}
}

func (p *Poller) upsertPositions(results []pollResult) {
	now := float64(time.Now().Unix())
	total := 0
	err := p.db.WithWriteTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
INSERT OR REPLACE INTO positions
(address, coin, side, size, size_usd, entry_px, mark_px,
 leverage, margin_used, liq_px, unrealized_pnl, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range results {
			for _, pos := range r.snap.Positions {
				var liqPx any
				if pos.LiqPx != nil {
					liqPx = *pos.LiqPx
				}
				if _, err := stmt.Exec(pos.Address, pos.Coin, pos.Side, pos.Size,
					pos.SizeUSD, pos.EntryPx, pos.MarkPx, pos.Leverage,
					pos.MarginUsed, liqPx, pos.UnrealizedPnl, now); err != nil {
					return err
				}
				total++
			}
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Msg("position upsert failed")
		return
	}
	p.totalPositionsUpserts.Add(int64(total))
}

// deleteClosedPositions reclaims rows for coins an address no longer
// holds. An address with zero active coins loses all its rows.
func (p *Poller) deleteClosedPositions(results []pollResult) {
	var deleted int64
	err := p.db.WithWriteTx(func(tx *sql.Tx) error {
		for _, r := range results {
			var res sql.Result
			var err error
			if len(r.snap.ActiveCoins) == 0 {
				res, err = tx.Exec("DELETE FROM positions WHERE address = ?", r.address)
			} else {
				placeholders := strings.TrimSuffix(strings.Repeat("?,", len(r.snap.ActiveCoins)), ",")
				args := make([]any, 0, len(r.snap.ActiveCoins)+1)
				args = append(args, r.address)
				for coin := range r.snap.ActiveCoins {
					args = append(args, coin)
				}
				res, err = tx.Exec(
					"DELETE FROM positions WHERE address = ? AND coin NOT IN ("+placeholders+")",
					args...,
				)
			}
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Msg("closed position delete failed")
		return
	}
	p.totalPositionsDeletes.Add(deleted)
}

// updateAddressMeta stamps last_polled, records exposure and
// reclassifies the tier against the whale/mid thresholds.
func (p *Poller) updateAddressMeta(results []pollResult) {
	now := float64(time.Now().Unix())
	err := p.db.WithWriteTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
UPDATE addresses SET
    last_polled = ?,
    total_size_usd = ?,
    tier = CASE
        WHEN ? >= ? THEN 1
        WHEN ? >= ? THEN 2
        ELSE 3
    END
WHERE address = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range results {
			total := r.snap.TotalSizeUSD
			if _, err := stmt.Exec(now, total,
				total, p.cfg.WhaleThreshold,
				total, p.cfg.MidThreshold,
				r.address); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.log.Error().Err(err).Msg("address meta update failed")
	}
}
