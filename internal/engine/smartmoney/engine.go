package smartmoney

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/pkg/logger"
)

const (
	// An address may not be re-enqueued for profiling within this TTL.
	queueDedupTTL = 5 * time.Minute
	// Fallback poll interval for the drainer when no signal arrives.
	drainerWait = 30 * time.Second
	// The profiled-address cache refreshes at most this often.
	profiledSetTTL = 60 * time.Second
	rankingWindow  = 24 * time.Hour
)

// EquitySnapshot is one (address, equity, unrealized) observation from
// the position poller.
type EquitySnapshot struct {
	Address    string
	Equity     float64
	Unrealized float64
}

// RankedPos is one open position attached to a ranking entry.
type RankedPos struct {
	Coin          string  `json:"coin"`
	Side          string  `json:"side"`
	SizeUSD       float64 `json:"size_usd"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// Ranking is one smart-money leaderboard entry.
type Ranking struct {
	Address      string      `json:"address"`
	Equity       float64     `json:"equity"`
	Pnl24h       float64     `json:"pnl_24h"`
	PnlPct24h    float64     `json:"pnl_pct_24h"`
	Positions    []RankedPos `json:"positions"`
	WinRate      *float64    `json:"win_rate"`
	Style        *string     `json:"style"`
	IsBot        bool        `json:"is_bot"`
	TradeCount   *int        `json:"trade_count"`
	ProfitFactor *float64    `json:"profit_factor"`
}

// Rankings is the leaderboard response.
type Rankings struct {
	Rankings    []Ranking `json:"rankings"`
	Count       int       `json:"count"`
	WindowHours int       `json:"window_hours"`
}

// Engine records equity snapshots and ranks addresses by 24h equity
// growth. A single persistent drainer goroutine serves the deduplicated
// profiling queue.
type Engine struct {
	db        *database.DB
	profiler  *Profiler
	minEquity float64
	log       zerolog.Logger

	queueMu        sync.Mutex
	queue          []string
	queuedRecently map[string]time.Time
	signal         chan struct{}

	profiledMu    sync.Mutex
	profiledAddrs map[string]struct{}
	profiledAt    time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	snapshotsWritten atomic.Int64
	profilesComputed atomic.Int64
}

// New creates the engine. profiler may be nil (snapshots only).
func New(db *database.DB, profiler *Profiler, minEquity float64, log zerolog.Logger) *Engine {
	return &Engine{
		db:             db,
		profiler:       profiler,
		minEquity:      minEquity,
		log:            logger.Component(log, "smart_money"),
		queuedRecently: make(map[string]time.Time),
		signal:         make(chan struct{}, 1),
		profiledAddrs:  make(map[string]struct{}),
		stopCh:         make(chan struct{}),
	}
}

// Start launches the persistent profile queue drainer.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.drainLoop()
}

// Healthy reports whether the engine is accepting work.
func (e *Engine) Healthy() bool {
	select {
	case <-e.stopCh:
		return false
	default:
		return true
	}
}

// Stop stops the drainer.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Stats reports engine counters.
func (e *Engine) Stats() map[string]any {
	e.queueMu.Lock()
	queued := len(e.queue)
	e.queueMu.Unlock()
	return map[string]any{
		"queue_depth":       queued,
		"snapshots_written": e.snapshotsWritten.Load(),
		"profiles_computed": e.profilesComputed.Load(),
	}
}

func (e *Engine) drainLoop() {
	defer e.wg.Done()
	e.log.Info().Msg("profile drainer started")
	for {
		select {
		case <-e.stopCh:
			return
		case <-e.signal:
		case <-time.After(drainerWait):
		}

		for {
			select {
			case <-e.stopCh:
				return
			default:
			}

			e.queueMu.Lock()
			if len(e.queue) == 0 {
				e.queueMu.Unlock()
				break
			}
			addr := e.queue[0]
			e.queue = e.queue[1:]
			e.queueMu.Unlock()

			if e.profiler != nil && e.profiler.ProfileOne(context.Background(), addr) {
				e.profilesComputed.Add(1)
				e.profiledMu.Lock()
				e.profiledAddrs[addr] = struct{}{}
				e.profiledMu.Unlock()
			}
		}
	}
}

// enqueue adds addresses to the profiling queue, deduplicated by the
// 5-minute TTL. Stale dedup entries are pruned lazily here.
func (e *Engine) enqueue(addresses []string) {
	now := time.Now()
	added := 0

	e.queueMu.Lock()
	for addr, at := range e.queuedRecently {
		if now.Sub(at) > queueDedupTTL {
			delete(e.queuedRecently, addr)
		}
	}
	for _, addr := range addresses {
		if _, recent := e.queuedRecently[addr]; recent {
			continue
		}
		e.queuedRecently[addr] = now
		e.queue = append(e.queue, addr)
		added++
	}
	e.queueMu.Unlock()

	if added > 0 {
		select {
		case e.signal <- struct{}{}:
		default:
		}
	}
}

// refreshProfiledSet caches which addresses already have profiles, at
// most once per minute.
func (e *Engine) refreshProfiledSet() {
	e.profiledMu.Lock()
	defer e.profiledMu.Unlock()
	if time.Since(e.profiledAt) < profiledSetTTL {
		return
	}
	rows, err := e.db.Conn().Query("SELECT address FROM wallet_profiles")
	if err != nil {
		return
	}
	defer rows.Close()

	set := make(map[string]struct{})
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return
		}
		set[addr] = struct{}{}
	}
	e.profiledAddrs = set
	e.profiledAt = time.Now()
}

// BatchSnapshotPnl writes equity snapshots in one transaction, then
// enqueues high-equity unprofiled addresses for profiling.
func (e *Engine) BatchSnapshotPnl(snapshots []EquitySnapshot) {
	if len(snapshots) == 0 {
		return
	}
	now := float64(time.Now().Unix())

	err := e.db.WithWriteTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			"INSERT OR REPLACE INTO pnl_snapshots (address, snapshot_at, equity, unrealized) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, s := range snapshots {
			if _, err := stmt.Exec(s.Address, now, s.Equity, s.Unrealized); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.log.Error().Err(err).Int("snapshots", len(snapshots)).Msg("failed to write pnl snapshots")
		return
	}
	e.snapshotsWritten.Add(int64(len(snapshots)))

	if e.profiler == nil {
		return
	}
	e.refreshProfiledSet()

	e.profiledMu.Lock()
	var need []string
	for _, s := range snapshots {
		if s.Equity < e.minEquity {
			continue
		}
		if _, done := e.profiledAddrs[s.Address]; !done {
			need = append(need, s.Address)
		}
	}
	e.profiledMu.Unlock()

	if len(need) > 0 {
		e.enqueue(need)
	}
}

// GetRankings ranks addresses by equity growth over the last 24h.
// Requires at least two snapshots in the window; positions and profiles
// are attached with one IN-query each.
func (e *Engine) GetRankings(topN int) (*Rankings, error) {
	cutoff := float64(time.Now().Add(-rankingWindow).Unix())
	conn := e.db.Conn()

	rows, err := conn.Query(`
WITH addr_range AS (
    SELECT address,
           MIN(snapshot_at) AS first_snap,
           MAX(snapshot_at) AS last_snap
    FROM pnl_snapshots
    WHERE snapshot_at >= ?
    GROUP BY address
    HAVING COUNT(*) >= 2
)
SELECT ar.address,
       ps_first.equity AS equity_start,
       ps_last.equity AS equity_end
FROM addr_range ar
JOIN pnl_snapshots ps_first
    ON ps_first.address = ar.address AND ps_first.snapshot_at = ar.first_snap
JOIN pnl_snapshots ps_last
    ON ps_last.address = ar.address AND ps_last.snapshot_at = ar.last_snap`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("rankings query: %w", err)
	}

	var entries []Ranking
	for rows.Next() {
		var addr string
		var start, end float64
		if err := rows.Scan(&addr, &start, &end); err != nil {
			rows.Close()
			return nil, err
		}
		pnl := end - start
		pct := 0.0
		if start > 0 {
			pct = pnl / start * 100
		}
		entries = append(entries, Ranking{
			Address:   addr,
			Equity:    end,
			Pnl24h:    pnl,
			PnlPct24h: pct,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return &Rankings{Rankings: []Ranking{}, WindowHours: 24}, nil
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Pnl24h > entries[j].Pnl24h })
	if len(entries) > topN {
		entries = entries[:topN]
	}

	addrs := make([]string, len(entries))
	args := make([]any, len(entries))
	for i, r := range entries {
		addrs[i] = r.Address
		args[i] = r.Address
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(addrs)), ",")

	posMap := make(map[string][]RankedPos)
	posRows, err := conn.Query(
		"SELECT address, coin, side, size_usd, unrealized_pnl FROM positions WHERE address IN ("+placeholders+")",
		args...,
	)
	if err == nil {
		for posRows.Next() {
			var addr string
			var rp RankedPos
			if err := posRows.Scan(&addr, &rp.Coin, &rp.Side, &rp.SizeUSD, &rp.UnrealizedPnl); err != nil {
				break
			}
			posMap[addr] = append(posMap[addr], rp)
		}
		posRows.Close()
	}

	type profRow struct {
		winRate      float64
		style        string
		isBot        int
		tradeCount   int
		profitFactor float64
	}
	profMap := make(map[string]profRow)
	profRows, err := conn.Query(
		"SELECT address, win_rate, style, is_bot, trade_count, profit_factor FROM wallet_profiles WHERE address IN ("+placeholders+")",
		args...,
	)
	if err == nil {
		for profRows.Next() {
			var addr string
			var pr profRow
			if err := profRows.Scan(&addr, &pr.winRate, &pr.style, &pr.isBot, &pr.tradeCount, &pr.profitFactor); err != nil {
				break
			}
			profMap[addr] = pr
		}
		profRows.Close()
	}

	var missing []string
	for i := range entries {
		r := &entries[i]
		r.Positions = posMap[r.Address]
		if r.Positions == nil {
			r.Positions = []RankedPos{}
		}
		if pr, ok := profMap[r.Address]; ok {
			wr, st, tc, pf := pr.winRate, pr.style, pr.tradeCount, pr.profitFactor
			r.WinRate = &wr
			r.Style = &st
			r.IsBot = pr.isBot == 1
			r.TradeCount = &tc
			r.ProfitFactor = &pf
		} else {
			missing = append(missing, r.Address)
		}
	}
	if len(missing) > 0 && e.profiler != nil {
		e.enqueue(missing)
	}

	return &Rankings{Rankings: entries, Count: len(entries), WindowHours: 24}, nil
}
