package smartmoney

import (
	"context"
	"database/sql"
	"time"
)

// WatchedWallet is one row of the curated watchlist.
type WatchedWallet struct {
	Address  string  `json:"address"`
	Label    string  `json:"label"`
	AddedAt  float64 `json:"added_at"`
	IsActive bool    `json:"is_active"`
	Notes    string  `json:"notes"`
	Tags     string  `json:"tags"`
}

// WalletDetail is the full profile view for one wallet.
type WalletDetail struct {
	Profile      *Profile       `json:"profile"`
	RecentTrades []MatchedTrade `json:"recent_trades"`
	Positions    []RankedPos    `json:"positions"`
}

// Watch adds (or re-activates) an address on the watchlist.
func (p *Profiler) Watch(address, label string) error {
	return p.db.WithWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT INTO watched_wallets (address, label, added_at, is_active)
VALUES (?, ?, ?, 1)
ON CONFLICT(address) DO UPDATE SET label = excluded.label, is_active = 1`,
			address, label, float64(time.Now().Unix()),
		)
		return err
	})
}

// Unwatch deactivates an address. The row is kept so labels and notes
// survive a re-watch.
func (p *Profiler) Unwatch(address string) error {
	return p.db.WithWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE watched_wallets SET is_active = 0 WHERE address = ?", address)
		return err
	})
}

// Watchlist returns all active watched wallets.
func (p *Profiler) Watchlist() []WatchedWallet {
	rows, err := p.db.Conn().Query(`
SELECT address, label, added_at, is_active, notes, tags
FROM watched_wallets WHERE is_active = 1 ORDER BY added_at DESC`)
	if err != nil {
		p.log.Error().Err(err).Msg("watchlist query failed")
		return nil
	}
	defer rows.Close()

	var out []WatchedWallet
	for rows.Next() {
		var w WatchedWallet
		var active int
		if err := rows.Scan(&w.Address, &w.Label, &w.AddedAt, &active, &w.Notes, &w.Tags); err != nil {
			return out
		}
		w.IsActive = active == 1
		out = append(out, w)
	}
	return out
}

// GetProfile returns the cached profile plus recent matched trades and
// open positions for one address. Nil when no profile exists.
func (p *Profiler) GetProfile(address string) *WalletDetail {
	conn := p.db.Conn()

	var prof Profile
	var isBot int
	err := conn.QueryRow(`
SELECT address, computed_at, win_rate, trade_count, profit_factor,
       avg_hold_hours, avg_pnl_pct, max_drawdown, style, is_bot, COALESCE(equity, 0)
FROM wallet_profiles WHERE address = ?`, address).Scan(
		&prof.Address, &prof.ComputedAt, &prof.WinRate, &prof.TradeCount,
		&prof.ProfitFactor, &prof.AvgHoldHours, &prof.AvgPnlPct,
		&prof.MaxDrawdown, &prof.Style, &isBot, &prof.Equity,
	)
	if err != nil {
		return nil
	}
	prof.IsBot = isBot == 1

	detail := &WalletDetail{Profile: &prof}

	trades, err := conn.Query(`
SELECT coin, entry_px, COALESCE(exit_px, 0), size_usd, pnl_pct, hold_hours,
       entry_time, COALESCE(exit_time, 0), is_win
FROM wallet_trades WHERE address = ? ORDER BY exit_time DESC LIMIT 50`, address)
	if err == nil {
		defer trades.Close()
		for trades.Next() {
			var m MatchedTrade
			var isWin int
			if err := trades.Scan(&m.Coin, &m.EntryPx, &m.ExitPx, &m.SizeUSD,
				&m.PnlPct, &m.HoldHours, &m.EntryTime, &m.ExitTime, &isWin); err != nil {
				break
			}
			m.IsWin = isWin == 1
			detail.RecentTrades = append(detail.RecentTrades, m)
		}
	}

	positions, err := conn.Query(`
SELECT coin, side, size_usd, unrealized_pnl FROM positions WHERE address = ?`, address)
	if err == nil {
		defer positions.Close()
		for positions.Next() {
			var rp RankedPos
			if err := positions.Scan(&rp.Coin, &rp.Side, &rp.SizeUSD, &rp.UnrealizedPnl); err != nil {
				break
			}
			detail.Positions = append(detail.Positions, rp)
		}
	}

	return detail
}

// refreshCandidates selects addresses due for (re)profiling: active
// watched wallets that have never been profiled come first (computed_at
// 0), then existing profiles stalest-first, capped at
// max_profiles_per_cycle.
func (p *Profiler) refreshCandidates() []string {
	rows, err := p.db.Conn().Query(`
SELECT address FROM (
    SELECT address, 0 AS computed_at
    FROM watched_wallets
    WHERE is_active = 1
      AND address NOT IN (SELECT address FROM wallet_profiles)
    UNION ALL
    SELECT address, computed_at FROM wallet_profiles
)
ORDER BY computed_at ASC
LIMIT ?`, p.cfg.MaxProfilesPerCycle)
	if err != nil {
		p.log.Error().Err(err).Msg("refresh query failed")
		return nil
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			break
		}
		addrs = append(addrs, addr)
	}
	return addrs
}

// RefreshProfiles recomputes profiles for watched and previously
// profiled addresses, capped at max_profiles_per_cycle per invocation.
func (p *Profiler) RefreshProfiles(ctx context.Context) int {
	addrs := p.refreshCandidates()

	refreshed := 0
	for _, addr := range addrs {
		select {
		case <-ctx.Done():
			return refreshed
		default:
		}
		if p.ProfileOne(ctx, addr) {
			refreshed++
		}
	}
	if refreshed > 0 {
		p.log.Info().Int("refreshed", refreshed).Msg("profile refresh cycle complete")
	}
	return refreshed
}

// AutoCurate activates the best-performing profiled wallets on the
// watchlist, bounded by auto_curate_max_wallets.
func (p *Profiler) AutoCurate() int {
	q := `
SELECT address FROM wallet_profiles
WHERE win_rate >= ? AND trade_count >= ? AND profit_factor >= ?`
	args := []any{
		p.cfg.AutoCurateMinWinRate,
		p.cfg.AutoCurateMinTrades,
		p.cfg.AutoCurateMinProfitFactor,
	}
	if p.cfg.AutoCurateExcludeBots {
		q += " AND is_bot = 0"
	}
	q += " ORDER BY profit_factor DESC LIMIT ?"
	args = append(args, p.cfg.AutoCurateMaxWallets)

	rows, err := p.db.Conn().Query(q, args...)
	if err != nil {
		p.log.Error().Err(err).Msg("auto-curate query failed")
		return 0
	}
	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			break
		}
		addrs = append(addrs, addr)
	}
	rows.Close()

	added := 0
	for _, addr := range addrs {
		if err := p.Watch(addr, "auto-curated"); err == nil {
			added++
		}
	}
	if added > 0 {
		p.log.Info().Int("wallets", added).Msg("auto-curation cycle complete")
	}
	return added
}
