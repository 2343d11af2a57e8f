// Package smartmoney ranks addresses by trailing equity growth and
// maintains per-wallet trading profiles.
package smartmoney

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/exchange"
	"github.com/hynous/hynous-data/internal/ratelimit"
	"github.com/hynous/hynous-data/pkg/logger"
)

const (
	userFillsWeight  = 2
	profitFactorCap  = 999.0
	minMatchedTrades = 5
)

// Profile is the cached metric set for one wallet.
type Profile struct {
	Address      string  `json:"address"`
	ComputedAt   float64 `json:"computed_at"`
	WinRate      float64 `json:"win_rate"`
	TradeCount   int     `json:"trade_count"`
	ProfitFactor float64 `json:"profit_factor"`
	AvgHoldHours float64 `json:"avg_hold_hours"`
	AvgPnlPct    float64 `json:"avg_pnl_pct"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	Style        string  `json:"style"` // scalper | day_trader | swing | position
	IsBot        bool    `json:"is_bot"`
	Equity       float64 `json:"equity"`
}

// MatchedTrade is one FIFO-matched round trip.
type MatchedTrade struct {
	Coin      string  `json:"coin"`
	EntryPx   float64 `json:"entry_px"`
	ExitPx    float64 `json:"exit_px"`
	SizeUSD   float64 `json:"size_usd"`
	PnlPct    float64 `json:"pnl_pct"`
	HoldHours float64 `json:"hold_hours"`
	EntryTime float64 `json:"entry_time"` // seconds
	ExitTime  float64 `json:"exit_time"`
	IsWin     bool    `json:"is_win"`
}

// Profiler computes and stores wallet profiles from fill history.
type Profiler struct {
	db      *database.DB
	client  *exchange.Client
	limiter *ratelimit.Limiter
	cfg     config.SmartMoneyConfig
	log     zerolog.Logger
}

// NewProfiler creates a profiler.
func NewProfiler(db *database.DB, client *exchange.Client, limiter *ratelimit.Limiter, cfg config.SmartMoneyConfig, log zerolog.Logger) *Profiler {
	return &Profiler{
		db:      db,
		client:  client,
		limiter: limiter,
		cfg:     cfg,
		log:     logger.Component(log, "profiler"),
	}
}

// FetchFills retrieves the trade history for an address under the rate
// budget. A budget timeout returns nil fills (skip).
func (p *Profiler) FetchFills(ctx context.Context, address string) ([]exchange.Fill, error) {
	if !p.limiter.Acquire(userFillsWeight, 10*time.Second) {
		return nil, nil
	}
	return p.client.UserFills(ctx, address)
}

// MatchFills FIFO-matches fills into round trips, grouped per coin in
// time order. Buys open, sells close against the oldest open buy.
// Matches with a non-positive entry price are discarded.
func MatchFills(fills []exchange.Fill) []MatchedTrade {
	sorted := make([]exchange.Fill, len(fills))
	copy(sorted, fills)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	open := make(map[string][]exchange.Fill)
	var matched []MatchedTrade

	for _, f := range sorted {
		px := f.Px.Float()
		sz := f.Sz.Float()
		if f.Coin == "" || px <= 0 || sz <= 0 {
			continue
		}
		switch f.Side {
		case "B":
			open[f.Coin] = append(open[f.Coin], f)
		case "A":
			queue := open[f.Coin]
			if len(queue) == 0 {
				continue
			}
			entry := queue[0]
			open[f.Coin] = queue[1:]

			entryPx := entry.Px.Float()
			if entryPx <= 0 {
				continue
			}
			entrySz := entry.Sz.Float()
			pnlPct := (px - entryPx) / entryPx * 100
			holdHours := float64(f.Time-entry.Time) / 1000 / 3600

			matched = append(matched, MatchedTrade{
				Coin:      f.Coin,
				EntryPx:   entryPx,
				ExitPx:    px,
				SizeUSD:   entryPx * entrySz,
				PnlPct:    pnlPct,
				HoldHours: holdHours,
				EntryTime: float64(entry.Time) / 1000,
				ExitTime:  float64(f.Time) / 1000,
				IsWin:     pnlPct > 0,
			})
		}
	}
	return matched
}

// ComputeProfile aggregates matched trades into profile metrics.
// Returns nil when fewer than five matches exist.
func (p *Profiler) ComputeProfile(address string, fills []exchange.Fill) (*Profile, []MatchedTrade) {
	minTrades := p.cfg.MinTradesForProfile
	if minTrades <= 0 {
		minTrades = minMatchedTrades
	}
	matched := MatchFills(fills)
	if len(matched) < minTrades {
		return nil, nil
	}

	holds := make([]float64, len(matched))
	pnls := make([]float64, len(matched))
	wins := 0
	grossProfit, grossLoss := 0.0, 0.0
	for i, m := range matched {
		holds[i] = m.HoldHours
		pnls[i] = m.PnlPct
		if m.IsWin {
			wins++
		}
		if m.PnlPct > 0 {
			grossProfit += m.PnlPct
		} else {
			grossLoss += -m.PnlPct
		}
	}

	winRate := float64(wins) / float64(len(matched))
	avgHold := stat.Mean(holds, nil)
	avgPnl := stat.Mean(pnls, nil)

	profitFactor := profitFactorCap
	if grossLoss > 0 {
		profitFactor = min(grossProfit/grossLoss, profitFactorCap)
	}

	// Max drawdown over cumulative PnL.
	cumulative, peak, maxDD := 0.0, 0.0, 0.0
	for _, m := range matched {
		cumulative += m.PnlPct
		if cumulative > peak {
			peak = cumulative
		}
		if dd := peak - cumulative; dd > maxDD {
			maxDD = dd
		}
	}

	// Bot heuristic: high frequency with holds shorter than BotAvgHoldMin
	// minutes.
	spanHours := 0.0
	for _, h := range holds {
		spanHours += h
	}
	spanDays := max(spanHours/24, 1)
	tradesPerDay := float64(len(matched)) / spanDays
	isBot := tradesPerDay > p.cfg.BotTradesPerDay && avgHold < p.cfg.BotAvgHoldMin/60

	var style string
	switch {
	case avgHold < 1:
		style = "scalper"
	case avgHold < 24:
		style = "day_trader"
	case avgHold < 168:
		style = "swing"
	default:
		style = "position"
	}

	return &Profile{
		Address:      address,
		ComputedAt:   float64(time.Now().Unix()),
		WinRate:      winRate,
		TradeCount:   len(matched),
		ProfitFactor: profitFactor,
		AvgHoldHours: avgHold,
		AvgPnlPct:    avgPnl,
		MaxDrawdown:  maxDD,
		Style:        style,
		IsBot:        isBot,
	}, matched
}

// UpsertProfile persists a profile and its matched trades. equity may
// be nil when no snapshot exists yet.
func (p *Profiler) UpsertProfile(profile *Profile, matched []MatchedTrade, equity *float64) error {
	return p.db.WithWriteTx(func(tx *sql.Tx) error {
		var eq any
		if equity != nil {
			eq = *equity
		}
		if _, err := tx.Exec(`
INSERT OR REPLACE INTO wallet_profiles
(address, computed_at, win_rate, trade_count, profit_factor, avg_hold_hours,
 avg_pnl_pct, max_drawdown, style, is_bot, equity)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			profile.Address, profile.ComputedAt, profile.WinRate, profile.TradeCount,
			profile.ProfitFactor, profile.AvgHoldHours, profile.AvgPnlPct,
			profile.MaxDrawdown, profile.Style, boolToInt(profile.IsBot), eq,
		); err != nil {
			return err
		}

		// Replace the cached matched trades.
		if _, err := tx.Exec("DELETE FROM wallet_trades WHERE address = ?", profile.Address); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`
INSERT INTO wallet_trades
(address, coin, side, entry_px, exit_px, size_usd, pnl_usd, pnl_pct, hold_hours, entry_time, exit_time, is_win)
VALUES (?, ?, 'long', ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range matched {
			pnlUSD := m.SizeUSD * m.PnlPct / 100
			if _, err := stmt.Exec(
				profile.Address, m.Coin, m.EntryPx, m.ExitPx, m.SizeUSD,
				pnlUSD, m.PnlPct, m.HoldHours, m.EntryTime, m.ExitTime, boolToInt(m.IsWin),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// ProfileOne fetches, computes and stores the profile for one address.
// Every failure mode is a silent skip.
func (p *Profiler) ProfileOne(ctx context.Context, address string) bool {
	fills, err := p.FetchFills(ctx, address)
	if err != nil || len(fills) == 0 {
		return false
	}
	profile, matched := p.ComputeProfile(address, fills)
	if profile == nil {
		return false
	}

	var equity *float64
	var eq float64
	err = p.db.Conn().QueryRow(
		"SELECT equity FROM pnl_snapshots WHERE address = ? ORDER BY snapshot_at DESC LIMIT 1",
		address,
	).Scan(&eq)
	if err == nil {
		equity = &eq
	}

	if err := p.UpsertProfile(profile, matched, equity); err != nil {
		p.log.Debug().Err(err).Str("address", short(address)).Msg("profile upsert failed")
		return false
	}
	p.log.Info().
		Str("address", short(address)).
		Int("trades", profile.TradeCount).
		Float64("win_rate", profile.WinRate).
		Str("style", profile.Style).
		Msg("profiled wallet")
	return true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func short(addr string) string {
	if len(addr) > 10 {
		return addr[:10]
	}
	return addr
}
