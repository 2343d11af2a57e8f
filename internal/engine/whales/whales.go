// Package whales serves ranked queries over the positions table.
package whales

import (
	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/pkg/logger"
)

// whaleSummaryFloor is the minimum position size for the cross-coin
// summary.
const whaleSummaryFloor = 100_000

// Position is one ranked position row.
type Position struct {
	Address       string   `json:"address"`
	Coin          string   `json:"coin"`
	Side          string   `json:"side"`
	Size          float64  `json:"size"`
	SizeUSD       float64  `json:"size_usd"`
	EntryPx       float64  `json:"entry_px"`
	MarkPx        float64  `json:"mark_px"`
	Leverage      float64  `json:"leverage"`
	LiqPx         *float64 `json:"liq_px"`
	UnrealizedPnl float64  `json:"unrealized_pnl"`
	UpdatedAt     float64  `json:"updated_at"`
}

// Board is the ranked whale report for one coin.
type Board struct {
	Coin          string     `json:"coin"`
	Positions     []Position `json:"positions"`
	Count         int        `json:"count"`
	TotalLongUSD  float64    `json:"total_long_usd"`
	TotalShortUSD float64    `json:"total_short_usd"`
	NetUSD        float64    `json:"net_usd"`
	OldestUpdated float64    `json:"oldest_updated_at"`
}

// CoinSummary aggregates whale exposure for one coin.
type CoinSummary struct {
	Coin       string  `json:"coin"`
	LongUSD    float64 `json:"long_usd"`
	ShortUSD   float64 `json:"short_usd"`
	LongCount  int     `json:"long_count"`
	ShortCount int     `json:"short_count"`
}

// Tracker is the read-only whale query surface.
type Tracker struct {
	db  *database.DB
	log zerolog.Logger
}

// New creates a tracker.
func New(db *database.DB, log zerolog.Logger) *Tracker {
	return &Tracker{db: db, log: logger.Component(log, "whale_tracker")}
}

// GetWhales returns the topN largest positions for a coin with
// aggregate long/short totals.
func (t *Tracker) GetWhales(coin string, topN int) *Board {
	board := &Board{Coin: coin, Positions: []Position{}}

	rows, err := t.db.Conn().Query(`
SELECT address, coin, side, size, size_usd, entry_px, mark_px,
       leverage, liq_px, unrealized_pnl, updated_at
FROM positions
WHERE coin = ?
ORDER BY size_usd DESC
LIMIT ?`, coin, topN)
	if err != nil {
		t.log.Error().Err(err).Str("coin", coin).Msg("whale query failed")
		return board
	}
	defer rows.Close()

	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.Address, &p.Coin, &p.Side, &p.Size, &p.SizeUSD,
			&p.EntryPx, &p.MarkPx, &p.Leverage, &p.LiqPx, &p.UnrealizedPnl, &p.UpdatedAt); err != nil {
			return board
		}
		board.Positions = append(board.Positions, p)
		if p.Side == "long" {
			board.TotalLongUSD += p.SizeUSD
		} else {
			board.TotalShortUSD += p.SizeUSD
		}
		if board.OldestUpdated == 0 || p.UpdatedAt < board.OldestUpdated {
			board.OldestUpdated = p.UpdatedAt
		}
	}
	board.Count = len(board.Positions)
	board.NetUSD = board.TotalLongUSD - board.TotalShortUSD
	return board
}

// Summary aggregates whale exposure (positions >= $100k) per coin.
func (t *Tracker) Summary() []CoinSummary {
	rows, err := t.db.Conn().Query(`
SELECT coin, side, COUNT(*), SUM(size_usd)
FROM positions
WHERE size_usd >= ?
GROUP BY coin, side
ORDER BY SUM(size_usd) DESC`, whaleSummaryFloor)
	if err != nil {
		t.log.Error().Err(err).Msg("whale summary query failed")
		return nil
	}
	defer rows.Close()

	byCoin := make(map[string]*CoinSummary)
	var order []string
	for rows.Next() {
		var coin, side string
		var count int
		var total float64
		if err := rows.Scan(&coin, &side, &count, &total); err != nil {
			break
		}
		s, ok := byCoin[coin]
		if !ok {
			s = &CoinSummary{Coin: coin}
			byCoin[coin] = s
			order = append(order, coin)
		}
		if side == "long" {
			s.LongUSD = total
			s.LongCount = count
		} else {
			s.ShortUSD = total
			s.ShortCount = count
		}
	}

	out := make([]CoinSummary, 0, len(order))
	for _, coin := range order {
		out = append(out, *byCoin[coin])
	}
	return out
}
