// Package orderflow derives CVD (cumulative volume delta) metrics from
// the shared trade buffers. Pure read-side: it owns no state beyond its
// window list.
package orderflow

import (
	"fmt"
	"time"

	"github.com/hynous/hynous-data/internal/market"
)

// WindowStats is the order-flow breakdown for one time window.
type WindowStats struct {
	WindowSeconds int     `json:"window_seconds"`
	BuyVolumeUSD  float64 `json:"buy_volume_usd"`
	SellVolumeUSD float64 `json:"sell_volume_usd"`
	CVD           float64 `json:"cvd"`
	BuyCount      int     `json:"buy_count"`
	SellCount     int     `json:"sell_count"`
	BuyPct        float64 `json:"buy_pct"`
}

// Flow is the per-coin order-flow report.
type Flow struct {
	Coin        string                 `json:"coin"`
	Windows     map[string]WindowStats `json:"windows"`
	TotalTrades int                    `json:"total_trades"`
}

// Engine computes order-flow metrics over configurable windows.
type Engine struct {
	registry *market.BufferRegistry
	windows  []int // seconds
}

// New creates the engine. Empty windows fall back to 1m/5m/15m/1h.
func New(registry *market.BufferRegistry, windows []int) *Engine {
	if len(windows) == 0 {
		windows = []int{60, 300, 900, 3600}
	}
	return &Engine{registry: registry, windows: windows}
}

// windowLabel renders 60 as "1m", 3600 as "1h".
func windowLabel(seconds int) string {
	if seconds < 3600 {
		return fmt.Sprintf("%dm", seconds/60)
	}
	return fmt.Sprintf("%dh", seconds/3600)
}

// GetOrderFlow computes per-window stats for one coin from a snapshot of
// its buffer.
func (e *Engine) GetOrderFlow(coin string) *Flow {
	trades := e.registry.Snapshot(coin)
	flow := &Flow{
		Coin:        coin,
		Windows:     make(map[string]WindowStats),
		TotalTrades: len(trades),
	}
	if len(trades) == 0 {
		return flow
	}

	nowMS := time.Now().UnixMilli()
	for _, windowS := range e.windows {
		cutoffMS := nowMS - int64(windowS)*1000
		stats := WindowStats{WindowSeconds: windowS}

		// Newest-first until the cutoff; buffers are time-ordered.
		for i := len(trades) - 1; i >= 0; i-- {
			t := trades[i]
			if t.TimeMS < cutoffMS {
				break
			}
			notional := t.Px * t.Sz
			if t.Side == "B" {
				stats.BuyVolumeUSD += notional
				stats.BuyCount++
			} else {
				stats.SellVolumeUSD += notional
				stats.SellCount++
			}
		}

		stats.CVD = stats.BuyVolumeUSD - stats.SellVolumeUSD
		if total := stats.BuyVolumeUSD + stats.SellVolumeUSD; total > 0 {
			stats.BuyPct = stats.BuyVolumeUSD / total * 100
		}
		flow.Windows[windowLabel(windowS)] = stats
	}
	return flow
}

// AllCVDSummary computes a quick 5-minute CVD per coin across all
// buffers.
func (e *Engine) AllCVDSummary() map[string]float64 {
	cutoffMS := time.Now().UnixMilli() - 300_000
	summary := make(map[string]float64)

	for coin, trades := range e.registry.AllSnapshots() {
		cvd := 0.0
		for i := len(trades) - 1; i >= 0; i-- {
			t := trades[i]
			if t.TimeMS < cutoffMS {
				break
			}
			notional := t.Px * t.Sz
			if t.Side == "B" {
				cvd += notional
			} else {
				cvd -= notional
			}
		}
		summary[coin] = cvd
	}
	return summary
}
