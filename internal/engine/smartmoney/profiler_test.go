package smartmoney

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/exchange"
)

func fill(coin, side string, px float64, sz float64, timeMS int64) exchange.Fill {
	return exchange.Fill{
		Coin: coin,
		Side: side,
		Px:   exchange.Num(fmt.Sprintf("%g", px)),
		Sz:   exchange.Num(fmt.Sprintf("%g", sz)),
		Time: timeMS,
	}
}

func testProfiler() *Profiler {
	cfg := config.Default().SmartMoney
	return NewProfiler(nil, nil, nil, cfg, zerolog.Nop())
}

const hourMS = 3600 * 1000

func TestMatchFillsFIFO(t *testing.T) {
	fills := []exchange.Fill{
		fill("BTC", "B", 100, 1, 0),
		fill("BTC", "B", 110, 1, hourMS),
		fill("BTC", "A", 120, 1, 2*hourMS), // matches first buy @100
		fill("BTC", "A", 121, 1, 3*hourMS), // matches second buy @110
		fill("BTC", "A", 122, 1, 4*hourMS), // no open buy left: skipped
	}
	matched := MatchFills(fills)
	require.Len(t, matched, 2)

	assert.Equal(t, 100.0, matched[0].EntryPx)
	assert.Equal(t, 120.0, matched[0].ExitPx)
	assert.InDelta(t, 20.0, matched[0].PnlPct, 1e-9)
	assert.InDelta(t, 2.0, matched[0].HoldHours, 1e-9)
	assert.True(t, matched[0].IsWin)

	assert.Equal(t, 110.0, matched[1].EntryPx)
	assert.InDelta(t, 10.0, matched[1].PnlPct, 1e-9)
}

func TestMatchFillsGroupsPerCoin(t *testing.T) {
	fills := []exchange.Fill{
		fill("BTC", "B", 100, 1, 0),
		fill("ETH", "B", 10, 1, 0),
		fill("ETH", "A", 11, 1, hourMS),
		fill("BTC", "A", 90, 1, hourMS),
	}
	matched := MatchFills(fills)
	require.Len(t, matched, 2)

	byCoin := map[string]MatchedTrade{}
	for _, m := range matched {
		byCoin[m.Coin] = m
	}
	assert.InDelta(t, 10.0, byCoin["ETH"].PnlPct, 1e-9)
	assert.InDelta(t, -10.0, byCoin["BTC"].PnlPct, 1e-9)
	assert.False(t, byCoin["BTC"].IsWin)
}

func TestComputeProfileRequiresFiveMatches(t *testing.T) {
	p := testProfiler()

	var fills []exchange.Fill
	for i := 0; i < 4; i++ {
		fills = append(fills,
			fill("BTC", "B", 100, 1, int64(2*i)*hourMS),
			fill("BTC", "A", 110, 1, int64(2*i+1)*hourMS),
		)
	}
	profile, _ := p.ComputeProfile("0xabc", fills)
	assert.Nil(t, profile)
}

func TestComputeProfileMetrics(t *testing.T) {
	p := testProfiler()

	// Six day-trader round trips: four +10%, two -5%.
	var fills []exchange.Fill
	base := int64(0)
	pnls := []float64{110, 110, 110, 110, 95, 95}
	for _, exitPx := range pnls {
		fills = append(fills,
			fill("BTC", "B", 100, 1, base),
			fill("BTC", "A", exitPx, 1, base+2*hourMS),
		)
		base += 5 * hourMS
	}

	profile, matched := p.ComputeProfile("0xabc", fills)
	require.NotNil(t, profile)
	assert.Len(t, matched, 6)

	assert.InDelta(t, 4.0/6.0, profile.WinRate, 1e-9)
	assert.Equal(t, 6, profile.TradeCount)
	assert.InDelta(t, 2.0, profile.AvgHoldHours, 1e-9)
	assert.InDelta(t, 40.0/10.0, profile.ProfitFactor, 1e-9) // 4×10% gain / 2×5% loss
	assert.Equal(t, "day_trader", profile.Style)
	assert.False(t, profile.IsBot)
}

func TestComputeProfileProfitFactorCap(t *testing.T) {
	p := testProfiler()

	// All winners: no gross loss, factor capped.
	var fills []exchange.Fill
	for i := 0; i < 5; i++ {
		base := int64(i) * 4 * hourMS
		fills = append(fills,
			fill("BTC", "B", 100, 1, base),
			fill("BTC", "A", 120, 1, base+2*hourMS),
		)
	}
	profile, _ := p.ComputeProfile("0xabc", fills)
	require.NotNil(t, profile)
	assert.Equal(t, 999.0, profile.ProfitFactor)
}

func TestComputeProfileMaxDrawdown(t *testing.T) {
	p := testProfiler()

	// +10, +10, -15, -15, +10: peak 20, trough -10, drawdown 30.
	exits := []float64{110, 110, 85, 85, 110}
	var fills []exchange.Fill
	for i, exitPx := range exits {
		base := int64(i) * 4 * hourMS
		fills = append(fills,
			fill("BTC", "B", 100, 1, base),
			fill("BTC", "A", exitPx, 1, base+2*hourMS),
		)
	}
	profile, _ := p.ComputeProfile("0xabc", fills)
	require.NotNil(t, profile)
	assert.InDelta(t, 30.0, profile.MaxDrawdown, 1e-9)
}

func TestComputeProfileBotDetection(t *testing.T) {
	p := testProfiler()

	// 200 round trips at ~30s holds: far above 50/day with sub-2min
	// average hold.
	var fills []exchange.Fill
	for i := 0; i < 200; i++ {
		base := int64(i) * 60 * 1000
		fills = append(fills,
			fill("BTC", "B", 100, 1, base),
			fill("BTC", "A", 100.1, 1, base+30*1000),
		)
	}
	profile, _ := p.ComputeProfile("0xbot", fills)
	require.NotNil(t, profile)
	assert.True(t, profile.IsBot)
	assert.Equal(t, "scalper", profile.Style)
}

func TestComputeProfileStyles(t *testing.T) {
	p := testProfiler()

	styleFor := func(holdHours int64) string {
		var fills []exchange.Fill
		for i := 0; i < 5; i++ {
			base := int64(i) * (holdHours + 1) * 2 * hourMS
			fills = append(fills,
				fill("BTC", "B", 100, 1, base),
				fill("BTC", "A", 110, 1, base+holdHours*hourMS),
			)
		}
		profile, _ := p.ComputeProfile("0x", fills)
		require.NotNil(t, profile)
		return profile.Style
	}

	assert.Equal(t, "day_trader", styleFor(2))
	assert.Equal(t, "swing", styleFor(48))
	assert.Equal(t, "position", styleFor(200))
}
