package exchange

// Position is a parsed, validated position ready for persistence.
// Size is absolute; Side carries the direction. LiqPx is nil when the
// exchange reports none (or a non-positive value).
type Position struct {
	Address       string
	Coin          string
	Side          string // "long" | "short"
	Size          float64
	SizeUSD       float64
	EntryPx       float64
	MarkPx        float64
	Leverage      float64
	MarginUsed    float64
	LiqPx         *float64
	UnrealizedPnl float64
}

// AccountSnapshot is the validated result of one account-state poll.
type AccountSnapshot struct {
	Positions    []Position
	ActiveCoins  map[string]struct{}
	TotalSizeUSD float64
	Equity       float64
	Unrealized   float64
}

// ParseUserState applies the shared validation guards to a raw account
// state:
//
//   - zero size or empty coin: skipped
//   - entry_px <= 0: corrupt record, skipped
//   - mark_px derived from positionValue/|size|, falling back to entry_px
//   - leverage outside [0, 200] clamped to 1
//   - liq_px <= 0 replaced with nil
func ParseUserState(address string, state *UserState) AccountSnapshot {
	snap := AccountSnapshot{
		ActiveCoins: make(map[string]struct{}),
		Equity:      state.MarginSummary.AccountValue.Float(),
		Unrealized:  state.MarginSummary.TotalUnrealizedPnl.Float(),
	}

	for _, ap := range state.AssetPositions {
		p := ap.Position
		size := p.Szi.Float()
		if size == 0 || p.Coin == "" {
			continue
		}

		entryPx := p.EntryPx.Float()
		if entryPx <= 0 {
			continue
		}

		absSize := size
		side := "long"
		if size < 0 {
			absSize = -size
			side = "short"
		}

		markPx := p.PositionValue.Float() / absSize
		if markPx <= 0 {
			markPx = entryPx
		}

		lev := p.Leverage.Value.Float()
		if lev > 200 || lev < 0 {
			lev = 1
		}

		var liqPx *float64
		if v := p.LiquidationPx.Float(); v > 0 {
			liqPx = &v
		}

		sizeUSD := absSize * markPx
		snap.TotalSizeUSD += sizeUSD
		snap.ActiveCoins[p.Coin] = struct{}{}

		snap.Positions = append(snap.Positions, Position{
			Address:       address,
			Coin:          p.Coin,
			Side:          side,
			Size:          absSize,
			SizeUSD:       sizeUSD,
			EntryPx:       entryPx,
			MarkPx:        markPx,
			Leverage:      lev,
			MarginUsed:    p.MarginUsed.Float(),
			LiqPx:         liqPx,
			UnrealizedPnl: p.UnrealizedPnl.Float(),
		})
	}

	return snap
}
