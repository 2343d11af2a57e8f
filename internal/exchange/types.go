// Package exchange implements the upstream exchange REST client and the
// wire types shared with the WebSocket collectors.
//
// All numeric exchange fields may arrive as strings or non-finite; every
// field goes through the safe-float routine before use.
package exchange

import (
	"encoding/json"
	"strings"

	"github.com/hynous/hynous-data/internal/utils"
)

// Num is a numeric field that may arrive as a JSON string, a JSON
// number, or garbage. Float applies the safe-float routine.
type Num string

// UnmarshalJSON accepts both quoted and bare numerics.
func (n *Num) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*n = Num(s)
	return nil
}

// Float converts to float64; NaN/Inf/junk map to 0.
func (n Num) Float() float64 {
	if n == "" {
		return 0
	}
	return utils.SafeFloatStr(string(n))
}

// Asset is one instrument from the exchange metadata universe.
type Asset struct {
	Name string `json:"name"`
}

// Meta is the instrument metadata response.
type Meta struct {
	Universe []Asset `json:"universe"`
}

// Leverage is the nested leverage object on a position.
type Leverage struct {
	Value Num `json:"value"`
}

// RawPosition is a single position as returned by the account-state
// endpoint. Numerics are strings on the wire.
type RawPosition struct {
	Coin          string   `json:"coin"`
	Szi           Num      `json:"szi"`
	EntryPx       Num      `json:"entryPx"`
	PositionValue Num      `json:"positionValue"`
	Leverage      Leverage `json:"leverage"`
	LiquidationPx Num      `json:"liquidationPx"`
	MarginUsed    Num      `json:"marginUsed"`
	UnrealizedPnl Num      `json:"unrealizedPnl"`
}

// AssetPosition wraps a RawPosition.
type AssetPosition struct {
	Position RawPosition `json:"position"`
}

// MarginSummary carries account-level equity.
type MarginSummary struct {
	AccountValue       Num `json:"accountValue"`
	TotalUnrealizedPnl Num `json:"totalUnrealizedPnl"`
}

// UserState is the account-state response for one address.
type UserState struct {
	AssetPositions []AssetPosition `json:"assetPositions"`
	MarginSummary  MarginSummary   `json:"marginSummary"`
}

// Fill is one historical fill from the user fills endpoint.
type Fill struct {
	Coin string `json:"coin"`
	Side string `json:"side"` // "B" or "A"
	Px   Num    `json:"px"`
	Sz   Num    `json:"sz"`
	Time int64  `json:"time"` // milliseconds
}

// WsTrade is one trade pushed on the trades WebSocket channel. The
// liquidation flag appears under either of two keys depending on server
// version; either being truthy marks the trade.
type WsTrade struct {
	Coin        string          `json:"coin"`
	Side        string          `json:"side"`
	Px          Num             `json:"px"`
	Sz          Num             `json:"sz"`
	Time        int64           `json:"time"`
	Users       []string        `json:"users"`
	Liquidation json.RawMessage `json:"liquidation"`
	Liq         json.RawMessage `json:"liq"`
}

// IsLiquidation reports whether either liquidation key is present and
// truthy (non-null, non-false, non-zero, non-empty).
func (t *WsTrade) IsLiquidation() bool {
	return truthy(t.Liquidation) || truthy(t.Liq)
}

func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "null", "false", "0", `""`, "{}", "[]":
		return false
	}
	return true
}

// WsMessage is the envelope of every WebSocket push.
type WsMessage struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// WsBookLevel is one price level on the l2Book channel.
type WsBookLevel struct {
	Px Num `json:"px"`
	Sz Num `json:"sz"`
}

// WsBook is an l2Book push: levels[0] bids, levels[1] asks.
type WsBook struct {
	Coin   string          `json:"coin"`
	Levels [][]WsBookLevel `json:"levels"`
}
