package archive

import (
	"database/sql"
	"encoding/json"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/exchange"
)

// balanceLine is one JSONL record from the balances dataset.
type balanceLine struct {
	User               string       `json:"user"`
	AccountValue       exchange.Num `json:"accountValue"`
	TotalUnrealizedPnl exchange.Num `json:"totalUnrealizedPnl"`
	Positions          []balancePos `json:"positions"`
}

type balancePos struct {
	Coin          string       `json:"coin"`
	Szi           exchange.Num `json:"szi"`
	EntryPx       exchange.Num `json:"entryPx"`
	PositionValue exchange.Num `json:"positionValue"`
	UnrealizedPnl exchange.Num `json:"unrealizedPnl"`
}

// fillLine is one JSONL record from the node fills dataset.
type fillLine struct {
	User        string          `json:"user"`
	Coin        string          `json:"coin"`
	Side        string          `json:"side"`
	Px          exchange.Num    `json:"px"`
	Sz          exchange.Num    `json:"sz"`
	Time        int64           `json:"time"`
	Liquidation json.RawMessage `json:"liquidation"`
}

// archiveFill is a parsed fill retained for profiling.
type archiveFill struct {
	Coin   string
	Side   string
	Px     float64
	Sz     float64
	TimeMS int64
}

// liquidation is one reconstructed liquidation event.
type liquidation struct {
	Coin       string
	OccurredAt float64
	Side       string
	SizeUSD    float64
	Price      float64
	Address    string
}

// coinFeatures is the msgpack-encoded feature vector stored per
// (address, coin, day).
type coinFeatures struct {
	Side          string  `msgpack:"side"`
	Size          float64 `msgpack:"size"`
	SizeUSD       float64 `msgpack:"size_usd"`
	EntryPx       float64 `msgpack:"entry_px"`
	MarkPx        float64 `msgpack:"mark_px"`
	UnrealizedPnl float64 `msgpack:"unrealized_pnl"`
	Equity        float64 `msgpack:"equity"`
}

// accountState is the reconstructed state of one address on one day.
type accountState struct {
	Equity     float64
	Unrealized float64
	Coins      map[string]coinFeatures
}

// parseBalanceFiles reads balance JSONL files into per-address state,
// filtering wallets below the configured exposure floor.
func parseBalanceFiles(paths []string, minPositionUSD float64) (map[string]*accountState, error) {
	accounts := make(map[string]*accountState)

	for _, path := range paths {
		err := readLines(path, func(line []byte) error {
			var rec balanceLine
			if err := json.Unmarshal(line, &rec); err != nil {
				return err
			}
			if rec.User == "" {
				return nil
			}

			state := &accountState{
				Equity:     rec.AccountValue.Float(),
				Unrealized: rec.TotalUnrealizedPnl.Float(),
				Coins:      make(map[string]coinFeatures),
			}
			total := 0.0
			for _, pos := range rec.Positions {
				size := pos.Szi.Float()
				entryPx := pos.EntryPx.Float()
				if size == 0 || pos.Coin == "" || entryPx <= 0 {
					continue
				}
				absSize := size
				side := "long"
				if size < 0 {
					absSize = -size
					side = "short"
				}
				markPx := pos.PositionValue.Float() / absSize
				if markPx <= 0 {
					markPx = entryPx
				}
				sizeUSD := absSize * markPx
				total += sizeUSD
				state.Coins[pos.Coin] = coinFeatures{
					Side:          side,
					Size:          absSize,
					SizeUSD:       sizeUSD,
					EntryPx:       entryPx,
					MarkPx:        markPx,
					UnrealizedPnl: pos.UnrealizedPnl.Float(),
					Equity:        state.Equity,
				}
			}
			if total < minPositionUSD {
				return nil
			}
			accounts[rec.User] = state
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

// parseFillFiles reads fills JSONL files, keeping per-address fills for
// the configured coin set and synthesizing liquidation events.
func parseFillFiles(paths []string, coins []string) (map[string][]archiveFill, []liquidation, error) {
	coinSet := make(map[string]struct{}, len(coins))
	for _, c := range coins {
		coinSet[c] = struct{}{}
	}

	fills := make(map[string][]archiveFill)
	var liqs []liquidation

	for _, path := range paths {
		err := readLines(path, func(line []byte) error {
			var rec fillLine
			if err := json.Unmarshal(line, &rec); err != nil {
				return err
			}
			px := rec.Px.Float()
			sz := rec.Sz.Float()
			if rec.Coin == "" || px <= 0 || sz <= 0 || (rec.Side != "B" && rec.Side != "A") {
				return nil
			}

			if len(rec.Liquidation) > 0 && string(rec.Liquidation) != "null" && string(rec.Liquidation) != "false" {
				sizeUSD := px * sz
				if sizeUSD >= 100 {
					side := "long"
					if rec.Side == "B" {
						side = "short"
					}
					liqs = append(liqs, liquidation{
						Coin:       rec.Coin,
						OccurredAt: float64(rec.Time) / 1000,
						Side:       side,
						SizeUSD:    sizeUSD,
						Price:      px,
						Address:    rec.User,
					})
				}
			}

			if _, tracked := coinSet[rec.Coin]; !tracked || rec.User == "" {
				return nil
			}
			fills[rec.User] = append(fills[rec.User], archiveFill{
				Coin:   rec.Coin,
				Side:   rec.Side,
				Px:     px,
				Sz:     sz,
				TimeMS: rec.Time,
			})
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return fills, liqs, nil
}

// writeSnapshots persists reconstructed accounts: one pnl_snapshots row
// per address plus a feature blob per held coin.
func writeSnapshots(db *database.DB, accounts map[string]*accountState, at float64) (int, error) {
	written := 0
	err := db.WithWriteTx(func(tx *sql.Tx) error {
		pnlStmt, err := tx.Prepare(
			"INSERT OR REPLACE INTO pnl_snapshots (address, snapshot_at, equity, unrealized) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer pnlStmt.Close()

		featStmt, err := tx.Prepare(
			"INSERT OR REPLACE INTO feature_snapshots (address, coin, snapshot_at, features) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer featStmt.Close()

		for addr, state := range accounts {
			if state.Equity > 0 {
				if _, err := pnlStmt.Exec(addr, at, state.Equity, state.Unrealized); err != nil {
					return err
				}
			}
			for coin, features := range state.Coins {
				blob, err := msgpack.Marshal(features)
				if err != nil {
					return err
				}
				if _, err := featStmt.Exec(addr, coin, at, blob); err != nil {
					return err
				}
				written++
			}
		}
		return nil
	})
	return written, err
}

func writeLiquidationRows(db *database.DB, liqs []liquidation) error {
	return db.WithWriteTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			"INSERT INTO liquidation_events (coin, occurred_at, side, size_usd, price, address) VALUES (?, ?, ?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, l := range liqs {
			var addr any
			if l.Address != "" {
				addr = l.Address
			}
			if _, err := stmt.Exec(l.Coin, l.OccurredAt, l.Side, l.SizeUSD, l.Price, addr); err != nil {
				return err
			}
		}
		return nil
	})
}

// DecodeFeatures unpacks a stored feature blob.
func DecodeFeatures(blob []byte) (map[string]any, error) {
	var out map[string]any
	if err := msgpack.Unmarshal(blob, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func toExchangeFills(fills []archiveFill) []exchange.Fill {
	out := make([]exchange.Fill, len(fills))
	for i, f := range fills {
		out[i] = exchange.Fill{
			Coin: f.Coin,
			Side: f.Side,
			Px:   toNum(f.Px),
			Sz:   toNum(f.Sz),
			Time: f.TimeMS,
		}
	}
	return out
}

func toNum(f float64) exchange.Num {
	return exchange.Num(strconv.FormatFloat(f, 'g', -1, 64))
}
