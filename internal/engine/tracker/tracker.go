// Package tracker detects entry/exit/flip/increase events for watched
// wallets by diffing consecutive position snapshots.
package tracker

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/exchange"
	"github.com/hynous/hynous-data/pkg/logger"
)

// increaseFactor is the size growth that qualifies as an "increase"
// event (>20%).
const increaseFactor = 1.2

// posSnap is the remembered state of one position.
type posSnap struct {
	side    string
	sizeUSD float64
	markPx  float64
}

// Change is one detected position change.
type Change struct {
	Address    string  `json:"address"`
	Coin       string  `json:"coin"`
	Action     string  `json:"action"` // entry | exit | flip | increase
	Side       string  `json:"side"`
	SizeUSD    float64 `json:"size_usd"`
	Price      float64 `json:"price"`
	DetectedAt float64 `json:"detected_at"`
}

// Tracker holds the last known positions per address. Safe for use from
// the poller's worker goroutines.
type Tracker struct {
	db  *database.DB
	log zerolog.Logger

	mu        sync.Mutex
	snapshots map[string]map[string]posSnap
}

// New creates a tracker.
func New(db *database.DB, log zerolog.Logger) *Tracker {
	return &Tracker{
		db:        db,
		log:       logger.Component(log, "position_tracker"),
		snapshots: make(map[string]map[string]posSnap),
	}
}

// LoadSnapshots seeds the in-memory state from the positions table
// joined against active watched wallets. Watched addresses with no
// positions get an empty entry so their first poll cannot emit phantom
// entries.
func (t *Tracker) LoadSnapshots() error {
	conn := t.db.Conn()

	watched, err := conn.Query("SELECT address FROM watched_wallets WHERE is_active = 1")
	if err != nil {
		return err
	}
	var watchedAddrs []string
	for watched.Next() {
		var addr string
		if err := watched.Scan(&addr); err != nil {
			watched.Close()
			return err
		}
		watchedAddrs = append(watchedAddrs, addr)
	}
	watched.Close()
	if err := watched.Err(); err != nil {
		return err
	}

	rows, err := conn.Query(`
SELECT p.address, p.coin, p.side, p.size_usd, p.mark_px
FROM positions p
INNER JOIN watched_wallets w ON p.address = w.address
WHERE w.is_active = 1`)
	if err != nil {
		return err
	}
	defer rows.Close()

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, addr := range watchedAddrs {
		if _, ok := t.snapshots[addr]; !ok {
			t.snapshots[addr] = make(map[string]posSnap)
		}
	}

	loaded := 0
	for rows.Next() {
		var addr, coin, side string
		var sizeUSD, markPx float64
		if err := rows.Scan(&addr, &coin, &side, &sizeUSD, &markPx); err != nil {
			return err
		}
		if _, ok := t.snapshots[addr]; !ok {
			t.snapshots[addr] = make(map[string]posSnap)
		}
		t.snapshots[addr][coin] = posSnap{side: side, sizeUSD: sizeUSD, markPx: markPx}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return err
	}

	t.log.Info().Int("wallets", len(t.snapshots)).Int("positions", loaded).Msg("loaded position snapshots")
	return nil
}

// CheckChanges diffs the new positions against the last snapshot and
// persists any detected changes. The first call for an address seeds
// silently and returns nothing.
func (t *Tracker) CheckChanges(address string, positions []exchange.Position) []Change {
	newMap := make(map[string]posSnap, len(positions))
	for _, p := range positions {
		if p.Coin == "" {
			continue
		}
		newMap[p.Coin] = posSnap{side: p.Side, sizeUSD: p.SizeUSD, markPx: p.MarkPx}
	}

	t.mu.Lock()
	old, seen := t.snapshots[address]
	if !seen {
		t.snapshots[address] = newMap
		t.mu.Unlock()
		return nil
	}

	now := float64(time.Now().Unix())
	var changes []Change

	for coin, cur := range newMap {
		prev, held := old[coin]
		switch {
		case !held:
			changes = append(changes, Change{
				Address: address, Coin: coin, Action: "entry",
				Side: cur.side, SizeUSD: cur.sizeUSD, Price: cur.markPx, DetectedAt: now,
			})
		case prev.side != cur.side:
			changes = append(changes, Change{
				Address: address, Coin: coin, Action: "flip",
				Side: cur.side, SizeUSD: cur.sizeUSD, Price: cur.markPx, DetectedAt: now,
			})
		case cur.sizeUSD > prev.sizeUSD*increaseFactor:
			changes = append(changes, Change{
				Address: address, Coin: coin, Action: "increase",
				Side: cur.side, SizeUSD: cur.sizeUSD, Price: cur.markPx, DetectedAt: now,
			})
		}
	}

	for coin, prev := range old {
		if _, still := newMap[coin]; !still {
			changes = append(changes, Change{
				Address: address, Coin: coin, Action: "exit",
				Side: prev.side, SizeUSD: prev.sizeUSD, Price: prev.markPx, DetectedAt: now,
			})
		}
	}

	t.snapshots[address] = newMap
	t.mu.Unlock()

	// DB write happens outside the in-memory lock; the store has its own
	// write mutex.
	if len(changes) > 0 {
		t.writeChanges(changes)
	}
	return changes
}

func (t *Tracker) writeChanges(changes []Change) {
	err := t.db.WithWriteTx(func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
INSERT INTO position_changes (address, coin, action, side, size_usd, price, detected_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, c := range changes {
			if _, err := stmt.Exec(c.Address, c.Coin, c.Action, c.Side, c.SizeUSD, c.Price, c.DetectedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.log.Error().Err(err).Int("changes", len(changes)).Msg("failed to write position changes")
	}
}

// WatchedAddresses returns the set of active watched wallet addresses.
func (t *Tracker) WatchedAddresses() map[string]struct{} {
	rows, err := t.db.Conn().Query("SELECT address FROM watched_wallets WHERE is_active = 1")
	if err != nil {
		t.log.Error().Err(err).Msg("failed to query watched wallets")
		return nil
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return out
		}
		out[addr] = struct{}{}
	}
	return out
}
