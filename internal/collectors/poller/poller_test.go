package poller

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hynous/hynous-data/internal/config"
	"github.com/hynous/hynous-data/internal/database"
	"github.com/hynous/hynous-data/internal/engine/smartmoney"
	"github.com/hynous/hynous-data/internal/exchange"
)

func newTestPoller(t *testing.T) (*Poller, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil, nil, config.Default().PositionPoller, zerolog.Nop()), db
}

func insertAddress(t *testing.T, db *database.DB, addr string, tier int, lastSeen, lastPolled float64) {
	t.Helper()
	err := db.WithWriteTx(func(tx *sql.Tx) error {
		var polled any
		if lastPolled > 0 {
			polled = lastPolled
		}
		_, err := tx.Exec(
			"INSERT INTO addresses (address, first_seen, last_seen, trade_count, last_polled, tier) VALUES (?, ?, ?, 1, ?, ?)",
			addr, lastSeen, lastSeen, polled, tier,
		)
		return err
	})
	require.NoError(t, err)
}

func snapshotWith(addr string, positions ...exchange.Position) pollResult {
	snap := exchange.AccountSnapshot{ActiveCoins: make(map[string]struct{})}
	for _, p := range positions {
		p.Address = addr
		snap.Positions = append(snap.Positions, p)
		snap.ActiveCoins[p.Coin] = struct{}{}
		snap.TotalSizeUSD += p.SizeUSD
	}
	return pollResult{address: addr, snap: snap}
}

func TestSelectDueTierOrdering(t *testing.T) {
	p, db := newTestPoller(t)
	now := float64(time.Now().Unix())

	insertAddress(t, db, "0xnever", 3, now, 0)            // never polled: due
	insertAddress(t, db, "0xtier1", 1, now, now-60)       // tier1 stale (30s interval)
	insertAddress(t, db, "0xtier2fresh", 2, now, now-30)  // tier2 fresh (120s interval)
	insertAddress(t, db, "0xtier3", 3, now, now-700)      // tier3 stale (600s)
	insertAddress(t, db, "0xgone", 1, now-8*86400, now-60) // inactive >7d: skipped

	addrs, err := p.selectDue()
	require.NoError(t, err)

	assert.Equal(t, []string{"0xtier1", "0xnever", "0xtier3"}, addrs)
}

func TestPersistResultsUpsertsAndMeta(t *testing.T) {
	p, db := newTestPoller(t)
	now := float64(time.Now().Unix())
	insertAddress(t, db, "0xwhale", 3, now, 0)

	liq := 90000.0
	p.persistResults([]pollResult{snapshotWith("0xwhale",
		exchange.Position{Coin: "BTC", Side: "long", Size: 20, SizeUSD: 1_940_000, EntryPx: 95000, MarkPx: 97000, Leverage: 10, LiqPx: &liq},
	)})

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM positions WHERE address = '0xwhale'").Scan(&count))
	assert.Equal(t, 1, count)

	var tier int
	var totalSize, lastPolled float64
	require.NoError(t, db.Conn().QueryRow(
		"SELECT tier, total_size_usd, last_polled FROM addresses WHERE address = '0xwhale'",
	).Scan(&tier, &totalSize, &lastPolled))
	assert.Equal(t, 1, tier) // above the 1M whale threshold
	assert.InDelta(t, 1_940_000.0, totalSize, 0.001)
	assert.Greater(t, lastPolled, now-5)
}

func TestPersistResultsDeletesClosedPositions(t *testing.T) {
	p, db := newTestPoller(t)
	now := float64(time.Now().Unix())
	insertAddress(t, db, "0xa", 3, now, 0)

	// First poll: BTC and ETH open.
	p.persistResults([]pollResult{snapshotWith("0xa",
		exchange.Position{Coin: "BTC", Side: "long", Size: 1, SizeUSD: 97000, EntryPx: 95000, MarkPx: 97000},
		exchange.Position{Coin: "ETH", Side: "short", Size: 10, SizeUSD: 34000, EntryPx: 3400, MarkPx: 3400},
	)})

	// Second poll: only BTC remains.
	p.persistResults([]pollResult{snapshotWith("0xa",
		exchange.Position{Coin: "BTC", Side: "long", Size: 1, SizeUSD: 97000, EntryPx: 95000, MarkPx: 97000},
	)})

	rows, err := db.Conn().Query("SELECT coin FROM positions WHERE address = '0xa'")
	require.NoError(t, err)
	defer rows.Close()
	var coins []string
	for rows.Next() {
		var coin string
		require.NoError(t, rows.Scan(&coin))
		coins = append(coins, coin)
	}
	assert.Equal(t, []string{"BTC"}, coins)
	assert.Equal(t, int64(1), p.totalPositionsDeletes.Load())
}

func TestZeroActiveCoinsDeletesAllAndDemotes(t *testing.T) {
	p, db := newTestPoller(t)
	now := float64(time.Now().Unix())
	insertAddress(t, db, "0xa", 1, now, 0)

	p.persistResults([]pollResult{snapshotWith("0xa",
		exchange.Position{Coin: "BTC", Side: "long", Size: 1, SizeUSD: 2_000_000, EntryPx: 95000, MarkPx: 97000},
	)})

	// Everything closed.
	p.persistResults([]pollResult{snapshotWith("0xa")})

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM positions WHERE address = '0xa'").Scan(&count))
	assert.Equal(t, 0, count)

	var tier int
	var totalSize float64
	require.NoError(t, db.Conn().QueryRow(
		"SELECT tier, total_size_usd FROM addresses WHERE address = '0xa'",
	).Scan(&tier, &totalSize))
	assert.Equal(t, 3, tier)
	assert.Equal(t, 0.0, totalSize)
}

func TestIdenticalPollIsIdempotent(t *testing.T) {
	p, db := newTestPoller(t)
	now := float64(time.Now().Unix())
	insertAddress(t, db, "0xa", 3, now, 0)

	result := snapshotWith("0xa",
		exchange.Position{Coin: "BTC", Side: "long", Size: 1, SizeUSD: 97000, EntryPx: 95000, MarkPx: 97000},
	)
	p.persistResults([]pollResult{result})
	p.persistResults([]pollResult{result})

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM positions").Scan(&count))
	assert.Equal(t, 1, count)
	assert.Equal(t, int64(0), p.totalPositionsDeletes.Load())
}

func TestEquityForwarding(t *testing.T) {
	p, db := newTestPoller(t)
	sm := smartmoney.New(db, nil, 50_000, zerolog.Nop())
	p.SetSmartMoney(sm)

	now := float64(time.Now().Unix())
	insertAddress(t, db, "0xa", 3, now, 0)
	insertAddress(t, db, "0xb", 3, now, 0)

	withEquity := snapshotWith("0xa")
	withEquity.snap.Equity = 120000
	withEquity.snap.Unrealized = 500
	zeroEquity := snapshotWith("0xb") // equity 0: filtered out

	p.persistResults([]pollResult{withEquity, zeroEquity})

	var n int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM pnl_snapshots").Scan(&n))
	assert.Equal(t, 1, n)

	var addr string
	require.NoError(t, db.Conn().QueryRow("SELECT address FROM pnl_snapshots").Scan(&addr))
	assert.Equal(t, "0xa", addr)
}
