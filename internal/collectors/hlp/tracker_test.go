package hlp

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
)

func newTestTracker(t *testing.T) (*Tracker, *database.DB) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, db.InitSchema())
	t.Cleanup(func() { _ = db.Close() })
	return New(db, nil, nil, config.Default().HlpTracker, zerolog.Nop()), db
}

func insertSnapshot(t *testing.T, db *database.DB, coin, side string, sizeUSD, at float64) {
	t.Helper()
	err := db.WithWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
INSERT OR REPLACE INTO hlp_snapshots
(vault_address, coin, snapshot_at, side, size, size_usd, entry_px, mark_px)
VALUES ('0xvault', ?, ?, ?, 1, ?, 100, 100)`, coin, at, side, sizeUSD)
		return err
	})
	require.NoError(t, err)
}

func TestSentimentFlipsAndFinalStance(t *testing.T) {
	tr, db := newTestTracker(t)
	now := float64(time.Now().Unix())

	// BTC: long → short → long (two flips, ends long at 800k).
	insertSnapshot(t, db, "BTC", "long", 500_000, now-3000)
	insertSnapshot(t, db, "BTC", "short", 600_000, now-2000)
	insertSnapshot(t, db, "BTC", "long", 800_000, now-1000)
	// ETH: steady short.
	insertSnapshot(t, db, "ETH", "short", 200_000, now-2500)
	insertSnapshot(t, db, "ETH", "short", 250_000, now-500)

	sentiment := tr.Sentiment(24)
	require.Len(t, sentiment, 2)

	btc := sentiment["BTC"]
	assert.Equal(t, 2, btc.Flips)
	assert.Equal(t, "long", btc.CurrentSide)
	assert.InDelta(t, 800_000.0, btc.CurrentSizeUSD, 0.001)

	eth := sentiment["ETH"]
	assert.Equal(t, 0, eth.Flips)
	assert.Equal(t, "short", eth.CurrentSide)
}

func TestSentimentWindowExcludesOldSnapshots(t *testing.T) {
	tr, db := newTestTracker(t)
	now := float64(time.Now().Unix())

	insertSnapshot(t, db, "BTC", "short", 100, now-48*3600) // outside 1h
	insertSnapshot(t, db, "BTC", "long", 200, now-60)

	sentiment := tr.Sentiment(1)
	require.Contains(t, sentiment, "BTC")
	// The old short snapshot is out of window, so no flip.
	assert.Equal(t, 0, sentiment["BTC"].Flips)
}

func TestSentimentEmpty(t *testing.T) {
	tr, _ := newTestTracker(t)
	assert.Empty(t, tr.Sentiment(24))
}

func TestPositionsReturnsCopy(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.positions = []VaultPosition{{Coin: "BTC", Side: "long", SizeUSD: 1000}}

	got := tr.Positions()
	require.Len(t, got, 1)
	got[0].SizeUSD = 0
	assert.InDelta(t, 1000.0, tr.Positions()[0].SizeUSD, 0.001)
}
