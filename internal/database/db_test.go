package database

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, d.InitSchema())
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestInitSchemaIdempotent(t *testing.T) {
	d := newTestDB(t)

	// Second init is a no-op, not an error.
	require.NoError(t, d.InitSchema())

	var n int
	err := d.Conn().QueryRow("SELECT COUNT(*) FROM funding_history").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMigrationsAddColumns(t *testing.T) {
	d := newTestDB(t)

	err := d.WithWriteTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"INSERT INTO watched_wallets (address, label, added_at, is_active, notes, tags) VALUES (?, ?, ?, 1, ?, ?)",
			"0xabc", "test", float64(time.Now().Unix()), "a note", "tag1,tag2",
		)
		return err
	})
	require.NoError(t, err)

	var notes string
	err = d.Conn().QueryRow("SELECT notes FROM watched_wallets WHERE address = '0xabc'").Scan(&notes)
	require.NoError(t, err)
	assert.Equal(t, "a note", notes)
}

func TestPruneOldData(t *testing.T) {
	d := newTestDB(t)
	now := float64(time.Now().Unix())

	err := d.WithWriteTx(func(tx *sql.Tx) error {
		stmts := []struct {
			q    string
			args []any
		}{
			// Operational tables: 7-day retention.
			{"INSERT INTO pnl_snapshots (address, snapshot_at, equity, unrealized) VALUES (?, ?, ?, 0)", []any{"0xold", now - 8*86400, 1000.0}},
			{"INSERT INTO pnl_snapshots (address, snapshot_at, equity, unrealized) VALUES (?, ?, ?, 0)", []any{"0xnew", now - 3600, 2000.0}},
			{"INSERT INTO hlp_snapshots (vault_address, coin, snapshot_at, side, size, size_usd, entry_px, mark_px) VALUES (?, ?, ?, 'long', 1, 1000, 100, 100)", []any{"0xvault", "BTC", now - 8*86400}},
			// Historical tables: 90-day retention.
			{"INSERT INTO funding_history (coin, recorded_at, rate) VALUES (?, ?, ?)", []any{"BTC", now - 95*86400, 0.0001}},
			{"INSERT INTO funding_history (coin, recorded_at, rate) VALUES (?, ?, ?)", []any{"BTC", now - 80*86400, 0.0002}},
			{"INSERT INTO oi_history (coin, recorded_at, oi_usd) VALUES (?, ?, ?)", []any{"BTC", now - 95*86400, 1e6}},
			{"INSERT INTO volume_history (coin, recorded_at, volume_usd) VALUES (?, ?, ?)", []any{"BTC", now - 95*86400, 5e5}},
			{"INSERT INTO liquidation_events (coin, occurred_at, side, size_usd, price) VALUES (?, ?, 'long', 10000, 95000)", []any{"BTC", now - 95*86400}},
		}
		for _, s := range stmts {
			if _, err := tx.Exec(s.q, s.args...); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	deleted, err := d.PruneOldData(7)
	require.NoError(t, err)
	assert.Equal(t, int64(6), deleted)

	count := func(table string) int {
		var n int
		require.NoError(t, d.Conn().QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&n))
		return n
	}

	assert.Equal(t, 1, count("pnl_snapshots")) // only the recent row survives
	assert.Equal(t, 0, count("hlp_snapshots"))
	assert.Equal(t, 1, count("funding_history")) // 80-day row survives the 90-day cutoff
	assert.Equal(t, 0, count("oi_history"))
	assert.Equal(t, 0, count("volume_history"))
	assert.Equal(t, 0, count("liquidation_events"))
}

func TestWithWriteTxRollsBackOnError(t *testing.T) {
	d := newTestDB(t)

	err := d.WithWriteTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"INSERT INTO metadata (key, value) VALUES ('k', 'v')",
		); err != nil {
			return err
		}
		return fmt.Errorf("forced failure")
	})
	require.Error(t, err)

	var n int
	require.NoError(t, d.Conn().QueryRow("SELECT COUNT(*) FROM metadata").Scan(&n))
	assert.Equal(t, 0, n)
}
