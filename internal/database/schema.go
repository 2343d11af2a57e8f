package database

import (
	"fmt"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS addresses (
    address     TEXT PRIMARY KEY,
    first_seen  REAL NOT NULL,
    last_seen   REAL NOT NULL,
    trade_count INTEGER NOT NULL DEFAULT 0,
    last_polled REAL,
    tier        INTEGER NOT NULL DEFAULT 3,
    total_size_usd REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_addresses_tier_polled ON addresses(tier, last_polled);
CREATE INDEX IF NOT EXISTS idx_addresses_last_seen ON addresses(last_seen);

CREATE TABLE IF NOT EXISTS positions (
    address     TEXT NOT NULL,
    coin        TEXT NOT NULL,
    side        TEXT NOT NULL,
    size        REAL NOT NULL,
    size_usd    REAL NOT NULL,
    entry_px    REAL NOT NULL,
    mark_px     REAL NOT NULL,
    leverage    REAL NOT NULL DEFAULT 1,
    margin_used REAL NOT NULL DEFAULT 0,
    liq_px      REAL,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    updated_at  REAL NOT NULL,
    PRIMARY KEY (address, coin)
);
CREATE INDEX IF NOT EXISTS idx_positions_coin ON positions(coin);
CREATE INDEX IF NOT EXISTS idx_positions_size_usd ON positions(size_usd);

CREATE TABLE IF NOT EXISTS hlp_snapshots (
    vault_address TEXT NOT NULL,
    coin          TEXT NOT NULL,
    snapshot_at   REAL NOT NULL,
    side          TEXT NOT NULL,
    size          REAL NOT NULL,
    size_usd      REAL NOT NULL,
    entry_px      REAL NOT NULL,
    mark_px       REAL NOT NULL,
    leverage      REAL NOT NULL DEFAULT 1,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (vault_address, coin, snapshot_at)
);
CREATE INDEX IF NOT EXISTS idx_hlp_snapshot_at ON hlp_snapshots(snapshot_at);

CREATE TABLE IF NOT EXISTS pnl_snapshots (
    address     TEXT NOT NULL,
    snapshot_at REAL NOT NULL,
    equity      REAL NOT NULL,
    unrealized  REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (address, snapshot_at)
);
CREATE INDEX IF NOT EXISTS idx_pnl_snapshot_at ON pnl_snapshots(snapshot_at);
CREATE INDEX IF NOT EXISTS idx_pnl_addr_snap ON pnl_snapshots(address, snapshot_at, equity);

CREATE TABLE IF NOT EXISTS metadata (
    key   TEXT PRIMARY KEY,
    value TEXT
);

CREATE TABLE IF NOT EXISTS watched_wallets (
    address    TEXT PRIMARY KEY,
    label      TEXT DEFAULT '',
    added_at   REAL NOT NULL,
    is_active  INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS wallet_profiles (
    address        TEXT PRIMARY KEY,
    computed_at    REAL NOT NULL,
    win_rate       REAL,
    trade_count    INTEGER,
    profit_factor  REAL,
    avg_hold_hours REAL,
    avg_pnl_pct    REAL,
    max_drawdown   REAL,
    style          TEXT,
    is_bot         INTEGER DEFAULT 0,
    equity         REAL
);

CREATE TABLE IF NOT EXISTS wallet_trades (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    address    TEXT NOT NULL,
    coin       TEXT NOT NULL,
    side       TEXT NOT NULL,
    entry_px   REAL NOT NULL,
    exit_px    REAL,
    size_usd   REAL NOT NULL,
    pnl_usd    REAL NOT NULL DEFAULT 0,
    pnl_pct    REAL NOT NULL DEFAULT 0,
    hold_hours REAL NOT NULL DEFAULT 0,
    entry_time REAL NOT NULL,
    exit_time  REAL,
    is_win     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_wt_address ON wallet_trades(address);
CREATE INDEX IF NOT EXISTS idx_wt_entry_time ON wallet_trades(entry_time);

CREATE TABLE IF NOT EXISTS position_changes (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    address    TEXT NOT NULL,
    coin       TEXT NOT NULL,
    action     TEXT NOT NULL,
    side       TEXT,
    size_usd   REAL,
    price      REAL,
    detected_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pc_address ON position_changes(address);
CREATE INDEX IF NOT EXISTS idx_pc_detected ON position_changes(detected_at);

CREATE TABLE IF NOT EXISTS liquidation_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    coin        TEXT NOT NULL,
    occurred_at REAL NOT NULL,
    side        TEXT NOT NULL,
    size_usd    REAL NOT NULL,
    price       REAL NOT NULL,
    address     TEXT
);
CREATE INDEX IF NOT EXISTS idx_liq_coin_at ON liquidation_events(coin, occurred_at);

CREATE TABLE IF NOT EXISTS funding_history (
    coin        TEXT NOT NULL,
    recorded_at REAL NOT NULL,
    rate        REAL NOT NULL,
    PRIMARY KEY (coin, recorded_at)
);

CREATE TABLE IF NOT EXISTS oi_history (
    coin        TEXT NOT NULL,
    recorded_at REAL NOT NULL,
    oi_usd      REAL NOT NULL,
    PRIMARY KEY (coin, recorded_at)
);

CREATE TABLE IF NOT EXISTS volume_history (
    coin        TEXT NOT NULL,
    recorded_at REAL NOT NULL,
    volume_usd  REAL NOT NULL,
    PRIMARY KEY (coin, recorded_at)
);
`

// InitSchema creates all tables and indexes, then applies migrations.
// Safe to call repeatedly: the DDL is IF NOT EXISTS and the migrations
// ignore "already exists" errors.
func (d *DB) InitSchema() error {
	d.WriteLock.Lock()
	defer d.WriteLock.Unlock()

	if _, err := d.conn.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	if err := d.runMigrations(); err != nil {
		return err
	}
	d.log.Info().Str("path", d.path).Msg("database schema initialized")
	return nil
}

// runMigrations applies additive, idempotent migrations. Caller holds
// WriteLock.
func (d *DB) runMigrations() error {
	// v1: notes/tags columns on watched_wallets.
	for _, stmt := range []string{
		"ALTER TABLE watched_wallets ADD COLUMN notes TEXT DEFAULT ''",
		"ALTER TABLE watched_wallets ADD COLUMN tags TEXT DEFAULT ''",
	} {
		if _, err := d.conn.Exec(stmt); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("migration %q: %w", stmt, err)
		}
	}

	// v2: wallet_alerts table.
	if _, err := d.conn.Exec(`
CREATE TABLE IF NOT EXISTS wallet_alerts (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    address    TEXT NOT NULL,
    alert_type TEXT NOT NULL,
    min_size_usd REAL DEFAULT 0,
    coins      TEXT DEFAULT '',
    enabled    INTEGER NOT NULL DEFAULT 1,
    created_at REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_wallet_alerts_address ON wallet_alerts(address);
CREATE INDEX IF NOT EXISTS idx_wallet_alerts_enabled ON wallet_alerts(enabled);
`); err != nil {
		return fmt.Errorf("migration wallet_alerts: %w", err)
	}

	// v3: feature_snapshots written by the archive backfill.
	if _, err := d.conn.Exec(`
CREATE TABLE IF NOT EXISTS feature_snapshots (
    address     TEXT NOT NULL,
    coin        TEXT NOT NULL,
    snapshot_at REAL NOT NULL,
    features    BLOB NOT NULL,
    PRIMARY KEY (address, coin, snapshot_at)
);
CREATE INDEX IF NOT EXISTS idx_fs_snapshot_at ON feature_snapshots(snapshot_at);
`); err != nil {
		return fmt.Errorf("migration feature_snapshots: %w", err)
	}

	return nil
}

func isAlreadyExists(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "already exists")
}
