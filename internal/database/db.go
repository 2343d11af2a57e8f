// Package database provides the shared sqlite store.
//
// The store runs in WAL mode so readers are concurrent. Every mutating
// statement (and its commit) must run while holding WriteLock; readers
// never take it.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/hynous/hynous-data/pkg/logger"
)

// HistoricalRetentionDays is the retention for the append-only historical
// tables (funding, open interest, volume, liquidations, feature
// snapshots). Longer than the operational time-series retention because
// the ML backfill consumes these.
const HistoricalRetentionDays = 90

// DB wraps the sqlite connection with the process-wide write mutex.
type DB struct {
	conn *sql.DB
	path string

	// WriteLock serializes all mutating statements. WAL gives MVCC to
	// readers; a single writer avoids SQLITE_BUSY churn between the
	// collectors.
	WriteLock sync.Mutex

	log zerolog.Logger
}

// New opens (creating if needed) the database at path with WAL
// journaling, NORMAL synchronous and a busy timeout. "file:" URIs pass
// through untouched (in-memory databases in tests).
func New(path string, log zerolog.Logger) (*DB, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve database path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		path = abs
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	connStr := path + sep +
		"_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=temp_store(MEMORY)"

	conn, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Keep some connections warm for readers; writers are serialized by
	// WriteLock anyway.
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &DB{
		conn: conn,
		path: path,
		log:  logger.Component(log, "database"),
	}, nil
}

// Conn returns the underlying sql.DB. Read queries may use it directly;
// writes must hold WriteLock.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the database file path.
func (d *DB) Path() string {
	return d.path
}

// Close closes the connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// WithWriteTx runs fn inside a transaction while holding the write lock.
// Rollback on error or panic, commit otherwise.
func (d *DB) WithWriteTx(fn func(tx *sql.Tx) error) (err error) {
	d.WriteLock.Lock()
	defer d.WriteLock.Unlock()

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	err = fn(tx)
	return err
}

// PruneOldData deletes time-series rows older than the retention window.
// Operational tables (hlp_snapshots, pnl_snapshots) use days; the
// historical tables keep HistoricalRetentionDays.
func (d *DB) PruneOldData(days int) (int64, error) {
	now := float64(time.Now().Unix())
	cutoff := now - float64(days)*86400
	histCutoff := now - float64(HistoricalRetentionDays)*86400

	targets := []struct {
		table  string
		column string
		cutoff float64
	}{
		{"hlp_snapshots", "snapshot_at", cutoff},
		{"pnl_snapshots", "snapshot_at", cutoff},
		{"funding_history", "recorded_at", histCutoff},
		{"oi_history", "recorded_at", histCutoff},
		{"volume_history", "recorded_at", histCutoff},
		{"liquidation_events", "occurred_at", histCutoff},
		{"feature_snapshots", "snapshot_at", histCutoff},
	}

	var deleted int64
	err := d.WithWriteTx(func(tx *sql.Tx) error {
		for _, t := range targets {
			res, err := tx.Exec(
				fmt.Sprintf("DELETE FROM %s WHERE %s < ?", t.table, t.column),
				t.cutoff,
			)
			if err != nil {
				return fmt.Errorf("prune %s: %w", t.table, err)
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}
	if deleted > 0 {
		d.log.Info().Int64("rows", deleted).Int("days", days).Msg("pruned old time-series rows")
	}
	return deleted, nil
}
