// Package store owns all persistence. It is the single authority for
// mutable bot state; in-memory projections elsewhere are rebuilt from it.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trading_bot/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const schema = `
CREATE TABLE IF NOT EXISTS order_intents (
	client_order_id    TEXT PRIMARY KEY,
	symbol             TEXT NOT NULL,
	side               TEXT NOT NULL,
	quantity           TEXT NOT NULL,
	limit_price        TEXT NOT NULL DEFAULT '0',
	status             TEXT NOT NULL,
	broker_order_id    TEXT NOT NULL DEFAULT '',
	filled_quantity    TEXT NOT NULL DEFAULT '0',
	average_fill_price TEXT NOT NULL DEFAULT '0',
	entry_atr          TEXT NOT NULL DEFAULT '0',
	is_exit            INTEGER NOT NULL DEFAULT 0,
	error_message      TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_intents_status ON order_intents(status);
CREATE INDEX IF NOT EXISTS idx_order_intents_symbol ON order_intents(symbol);

CREATE TABLE IF NOT EXISTS fills (
	dedupe_key      TEXT PRIMARY KEY,
	broker_order_id TEXT NOT NULL,
	client_order_id TEXT NOT NULL,
	quantity        TEXT NOT NULL,
	price           TEXT NOT NULL,
	filled_at       INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	price        TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	executed_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol_ts ON trades(symbol, executed_at);

CREATE TABLE IF NOT EXISTS bars (
	symbol    TEXT NOT NULL,
	timeframe TEXT NOT NULL,
	ts        INTEGER NOT NULL,
	open      TEXT NOT NULL,
	high      TEXT NOT NULL,
	low       TEXT NOT NULL,
	close     TEXT NOT NULL,
	volume    TEXT NOT NULL,
	PRIMARY KEY (symbol, timeframe, ts)
);
CREATE INDEX IF NOT EXISTS idx_bars_symbol_ts ON bars(symbol, ts);

CREATE TABLE IF NOT EXISTS equity_curve (
	ts              INTEGER PRIMARY KEY,
	portfolio_value TEXT NOT NULL,
	cash            TEXT NOT NULL,
	daily_pnl       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS positions_snapshot (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	taken_at          INTEGER NOT NULL,
	symbol            TEXT NOT NULL,
	quantity          TEXT NOT NULL,
	avg_entry_price   TEXT NOT NULL,
	current_price     TEXT NOT NULL,
	unrealized_pnl    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_snapshot_taken_at ON positions_snapshot(taken_at);

CREATE TABLE IF NOT EXISTS position_tracking (
	symbol              TEXT PRIMARY KEY,
	quantity            TEXT NOT NULL,
	entry_price         TEXT NOT NULL,
	atr_value           TEXT NOT NULL DEFAULT '0',
	trailing_stop_price TEXT NOT NULL DEFAULT '0',
	pending_exit        INTEGER NOT NULL DEFAULT 0,
	opened_at           INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS bot_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS gates (
	gate_key        TEXT NOT NULL,
	bar_ts          INTEGER NOT NULL,
	accepted_at_utc INTEGER NOT NULL,
	PRIMARY KEY (gate_key, bar_ts)
);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
	id            TEXT PRIMARY KEY,
	ts            INTEGER NOT NULL,
	duration_ms   INTEGER NOT NULL,
	status        TEXT NOT NULL,
	discrepancies TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS exit_attempts (
	symbol          TEXT PRIMARY KEY,
	attempts        INTEGER NOT NULL,
	last_attempt_at INTEGER NOT NULL
);
`

// SQLiteStore implements core.IStore on an embedded sqlite database
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

var _ core.IStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if necessary) the database at dbPath
func NewSQLiteStore(dbPath string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// Writers wait instead of failing fast when the database is locked
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.WithField("component", "store"),
	}, nil
}

// Close closes the underlying database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// begin starts a serializable transaction and returns it with a rollback
// func safe to defer after commit.
func (s *SQLiteStore) begin(ctx context.Context) (*sql.Tx, func(), error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, func() { _ = tx.Rollback() }, nil
}

// Timestamps are persisted as UTC nanoseconds since epoch so ordering in
// SQL matches ordering in Go.

func nanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func parseDecimal(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt decimal in %s: %w", field, err)
	}
	return d, nil
}
