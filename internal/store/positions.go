package store

import (
	"context"
	"fmt"
	"time"

	"trading_bot/internal/core"
)

// SavePosition upserts the tracked lot for a symbol
func (s *SQLiteStore) SavePosition(ctx context.Context, pos *core.Position) error {
	query := `INSERT OR REPLACE INTO position_tracking
		(symbol, quantity, entry_price, atr_value, trailing_stop_price,
		 pending_exit, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	pendingExit := 0
	if pos.PendingExit {
		pendingExit = 1
	}
	_, err := s.db.ExecContext(ctx, query,
		pos.Symbol,
		pos.Quantity.String(),
		pos.EntryPrice.String(),
		pos.ATRValue.String(),
		pos.TrailingStopPrice.String(),
		pendingExit,
		nanos(pos.OpenedAt),
		nanos(pos.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save position %s: %w", pos.Symbol, err)
	}
	return nil
}

// DeletePosition removes the tracked lot for a symbol. Deleting a symbol
// with no row is not an error.
func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM position_tracking WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete position %s: %w", symbol, err)
	}
	return nil
}

// ListOpenPositions returns all tracked lots
func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]core.Position, error) {
	query := `SELECT symbol, quantity, entry_price, atr_value, trailing_stop_price,
		pending_exit, opened_at, updated_at
		FROM position_tracking ORDER BY symbol`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var positions []core.Position
	for rows.Next() {
		var (
			pos                             core.Position
			quantity, entry, atr, trailing  string
			pendingExit                     int
			openedAt, updatedAt             int64
		)
		if err := rows.Scan(&pos.Symbol, &quantity, &entry, &atr, &trailing,
			&pendingExit, &openedAt, &updatedAt); err != nil {
			return nil, err
		}
		if pos.Quantity, err = parseDecimal("position_tracking.quantity", quantity); err != nil {
			return nil, err
		}
		if pos.EntryPrice, err = parseDecimal("position_tracking.entry_price", entry); err != nil {
			return nil, err
		}
		if pos.ATRValue, err = parseDecimal("position_tracking.atr_value", atr); err != nil {
			return nil, err
		}
		if pos.TrailingStopPrice, err = parseDecimal("position_tracking.trailing_stop_price", trailing); err != nil {
			return nil, err
		}
		pos.PendingExit = pendingExit != 0
		pos.OpenedAt = fromNanos(openedAt)
		pos.UpdatedAt = fromNanos(updatedAt)
		positions = append(positions, pos)
	}
	return positions, rows.Err()
}

// SnapshotPositions records the broker's position set as of one instant
func (s *SQLiteStore) SnapshotPositions(ctx context.Context, positions []core.BrokerPosition, at time.Time) error {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer rollback()

	query := `INSERT INTO positions_snapshot
		(taken_at, symbol, quantity, avg_entry_price, current_price, unrealized_pnl)
		VALUES (?, ?, ?, ?, ?, ?)`
	takenAt := nanos(at)
	for _, p := range positions {
		if _, err := tx.ExecContext(ctx, query,
			takenAt,
			p.Symbol,
			p.Quantity.String(),
			p.AverageEntryPrice.String(),
			p.CurrentPrice.String(),
			p.UnrealizedPnL.String(),
		); err != nil {
			return fmt.Errorf("failed to snapshot position %s: %w", p.Symbol, err)
		}
	}

	return tx.Commit()
}
