package store

import (
	"context"
	"database/sql"
	"fmt"

	"trading_bot/internal/core"
)

// SaveOrderIntent persists a new intent. The row must exist before the
// broker ever sees the order.
func (s *SQLiteStore) SaveOrderIntent(ctx context.Context, intent *core.OrderIntent) error {
	query := `INSERT INTO order_intents
		(client_order_id, symbol, side, quantity, limit_price, status,
		 broker_order_id, filled_quantity, average_fill_price, entry_atr,
		 is_exit, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		intent.ClientOrderID,
		intent.Symbol,
		string(intent.Side),
		intent.Quantity.String(),
		intent.LimitPrice.String(),
		string(intent.Status),
		intent.BrokerOrderID,
		intent.FilledQuantity.String(),
		intent.AverageFillPrice.String(),
		intent.EntryATR.String(),
		intent.IsExit,
		intent.ErrorMessage,
		nanos(intent.CreatedAt),
		nanos(intent.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save order intent %s: %w", intent.ClientOrderID, err)
	}
	return nil
}

// UpdateOrderIntent rewrites the mutable columns of an existing intent
func (s *SQLiteStore) UpdateOrderIntent(ctx context.Context, intent *core.OrderIntent) error {
	query := `UPDATE order_intents SET
		status = ?, broker_order_id = ?, filled_quantity = ?,
		average_fill_price = ?, error_message = ?, updated_at = ?
		WHERE client_order_id = ?`
	res, err := s.db.ExecContext(ctx, query,
		string(intent.Status),
		intent.BrokerOrderID,
		intent.FilledQuantity.String(),
		intent.AverageFillPrice.String(),
		intent.ErrorMessage,
		nanos(intent.UpdatedAt),
		intent.ClientOrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order intent %s: %w", intent.ClientOrderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order intent %s not found", intent.ClientOrderID)
	}
	return nil
}

// GetOrderIntent returns the intent for a client order id, or nil
func (s *SQLiteStore) GetOrderIntent(ctx context.Context, clientOrderID string) (*core.OrderIntent, error) {
	query := `SELECT client_order_id, symbol, side, quantity, limit_price, status,
		broker_order_id, filled_quantity, average_fill_price, entry_atr,
		is_exit, error_message, created_at, updated_at
		FROM order_intents WHERE client_order_id = ?`
	row := s.db.QueryRowContext(ctx, query, clientOrderID)
	intent, err := scanOrderIntent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return intent, err
}

// ListOpenOrderIntents returns all intents that are not in a terminal state
func (s *SQLiteStore) ListOpenOrderIntents(ctx context.Context) ([]*core.OrderIntent, error) {
	query := `SELECT client_order_id, symbol, side, quantity, limit_price, status,
		broker_order_id, filled_quantity, average_fill_price, entry_atr,
		is_exit, error_message, created_at, updated_at
		FROM order_intents
		WHERE status NOT IN ('filled', 'canceled', 'rejected', 'expired')
		ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list open order intents: %w", err)
	}
	defer rows.Close()

	var intents []*core.OrderIntent
	for rows.Next() {
		intent, err := scanOrderIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, intent)
	}
	return intents, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrderIntent(row rowScanner) (*core.OrderIntent, error) {
	var (
		intent                                 core.OrderIntent
		side, status                           string
		quantity, limitPrice, filledQty, avgPx string
		entryATR                               string
		createdAt, updatedAt                   int64
	)
	err := row.Scan(
		&intent.ClientOrderID, &intent.Symbol, &side, &quantity, &limitPrice,
		&status, &intent.BrokerOrderID, &filledQty, &avgPx, &entryATR,
		&intent.IsExit, &intent.ErrorMessage, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	intent.Side = core.Side(side)
	intent.Status = core.OrderStatus(status)
	if intent.Quantity, err = parseDecimal("order_intents.quantity", quantity); err != nil {
		return nil, err
	}
	if intent.LimitPrice, err = parseDecimal("order_intents.limit_price", limitPrice); err != nil {
		return nil, err
	}
	if intent.FilledQuantity, err = parseDecimal("order_intents.filled_quantity", filledQty); err != nil {
		return nil, err
	}
	if intent.AverageFillPrice, err = parseDecimal("order_intents.average_fill_price", avgPx); err != nil {
		return nil, err
	}
	if intent.EntryATR, err = parseDecimal("order_intents.entry_atr", entryATR); err != nil {
		return nil, err
	}
	intent.CreatedAt = fromNanos(createdAt)
	intent.UpdatedAt = fromNanos(updatedAt)
	return &intent, nil
}

// InsertFill inserts a fill if its dedupe key is new. Replays of the same
// fill report inserted=false with no error.
func (s *SQLiteStore) InsertFill(ctx context.Context, fill *core.Fill) (bool, error) {
	query := `INSERT OR IGNORE INTO fills
		(dedupe_key, broker_order_id, client_order_id, quantity, price, filled_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		fill.DedupeKey,
		fill.BrokerOrderID,
		fill.ClientOrderID,
		fill.Quantity.String(),
		fill.Price.String(),
		nanos(fill.FilledAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert fill %s: %w", fill.DedupeKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertTrade appends a realized trade row
func (s *SQLiteStore) InsertTrade(ctx context.Context, trade *core.Trade) error {
	query := `INSERT INTO trades (symbol, side, quantity, price, realized_pnl, executed_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		trade.Symbol,
		string(trade.Side),
		trade.Quantity.String(),
		trade.Price.String(),
		trade.RealizedPnL.String(),
		nanos(trade.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade for %s: %w", trade.Symbol, err)
	}
	return nil
}
