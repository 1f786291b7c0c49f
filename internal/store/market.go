package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"trading_bot/internal/core"

	"github.com/shopspring/decimal"
)

// InsertBar stores one bar, keyed by (symbol, timeframe, timestamp).
// Re-delivered bars report inserted=false with no error.
func (s *SQLiteStore) InsertBar(ctx context.Context, bar *core.Bar) (bool, error) {
	query := `INSERT OR IGNORE INTO bars
		(symbol, timeframe, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		bar.Symbol,
		bar.Timeframe,
		nanos(bar.Timestamp),
		bar.Open.String(),
		bar.High.String(),
		bar.Low.String(),
		bar.Close.String(),
		bar.Volume.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert bar %s@%s: %w", bar.Symbol, bar.Timestamp, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListRecentBars returns up to limit bars for a symbol in chronological order
func (s *SQLiteStore) ListRecentBars(ctx context.Context, symbol, timeframe string, limit int) ([]core.Bar, error) {
	query := `SELECT symbol, timeframe, ts, open, high, low, close, volume
		FROM bars WHERE symbol = ? AND timeframe = ?
		ORDER BY ts DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []core.Bar
	for rows.Next() {
		var (
			bar                                core.Bar
			ts                                 int64
			openPx, highPx, lowPx, closePx, vol string
		)
		if err := rows.Scan(&bar.Symbol, &bar.Timeframe, &ts, &openPx, &highPx, &lowPx, &closePx, &vol); err != nil {
			return nil, err
		}
		bar.Timestamp = fromNanos(ts)
		if bar.Open, err = parseDecimal("bars.open", openPx); err != nil {
			return nil, err
		}
		if bar.High, err = parseDecimal("bars.high", highPx); err != nil {
			return nil, err
		}
		if bar.Low, err = parseDecimal("bars.low", lowPx); err != nil {
			return nil, err
		}
		if bar.Close, err = parseDecimal("bars.close", closePx); err != nil {
			return nil, err
		}
		if bar.Volume, err = parseDecimal("bars.volume", vol); err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Newest-first from the index; callers want chronological.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// InsertEquitySnapshot appends one equity-curve row, idempotent by timestamp
func (s *SQLiteStore) InsertEquitySnapshot(ctx context.Context, snap *core.EquitySnapshot) (bool, error) {
	query := `INSERT OR IGNORE INTO equity_curve (ts, portfolio_value, cash, daily_pnl)
		VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		nanos(snap.Timestamp),
		snap.PortfolioValue.String(),
		snap.Cash.String(),
		snap.DailyPnL.String(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert equity snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestEquitySnapshot returns the most recent equity-curve row, or nil
// when the curve is empty.
func (s *SQLiteStore) LatestEquitySnapshot(ctx context.Context) (*core.EquitySnapshot, error) {
	query := `SELECT ts, portfolio_value, cash, daily_pnl FROM equity_curve
		ORDER BY ts DESC LIMIT 1`
	var (
		ts            int64
		pv, cash, pnl string
	)
	err := s.db.QueryRowContext(ctx, query).Scan(&ts, &pv, &cash, &pnl)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest equity snapshot: %w", err)
	}
	snap := &core.EquitySnapshot{Timestamp: fromNanos(ts)}
	if snap.PortfolioValue, err = parseDecimal("equity_curve.portfolio_value", pv); err != nil {
		return nil, err
	}
	if snap.Cash, err = parseDecimal("equity_curve.cash", cash); err != nil {
		return nil, err
	}
	if snap.DailyPnL, err = parseDecimal("equity_curve.daily_pnl", pnl); err != nil {
		return nil, err
	}
	return snap, nil
}

// PeakEquitySince returns the maximum portfolio value recorded at or after
// the cutoff, and whether any row exists in that window. The drawdown
// monitor uses this as its rolling peak.
func (s *SQLiteStore) PeakEquitySince(ctx context.Context, cutoff time.Time) (decimal.Decimal, bool, error) {
	query := `SELECT portfolio_value FROM equity_curve WHERE ts >= ?`
	rows, err := s.db.QueryContext(ctx, query, nanos(cutoff))
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to query equity curve: %w", err)
	}
	defer rows.Close()

	peak := decimal.Zero
	found := false
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return decimal.Zero, false, err
		}
		d, err := parseDecimal("equity_curve.portfolio_value", v)
		if err != nil {
			return decimal.Zero, false, err
		}
		if !found || d.GreaterThan(peak) {
			peak = d
			found = true
		}
	}
	return peak, found, rows.Err()
}
