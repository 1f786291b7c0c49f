package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// GetState reads one bot_state value. ok is false when the key is absent.
func (s *SQLiteStore) GetState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM bot_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read state %s: %w", key, err)
	}
	return value, true, nil
}

// SetState upserts one bot_state value
func (s *SQLiteStore) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO bot_state (key, value, updated_at) VALUES (?, ?, ?)`,
		key, value, nanos(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to write state %s: %w", key, err)
	}
	return nil
}

// GetStateInt reads an integer state value, defaulting to 0 when absent
func (s *SQLiteStore) GetStateInt(ctx context.Context, key string) (int, error) {
	value, ok, err := s.GetState(ctx, key)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt integer state %s=%q: %w", key, value, err)
	}
	return n, nil
}

// SetStateInt writes an integer state value
func (s *SQLiteStore) SetStateInt(ctx context.Context, key string, value int) error {
	return s.SetState(ctx, key, strconv.Itoa(value))
}

// IncrementState atomically adds 1 to an integer state value and returns
// the new value. Absent keys start from 0.
func (s *SQLiteStore) IncrementState(ctx context.Context, key string) (int, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer rollback()

	var value string
	err = tx.QueryRowContext(ctx, `SELECT value FROM bot_state WHERE key = ?`, key).Scan(&value)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to read state %s: %w", key, err)
	}

	n := 0
	if err != sql.ErrNoRows {
		if n, err = strconv.Atoi(value); err != nil {
			return 0, fmt.Errorf("corrupt integer state %s=%q: %w", key, value, err)
		}
	}
	n++

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO bot_state (key, value, updated_at) VALUES (?, ?, ?)`,
		key, strconv.Itoa(n), nanos(time.Now())); err != nil {
		return 0, fmt.Errorf("failed to write state %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// GetStateBool reads a boolean state value, defaulting to false when absent
func (s *SQLiteStore) GetStateBool(ctx context.Context, key string) (bool, error) {
	value, ok, err := s.GetState(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	return value == "true" || value == "1", nil
}

// SetStateBool writes a boolean state value
func (s *SQLiteStore) SetStateBool(ctx context.Context, key string, value bool) error {
	return s.SetState(ctx, key, strconv.FormatBool(value))
}

// GetStateDecimal reads a decimal state value, defaulting to zero when absent
func (s *SQLiteStore) GetStateDecimal(ctx context.Context, key string) (decimal.Decimal, error) {
	value, ok, err := s.GetState(ctx, key)
	if err != nil || !ok {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt decimal state %s=%q: %w", key, value, err)
	}
	return d, nil
}

// SetStateDecimal writes a decimal state value
func (s *SQLiteStore) SetStateDecimal(ctx context.Context, key string, value decimal.Decimal) error {
	return s.SetState(ctx, key, value.String())
}

// AddStateDecimal atomically adds delta to a decimal state value and
// returns the new value. Absent keys start from zero.
func (s *SQLiteStore) AddStateDecimal(ctx context.Context, key string, delta decimal.Decimal) (decimal.Decimal, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer rollback()

	var value string
	err = tx.QueryRowContext(ctx, `SELECT value FROM bot_state WHERE key = ?`, key).Scan(&value)
	if err != nil && err != sql.ErrNoRows {
		return decimal.Zero, fmt.Errorf("failed to read state %s: %w", key, err)
	}

	current := decimal.Zero
	if err != sql.ErrNoRows {
		if current, err = decimal.NewFromString(value); err != nil {
			return decimal.Zero, fmt.Errorf("corrupt decimal state %s=%q: %w", key, value, err)
		}
	}
	next := current.Add(delta)

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO bot_state (key, value, updated_at) VALUES (?, ?, ?)`,
		key, next.String(), nanos(time.Now())); err != nil {
		return decimal.Zero, fmt.Errorf("failed to write state %s: %w", key, err)
	}

	if err := tx.Commit(); err != nil {
		return decimal.Zero, err
	}
	return next, nil
}
