package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GateTryAccept claims the duplicate gate for (gateKey, barTs). It returns
// true only for the single caller that wins the claim; replays of the same
// bar and concurrent racers get false. A prior acceptance for the same
// gateKey within the cooldown window also blocks, whatever its bar.
func (s *SQLiteStore) GateTryAccept(ctx context.Context, gateKey string, barTs, now time.Time, cooldown time.Duration) (bool, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer rollback()

	if cooldown > 0 {
		// MAX over zero rows yields a NULL row, hence the nullable scan.
		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MAX(accepted_at_utc) FROM gates WHERE gate_key = ?`,
			gateKey).Scan(&last); err != nil {
			return false, fmt.Errorf("failed to read gate %s: %w", gateKey, err)
		}
		if last.Valid && now.UTC().Sub(fromNanos(last.Int64)) < cooldown {
			return false, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO gates (gate_key, bar_ts, accepted_at_utc) VALUES (?, ?, ?)`,
		gateKey, nanos(barTs), nanos(now))
	if err != nil {
		return false, fmt.Errorf("failed to claim gate %s: %w", gateKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
