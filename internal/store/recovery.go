package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"trading_bot/internal/core"
)

// InsertReconciliationReport records one reconciliation pass. Discrepancies
// are stored as a JSON array for the report artefact.
func (s *SQLiteStore) InsertReconciliationReport(ctx context.Context, report *core.ReconciliationReport) error {
	discrepancies, err := json.Marshal(report.Discrepancies)
	if err != nil {
		return fmt.Errorf("failed to marshal discrepancies: %w", err)
	}

	query := `INSERT INTO reconciliation_reports (id, ts, duration_ms, status, discrepancies)
		VALUES (?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		report.ID,
		nanos(report.Timestamp),
		report.Duration.Milliseconds(),
		report.Status,
		string(discrepancies),
	)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation report %s: %w", report.ID, err)
	}
	return nil
}

// ListRecentReconciliationReports returns the newest reports first.
func (s *SQLiteStore) ListRecentReconciliationReports(ctx context.Context, limit int) ([]core.ReconciliationReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, duration_ms, status, discrepancies
		FROM reconciliation_reports ORDER BY ts DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconciliation reports: %w", err)
	}
	defer rows.Close()

	var reports []core.ReconciliationReport
	for rows.Next() {
		var (
			report        core.ReconciliationReport
			ts            int64
			durationMs    int64
			discrepancies string
		)
		if err := rows.Scan(&report.ID, &ts, &durationMs, &report.Status, &discrepancies); err != nil {
			return nil, err
		}
		report.Timestamp = fromNanos(ts)
		report.Duration = time.Duration(durationMs) * time.Millisecond
		if discrepancies != "" && discrepancies != "null" {
			if err := json.Unmarshal([]byte(discrepancies), &report.Discrepancies); err != nil {
				return nil, fmt.Errorf("corrupt discrepancies in report %s: %w", report.ID, err)
			}
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// RecordExitAttempt bumps the failed-exit counter for a symbol and returns
// the new attempt count.
func (s *SQLiteStore) RecordExitAttempt(ctx context.Context, symbol string, at time.Time) (int, error) {
	tx, rollback, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer rollback()

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts FROM exit_attempts WHERE symbol = ?`, symbol).Scan(&attempts)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to read exit attempts for %s: %w", symbol, err)
	}
	attempts++

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO exit_attempts (symbol, attempts, last_attempt_at) VALUES (?, ?, ?)`,
		symbol, attempts, nanos(at)); err != nil {
		return 0, fmt.Errorf("failed to record exit attempt for %s: %w", symbol, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return attempts, nil
}

// GetExitAttempt returns the attempt count and last attempt time for a
// symbol; zero values when no attempt is recorded.
func (s *SQLiteStore) GetExitAttempt(ctx context.Context, symbol string) (int, time.Time, error) {
	var (
		attempts int
		last     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT attempts, last_attempt_at FROM exit_attempts WHERE symbol = ?`,
		symbol).Scan(&attempts, &last)
	if err == sql.ErrNoRows {
		return 0, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("failed to read exit attempts for %s: %w", symbol, err)
	}
	return attempts, fromNanos(last), nil
}

// ClearExitAttempts resets the back-off bookkeeping after a successful exit
func (s *SQLiteStore) ClearExitAttempts(ctx context.Context, symbol string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM exit_attempts WHERE symbol = ?`, symbol)
	if err != nil {
		return fmt.Errorf("failed to clear exit attempts for %s: %w", symbol, err)
	}
	return nil
}
