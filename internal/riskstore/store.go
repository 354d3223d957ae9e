// Package riskstore persists risk limits, per ticker cancel counters and
// account locks in sqlite so the risk engine can rebuild its state after a
// restart.
package riskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store owns the sqlite database backing the risk engine.
type Store struct {
	db *sql.DB
}

// RiskLimitRow is one limit profile.
type RiskLimitRow struct {
	RiskID            string
	FlowLimit         int32
	TickerCancelLimit int32
	OrderCancelLimit  int32
	Trader            string
	UpdateTime        string
}

// CancelledCountRow is the durable cancel counter for one account and
// ticker, together with the ceiling in force when it was last written.
type CancelledCountRow struct {
	Account        string
	Ticker         string
	CancelledCount int32
	UpperLimit     int32
	Trader         string
	UpdateTime     string
}

// LockedAccountRow is one account lock. A row exists only while the account
// is locked.
type LockedAccountRow struct {
	Account    string
	Ticker     string
	LockedSide int32
	RiskID     string
	Trader     string
	UpdateTime string
}

// Open creates or opens the store at path and runs migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

func (s *Store) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS risk_limits (
			risk_id TEXT PRIMARY KEY,
			flow_limit INTEGER NOT NULL,
			ticker_cancel_limit INTEGER NOT NULL,
			order_cancel_limit INTEGER NOT NULL,
			trader TEXT NOT NULL,
			update_time TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cancelled_counts (
			account TEXT NOT NULL,
			ticker TEXT NOT NULL,
			cancelled_count INTEGER NOT NULL,
			upper_limit INTEGER NOT NULL,
			trader TEXT NOT NULL,
			update_time TEXT NOT NULL,
			PRIMARY KEY (account, ticker)
		)`,
		`CREATE TABLE IF NOT EXISTS locked_accounts (
			account TEXT PRIMARY KEY,
			ticker TEXT NOT NULL,
			locked_side INTEGER NOT NULL,
			risk_id TEXT NOT NULL,
			trader TEXT NOT NULL,
			update_time TEXT NOT NULL
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// UpsertRiskLimit writes one limit profile keyed by risk_id.
func (s *Store) UpsertRiskLimit(ctx context.Context, row RiskLimitRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_limits (risk_id, flow_limit, ticker_cancel_limit, order_cancel_limit, trader, update_time)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(risk_id) DO UPDATE SET
			flow_limit = excluded.flow_limit,
			ticker_cancel_limit = excluded.ticker_cancel_limit,
			order_cancel_limit = excluded.order_cancel_limit,
			trader = excluded.trader,
			update_time = excluded.update_time`,
		row.RiskID, row.FlowLimit, row.TickerCancelLimit, row.OrderCancelLimit, row.Trader, row.UpdateTime,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert risk limit %s: %w", row.RiskID, err)
	}
	return nil
}

// ListRiskLimits returns every limit profile.
func (s *Store) ListRiskLimits(ctx context.Context) ([]RiskLimitRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT risk_id, flow_limit, ticker_cancel_limit, order_cancel_limit, trader, update_time
		 FROM risk_limits ORDER BY risk_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk limits: %w", err)
	}
	defer rows.Close()

	var out []RiskLimitRow
	for rows.Next() {
		var r RiskLimitRow
		if err := rows.Scan(&r.RiskID, &r.FlowLimit, &r.TickerCancelLimit, &r.OrderCancelLimit, &r.Trader, &r.UpdateTime); err != nil {
			return nil, fmt.Errorf("failed to scan risk limit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertCancelledCount writes the counter for one account and ticker.
func (s *Store) UpsertCancelledCount(ctx context.Context, row CancelledCountRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cancelled_counts (account, ticker, cancelled_count, upper_limit, trader, update_time)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account, ticker) DO UPDATE SET
			cancelled_count = excluded.cancelled_count,
			upper_limit = excluded.upper_limit,
			trader = excluded.trader,
			update_time = excluded.update_time`,
		row.Account, row.Ticker, row.CancelledCount, row.UpperLimit, row.Trader, row.UpdateTime,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert cancelled count %s/%s: %w", row.Account, row.Ticker, err)
	}
	return nil
}

// UpdateUpperLimits rewrites the ceiling stored on every counter row after
// the ticker cancel limit changes.
func (s *Store) UpdateUpperLimits(ctx context.Context, upperLimit int32, trader, updateTime string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE cancelled_counts SET upper_limit = ?, trader = ?, update_time = ?`,
		upperLimit, trader, updateTime,
	)
	if err != nil {
		return fmt.Errorf("failed to update upper limits: %w", err)
	}
	return nil
}

// ListCancelledCounts returns every counter row.
func (s *Store) ListCancelledCounts(ctx context.Context) ([]CancelledCountRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, ticker, cancelled_count, upper_limit, trader, update_time
		 FROM cancelled_counts ORDER BY account, ticker`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cancelled counts: %w", err)
	}
	defer rows.Close()

	var out []CancelledCountRow
	for rows.Next() {
		var r CancelledCountRow
		if err := rows.Scan(&r.Account, &r.Ticker, &r.CancelledCount, &r.UpperLimit, &r.Trader, &r.UpdateTime); err != nil {
			return nil, fmt.Errorf("failed to scan cancelled count: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertLockedAccount writes one lock row.
func (s *Store) UpsertLockedAccount(ctx context.Context, row LockedAccountRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO locked_accounts (account, ticker, locked_side, risk_id, trader, update_time)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET
			ticker = excluded.ticker,
			locked_side = excluded.locked_side,
			risk_id = excluded.risk_id,
			trader = excluded.trader,
			update_time = excluded.update_time`,
		row.Account, row.Ticker, row.LockedSide, row.RiskID, row.Trader, row.UpdateTime,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert locked account %s: %w", row.Account, err)
	}
	return nil
}

// DeleteLockedAccount removes the lock row for account.
func (s *Store) DeleteLockedAccount(ctx context.Context, account string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM locked_accounts WHERE account = ?`, account)
	if err != nil {
		return fmt.Errorf("failed to delete locked account %s: %w", account, err)
	}
	return nil
}

// ListLockedAccounts returns every lock row.
func (s *Store) ListLockedAccounts(ctx context.Context) ([]LockedAccountRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, ticker, locked_side, risk_id, trader, update_time
		 FROM locked_accounts ORDER BY account`)
	if err != nil {
		return nil, fmt.Errorf("failed to query locked accounts: %w", err)
	}
	defer rows.Close()

	var out []LockedAccountRow
	for rows.Next() {
		var r LockedAccountRow
		if err := rows.Scan(&r.Account, &r.Ticker, &r.LockedSide, &r.RiskID, &r.Trader, &r.UpdateTime); err != nil {
			return nil, fmt.Errorf("failed to scan locked account: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
