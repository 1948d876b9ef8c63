// Package postgres is the shared durable daily-spend store for deployments
// that run several settle instances against one database.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS daily_agent_spending (
	account_id  TEXT   NOT NULL,
	spend_date  DATE   NOT NULL,
	spent_micro BIGINT NOT NULL DEFAULT 0 CHECK (spent_micro >= 0),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, spend_date)
)`

// SpendStore keeps one counter row per account and UTC date.
type SpendStore struct {
	pool *pgxpool.Pool
}

// Open connects, pings and creates the table if needed.
func Open(ctx context.Context, dsn string) (*SpendStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate daily_agent_spending: %w", err)
	}
	return &SpendStore{pool: pool}, nil
}

// Close releases the pool.
func (s *SpendStore) Close() { s.pool.Close() }

// DailySpend returns the counter for day (YYYY-MM-DD). No row means zero.
func (s *SpendStore) DailySpend(ctx context.Context, accountID, day string) (int64, error) {
	var spent int64
	err := s.pool.QueryRow(ctx,
		`SELECT spent_micro FROM daily_agent_spending WHERE account_id = $1 AND spend_date = $2::date`,
		accountID, day).Scan(&spent)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily spend: %w", err)
	}
	return spent, nil
}

// AddDailySpend atomically adds delta and returns the new total.
// Concurrent callers never lose an update.
func (s *SpendStore) AddDailySpend(ctx context.Context, accountID, day string, deltaMicro int64) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO daily_agent_spending (account_id, spend_date, spent_micro)
		 VALUES ($1, $2::date, $3)
		 ON CONFLICT (account_id, spend_date)
		 DO UPDATE SET spent_micro = daily_agent_spending.spent_micro + EXCLUDED.spent_micro,
		               updated_at = now()
		 RETURNING spent_micro`,
		accountID, day, deltaMicro).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("add daily spend: %w", err)
	}
	return total, nil
}

// ClaimDailySpend grants up to wantMicro of what is left under capMicro.
// The row is locked FOR UPDATE, so instances sharing the database serialize
// their claims for one account and day.
func (s *SpendStore) ClaimDailySpend(ctx context.Context, accountID, day string, capMicro, wantMicro int64) (granted, total int64, err error) {
	if wantMicro < 0 {
		return 0, 0, fmt.Errorf("claim daily spend: negative amount %d", wantMicro)
	}
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO daily_agent_spending (account_id, spend_date, spent_micro)
			 VALUES ($1, $2::date, 0)
			 ON CONFLICT (account_id, spend_date) DO NOTHING`,
			accountID, day); err != nil {
			return err
		}
		var spent int64
		if err := tx.QueryRow(ctx,
			`SELECT spent_micro FROM daily_agent_spending
			 WHERE account_id = $1 AND spend_date = $2::date FOR UPDATE`,
			accountID, day).Scan(&spent); err != nil {
			return err
		}
		granted = min(wantMicro, max(0, capMicro-spent))
		return tx.QueryRow(ctx,
			`UPDATE daily_agent_spending SET spent_micro = spent_micro + $3, updated_at = now()
			 WHERE account_id = $1 AND spend_date = $2::date
			 RETURNING spent_micro`,
			accountID, day, granted).Scan(&total)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("claim daily spend: %w", err)
	}
	return granted, total, nil
}
