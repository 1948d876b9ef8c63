package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
)

// ─── Reconciliation Reads ───────────────────────────────────────────────────
// Everything in this section is read-only. Reconciliation never writes to the
// tables it audits.

// AccountLotTotals sums every account's lot counters.
func (db *DB) AccountLotTotals(ctx context.Context) ([]domain.AccountLotTotals, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT account_id,
			SUM(available_micro), SUM(reserved_micro), SUM(consumed_micro), SUM(original_micro)
		 FROM credit_lots GROUP BY account_id ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("account lot totals: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountLotTotals
	for rows.Next() {
		var t domain.AccountLotTotals
		if err := rows.Scan(&t.AccountID, &t.AvailableMicro, &t.ReservedMicro,
			&t.ConsumedMicro, &t.OriginalMicro); err != nil {
			return nil, fmt.Errorf("scan lot totals: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LotConservationViolations returns every lot whose counters add up to more
// than it was minted with. Account sums alone can hide one: an expired lot's
// gap offsets another lot's excess.
func (db *DB) LotConservationViolations(ctx context.Context) ([]domain.Lot, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+lotColumns+` FROM credit_lots
		 WHERE available_micro + reserved_micro + consumed_micro > original_micro
		 ORDER BY account_id, id`)
	if err != nil {
		return nil, fmt.Errorf("lot conservation violations: %w", err)
	}
	defer rows.Close()

	var out []domain.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ReceivableViolations returns receivables whose balance is negative or
// above the amount originally advanced.
func (db *DB) ReceivableViolations(ctx context.Context) ([]domain.Receivable, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, account_id, source_id, original_micro, balance_micro, created_at
		 FROM credit_receivables
		 WHERE balance_micro < 0 OR balance_micro > original_micro
		 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("receivable violations: %w", err)
	}
	defer rows.Close()

	var out []domain.Receivable
	for rows.Next() {
		r, err := scanReceivable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receivable: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PlatformTotals returns the global sums. Receivables count as issuance:
// MintedMicro is lot originals plus receivable originals.
func (db *DB) PlatformTotals(ctx context.Context) (domain.PlatformTotals, error) {
	var t domain.PlatformTotals
	var lotOriginal, recvOriginal int64
	err := db.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(available_micro + reserved_micro), 0), COALESCE(SUM(original_micro), 0)
		 FROM credit_lots`).Scan(&t.LotBalanceMicro, &lotOriginal)
	if err != nil {
		return domain.PlatformTotals{}, fmt.Errorf("lot totals: %w", err)
	}
	err = db.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance_micro), 0), COALESCE(SUM(original_micro), 0)
		 FROM credit_receivables`).Scan(&t.OutstandingReceivableMicro, &recvOriginal)
	if err != nil {
		return domain.PlatformTotals{}, fmt.Errorf("receivable totals: %w", err)
	}
	if t.MintedMicro, err = domain.AddMicro(lotOriginal, recvOriginal); err != nil {
		return domain.PlatformTotals{}, err
	}
	return t, nil
}

// WindowSpends pairs each active spending window's counter with the sum of
// reservations the account finalized inside that window.
func (db *DB) WindowSpends(ctx context.Context) ([]domain.WindowSpend, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT l.account_id, l.window_start, l.current_spend_micro,
			COALESCE((
				SELECT SUM(r.actual_cost_micro) FROM credit_reservations r
				WHERE r.account_id = l.account_id
				  AND r.status = 'finalized'
				  AND r.finalized_at >= l.window_start
				  AND r.finalized_at < datetime(l.window_start, '+' || l.window_duration_seconds || ' seconds')
			), 0)
		 FROM agent_spending_limits l
		 WHERE l.active = 1
		 ORDER BY l.account_id`)
	if err != nil {
		return nil, fmt.Errorf("window spends: %w", err)
	}
	defer rows.Close()

	var out []domain.WindowSpend
	for rows.Next() {
		var w domain.WindowSpend
		var start string
		if err := rows.Scan(&w.AccountID, &start, &w.CachedSpendMicro, &w.ActualSpendMicro); err != nil {
			return nil, fmt.Errorf("scan window spend: %w", err)
		}
		w.WindowStart = parseStore(start)
		out = append(out, w)
	}
	return out, rows.Err()
}

// ─── Reconciliation Runs ────────────────────────────────────────────────────

// SaveReconciliationRun appends one audit record.
func (db *DB) SaveReconciliationRun(ctx context.Context, run domain.ReconciliationRun) error {
	checks, err := json.Marshal(run.Checks)
	if err != nil {
		return fmt.Errorf("encode checks: %w", err)
	}
	divs := run.Divergences
	if divs == nil {
		divs = []string{}
	}
	divergences, err := json.Marshal(divs)
	if err != nil {
		return fmt.Errorf("encode divergences: %w", err)
	}
	_, err = db.db.ExecContext(ctx,
		`INSERT INTO reconciliation_runs (id, started_at, finished_at, status, checks_json, divergences_json)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, clock.Store(run.StartedAt), clock.Store(run.FinishedAt), string(run.Status),
		string(checks), string(divergences))
	if err != nil {
		return fmt.Errorf("save reconciliation run: %w", err)
	}
	return nil
}

// ListReconciliationRuns returns the most recent runs, newest first.
func (db *DB) ListReconciliationRuns(ctx context.Context, limit int) ([]domain.ReconciliationRun, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, status, checks_json, divergences_json
		 FROM reconciliation_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list reconciliation runs: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationRun
	for rows.Next() {
		var r domain.ReconciliationRun
		var started, finished, status, checks, divs string
		if err := rows.Scan(&r.ID, &started, &finished, &status, &checks, &divs); err != nil {
			return nil, fmt.Errorf("scan reconciliation run: %w", err)
		}
		r.StartedAt = parseStore(started)
		r.FinishedAt = parseStore(finished)
		r.Status = domain.RunStatus(status)
		if err := json.Unmarshal([]byte(checks), &r.Checks); err != nil {
			return nil, fmt.Errorf("decode checks of run %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(divs), &r.Divergences); err != nil {
			return nil, fmt.Errorf("decode divergences of run %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ─── Revenue Config ─────────────────────────────────────────────────────────

// RevenueConfig returns the newest distribution config row.
func (db *DB) RevenueConfig(ctx context.Context) (domain.RevenueConfig, error) {
	var c domain.RevenueConfig
	err := db.db.QueryRowContext(ctx,
		`SELECT commons_rate_bps, community_rate_bps, foundation_rate_bps,
			commons_account_id, community_account_id, foundation_account_id
		 FROM revenue_share_config ORDER BY id DESC LIMIT 1`,
	).Scan(&c.CommonsRateBps, &c.CommunityRateBps, &c.FoundationRateBps,
		&c.CommonsAccountID, &c.CommunityAccountID, &c.FoundationAccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RevenueConfig{}, domain.NotFound("revenue config", "active")
	}
	if err != nil {
		return domain.RevenueConfig{}, fmt.Errorf("load revenue config: %w", err)
	}
	return c, nil
}

// SeedRevenueConfig stores cfg as the active config unless idempotencyKey
// has been applied before. It reports whether a row was written.
func (db *DB) SeedRevenueConfig(ctx context.Context, cfg domain.RevenueConfig, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, domain.Invalid("idempotency_key", "required")
	}
	applied := false
	err := db.RunInTx(ctx, func(tx *Tx) error {
		res, err := tx.tx.ExecContext(ctx,
			`INSERT INTO config_mutations (idempotency_key, kind, applied_at) VALUES (?, 'revenue_share', ?)
			 ON CONFLICT(idempotency_key) DO NOTHING`,
			idempotencyKey, clock.Store(tx.now))
		if err != nil {
			return fmt.Errorf("record config mutation: %w", err)
		}
		if rowsAffected(res) == 0 {
			return nil
		}
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO revenue_share_config (commons_rate_bps, community_rate_bps, foundation_rate_bps,
				commons_account_id, community_account_id, foundation_account_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cfg.CommonsRateBps, cfg.CommunityRateBps, cfg.FoundationRateBps,
			cfg.CommonsAccountID, cfg.CommunityAccountID, cfg.FoundationAccountID,
			clock.Store(tx.now)); err != nil {
			return fmt.Errorf("insert revenue config: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}
