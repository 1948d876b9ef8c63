package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
)

// ─── Treasury ───────────────────────────────────────────────────────────────

// TreasuryVersion reads the current optimistic-concurrency version.
func (db *DB) TreasuryVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := db.db.QueryRowContext(ctx,
		`SELECT version FROM treasury_state WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("treasury version: %w", err)
	}
	return v, nil
}

// BumpTreasuryVersion advances the treasury version only if it still equals
// expected. Losing the race returns TreasuryConflictError.
func (t *Tx) BumpTreasuryVersion(ctx context.Context, expected int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE treasury_state SET version = version + 1, updated_at = ? WHERE id = 1 AND version = ?`,
		clock.Store(t.now), expected)
	if err != nil {
		return fmt.Errorf("bump treasury version: %w", err)
	}
	if rowsAffected(res) == 0 {
		return &domain.TreasuryConflictError{ExpectedVersion: expected}
	}
	return nil
}

// ─── Payout Requests ────────────────────────────────────────────────────────

const payoutColumns = `id, account_id, amount_micro, fee_micro, payout_address, currency,
	status, tx_hash, failure_reason, requested_at, updated_at`

func scanPayout(row interface{ Scan(...any) error }) (domain.PayoutRequest, error) {
	var p domain.PayoutRequest
	var status, requested, updated string
	var txHash, reason sql.NullString
	err := row.Scan(&p.ID, &p.AccountID, &p.AmountMicro, &p.FeeMicro, &p.PayoutAddress, &p.Currency,
		&status, &txHash, &reason, &requested, &updated)
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	p.Status = domain.PayoutStatus(status)
	p.TxHash = txHash.String
	p.FailureReason = reason.String
	p.RequestedAt = parseStore(requested)
	p.UpdatedAt = parseStore(updated)
	return p, nil
}

// InsertPayout writes a new request. RequestedAt and UpdatedAt take the
// transaction timestamp.
func (t *Tx) InsertPayout(ctx context.Context, p domain.PayoutRequest) (domain.PayoutRequest, error) {
	p.RequestedAt = t.now
	p.UpdatedAt = t.now
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO payout_requests (id, account_id, amount_micro, fee_micro, payout_address, currency,
			status, requested_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.AmountMicro, p.FeeMicro, p.PayoutAddress, p.Currency,
		string(p.Status), clock.Store(t.now), clock.Store(t.now))
	if err != nil {
		return domain.PayoutRequest{}, fmt.Errorf("insert payout: %w", err)
	}
	return p, nil
}

// PayoutUpdate carries the optional columns set by a transition.
type PayoutUpdate struct {
	TxHash        string
	FailureReason string
}

// TransitionPayout moves a payout to status `to`. Illegal moves return
// ConflictError; the status guard in the UPDATE catches concurrent movers.
func (t *Tx) TransitionPayout(ctx context.Context, payoutID string, to domain.PayoutStatus, upd PayoutUpdate) (domain.PayoutRequest, error) {
	p, err := getPayout(ctx, t.tx, payoutID)
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	if !domain.CanTransition(p.Status, to) {
		return domain.PayoutRequest{}, domain.Conflict("payout %s cannot move from %s to %s", payoutID, p.Status, to)
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE payout_requests
		 SET status = ?, updated_at = ?,
		     tx_hash = COALESCE(?, tx_hash),
		     failure_reason = COALESCE(?, failure_reason)
		 WHERE id = ? AND status = ?`,
		string(to), clock.Store(t.now), nullString(upd.TxHash), nullString(upd.FailureReason),
		payoutID, string(p.Status))
	if err != nil {
		return domain.PayoutRequest{}, fmt.Errorf("transition payout: %w", err)
	}
	if rowsAffected(res) == 0 {
		return domain.PayoutRequest{}, domain.Conflict("payout %s changed concurrently", payoutID)
	}
	p.Status = to
	p.UpdatedAt = t.now
	if upd.TxHash != "" {
		p.TxHash = upd.TxHash
	}
	if upd.FailureReason != "" {
		p.FailureReason = upd.FailureReason
	}
	return p, nil
}

// GetPayout returns one payout request.
func (db *DB) GetPayout(ctx context.Context, payoutID string) (domain.PayoutRequest, error) {
	return getPayout(ctx, db.db, payoutID)
}

func getPayout(ctx context.Context, q querier, payoutID string) (domain.PayoutRequest, error) {
	p, err := scanPayout(q.QueryRowContext(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE id = ?`, payoutID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PayoutRequest{}, domain.NotFound("payout", payoutID)
	}
	if err != nil {
		return domain.PayoutRequest{}, fmt.Errorf("get payout: %w", err)
	}
	return p, nil
}

// ListPayouts returns the account's payout requests, newest first.
func (db *DB) ListPayouts(ctx context.Context, accountID string, limit int) ([]domain.PayoutRequest, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+payoutColumns+` FROM payout_requests WHERE account_id = ?
		 ORDER BY requested_at DESC, rowid DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payouts: %w", err)
	}
	defer rows.Close()

	var out []domain.PayoutRequest
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Payout Aggregates ──────────────────────────────────────────────────────

// CompletedPayoutsTotal is the lifetime gross of completed payouts.
func (db *DB) CompletedPayoutsTotal(ctx context.Context, accountID string) (int64, error) {
	var total int64
	err := db.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_micro), 0) FROM payout_requests
		 WHERE account_id = ? AND status = 'completed'`, accountID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("completed payouts: %w", err)
	}
	return total, nil
}

// EscrowTotal is the gross of every payout still pending, approved or processing.
func (db *DB) EscrowTotal(ctx context.Context, accountID string) (int64, error) {
	placeholders := make([]string, len(domain.EscrowStatuses))
	args := []any{accountID}
	for i, s := range domain.EscrowStatuses {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	var total int64
	err := db.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_micro), 0) FROM payout_requests
		 WHERE account_id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`,
		args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("escrow total: %w", err)
	}
	return total, nil
}

// RecentPayoutCount counts non-cancelled requests made at or after since.
func (db *DB) RecentPayoutCount(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := db.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payout_requests
		 WHERE account_id = ? AND status != 'cancelled' AND requested_at >= ?`,
		accountID, clock.Store(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("recent payouts: %w", err)
	}
	return n, nil
}

// SettledEarnings sums earning entries created at or before cutoff, net of
// every payout debit already posted.
func (db *DB) SettledEarnings(ctx context.Context, accountID string, cutoff time.Time) (int64, error) {
	placeholders := make([]string, len(domain.EarningEntryTypes))
	args := []any{accountID}
	for i, et := range domain.EarningEntryTypes {
		placeholders[i] = "?"
		args = append(args, string(et))
	}
	args = append(args, clock.Store(cutoff), string(domain.EntryPayout))

	var total int64
	err := db.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_micro), 0) FROM credit_ledger_entries
		 WHERE account_id = ?
		   AND ((entry_type IN (`+strings.Join(placeholders, ", ")+`) AND created_at <= ?)
		        OR entry_type = ?)`,
		args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("settled earnings: %w", err)
	}
	return total, nil
}
