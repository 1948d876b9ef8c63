package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
)

// ─── Daily Agent Spending ───────────────────────────────────────────────────

// DailySpend returns the recorded spend for (accountID, day). A missing row
// is a real zero, not an error.
func (db *DB) DailySpend(ctx context.Context, accountID, day string) (int64, error) {
	var spent int64
	err := db.db.QueryRowContext(ctx,
		`SELECT spent_micro FROM daily_agent_spending WHERE account_id = ? AND spend_date = ?`,
		accountID, day).Scan(&spent)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily spend: %w", err)
	}
	return spent, nil
}

// AddDailySpend atomically increments (accountID, day) and returns the new
// total. Concurrent callers never lose an update.
func (db *DB) AddDailySpend(ctx context.Context, accountID, day string, deltaMicro int64) (int64, error) {
	var total int64
	err := db.db.QueryRowContext(ctx,
		`INSERT INTO daily_agent_spending (account_id, spend_date, spent_micro, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(account_id, spend_date) DO UPDATE SET
			spent_micro = spent_micro + excluded.spent_micro,
			updated_at  = excluded.updated_at
		 RETURNING spent_micro`,
		accountID, day, deltaMicro, clock.Store(db.clock.Now())).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("add daily spend: %w", err)
	}
	return total, nil
}

// ClaimDailySpend grants up to wantMicro of what is left under capMicro and
// books the grant in the same write transaction, so concurrent claims for one
// account and day can never push the counter past the cap.
func (db *DB) ClaimDailySpend(ctx context.Context, accountID, day string, capMicro, wantMicro int64) (granted, total int64, err error) {
	if wantMicro < 0 {
		return 0, 0, domain.Invalid("want_micro", "must not be negative")
	}
	err = db.RunInTx(ctx, func(tx *Tx) error {
		var spent int64
		err := tx.tx.QueryRowContext(ctx,
			`SELECT spent_micro FROM daily_agent_spending WHERE account_id = ? AND spend_date = ?`,
			accountID, day).Scan(&spent)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		granted = min(wantMicro, max(0, capMicro-spent))
		return tx.tx.QueryRowContext(ctx,
			`INSERT INTO daily_agent_spending (account_id, spend_date, spent_micro, updated_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(account_id, spend_date) DO UPDATE SET
				spent_micro = spent_micro + excluded.spent_micro,
				updated_at  = excluded.updated_at
			 RETURNING spent_micro`,
			accountID, day, granted, clock.Store(tx.now)).Scan(&total)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("claim daily spend: %w", err)
	}
	return granted, total, nil
}

// ─── Spending Limits ────────────────────────────────────────────────────────

// RegisterSpendingLimit opens (or re-activates) an account's spend window.
// A new window starts with whatever the account already finalized inside it,
// so a window opened mid-day agrees with the reservations. An existing
// window keeps its counter; only the cap and active flag change.
func (db *DB) RegisterSpendingLimit(ctx context.Context, l domain.SpendingLimit) error {
	dur := l.WindowDuration
	if dur <= 0 {
		dur = 24 * time.Hour
	}
	start, durSec := clock.Store(l.WindowStart), int64(dur/time.Second)
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO agent_spending_limits (account_id, daily_cap_micro, current_spend_micro,
			window_start, window_duration_seconds, active, updated_at)
		 VALUES (?, ?, COALESCE((
				SELECT SUM(actual_cost_micro) FROM credit_reservations
				WHERE account_id = ?
				  AND status = 'finalized'
				  AND finalized_at >= ?
				  AND finalized_at < datetime(?, '+' || ? || ' seconds')
			), 0), ?, ?, 1, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
			daily_cap_micro = excluded.daily_cap_micro,
			active          = 1,
			updated_at      = excluded.updated_at`,
		l.AccountID, l.DailyCapMicro,
		l.AccountID, start, start, durSec,
		start, durSec, clock.Store(db.clock.Now()))
	if err != nil {
		return fmt.Errorf("register spending limit: %w", err)
	}
	return nil
}

// GetSpendingLimit returns the account's spend window.
func (db *DB) GetSpendingLimit(ctx context.Context, accountID string) (domain.SpendingLimit, error) {
	var l domain.SpendingLimit
	var start string
	var durSec int64
	var active int
	err := db.db.QueryRowContext(ctx,
		`SELECT account_id, daily_cap_micro, current_spend_micro, window_start, window_duration_seconds, active
		 FROM agent_spending_limits WHERE account_id = ?`, accountID,
	).Scan(&l.AccountID, &l.DailyCapMicro, &l.CurrentSpendMicro, &start, &durSec, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SpendingLimit{}, domain.NotFound("spending limit", accountID)
	}
	if err != nil {
		return domain.SpendingLimit{}, fmt.Errorf("get spending limit: %w", err)
	}
	l.WindowStart = parseStore(start)
	l.WindowDuration = time.Duration(durSec) * time.Second
	l.Active = active == 1
	return l, nil
}

// ─── Identity Anchors ───────────────────────────────────────────────────────

// BindIdentityAnchor ties anchor to accountID. Re-binding the same pair is a
// no-op; an anchor already bound to a different account is a ConflictError.
func (db *DB) BindIdentityAnchor(ctx context.Context, anchor, accountID, tokenID string) error {
	if anchor == "" {
		return domain.Invalid("identity_anchor", "required")
	}
	return db.RunInTx(ctx, func(tx *Tx) error {
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO agent_identity_anchors (anchor, account_id, token_id, created_at)
			 VALUES (?, ?, ?, ?) ON CONFLICT(anchor) DO NOTHING`,
			anchor, accountID, tokenID, clock.Store(tx.now)); err != nil {
			return fmt.Errorf("bind identity anchor: %w", err)
		}
		var owner string
		if err := tx.tx.QueryRowContext(ctx,
			`SELECT account_id FROM agent_identity_anchors WHERE anchor = ?`, anchor).Scan(&owner); err != nil {
			return fmt.Errorf("load identity anchor: %w", err)
		}
		if owner != accountID {
			return domain.Conflict("identity anchor already bound to account %s", owner)
		}
		return nil
	})
}

// ─── Agent Wallets ──────────────────────────────────────────────────────────

const walletColumns = `account_id, token_id, community_id, identity_anchor, address,
	daily_cap_micro, refill_threshold_micro, created_at`

func scanWallet(row interface{ Scan(...any) error }) (domain.AgentWallet, error) {
	var w domain.AgentWallet
	var anchor sql.NullString
	var created string
	err := row.Scan(&w.AccountID, &w.TokenID, &w.CommunityID, &anchor, &w.Address,
		&w.DailyCapMicro, &w.RefillThresholdMicro, &created)
	if err != nil {
		return domain.AgentWallet{}, err
	}
	w.IdentityAnchor = anchor.String
	w.CreatedAt = parseStore(created)
	return w, nil
}

// SaveAgentWallet stores w unless a wallet already exists for its account,
// and returns whichever row is stored.
func (db *DB) SaveAgentWallet(ctx context.Context, w domain.AgentWallet) (domain.AgentWallet, error) {
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO agent_wallets (account_id, token_id, community_id, identity_anchor, address,
			daily_cap_micro, refill_threshold_micro, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO NOTHING`,
		w.AccountID, w.TokenID, w.CommunityID, nullString(w.IdentityAnchor), w.Address,
		w.DailyCapMicro, w.RefillThresholdMicro, clock.Store(db.clock.Now()))
	if err != nil {
		return domain.AgentWallet{}, fmt.Errorf("save agent wallet: %w", err)
	}
	return db.GetAgentWallet(ctx, w.AccountID)
}

// GetAgentWallet returns the wallet bound to accountID.
func (db *DB) GetAgentWallet(ctx context.Context, accountID string) (domain.AgentWallet, error) {
	w, err := scanWallet(db.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM agent_wallets WHERE account_id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentWallet{}, domain.NotFound("agent wallet", accountID)
	}
	if err != nil {
		return domain.AgentWallet{}, fmt.Errorf("get agent wallet: %w", err)
	}
	return w, nil
}

// GetAgentWalletByToken returns the wallet for an agent token.
func (db *DB) GetAgentWalletByToken(ctx context.Context, tokenID string) (domain.AgentWallet, error) {
	w, err := scanWallet(db.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM agent_wallets WHERE token_id = ?`, tokenID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AgentWallet{}, domain.NotFound("agent wallet", tokenID)
	}
	if err != nil {
		return domain.AgentWallet{}, fmt.Errorf("get agent wallet: %w", err)
	}
	return w, nil
}
