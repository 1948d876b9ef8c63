package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
)

// Compile-time check.
var _ domain.Ledger = (*DB)(nil)

// ─── Accounts ───────────────────────────────────────────────────────────────

const accountColumns = `id, entity_type, entity_id, kyc_level, version, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	var et, kyc, created, updated string
	if err := row.Scan(&a.ID, &et, &a.EntityID, &kyc, &a.Version, &created, &updated); err != nil {
		return domain.Account{}, err
	}
	a.EntityType = domain.EntityType(et)
	a.KYCLevel = domain.KYCLevel(kyc)
	a.CreatedAt = parseStore(created)
	a.UpdatedAt = parseStore(updated)
	return a, nil
}

// GetOrCreateAccount returns the account for (entityType, entityID),
// creating it on first use.
func (db *DB) GetOrCreateAccount(ctx context.Context, entityType domain.EntityType, entityID string) (domain.Account, error) {
	if !entityType.Valid() {
		return domain.Account{}, domain.Invalid("entity_type", "unknown entity type %q", entityType)
	}
	if entityID == "" {
		return domain.Account{}, domain.Invalid("entity_id", "required")
	}
	now := clock.Store(db.clock.Now())
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO accounts (id, entity_type, entity_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(entity_type, entity_id) DO NOTHING`,
		uuid.NewString(), string(entityType), entityID, now, now,
	)
	if err != nil {
		return domain.Account{}, fmt.Errorf("create account: %w", err)
	}
	a, err := scanAccount(db.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE entity_type = ? AND entity_id = ?`,
		string(entityType), entityID,
	))
	if err != nil {
		return domain.Account{}, fmt.Errorf("load account: %w", err)
	}
	return a, nil
}

// GetAccount returns the account with the given id.
func (db *DB) GetAccount(ctx context.Context, accountID string) (domain.Account, error) {
	return getAccount(ctx, db.db, accountID)
}

func getAccount(ctx context.Context, q querier, accountID string) (domain.Account, error) {
	a, err := scanAccount(q.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, domain.NotFound("account", accountID)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// SetKYCLevel records a new verification level and bumps the account version.
func (db *DB) SetKYCLevel(ctx context.Context, accountID string, level domain.KYCLevel) error {
	if !level.Valid() {
		return domain.Invalid("kyc_level", "unknown level %q", level)
	}
	res, err := db.db.ExecContext(ctx,
		`UPDATE accounts SET kyc_level = ?, version = version + 1, updated_at = ? WHERE id = ?`,
		string(level), clock.Store(db.clock.Now()), accountID,
	)
	if err != nil {
		return fmt.Errorf("set kyc level: %w", err)
	}
	if rowsAffected(res) == 0 {
		return domain.NotFound("account", accountID)
	}
	return nil
}

// KYCLevel implements domain.KYCVerifier from the accounts table.
func (db *DB) KYCLevel(ctx context.Context, accountID string) (domain.KYCLevel, error) {
	a, err := db.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	return a.KYCLevel, nil
}

// ─── Lots ───────────────────────────────────────────────────────────────────

const lotColumns = `id, account_id, pool_id, source_type, source_id,
	original_micro, available_micro, reserved_micro, consumed_micro, expires_at, created_at`

func scanLot(row interface{ Scan(...any) error }) (domain.Lot, error) {
	var l domain.Lot
	var pool, sourceID, expires sql.NullString
	var source, created string
	err := row.Scan(&l.ID, &l.AccountID, &pool, &source, &sourceID,
		&l.OriginalMicro, &l.AvailableMicro, &l.ReservedMicro, &l.ConsumedMicro, &expires, &created)
	if err != nil {
		return domain.Lot{}, err
	}
	l.PoolID = pool.String
	l.SourceType = domain.SourceType(source)
	l.SourceID = sourceID.String
	l.ExpiresAt = parseNullStore(expires)
	l.CreatedAt = parseStore(created)
	return l, nil
}

func validSource(s domain.SourceType) bool {
	switch s {
	case domain.SourceDeposit, domain.SourceGrant, domain.SourceRefund, domain.SourceTransfer:
		return true
	}
	return false
}

// MintLot creates a lot of amountMicro for the account. A replayed
// IdempotencyKey returns the lot minted the first time and changes nothing.
func (db *DB) MintLot(ctx context.Context, accountID string, amountMicro int64, source domain.SourceType, opts domain.MintOptions) (domain.Lot, error) {
	if amountMicro <= 0 {
		return domain.Lot{}, domain.Invalid("amount_micro", "must be positive, got %d", amountMicro)
	}
	if !validSource(source) {
		return domain.Lot{}, domain.Invalid("source_type", "unknown source %q", source)
	}

	var lot domain.Lot
	err := db.RunInTx(ctx, func(tx *Tx) error {
		if opts.IdempotencyKey != "" {
			prior, err := scanLot(tx.tx.QueryRowContext(ctx,
				`SELECT `+lotColumns+` FROM credit_lots WHERE idempotency_key = ?`, opts.IdempotencyKey))
			switch {
			case err == nil:
				if prior.AccountID != accountID {
					return domain.Conflict("idempotency key %q already used by another account", opts.IdempotencyKey)
				}
				lot = prior
				return nil
			case !errors.Is(err, sql.ErrNoRows):
				return fmt.Errorf("idempotency lookup: %w", err)
			}
		}

		if _, err := getAccount(ctx, tx.tx, accountID); err != nil {
			return err
		}

		var minted int64
		if err := tx.tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(original_micro), 0) FROM credit_lots WHERE account_id = ?`, accountID,
		).Scan(&minted); err != nil {
			return fmt.Errorf("sum minted: %w", err)
		}
		if _, err := domain.AddMicro(minted, amountMicro); err != nil {
			return domain.Invalid("amount_micro", "account total would overflow")
		}

		lot = domain.Lot{
			ID:             uuid.NewString(),
			AccountID:      accountID,
			PoolID:         opts.PoolID,
			SourceType:     source,
			SourceID:       opts.SourceID,
			OriginalMicro:  amountMicro,
			AvailableMicro: amountMicro,
			ExpiresAt:      opts.ExpiresAt,
			CreatedAt:      tx.now,
		}
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO credit_lots (id, account_id, pool_id, source_type, source_id,
				original_micro, available_micro, idempotency_key, description, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			lot.ID, accountID, nullString(opts.PoolID), string(source), nullString(opts.SourceID),
			amountMicro, amountMicro, nullString(opts.IdempotencyKey), nullString(opts.Description),
			nullTime(opts.ExpiresAt), clock.Store(tx.now),
		); err != nil {
			return fmt.Errorf("insert lot: %w", err)
		}

		entryType := domain.EntryGrant
		if source == domain.SourceDeposit {
			entryType = domain.EntryDeposit
		}
		_, err := tx.AppendEntry(ctx, domain.LedgerEntry{
			AccountID:   accountID,
			PoolID:      opts.PoolID,
			EntryType:   entryType,
			AmountMicro: amountMicro,
			Description: opts.Description,
		})
		return err
	})
	if err != nil {
		return domain.Lot{}, err
	}
	return lot, nil
}

// ListLots returns the account's lots, oldest first.
func (db *DB) ListLots(ctx context.Context, accountID string) ([]domain.Lot, error) {
	rows, err := db.db.QueryContext(ctx,
		`SELECT `+lotColumns+` FROM credit_lots WHERE account_id = ? ORDER BY created_at, rowid`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// ExpireLots zeroes the available counter of every lot whose expiry has
// passed and journals the expired amount. Returns the lots touched and the
// total expired.
func (db *DB) ExpireLots(ctx context.Context) (int, int64, error) {
	var count int
	var total int64
	err := db.RunInTx(ctx, func(tx *Tx) error {
		rows, err := tx.tx.QueryContext(ctx,
			`SELECT id, account_id, pool_id, available_micro FROM credit_lots
			 WHERE expires_at IS NOT NULL AND expires_at <= ? AND available_micro > 0`,
			clock.Store(tx.now))
		if err != nil {
			return fmt.Errorf("select expired lots: %w", err)
		}
		type expired struct {
			id, account, pool string
			amount            int64
		}
		var lots []expired
		for rows.Next() {
			var e expired
			var pool sql.NullString
			if err := rows.Scan(&e.id, &e.account, &pool, &e.amount); err != nil {
				rows.Close()
				return fmt.Errorf("scan expired lot: %w", err)
			}
			e.pool = pool.String
			lots = append(lots, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range lots {
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE credit_lots SET available_micro = 0 WHERE id = ?`, e.id); err != nil {
				return fmt.Errorf("expire lot %s: %w", e.id, err)
			}
			if _, err := tx.AppendEntry(ctx, domain.LedgerEntry{
				AccountID:   e.account,
				PoolID:      e.pool,
				EntryType:   domain.EntryExpiry,
				AmountMicro: -e.amount,
				Description: "lot " + e.id + " expired",
			}); err != nil {
				return err
			}
			count++
			total += e.amount
		}
		return nil
	})
	return count, total, err
}

// ─── Reservations ───────────────────────────────────────────────────────────

const reservationColumns = `id, account_id, pool_id, total_reserved_micro, actual_cost_micro,
	billing_mode, status, description, created_at, finalized_at`

func scanReservation(row interface{ Scan(...any) error }) (domain.Reservation, error) {
	var r domain.Reservation
	var pool, desc, finalized sql.NullString
	var mode, status, created string
	err := row.Scan(&r.ID, &r.AccountID, &pool, &r.TotalReservedMicro, &r.ActualCostMicro,
		&mode, &status, &desc, &created, &finalized)
	if err != nil {
		return domain.Reservation{}, err
	}
	r.PoolID = pool.String
	r.BillingMode = domain.BillingMode(mode)
	r.Status = domain.ReservationStatus(status)
	r.Description = desc.String
	r.CreatedAt = parseStore(created)
	r.FinalizedAt = parseNullStore(finalized)
	return r, nil
}

// GetReservation returns one reservation.
func (db *DB) GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	return getReservation(ctx, db.db, reservationID)
}

func getReservation(ctx context.Context, q querier, reservationID string) (domain.Reservation, error) {
	r, err := scanReservation(q.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM credit_reservations WHERE id = ?`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, domain.NotFound("reservation", reservationID)
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("get reservation: %w", err)
	}
	return r, nil
}

// Reserve holds amountMicro against the account's eligible lots. Lots are
// drawn earliest-expiry first, then oldest first, and never beyond the
// requested amount. An empty poolID draws from every lot; otherwise only
// pool-less lots and lots of that pool are eligible.
func (db *DB) Reserve(ctx context.Context, accountID, poolID string, amountMicro int64, opts domain.ReserveOptions) (domain.Reservation, error) {
	if amountMicro <= 0 {
		return domain.Reservation{}, domain.Invalid("amount_micro", "must be positive, got %d", amountMicro)
	}
	mode := opts.BillingMode
	if mode == "" {
		mode = domain.BillingLive
	}
	if mode != domain.BillingLive && mode != domain.BillingShadow {
		return domain.Reservation{}, domain.Invalid("billing_mode", "unknown mode %q", mode)
	}

	var res domain.Reservation
	err := db.RunInTx(ctx, func(tx *Tx) error {
		if _, err := getAccount(ctx, tx.tx, accountID); err != nil {
			return err
		}

		rows, err := tx.tx.QueryContext(ctx,
			`SELECT id, available_micro FROM credit_lots
			 WHERE account_id = ?
			   AND available_micro > 0
			   AND (expires_at IS NULL OR expires_at > ?)
			   AND (? = '' OR pool_id IS NULL OR pool_id = ?)
			 ORDER BY CASE WHEN expires_at IS NULL THEN 1 ELSE 0 END, expires_at, created_at, rowid`,
			accountID, clock.Store(tx.now), poolID, poolID)
		if err != nil {
			return fmt.Errorf("select lots: %w", err)
		}
		type candidate struct {
			id        string
			available int64
		}
		var lots []candidate
		var total int64
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.available); err != nil {
				rows.Close()
				return fmt.Errorf("scan lot: %w", err)
			}
			lots = append(lots, c)
			if total, err = domain.AddMicro(total, c.available); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if total < amountMicro {
			return &domain.InsufficientBalanceError{RequestedMicro: amountMicro, AvailableMicro: total}
		}

		res = domain.Reservation{
			ID:                 uuid.NewString(),
			AccountID:          accountID,
			PoolID:             poolID,
			TotalReservedMicro: amountMicro,
			BillingMode:        mode,
			Status:             domain.ReservationOpen,
			Description:        opts.Description,
			CreatedAt:          tx.now,
		}
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT INTO credit_reservations (id, account_id, pool_id, total_reserved_micro,
				billing_mode, status, description, created_at)
			 VALUES (?, ?, ?, ?, ?, 'open', ?, ?)`,
			res.ID, accountID, nullString(poolID), amountMicro, string(mode),
			nullString(opts.Description), clock.Store(tx.now),
		); err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		remaining := amountMicro
		for i, c := range lots {
			if remaining == 0 {
				break
			}
			take := min(c.available, remaining)
			if _, err := tx.tx.ExecContext(ctx,
				`UPDATE credit_lots SET available_micro = available_micro - ?, reserved_micro = reserved_micro + ?
				 WHERE id = ?`, take, take, c.id); err != nil {
				return fmt.Errorf("hold lot %s: %w", c.id, err)
			}
			if _, err := tx.tx.ExecContext(ctx,
				`INSERT INTO reservation_lots (reservation_id, lot_id, seq, amount_micro) VALUES (?, ?, ?, ?)`,
				res.ID, c.id, i+1, take); err != nil {
				return fmt.Errorf("record allocation: %w", err)
			}
			remaining -= take
		}

		_, err = tx.AppendEntry(ctx, domain.LedgerEntry{
			AccountID:     accountID,
			PoolID:        poolID,
			ReservationID: res.ID,
			EntrySeq:      1,
			EntryType:     domain.EntryReserve,
			AmountMicro:   amountMicro,
			Description:   opts.Description,
		})
		return err
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// Finalize settles the reservation in its own transaction.
func (db *DB) Finalize(ctx context.Context, reservationID string, actualCostMicro int64) (domain.FinalizeResult, error) {
	var out domain.FinalizeResult
	err := db.RunInTx(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Finalize(ctx, reservationID, actualCostMicro)
		return err
	})
	if err != nil {
		return domain.FinalizeResult{}, err
	}
	return out, nil
}

// Cancel releases the reservation in its own transaction.
func (db *DB) Cancel(ctx context.Context, reservationID string) error {
	return db.RunInTx(ctx, func(tx *Tx) error {
		return tx.Cancel(ctx, reservationID)
	})
}

type allocation struct {
	lotID  string
	amount int64
}

func (t *Tx) allocations(ctx context.Context, reservationID string) ([]allocation, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT lot_id, amount_micro FROM reservation_lots WHERE reservation_id = ? ORDER BY seq`,
		reservationID)
	if err != nil {
		return nil, fmt.Errorf("load allocations: %w", err)
	}
	defer rows.Close()
	var out []allocation
	for rows.Next() {
		var a allocation
		if err := rows.Scan(&a.lotID, &a.amount); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (t *Tx) openReservation(ctx context.Context, reservationID string) (domain.Reservation, error) {
	r, err := getReservation(ctx, t.tx, reservationID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if r.Status != domain.ReservationOpen {
		return domain.Reservation{}, domain.Conflict("reservation %s is %s, not open", reservationID, r.Status)
	}
	return r, nil
}

func (t *Tx) lastSeq(ctx context.Context, reservationID string) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(entry_seq), 0) FROM credit_ledger_entries WHERE reservation_id = ?`,
		reservationID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last entry seq: %w", err)
	}
	return seq, nil
}

// Finalize charges actualCostMicro against an open reservation. Consumption
// is drawn from the allocations in allocation order; whatever is left of
// each allocation goes back to its lot's available counter. The usage entry
// is written at EntrySeqBase so later entries for the same reservation can
// follow it at EntrySeqBase+1 onward.
func (t *Tx) Finalize(ctx context.Context, reservationID string, actualCostMicro int64) (domain.FinalizeResult, error) {
	if actualCostMicro < 0 {
		return domain.FinalizeResult{}, domain.Invalid("actual_cost_micro", "must not be negative")
	}
	r, err := t.openReservation(ctx, reservationID)
	if err != nil {
		return domain.FinalizeResult{}, err
	}
	if actualCostMicro > r.TotalReservedMicro {
		return domain.FinalizeResult{}, domain.Invalid("actual_cost_micro",
			"%d exceeds reserved %d", actualCostMicro, r.TotalReservedMicro)
	}

	allocs, err := t.allocations(ctx, reservationID)
	if err != nil {
		return domain.FinalizeResult{}, err
	}
	remaining := actualCostMicro
	for _, a := range allocs {
		consumed := min(a.amount, remaining)
		released := a.amount - consumed
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE credit_lots
			 SET reserved_micro = reserved_micro - ?,
			     consumed_micro = consumed_micro + ?,
			     available_micro = available_micro + ?
			 WHERE id = ?`, a.amount, consumed, released, a.lotID); err != nil {
			return domain.FinalizeResult{}, fmt.Errorf("settle lot %s: %w", a.lotID, err)
		}
		remaining -= consumed
	}

	res, err := t.tx.ExecContext(ctx,
		`UPDATE credit_reservations SET status = 'finalized', actual_cost_micro = ?, finalized_at = ?
		 WHERE id = ? AND status = 'open'`,
		actualCostMicro, clock.Store(t.now), reservationID)
	if err != nil {
		return domain.FinalizeResult{}, fmt.Errorf("finalize reservation: %w", err)
	}
	if rowsAffected(res) == 0 {
		return domain.FinalizeResult{}, domain.Conflict("reservation %s is no longer open", reservationID)
	}

	seq, err := t.lastSeq(ctx, reservationID)
	if err != nil {
		return domain.FinalizeResult{}, err
	}
	surplus := r.TotalReservedMicro - actualCostMicro
	if surplus > 0 {
		seq++
		if _, err := t.AppendEntry(ctx, domain.LedgerEntry{
			AccountID:     r.AccountID,
			PoolID:        r.PoolID,
			ReservationID: reservationID,
			EntrySeq:      seq,
			EntryType:     domain.EntryRelease,
			AmountMicro:   surplus,
		}); err != nil {
			return domain.FinalizeResult{}, err
		}
	}
	seq++
	if _, err := t.AppendEntry(ctx, domain.LedgerEntry{
		AccountID:     r.AccountID,
		PoolID:        r.PoolID,
		ReservationID: reservationID,
		EntrySeq:      seq,
		EntryType:     domain.EntryUsage,
		AmountMicro:   -actualCostMicro,
		Description:   r.Description,
	}); err != nil {
		return domain.FinalizeResult{}, err
	}

	if err := t.accrueSpendingWindow(ctx, r.AccountID, actualCostMicro); err != nil {
		return domain.FinalizeResult{}, err
	}

	return domain.FinalizeResult{
		ReservationID:        reservationID,
		AccountID:            r.AccountID,
		PoolID:               r.PoolID,
		ActualCostMicro:      actualCostMicro,
		SurplusReleasedMicro: surplus,
		EntrySeqBase:         seq,
	}, nil
}

// Cancel returns every allocation of an open reservation to its lot.
func (t *Tx) Cancel(ctx context.Context, reservationID string) error {
	r, err := t.openReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	allocs, err := t.allocations(ctx, reservationID)
	if err != nil {
		return err
	}
	for _, a := range allocs {
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE credit_lots SET reserved_micro = reserved_micro - ?, available_micro = available_micro + ?
			 WHERE id = ?`, a.amount, a.amount, a.lotID); err != nil {
			return fmt.Errorf("release lot %s: %w", a.lotID, err)
		}
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE credit_reservations SET status = 'cancelled', finalized_at = ? WHERE id = ? AND status = 'open'`,
		clock.Store(t.now), reservationID)
	if err != nil {
		return fmt.Errorf("cancel reservation: %w", err)
	}
	if rowsAffected(res) == 0 {
		return domain.Conflict("reservation %s is no longer open", reservationID)
	}
	seq, err := t.lastSeq(ctx, reservationID)
	if err != nil {
		return err
	}
	_, err = t.AppendEntry(ctx, domain.LedgerEntry{
		AccountID:     r.AccountID,
		PoolID:        r.PoolID,
		ReservationID: reservationID,
		EntrySeq:      seq + 1,
		EntryType:     domain.EntryRelease,
		AmountMicro:   r.TotalReservedMicro,
		Description:   "cancelled",
	})
	return err
}

// accrueSpendingWindow adds a finalized cost to the account's active
// spending window, rolling the window forward in whole durations first when
// it has elapsed. Accounts without a window are left alone.
func (t *Tx) accrueSpendingWindow(ctx context.Context, accountID string, amountMicro int64) error {
	var start string
	var durSec int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT window_start, window_duration_seconds FROM agent_spending_limits
		 WHERE account_id = ? AND active = 1`, accountID).Scan(&start, &durSec)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load spending window: %w", err)
	}

	ws := parseStore(start)
	dur := time.Duration(durSec) * time.Second
	if dur <= 0 {
		dur = 24 * time.Hour
	}
	if !t.now.Before(ws.Add(dur)) {
		ws = ws.Add(t.now.Sub(ws) / dur * dur)
		_, err = t.tx.ExecContext(ctx,
			`UPDATE agent_spending_limits SET window_start = ?, current_spend_micro = ?, updated_at = ?
			 WHERE account_id = ?`,
			clock.Store(ws), amountMicro, clock.Store(t.now), accountID)
	} else {
		_, err = t.tx.ExecContext(ctx,
			`UPDATE agent_spending_limits SET current_spend_micro = current_spend_micro + ?, updated_at = ?
			 WHERE account_id = ?`,
			amountMicro, clock.Store(t.now), accountID)
	}
	if err != nil {
		return fmt.Errorf("accrue spending window: %w", err)
	}
	return nil
}

// ─── Journal ────────────────────────────────────────────────────────────────

// AppendEntry writes one journal row. ID and CreatedAt are assigned here.
// A duplicate (reservation_id, entry_seq) fails the whole transaction.
func (t *Tx) AppendEntry(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error) {
	e.ID = uuid.NewString()
	e.CreatedAt = t.now
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO credit_ledger_entries (id, account_id, pool_id, reservation_id, entry_seq,
			entry_type, amount_micro, description, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, nullString(e.PoolID), nullString(e.ReservationID), e.EntrySeq,
		string(e.EntryType), e.AmountMicro, nullString(e.Description), clock.Store(e.CreatedAt))
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("append %s entry: %w", e.EntryType, err)
	}
	return e, nil
}

// ListEntries returns an account's journal, newest first.
func (db *DB) ListEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.db.QueryContext(ctx,
		`SELECT id, account_id, pool_id, reservation_id, entry_seq, entry_type, amount_micro, description, created_at
		 FROM credit_ledger_entries WHERE account_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var pool, resID, desc sql.NullString
		var typ, created string
		if err := rows.Scan(&e.ID, &e.AccountID, &pool, &resID, &e.EntrySeq, &typ,
			&e.AmountMicro, &desc, &created); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.PoolID = pool.String
		e.ReservationID = resID.String
		e.EntryType = domain.EntryType(typ)
		e.Description = desc.String
		e.CreatedAt = parseStore(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ─── Balance ────────────────────────────────────────────────────────────────

// GetBalance sums the account's lots. Available excludes expired lots.
func (db *DB) GetBalance(ctx context.Context, accountID string) (domain.Balance, error) {
	if _, err := db.GetAccount(ctx, accountID); err != nil {
		return domain.Balance{}, err
	}
	b := domain.Balance{AccountID: accountID}
	err := db.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN expires_at IS NULL OR expires_at > ? THEN available_micro ELSE 0 END), 0),
			COALESCE(SUM(reserved_micro), 0),
			COALESCE(SUM(consumed_micro), 0),
			COALESCE(SUM(original_micro), 0),
			COUNT(*)
		 FROM credit_lots WHERE account_id = ?`,
		clock.Store(db.clock.Now()), accountID,
	).Scan(&b.AvailableMicro, &b.ReservedMicro, &b.ConsumedMicro, &b.OriginalMicro, &b.LotCount)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("get balance: %w", err)
	}
	return b, nil
}

// ─── Receivables ────────────────────────────────────────────────────────────

func scanReceivable(row interface{ Scan(...any) error }) (domain.Receivable, error) {
	var r domain.Receivable
	var source sql.NullString
	var created string
	if err := row.Scan(&r.ID, &r.AccountID, &source, &r.OriginalMicro, &r.BalanceMicro, &created); err != nil {
		return domain.Receivable{}, err
	}
	r.SourceID = source.String
	r.CreatedAt = parseStore(created)
	return r, nil
}

// OpenReceivable records credit advanced to the account ahead of funding.
func (db *DB) OpenReceivable(ctx context.Context, accountID string, amountMicro int64, sourceID string) (domain.Receivable, error) {
	if amountMicro <= 0 {
		return domain.Receivable{}, domain.Invalid("amount_micro", "must be positive, got %d", amountMicro)
	}
	if _, err := db.GetAccount(ctx, accountID); err != nil {
		return domain.Receivable{}, err
	}
	now := db.clock.Now().UTC()
	r := domain.Receivable{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		SourceID:      sourceID,
		OriginalMicro: amountMicro,
		BalanceMicro:  amountMicro,
		CreatedAt:     now,
	}
	_, err := db.db.ExecContext(ctx,
		`INSERT INTO credit_receivables (id, account_id, source_id, original_micro, balance_micro, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, accountID, nullString(sourceID), amountMicro, amountMicro, clock.Store(now), clock.Store(now))
	if err != nil {
		return domain.Receivable{}, fmt.Errorf("open receivable: %w", err)
	}
	return r, nil
}

// RepayReceivable reduces the outstanding balance. Repaying more than is
// outstanding is rejected.
func (db *DB) RepayReceivable(ctx context.Context, receivableID string, amountMicro int64) (domain.Receivable, error) {
	if amountMicro <= 0 {
		return domain.Receivable{}, domain.Invalid("amount_micro", "must be positive, got %d", amountMicro)
	}
	var r domain.Receivable
	err := db.RunInTx(ctx, func(tx *Tx) error {
		var err error
		r, err = scanReceivable(tx.tx.QueryRowContext(ctx,
			`SELECT id, account_id, source_id, original_micro, balance_micro, created_at
			 FROM credit_receivables WHERE id = ?`, receivableID))
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFound("receivable", receivableID)
		}
		if err != nil {
			return fmt.Errorf("load receivable: %w", err)
		}
		if amountMicro > r.BalanceMicro {
			return domain.Invalid("amount_micro", "repayment %d exceeds outstanding %d", amountMicro, r.BalanceMicro)
		}
		r.BalanceMicro -= amountMicro
		_, err = tx.tx.ExecContext(ctx,
			`UPDATE credit_receivables SET balance_micro = ?, updated_at = ? WHERE id = ?`,
			r.BalanceMicro, clock.Store(tx.now), receivableID)
		if err != nil {
			return fmt.Errorf("repay receivable: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.Receivable{}, err
	}
	return r, nil
}
