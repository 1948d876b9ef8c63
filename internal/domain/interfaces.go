package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// Ledger is the credit ledger port consumed by every higher component.
type Ledger interface {
	// GetOrCreateAccount resolves (entityType, entityID) to the same account every time.
	GetOrCreateAccount(ctx context.Context, entityType EntityType, entityID string) (Account, error)

	// GetAccount returns NotFoundError for unknown ids.
	GetAccount(ctx context.Context, accountID string) (Account, error)

	// MintLot is idempotent on opts.IdempotencyKey.
	MintLot(ctx context.Context, accountID string, amountMicro int64, source SourceType, opts MintOptions) (Lot, error)

	// Reserve holds amountMicro across eligible lots or fails with InsufficientBalanceError.
	Reserve(ctx context.Context, accountID, poolID string, amountMicro int64, opts ReserveOptions) (Reservation, error)

	// Finalize charges actualCostMicro and releases the surplus, exactly once.
	Finalize(ctx context.Context, reservationID string, actualCostMicro int64) (FinalizeResult, error)

	// Cancel releases the whole reservation.
	Cancel(ctx context.Context, reservationID string) error

	// GetBalance is a point-in-time read, not transactional with later writes.
	GetBalance(ctx context.Context, accountID string) (Balance, error)
}

// Finalizer settles a reservation. The metering finalizer (revenue
// distribution included) and the bare ledger both satisfy it.
type Finalizer interface {
	Finalize(ctx context.Context, reservationID string, actualCostMicro int64) (FinalizeResult, error)
}

// KYCVerifier reports an account's current verification level.
type KYCVerifier interface {
	KYCLevel(ctx context.Context, accountID string) (KYCLevel, error)
}
