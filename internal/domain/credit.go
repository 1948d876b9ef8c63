package domain

import "time"

// ─── Credit Types ───────────────────────────────────────────────────────────
// These live in domain because they represent core business rules.
// The ledger store (infra/sqlite) owns the rows; everything else reads them
// through the Ledger port.

// EntityType classifies what an account bills for.
type EntityType string

const (
	EntityUser       EntityType = "user"
	EntityAgent      EntityType = "agent"
	EntityCommunity  EntityType = "community"
	EntityPool       EntityType = "pool"
	EntityCommons    EntityType = "commons"
	EntityFoundation EntityType = "foundation"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityUser, EntityAgent, EntityCommunity, EntityPool, EntityCommons, EntityFoundation:
		return true
	}
	return false
}

// KYCLevel is an ordered identity-verification tier.
type KYCLevel string

const (
	KYCNone     KYCLevel = "none"
	KYCBasic    KYCLevel = "basic"
	KYCEnhanced KYCLevel = "enhanced"
	KYCVerified KYCLevel = "verified"
)

// Rank places the level on the none < basic < enhanced < verified scale.
// Unknown levels rank below none.
func (l KYCLevel) Rank() int {
	switch l {
	case KYCNone, "":
		return 0
	case KYCBasic:
		return 1
	case KYCEnhanced:
		return 2
	case KYCVerified:
		return 3
	}
	return -1
}

// AtLeast reports whether l satisfies required.
func (l KYCLevel) AtLeast(required KYCLevel) bool { return l.Rank() >= required.Rank() }

// Valid reports whether l is a known level.
func (l KYCLevel) Valid() bool { return l != "" && l.Rank() >= 0 }

// Account is one billable entity. Accounts are created lazily and never deleted.
type Account struct {
	ID         string     `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	KYCLevel   KYCLevel   `json:"kyc_level"`
	Version    int64      `json:"version"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SourceType names where a lot's value came from.
type SourceType string

const (
	SourceDeposit  SourceType = "deposit"
	SourceGrant    SourceType = "grant"
	SourceRefund   SourceType = "refund"
	SourceTransfer SourceType = "transfer"
)

// Lot is a discrete grant of spendable value.
// Invariant: Available + Reserved + Consumed <= Original; the gap is expiry.
type Lot struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	PoolID         string     `json:"pool_id,omitempty"`
	SourceType     SourceType `json:"source_type"`
	SourceID       string     `json:"source_id,omitempty"`
	OriginalMicro  int64      `json:"original_micro"`
	AvailableMicro int64      `json:"available_micro"`
	ReservedMicro  int64      `json:"reserved_micro"`
	ConsumedMicro  int64      `json:"consumed_micro"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ConservationGap returns Original - (Available + Reserved + Consumed).
// A negative gap is a conservation violation.
func (l Lot) ConservationGap() int64 {
	return l.OriginalMicro - (l.AvailableMicro + l.ReservedMicro + l.ConsumedMicro)
}

// Conserved reports whether the lot obeys the conservation invariant.
func (l Lot) Conserved() bool { return l.ConservationGap() >= 0 }

// ReservationStatus is the lifecycle of a reservation.
type ReservationStatus string

const (
	ReservationOpen      ReservationStatus = "open"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationCancelled ReservationStatus = "cancelled"
)

// BillingMode describes how a reservation will be settled.
type BillingMode string

const (
	BillingLive   BillingMode = "live"
	BillingShadow BillingMode = "shadow"
)

// Reservation is a hold against one or more lots for a unit of work.
type Reservation struct {
	ID                 string            `json:"id"`
	AccountID          string            `json:"account_id"`
	PoolID             string            `json:"pool_id,omitempty"`
	TotalReservedMicro int64             `json:"total_reserved_micro"`
	ActualCostMicro    int64             `json:"actual_cost_micro"`
	BillingMode        BillingMode       `json:"billing_mode"`
	Status             ReservationStatus `json:"status"`
	Description        string            `json:"description,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	FinalizedAt        *time.Time        `json:"finalized_at,omitempty"`
}

// EntryType is the business reason for a journal row.
type EntryType string

const (
	EntryDeposit             EntryType = "deposit"
	EntryGrant               EntryType = "grant"
	EntryReserve             EntryType = "reserve"
	EntryUsage               EntryType = "usage"
	EntryRelease             EntryType = "release"
	EntryCommonsContribution EntryType = "commons_contribution"
	EntryRevenueShare        EntryType = "revenue_share"
	EntryFoundationShare     EntryType = "foundation_share"
	EntryPayout              EntryType = "payout"
	EntryExpiry              EntryType = "expiry"
)

// EarningEntryTypes are the entry types that make up an account's
// settleable earnings.
var EarningEntryTypes = []EntryType{
	EntryCommonsContribution,
	EntryRevenueShare,
	EntryFoundationShare,
}

// LedgerEntry is a single append-only journal row.
type LedgerEntry struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	PoolID        string    `json:"pool_id,omitempty"`
	ReservationID string    `json:"reservation_id,omitempty"`
	EntrySeq      int64     `json:"entry_seq"`
	EntryType     EntryType `json:"entry_type"`
	AmountMicro   int64     `json:"amount_micro"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Balance is a point-in-time read of an account's lots.
type Balance struct {
	AccountID      string `json:"account_id"`
	AvailableMicro int64  `json:"available_micro"`
	ReservedMicro  int64  `json:"reserved_micro"`
	ConsumedMicro  int64  `json:"consumed_micro"`
	OriginalMicro  int64  `json:"original_micro"`
	LotCount       int    `json:"lot_count"`
}

// MintOptions carries the optional parameters of MintLot.
type MintOptions struct {
	SourceID       string
	PoolID         string
	Description    string
	IdempotencyKey string
	ExpiresAt      *time.Time
}

// ReserveOptions carries the optional parameters of Reserve.
type ReserveOptions struct {
	BillingMode BillingMode
	Description string
}

// FinalizeResult is returned by a successful finalize.
type FinalizeResult struct {
	ReservationID        string `json:"reservation_id"`
	AccountID            string `json:"account_id"`
	PoolID               string `json:"pool_id,omitempty"`
	ActualCostMicro      int64  `json:"actual_cost_micro"`
	SurplusReleasedMicro int64  `json:"surplus_released_micro"`
	EntrySeqBase         int64  `json:"entry_seq_base"`
}

// Receivable is credit advanced to an account ahead of its funding.
type Receivable struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	SourceID      string    `json:"source_id,omitempty"`
	OriginalMicro int64     `json:"original_micro"`
	BalanceMicro  int64     `json:"balance_micro"`
	CreatedAt     time.Time `json:"created_at"`
}
