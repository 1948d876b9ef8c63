package domain

import "time"

// ─── Agent Wallet & Daily Budget Types ──────────────────────────────────────

// AgentWallet links an autonomous agent's credit account to its on-chain
// identity. Address is a deterministic pseudo-address, not a real wallet.
type AgentWallet struct {
	AccountID            string    `json:"account_id"`
	TokenID              string    `json:"token_id"`
	CommunityID          string    `json:"community_id"`
	IdentityAnchor       string    `json:"identity_anchor,omitempty"`
	Address              string    `json:"address"`
	DailyCapMicro        int64     `json:"daily_cap_micro"`
	RefillThresholdMicro int64     `json:"refill_threshold_micro"`
	CreatedAt            time.Time `json:"created_at"`
}

// DailySpend is the cumulative consumption of one account on one UTC date.
type DailySpend struct {
	AccountID  string `json:"account_id"`
	Date       string `json:"date"`
	SpentMicro int64  `json:"spent_micro"`
}

// SpendingLimit is an agent's rolling spend window, maintained by the ledger
// at finalize time and audited by reconciliation.
type SpendingLimit struct {
	AccountID         string        `json:"account_id"`
	DailyCapMicro     int64         `json:"daily_cap_micro"`
	CurrentSpendMicro int64         `json:"current_spend_micro"`
	WindowStart       time.Time     `json:"window_start"`
	WindowDuration    time.Duration `json:"window_duration"`
	Active            bool          `json:"active"`
}

// IdentityAnchor binds an agent account to an external identity used for
// sybil resistance.
type IdentityAnchor struct {
	Anchor    string    `json:"anchor"`
	AccountID string    `json:"account_id"`
	TokenID   string    `json:"token_id"`
	CreatedAt time.Time `json:"created_at"`
}
