package domain

import "time"

// ─── Payout Escrow Types ────────────────────────────────────────────────────

// PayoutStatus is a state of the payout state machine.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutApproved   PayoutStatus = "approved"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutCancelled  PayoutStatus = "cancelled"
	PayoutFailed     PayoutStatus = "failed"
)

// payoutTransitions is the complete transition table.
// approved cannot be cancelled: once escrowed, a payout leaves only by
// processing or failing.
var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutPending:    {PayoutApproved, PayoutCancelled, PayoutFailed},
	PayoutApproved:   {PayoutProcessing, PayoutFailed},
	PayoutProcessing: {PayoutCompleted, PayoutFailed},
}

// CanTransition reports whether from → to is a legal move.
func CanTransition(from, to PayoutStatus) bool {
	for _, s := range payoutTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s PayoutStatus) Terminal() bool {
	return s == PayoutCompleted || s == PayoutCancelled || s == PayoutFailed
}

// InEscrow reports whether a payout in this state holds its amount in escrow.
func (s PayoutStatus) InEscrow() bool {
	return s == PayoutPending || s == PayoutApproved || s == PayoutProcessing
}

// EscrowStatuses lists the states counted as "in escrow".
var EscrowStatuses = []PayoutStatus{PayoutPending, PayoutApproved, PayoutProcessing}

// PayoutRequest is one creator withdrawal.
type PayoutRequest struct {
	ID            string       `json:"id"`
	AccountID     string       `json:"account_id"`
	AmountMicro   int64        `json:"amount_micro"`
	FeeMicro      int64        `json:"fee_micro"`
	PayoutAddress string       `json:"payout_address"`
	Currency      string       `json:"currency"`
	Status        PayoutStatus `json:"status"`
	TxHash        string       `json:"tx_hash,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	RequestedAt   time.Time    `json:"requested_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// NetMicro is what the creator receives after fees.
func (p PayoutRequest) NetMicro() int64 { return p.AmountMicro - p.FeeMicro }

// WithdrawableBalance splits an account's earnings into settled and escrowed.
type WithdrawableBalance struct {
	AccountID         string `json:"account_id"`
	SettledMicro      int64  `json:"settled_micro"`
	EscrowMicro       int64  `json:"escrow_micro"`
	WithdrawableMicro int64  `json:"withdrawable_micro"`
}

// KYCStatus is the progressive-disclosure view of an account's KYC position.
type KYCStatus struct {
	AccountID              string   `json:"account_id"`
	CurrentLevel           KYCLevel `json:"current_level"`
	CumulativePayoutsMicro int64    `json:"cumulative_payouts_micro"`
	NextThresholdMicro     int64    `json:"next_threshold_micro,omitempty"`
	NextRequiredLevel      KYCLevel `json:"next_required_level,omitempty"`
	PercentToThreshold     float64  `json:"percent_to_threshold"`
	Warning                string   `json:"warning,omitempty"`
}
