package api

import (
	"time"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
)

// Response views render every timestamp in wire format
// (2006-01-02T15:04:05.000Z) rather than encoding/json's RFC 3339.

func wirePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return clock.Wire(*t)
}

type accountView struct {
	ID         string            `json:"id"`
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	KYCLevel   domain.KYCLevel   `json:"kyc_level"`
	Version    int64             `json:"version"`
	CreatedAt  string            `json:"created_at"`
	UpdatedAt  string            `json:"updated_at"`
}

func viewAccount(a domain.Account) accountView {
	return accountView{
		ID:         a.ID,
		EntityType: a.EntityType,
		EntityID:   a.EntityID,
		KYCLevel:   a.KYCLevel,
		Version:    a.Version,
		CreatedAt:  clock.Wire(a.CreatedAt),
		UpdatedAt:  clock.Wire(a.UpdatedAt),
	}
}

type lotView struct {
	ID             string            `json:"id"`
	AccountID      string            `json:"account_id"`
	PoolID         string            `json:"pool_id,omitempty"`
	SourceType     domain.SourceType `json:"source_type"`
	SourceID       string            `json:"source_id,omitempty"`
	OriginalMicro  int64             `json:"original_micro"`
	AvailableMicro int64             `json:"available_micro"`
	ReservedMicro  int64             `json:"reserved_micro"`
	ConsumedMicro  int64             `json:"consumed_micro"`
	ExpiresAt      string            `json:"expires_at,omitempty"`
	CreatedAt      string            `json:"created_at"`
}

func viewLot(l domain.Lot) lotView {
	return lotView{
		ID:             l.ID,
		AccountID:      l.AccountID,
		PoolID:         l.PoolID,
		SourceType:     l.SourceType,
		SourceID:       l.SourceID,
		OriginalMicro:  l.OriginalMicro,
		AvailableMicro: l.AvailableMicro,
		ReservedMicro:  l.ReservedMicro,
		ConsumedMicro:  l.ConsumedMicro,
		ExpiresAt:      wirePtr(l.ExpiresAt),
		CreatedAt:      clock.Wire(l.CreatedAt),
	}
}

type reservationView struct {
	ID                 string                   `json:"id"`
	AccountID          string                   `json:"account_id"`
	PoolID             string                   `json:"pool_id,omitempty"`
	TotalReservedMicro int64                    `json:"total_reserved_micro"`
	ActualCostMicro    int64                    `json:"actual_cost_micro"`
	BillingMode        domain.BillingMode       `json:"billing_mode"`
	Status             domain.ReservationStatus `json:"status"`
	Description        string                   `json:"description,omitempty"`
	CreatedAt          string                   `json:"created_at"`
	FinalizedAt        string                   `json:"finalized_at,omitempty"`
}

func viewReservation(r domain.Reservation) reservationView {
	return reservationView{
		ID:                 r.ID,
		AccountID:          r.AccountID,
		PoolID:             r.PoolID,
		TotalReservedMicro: r.TotalReservedMicro,
		ActualCostMicro:    r.ActualCostMicro,
		BillingMode:        r.BillingMode,
		Status:             r.Status,
		Description:        r.Description,
		CreatedAt:          clock.Wire(r.CreatedAt),
		FinalizedAt:        wirePtr(r.FinalizedAt),
	}
}

type entryView struct {
	ID            string           `json:"id"`
	AccountID     string           `json:"account_id"`
	PoolID        string           `json:"pool_id,omitempty"`
	ReservationID string           `json:"reservation_id,omitempty"`
	EntrySeq      int64            `json:"entry_seq"`
	EntryType     domain.EntryType `json:"entry_type"`
	AmountMicro   int64            `json:"amount_micro"`
	Description   string           `json:"description,omitempty"`
	CreatedAt     string           `json:"created_at"`
}

func viewEntry(e domain.LedgerEntry) entryView {
	return entryView{
		ID:            e.ID,
		AccountID:     e.AccountID,
		PoolID:        e.PoolID,
		ReservationID: e.ReservationID,
		EntrySeq:      e.EntrySeq,
		EntryType:     e.EntryType,
		AmountMicro:   e.AmountMicro,
		Description:   e.Description,
		CreatedAt:     clock.Wire(e.CreatedAt),
	}
}

type payoutView struct {
	ID            string              `json:"id"`
	AccountID     string              `json:"account_id"`
	AmountMicro   int64               `json:"amount_micro"`
	FeeMicro      int64               `json:"fee_micro"`
	NetMicro      int64               `json:"net_micro"`
	PayoutAddress string              `json:"payout_address"`
	Currency      string              `json:"currency"`
	Status        domain.PayoutStatus `json:"status"`
	TxHash        string              `json:"tx_hash,omitempty"`
	FailureReason string              `json:"failure_reason,omitempty"`
	RequestedAt   string              `json:"requested_at"`
	UpdatedAt     string              `json:"updated_at"`
}

func viewPayout(p domain.PayoutRequest) payoutView {
	return payoutView{
		ID:            p.ID,
		AccountID:     p.AccountID,
		AmountMicro:   p.AmountMicro,
		FeeMicro:      p.FeeMicro,
		NetMicro:      p.NetMicro(),
		PayoutAddress: p.PayoutAddress,
		Currency:      p.Currency,
		Status:        p.Status,
		TxHash:        p.TxHash,
		FailureReason: p.FailureReason,
		RequestedAt:   clock.Wire(p.RequestedAt),
		UpdatedAt:     clock.Wire(p.UpdatedAt),
	}
}

type runView struct {
	ID          string               `json:"id"`
	StartedAt   string               `json:"started_at"`
	FinishedAt  string               `json:"finished_at"`
	Status      domain.RunStatus     `json:"status"`
	Checks      []domain.CheckResult `json:"checks"`
	Divergences []string             `json:"divergences"`
}

func viewRun(r domain.ReconciliationRun) runView {
	divs := r.Divergences
	if divs == nil {
		divs = []string{}
	}
	return runView{
		ID:          r.ID,
		StartedAt:   clock.Wire(r.StartedAt),
		FinishedAt:  clock.Wire(r.FinishedAt),
		Status:      r.Status,
		Checks:      r.Checks,
		Divergences: divs,
	}
}

type walletView struct {
	AccountID            string `json:"account_id"`
	TokenID              string `json:"token_id"`
	CommunityID          string `json:"community_id,omitempty"`
	IdentityAnchor       string `json:"identity_anchor,omitempty"`
	Address              string `json:"address"`
	DailyCapMicro        int64  `json:"daily_cap_micro"`
	RefillThresholdMicro int64  `json:"refill_threshold_micro"`
	CreatedAt            string `json:"created_at"`
}

func viewWallet(w domain.AgentWallet) walletView {
	return walletView{
		AccountID:            w.AccountID,
		TokenID:              w.TokenID,
		CommunityID:          w.CommunityID,
		IdentityAnchor:       w.IdentityAnchor,
		Address:              w.Address,
		DailyCapMicro:        w.DailyCapMicro,
		RefillThresholdMicro: w.RefillThresholdMicro,
		CreatedAt:            clock.Wire(w.CreatedAt),
	}
}

func mapSlice[T, V any](in []T, f func(T) V) []V {
	out := make([]V, len(in))
	for i, v := range in {
		out[i] = f(v)
	}
	return out
}
