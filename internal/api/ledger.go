package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
)

// ─── Ledger API ─────────────────────────────────────────────────────────────
//
// POST /api/v1/accounts                    get-or-create an account
// GET  /api/v1/accounts/{id}               account record
// PUT  /api/v1/accounts/{id}/kyc           record a verified KYC level
// GET  /api/v1/accounts/{id}/balance       lot totals
// GET  /api/v1/accounts/{id}/lots          lots, oldest first
// POST /api/v1/accounts/{id}/lots          mint (idempotency key required)
// GET  /api/v1/accounts/{id}/entries       journal, newest first
// POST /api/v1/reservations                hold funds
// GET  /api/v1/reservations/{id}           reservation record
// POST /api/v1/reservations/{id}/finalize  charge and distribute revenue; agent
//                                          reservations go through the daily cap
// POST /api/v1/reservations/{id}/cancel    release the hold

type createAccountRequest struct {
	EntityType domain.EntityType `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.svc.Ledger.GetOrCreateAccount(r.Context(), req.EntityType, req.EntityID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acct))
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := s.svc.Ledger.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acct))
}

func (s *Server) handleSetKYC(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level domain.KYCLevel `json:"level"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.svc.Ledger.SetKYCLevel(r.Context(), id, req.Level); err != nil {
		s.fail(w, r, err)
		return
	}
	acct, err := s.svc.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acct))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.svc.Ledger.GetBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":      bal.AccountID,
		"available_micro": bal.AvailableMicro,
		"reserved_micro":  bal.ReservedMicro,
		"consumed_micro":  bal.ConsumedMicro,
		"original_micro":  bal.OriginalMicro,
		"lot_count":       bal.LotCount,
		"available_usd":   domain.FormatUSD(bal.AvailableMicro),
	})
}

func (s *Server) handleListLots(w http.ResponseWriter, r *http.Request) {
	lots, err := s.svc.Ledger.ListLots(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lots": mapSlice(lots, viewLot)})
}

type mintRequest struct {
	AmountMicro    int64             `json:"amount_micro"`
	SourceType     domain.SourceType `json:"source_type"`
	SourceID       string            `json:"source_id,omitempty"`
	PoolID         string            `json:"pool_id,omitempty"`
	Description    string            `json:"description,omitempty"`
	IdempotencyKey string            `json:"idempotency_key"`
	ExpiresAt      string            `json:"expires_at,omitempty"`
}

func (s *Server) handleMintLot(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.IdempotencyKey == "" {
		s.fail(w, r, domain.Invalid("idempotency_key", "required"))
		return
	}
	opts := domain.MintOptions{
		SourceID:       req.SourceID,
		PoolID:         req.PoolID,
		Description:    req.Description,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.ExpiresAt != "" {
		t, err := clock.ParseWire(req.ExpiresAt)
		if err != nil {
			s.fail(w, r, domain.Invalid("expires_at", "want %s: %v", clock.WireLayout, err))
			return
		}
		opts.ExpiresAt = &t
	}
	lot, err := s.svc.Ledger.MintLot(r.Context(), chi.URLParam(r, "id"), req.AmountMicro, req.SourceType, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewLot(lot))
}

func (s *Server) handleListEntries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 50)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.svc.Ledger.ListEntries(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": mapSlice(entries, viewEntry)})
}

type reserveRequest struct {
	AccountID   string             `json:"account_id"`
	PoolID      string             `json:"pool_id,omitempty"`
	AmountMicro int64              `json:"amount_micro"`
	BillingMode domain.BillingMode `json:"billing_mode,omitempty"`
	Description string             `json:"description,omitempty"`
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Ledger.Reserve(r.Context(), req.AccountID, req.PoolID, req.AmountMicro, domain.ReserveOptions{
		BillingMode: req.BillingMode,
		Description: req.Description,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewReservation(res))
}

func (s *Server) handleGetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Ledger.GetReservation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewReservation(res))
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActualCostMicro int64 `json:"actual_cost_micro"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	wallet, isAgent, err := s.agentWalletFor(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if isAgent {
		res, err := s.svc.Agents.FinalizeInference(r.Context(), wallet, id, req.ActualCostMicro)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	res, shares, err := s.svc.Metering.FinalizeWithDistribution(r.Context(), id, req.ActualCostMicro)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reservation_id":         res.ReservationID,
		"actual_cost_micro":      res.ActualCostMicro,
		"surplus_released_micro": res.SurplusReleasedMicro,
		"shares": map[string]int64{
			"commons_micro":    shares.CommonsMicro,
			"community_micro":  shares.CommunityMicro,
			"foundation_micro": shares.FoundationMicro,
		},
	})
}

// agentWalletFor returns the wallet owning the reservation's account, if
// the account belongs to an agent wallet.
func (s *Server) agentWalletFor(ctx context.Context, reservationID string) (domain.AgentWallet, bool, error) {
	if s.svc.Agents == nil {
		return domain.AgentWallet{}, false, nil
	}
	res, err := s.svc.Ledger.GetReservation(ctx, reservationID)
	if err != nil {
		return domain.AgentWallet{}, false, err
	}
	wallet, err := s.svc.Agents.GetWallet(ctx, res.AccountID)
	if domain.KindOf(err) == domain.KindNotFound {
		return domain.AgentWallet{}, false, nil
	}
	if err != nil {
		return domain.AgentWallet{}, false, err
	}
	return wallet, true, nil
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Ledger.Cancel(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reservation_id": id, "status": string(domain.ReservationCancelled)})
}
