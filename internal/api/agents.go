package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/settle/internal/app/agentwallet"
	"github.com/tutu-network/settle/internal/domain"
)

// ─── Agent Wallet API ───────────────────────────────────────────────────────
//
// POST /api/v1/agents                                   create (idempotent)
// GET  /api/v1/agents/{token}                           wallet
// POST /api/v1/agents/{token}/deposits                  fund from a deposit tx
// POST /api/v1/agents/{token}/inferences                reserve an estimate
// POST /api/v1/agents/{token}/inferences/{id}/finalize  charge, clamped to the cap
// GET  /api/v1/agents/{token}/budget                    today's spend and remainder

func (s *Server) wallet(w http.ResponseWriter, r *http.Request) (domain.AgentWallet, bool) {
	wallet, err := s.svc.Agents.GetWalletByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return domain.AgentWallet{}, false
	}
	return wallet, true
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req agentwallet.WalletConfig
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	wallet, err := s.svc.Agents.CreateAgentWallet(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWallet(wallet))
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.wallet(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewWallet(wallet))
}

func (s *Server) handleAgentDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountMicro int64  `json:"amount_micro"`
		TxHash      string `json:"tx_hash"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	wallet, ok := s.wallet(w, r)
	if !ok {
		return
	}
	lot, err := s.svc.Agents.FundFromDeposit(r.Context(), wallet, req.AmountMicro, req.TxHash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewLot(lot))
}

func (s *Server) handleAgentReserve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EstimatedCostMicro int64 `json:"estimated_cost_micro"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	wallet, ok := s.wallet(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Agents.ReserveForInference(r.Context(), wallet, req.EstimatedCostMicro)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewReservation(res))
}

func (s *Server) handleAgentFinalize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActualCostMicro int64 `json:"actual_cost_micro"`
	}
	if err := decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	wallet, ok := s.wallet(w, r)
	if !ok {
		return
	}
	res, err := s.svc.Agents.FinalizeInference(r.Context(), wallet, chi.URLParam(r, "id"), req.ActualCostMicro)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAgentBudget(w http.ResponseWriter, r *http.Request) {
	wallet, ok := s.wallet(w, r)
	if !ok {
		return
	}
	spent := s.svc.Agents.GetDailySpent(r.Context(), wallet.AccountID)
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id":             wallet.AccountID,
		"daily_cap_micro":        wallet.DailyCapMicro,
		"spent_today_micro":      spent,
		"remaining_budget_micro": max(0, wallet.DailyCapMicro-spent),
	})
}
