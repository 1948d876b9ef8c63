package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tutu-network/settle/internal/app/payout"
	"github.com/tutu-network/settle/internal/app/reconcile"
	"github.com/tutu-network/settle/internal/domain"
)

// ─── Payout API ─────────────────────────────────────────────────────────────
//
// POST /api/v1/payouts                                      request a withdrawal
// GET  /api/v1/payouts/{id}                                 payout record
// POST /api/v1/payouts/{id}/{process|complete|fail|cancel}
// GET  /api/v1/accounts/{id}/payouts                        payouts, newest first
// GET  /api/v1/accounts/{id}/withdrawable                   settled minus escrow
// GET  /api/v1/accounts/{id}/kyc                            progressive KYC status

// handleRequestPayout answers rejections with the structured result and the
// status code of the gate that failed.
func (s *Server) handleRequestPayout(w http.ResponseWriter, r *http.Request) {
	var in payout.Input
	if err := decode(r, &in); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Payouts.RequestPayout(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !res.Success {
		writeJSON(w, StatusForKind(res.Kind), res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Payouts.GetPayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPayout(p))
}

type payoutActionRequest struct {
	TxHash string `json:"tx_hash,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePayoutAction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req payoutActionRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	var (
		p   domain.PayoutRequest
		err error
	)
	switch action := chi.URLParam(r, "action"); action {
	case "process":
		p, err = s.svc.Payouts.StartProcessing(r.Context(), id)
	case "complete":
		p, err = s.svc.Payouts.Complete(r.Context(), id, req.TxHash)
	case "fail":
		p, err = s.svc.Payouts.Fail(r.Context(), id, req.Reason)
	case "cancel":
		p, err = s.svc.Payouts.Cancel(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, domain.KindNotFound, "unknown payout action "+action)
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewPayout(p))
}

func (s *Server) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, 20)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	list, err := s.svc.Payouts.ListPayouts(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payouts": mapSlice(list, viewPayout)})
}

func (s *Server) handleWithdrawable(w http.ResponseWriter, r *http.Request) {
	wb, err := s.svc.Payouts.GetWithdrawableBalance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wb)
}

func (s *Server) handleKYCStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Payouts.GetKycStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─── Reconciliation API ─────────────────────────────────────────────────────
//
// POST /api/v1/reconciliation/runs         run every check now
// GET  /api/v1/reconciliation/runs?limit=  history, newest first

// handleRunReconciliation answers 200 even when divergences were found: the
// run itself succeeded and its status says what it saw.
func (s *Server) handleRunReconciliation(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Reconcile.Reconcile(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewRun(run))
}

func (s *Server) handleReconciliationHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r, reconcile.DefaultHistoryLimit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	runs, err := s.svc.Reconcile.GetHistory(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": mapSlice(runs, viewRun)})
}
