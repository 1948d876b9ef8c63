// Package api provides the settle HTTP server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tutu-network/settle/internal/app/agentwallet"
	"github.com/tutu-network/settle/internal/app/payout"
	"github.com/tutu-network/settle/internal/app/reconcile"
	"github.com/tutu-network/settle/internal/app/revenue"
	"github.com/tutu-network/settle/internal/domain"
	"github.com/tutu-network/settle/internal/infra/observability"
)

// Ledger is the slice of the credit ledger the API exposes.
type Ledger interface {
	GetOrCreateAccount(ctx context.Context, entityType domain.EntityType, entityID string) (domain.Account, error)
	GetAccount(ctx context.Context, accountID string) (domain.Account, error)
	SetKYCLevel(ctx context.Context, accountID string, level domain.KYCLevel) error
	GetBalance(ctx context.Context, accountID string) (domain.Balance, error)
	MintLot(ctx context.Context, accountID string, amountMicro int64, source domain.SourceType, opts domain.MintOptions) (domain.Lot, error)
	ListLots(ctx context.Context, accountID string) ([]domain.Lot, error)
	ListEntries(ctx context.Context, accountID string, limit int) ([]domain.LedgerEntry, error)
	Reserve(ctx context.Context, accountID, poolID string, amountMicro int64, opts domain.ReserveOptions) (domain.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	Cancel(ctx context.Context, reservationID string) error
}

// Metering finalizes reservations with revenue distribution.
type Metering interface {
	FinalizeWithDistribution(ctx context.Context, reservationID string, actualCostMicro int64) (domain.FinalizeResult, revenue.Shares, error)
}

// Services holds everything the routes call. Nil services leave their
// routes unmounted.
type Services struct {
	Ledger    Ledger
	Metering  Metering
	Payouts   *payout.Service
	Reconcile *reconcile.Service
	Agents    *agentwallet.Service
	Events    *EventHub
}

// Server is the settle HTTP API server.
type Server struct {
	svc            Services
	logger         *zap.Logger
	requestTimeout time.Duration
	metricsEnabled bool
	ready          func(context.Context) error
}

// NewServer creates a new API server.
func NewServer(svc Services, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{svc: svc, logger: logger, requestTimeout: 30 * time.Second}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetRequestTimeout bounds every request.
func (s *Server) SetRequestTimeout(d time.Duration) {
	if d > 0 {
		s.requestTimeout = d
	}
}

// SetReadiness makes /health fail while check fails.
func (s *Server) SetReadiness(check func(context.Context) error) { s.ready = check }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(traceRequests)
	r.Use(s.countRequests)

	r.Get("/health", s.handleHealth)
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	// The event stream is long-lived and sits outside the request timeout.
	if s.svc.Events != nil {
		r.Get("/api/v1/events", s.svc.Events.HandleSSE)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))

		if s.svc.Ledger != nil {
			r.Post("/accounts", s.handleCreateAccount)
			r.Get("/accounts/{id}", s.handleGetAccount)
			r.Put("/accounts/{id}/kyc", s.handleSetKYC)
			r.Get("/accounts/{id}/balance", s.handleBalance)
			r.Get("/accounts/{id}/lots", s.handleListLots)
			r.Post("/accounts/{id}/lots", s.handleMintLot)
			r.Get("/accounts/{id}/entries", s.handleListEntries)
			r.Post("/reservations", s.handleReserve)
			r.Get("/reservations/{id}", s.handleGetReservation)
			r.Post("/reservations/{id}/cancel", s.handleCancelReservation)
			if s.svc.Metering != nil {
				r.Post("/reservations/{id}/finalize", s.handleFinalize)
			}
		}

		if s.svc.Payouts != nil {
			r.Post("/payouts", s.handleRequestPayout)
			r.Get("/payouts/{id}", s.handleGetPayout)
			r.Post("/payouts/{id}/{action}", s.handlePayoutAction)
			r.Get("/accounts/{id}/payouts", s.handleListPayouts)
			r.Get("/accounts/{id}/withdrawable", s.handleWithdrawable)
			r.Get("/accounts/{id}/kyc", s.handleKYCStatus)
		}

		if s.svc.Reconcile != nil {
			r.Post("/reconciliation/runs", s.handleRunReconciliation)
			r.Get("/reconciliation/runs", s.handleReconciliationHistory)
		}

		if s.svc.Agents != nil {
			r.Post("/agents", s.handleCreateAgent)
			r.Get("/agents/{token}", s.handleGetAgent)
			r.Post("/agents/{token}/deposits", s.handleAgentDeposit)
			r.Post("/agents/{token}/inferences", s.handleAgentReserve)
			r.Post("/agents/{token}/inferences/{id}/finalize", s.handleAgentFinalize)
			r.Get("/agents/{token}/budget", s.handleAgentBudget)
		}
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, domain.KindInternal, "not ready: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// countRequests records every response by route pattern.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

// traceRequests tags the request context with the chi request id so spans
// recorded while serving it share a trace id.
func traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			r = r.WithContext(observability.WithTraceID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, kind domain.ErrorKind, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"kind":    kind,
		},
	})
}

// fail maps err onto a status code by kind. Internal errors are logged and
// their text is not returned.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := StatusForKind(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		writeError(w, status, kind, "internal error")
		return
	}
	writeError(w, status, kind, err.Error())
}

// StatusForKind is the HTTP status for an error kind.
func StatusForKind(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindConflict, domain.KindTreasuryConflict:
		return http.StatusConflict
	case domain.KindInsufficientBalance, domain.KindBudgetExceeded:
		return http.StatusPaymentRequired
	case domain.KindRateLimited:
		return http.StatusTooManyRequests
	case domain.KindKYCRequired:
		return http.StatusForbidden
	case domain.KindFeeCapExceeded, domain.KindReconciliationDivergence:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return domain.Invalid("body", "larger than %d bytes", maxErr.Limit)
		}
		return domain.Invalid("body", "%v", err)
	}
	return nil
}

// queryLimit parses ?limit=, returning def when absent.
func queryLimit(r *http.Request, def int) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, domain.Invalid("limit", "not an integer: %q", v)
	}
	return n, nil
}
