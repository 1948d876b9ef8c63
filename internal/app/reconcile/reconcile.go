// Package reconcile audits the ledger for conservation violations.
//
// Reconciliation is alert-only: it reads, records what it found, emits an
// event, and never corrects anything. Each check runs in isolation so one
// broken check cannot hide the others.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
	"github.com/tutu-network/settle/internal/infra/events"
	"github.com/tutu-network/settle/internal/infra/observability"
	"github.com/tutu-network/settle/internal/infra/sqlite"
)

// Check names.
const (
	CheckLotConservation      = "lot_conservation"
	CheckReceivableBalance    = "receivable_balance"
	CheckPlatformConservation = "platform_conservation"
	CheckBudgetConsistency    = "budget_consistency"
)

// History limits.
const (
	DefaultHistoryLimit = 10
	MaxHistoryLimit     = 100
)

// AuditSource is the read-only view the checks run against.
type AuditSource interface {
	AccountLotTotals(ctx context.Context) ([]domain.AccountLotTotals, error)
	LotConservationViolations(ctx context.Context) ([]domain.Lot, error)
	ReceivableViolations(ctx context.Context) ([]domain.Receivable, error)
	PlatformTotals(ctx context.Context) (domain.PlatformTotals, error)
	WindowSpends(ctx context.Context) ([]domain.WindowSpend, error)
}

// RunStore persists run records. It is the only thing reconciliation writes.
type RunStore interface {
	SaveReconciliationRun(ctx context.Context, run domain.ReconciliationRun) error
	ListReconciliationRuns(ctx context.Context, limit int) ([]domain.ReconciliationRun, error)
}

// Service runs reconciliation passes.
type Service struct {
	audit   AuditSource
	runs    RunStore
	emitter events.Emitter
	tracer  *observability.Tracer
	clock   clock.Clock
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEmitter sets the event emitter (default: discard).
func WithEmitter(e events.Emitter) Option { return func(s *Service) { s.emitter = e } }

// WithTracer records a span per check.
func WithTracer(t *observability.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger (default: no-op).
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// New creates a Service.
func New(audit AuditSource, runs RunStore, opts ...Option) *Service {
	s := &Service{
		audit:   audit,
		runs:    runs,
		emitter: events.Nop{},
		clock:   clock.System(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// checkFunc returns the check's details and the divergences it found.
type checkFunc func(ctx context.Context) (details string, divergences []string, err error)

// Reconcile runs all four checks, persists the run and emits the outcome.
// The returned error covers persistence only; divergences are reported in
// the run, not as an error.
func (s *Service) Reconcile(ctx context.Context) (domain.ReconciliationRun, error) {
	run := domain.ReconciliationRun{
		ID:          uuid.NewString(),
		StartedAt:   s.clock.Now().UTC(),
		Status:      domain.RunPassed,
		Divergences: []string{},
	}

	checks := []struct {
		name string
		fn   checkFunc
	}{
		{CheckLotConservation, s.checkLotConservation},
		{CheckReceivableBalance, s.checkReceivableBalance},
		{CheckPlatformConservation, s.checkPlatformConservation},
		{CheckBudgetConsistency, s.checkBudgetConsistency},
	}
	for _, c := range checks {
		result, divs := s.runCheck(ctx, run.ID, c.name, c.fn)
		run.Checks = append(run.Checks, result)
		run.Divergences = append(run.Divergences, divs...)
		if result.Status == domain.CheckFailed {
			run.Status = domain.RunDivergenceDetected
		}
	}
	run.FinishedAt = s.clock.Now().UTC()

	observability.ReconciliationRuns.WithLabelValues(string(run.Status)).Inc()
	observability.ReconciliationDivergences.Set(float64(len(run.Divergences)))

	if err := s.runs.SaveReconciliationRun(ctx, run); err != nil {
		return run, fmt.Errorf("persist reconciliation run: %w", err)
	}

	s.emit(ctx, run)
	if run.Passed() {
		s.logger.Info("reconciliation passed", zap.String("run_id", run.ID))
	} else {
		s.logger.Warn("reconciliation divergence detected",
			zap.String("run_id", run.ID),
			zap.Strings("divergences", run.Divergences))
	}
	return run, nil
}

// runCheck executes one check, converting a panic or error into a failed
// result and a missing table into a skipped one.
func (s *Service) runCheck(ctx context.Context, runID, name string, fn checkFunc) (result domain.CheckResult, divs []string) {
	span := s.tracer.StartSpan(ctx, "reconcile."+name, map[string]string{"run_id": runID})
	start := time.Now()
	var spanErr error
	defer func() {
		if r := recover(); r != nil {
			result = domain.CheckResult{Name: name, Status: domain.CheckFailed, Details: fmt.Sprintf("check panicked: %v", r)}
			divs = []string{fmt.Sprintf("%s: check panicked: %v", name, r)}
			spanErr = fmt.Errorf("panic: %v", r)
		}
		s.tracer.EndSpan(span, spanErr)
		observability.ReconciliationCheckDuration.
			WithLabelValues(name, string(result.Status)).
			Observe(time.Since(start).Seconds())
	}()

	details, found, err := fn(ctx)
	switch {
	case err != nil && sqlite.IsMissingTable(err):
		return domain.CheckResult{Name: name, Status: domain.CheckSkipped, Details: "table not present: " + err.Error()}, nil
	case err != nil:
		spanErr = err
		return domain.CheckResult{Name: name, Status: domain.CheckFailed, Details: "check error: " + err.Error()},
			[]string{fmt.Sprintf("%s: check error: %v", name, err)}
	case len(found) > 0:
		return domain.CheckResult{Name: name, Status: domain.CheckFailed, Details: details}, found
	default:
		return domain.CheckResult{Name: name, Status: domain.CheckPassed, Details: details}, nil
	}
}

func (s *Service) emit(ctx context.Context, run domain.ReconciliationRun) {
	typ := events.ReconciliationCompleted
	if !run.Passed() {
		typ = events.ReconciliationDivergence
	}
	payload := struct {
		RunID       string               `json:"run_id"`
		Status      domain.RunStatus     `json:"status"`
		StartedAt   string               `json:"started_at"`
		FinishedAt  string               `json:"finished_at"`
		Checks      []domain.CheckResult `json:"checks"`
		Divergences []string             `json:"divergences"`
	}{
		RunID:       run.ID,
		Status:      run.Status,
		StartedAt:   clock.Wire(run.StartedAt),
		FinishedAt:  clock.Wire(run.FinishedAt),
		Checks:      run.Checks,
		Divergences: run.Divergences,
	}
	if err := s.emitter.Emit(ctx, typ, payload); err != nil {
		s.logger.Warn("reconciliation event not delivered",
			zap.String("run_id", run.ID), zap.String("event_type", string(typ)), zap.Error(err))
	}
}

// GetHistory returns recent runs, newest first. limit is clamped to
// [1, MaxHistoryLimit]; zero means DefaultHistoryLimit.
func (s *Service) GetHistory(ctx context.Context, limit int) ([]domain.ReconciliationRun, error) {
	return s.runs.ListReconciliationRuns(ctx, ClampLimit(limit))
}

// ClampLimit applies the history limit rules.
func ClampLimit(limit int) int {
	switch {
	case limit == 0:
		return DefaultHistoryLimit
	case limit < 1:
		return 1
	case limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return limit
}

// ─── Checks ─────────────────────────────────────────────────────────────────

func (s *Service) checkLotConservation(ctx context.Context) (string, []string, error) {
	totals, err := s.audit.AccountLotTotals(ctx)
	if err != nil {
		return "", nil, err
	}
	var divs []string
	for _, t := range totals {
		lot := domain.Lot{
			OriginalMicro:  t.OriginalMicro,
			AvailableMicro: t.AvailableMicro,
			ReservedMicro:  t.ReservedMicro,
			ConsumedMicro:  t.ConsumedMicro,
		}
		if !lot.Conserved() {
			divs = append(divs, fmt.Sprintf(
				"%s: account %s lots hold %d more than minted (available %d + reserved %d + consumed %d > original %d)",
				CheckLotConservation, t.AccountID, -lot.ConservationGap(),
				t.AvailableMicro, t.ReservedMicro, t.ConsumedMicro, t.OriginalMicro))
		}
	}
	badAccounts := len(divs)

	lots, err := s.audit.LotConservationViolations(ctx)
	if err != nil {
		return "", nil, err
	}
	for _, l := range lots {
		divs = append(divs, fmt.Sprintf(
			"%s: lot %s (account %s) holds %d more than minted (available %d + reserved %d + consumed %d > original %d)",
			CheckLotConservation, l.ID, l.AccountID, -l.ConservationGap(),
			l.AvailableMicro, l.ReservedMicro, l.ConsumedMicro, l.OriginalMicro))
	}
	return fmt.Sprintf("%d accounts checked, %d violating; %d lots violating",
		len(totals), badAccounts, len(lots)), divs, nil
}

func (s *Service) checkReceivableBalance(ctx context.Context) (string, []string, error) {
	bad, err := s.audit.ReceivableViolations(ctx)
	if err != nil {
		return "", nil, err
	}
	divs := make([]string, 0, len(bad))
	for _, r := range bad {
		divs = append(divs, fmt.Sprintf("%s: receivable %s (account %s) balance %d outside [0, %d]",
			CheckReceivableBalance, r.ID, r.AccountID, r.BalanceMicro, r.OriginalMicro))
	}
	return fmt.Sprintf("%d receivables out of bounds", len(bad)), divs, nil
}

func (s *Service) checkPlatformConservation(ctx context.Context) (string, []string, error) {
	t, err := s.audit.PlatformTotals(ctx)
	if err != nil {
		return "", nil, err
	}
	held, err := domain.AddMicro(t.LotBalanceMicro, t.OutstandingReceivableMicro)
	if err != nil {
		return "", nil, err
	}
	details := fmt.Sprintf("lot balances %d + receivables %d vs minted %d",
		t.LotBalanceMicro, t.OutstandingReceivableMicro, t.MintedMicro)
	if held > t.MintedMicro {
		return details, []string{fmt.Sprintf("%s: %s (over by %d)", CheckPlatformConservation, details, held-t.MintedMicro)}, nil
	}
	return details, nil, nil
}

func (s *Service) checkBudgetConsistency(ctx context.Context) (string, []string, error) {
	spends, err := s.audit.WindowSpends(ctx)
	if err != nil {
		return "", nil, err
	}
	var divs []string
	for _, w := range spends {
		if w.CachedSpendMicro != w.ActualSpendMicro {
			divs = append(divs, fmt.Sprintf("%s: account %s window %s counter %d != finalized %d",
				CheckBudgetConsistency, w.AccountID, clock.Wire(w.WindowStart),
				w.CachedSpendMicro, w.ActualSpendMicro))
		}
	}
	return fmt.Sprintf("%d active windows checked, %d mismatched", len(spends), len(divs)), divs, nil
}
