package domain

import "time"

// ─── Reconciliation Types ───────────────────────────────────────────────────

// CheckStatus is the outcome of one reconciliation check.
type CheckStatus string

const (
	CheckPassed  CheckStatus = "passed"
	CheckFailed  CheckStatus = "failed"
	CheckSkipped CheckStatus = "skipped"
)

// RunStatus is the aggregate outcome of a reconciliation run.
type RunStatus string

const (
	RunPassed             RunStatus = "passed"
	RunDivergenceDetected RunStatus = "divergence_detected"
)

// CheckResult is one named check inside a run.
type CheckResult struct {
	Name    string      `json:"name"`
	Status  CheckStatus `json:"status"`
	Details string      `json:"details"`
}

// ReconciliationRun is an immutable audit record.
type ReconciliationRun struct {
	ID          string        `json:"id"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
	Status      RunStatus     `json:"status"`
	Checks      []CheckResult `json:"checks"`
	Divergences []string      `json:"divergences"`
}

// Passed reports whether the run found nothing to investigate.
func (r ReconciliationRun) Passed() bool { return r.Status == RunPassed }

// AccountLotTotals are the per-account sums the lot conservation check needs.
type AccountLotTotals struct {
	AccountID      string
	AvailableMicro int64
	ReservedMicro  int64
	ConsumedMicro  int64
	OriginalMicro  int64
}

// PlatformTotals are the global sums for the platform conservation check.
type PlatformTotals struct {
	LotBalanceMicro            int64
	OutstandingReceivableMicro int64
	MintedMicro                int64
}

// WindowSpend pairs a cached spend counter with the sum recomputed from
// finalized reservations in the same window.
type WindowSpend struct {
	AccountID        string
	WindowStart      time.Time
	CachedSpendMicro int64
	ActualSpendMicro int64
}
