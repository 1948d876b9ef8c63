package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
	"github.com/tutu-network/settle/internal/infra/events"
	"github.com/tutu-network/settle/internal/infra/observability"
	"github.com/tutu-network/settle/internal/infra/sqlite"
)

// fakeAudit lets each test shape exactly what the checks see.
type fakeAudit struct {
	lots        []domain.AccountLotTotals
	badLots     []domain.Lot
	receivables []domain.Receivable
	platform    domain.PlatformTotals
	windows     []domain.WindowSpend

	lotsErr     error
	recvErr     error
	platformErr error
	panicOn     string
}

func (f *fakeAudit) AccountLotTotals(context.Context) ([]domain.AccountLotTotals, error) {
	if f.panicOn == CheckLotConservation {
		panic("corrupt row")
	}
	return f.lots, f.lotsErr
}

func (f *fakeAudit) LotConservationViolations(context.Context) ([]domain.Lot, error) {
	return f.badLots, f.lotsErr
}

func (f *fakeAudit) ReceivableViolations(context.Context) ([]domain.Receivable, error) {
	return f.receivables, f.recvErr
}

func (f *fakeAudit) PlatformTotals(context.Context) (domain.PlatformTotals, error) {
	return f.platform, f.platformErr
}

func (f *fakeAudit) WindowSpends(context.Context) ([]domain.WindowSpend, error) {
	return f.windows, nil
}

type memRuns struct {
	runs []domain.ReconciliationRun
	err  error
}

func (m *memRuns) SaveReconciliationRun(_ context.Context, run domain.ReconciliationRun) error {
	if m.err != nil {
		return m.err
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *memRuns) ListReconciliationRuns(_ context.Context, limit int) ([]domain.ReconciliationRun, error) {
	if limit > len(m.runs) {
		limit = len(m.runs)
	}
	return m.runs[:limit], nil
}

type captureEmitter struct {
	types []events.Type
	err   error
}

func (c *captureEmitter) Emit(_ context.Context, typ events.Type, _ any) error {
	c.types = append(c.types, typ)
	return c.err
}

func statusOf(run domain.ReconciliationRun, name string) domain.CheckStatus {
	for _, c := range run.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	return ""
}

// ─── Tests ──────────────────────────────────────────────────────────────────

func TestReconcile_CleanLedgerPasses(t *testing.T) {
	audit := &fakeAudit{
		lots:     []domain.AccountLotTotals{{AccountID: "a", OriginalMicro: 10, AvailableMicro: 3, ReservedMicro: 2, ConsumedMicro: 4}},
		platform: domain.PlatformTotals{LotBalanceMicro: 5, MintedMicro: 10},
		windows:  []domain.WindowSpend{{AccountID: "a", CachedSpendMicro: 7, ActualSpendMicro: 7}},
	}
	runs := &memRuns{}
	em := &captureEmitter{}
	svc := New(audit, runs, WithEmitter(em))

	run, err := svc.Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !run.Passed() || len(run.Divergences) != 0 {
		t.Errorf("run = %+v, want passed", run)
	}
	if len(run.Checks) != 4 {
		t.Errorf("got %d checks, want 4", len(run.Checks))
	}
	if len(runs.runs) != 1 {
		t.Error("run was not persisted")
	}
	if len(em.types) != 1 || em.types[0] != events.ReconciliationCompleted {
		t.Errorf("emitted %v, want ReconciliationCompleted", em.types)
	}
}

func TestReconcile_FlagsViolatingLot(t *testing.T) {
	audit := &fakeAudit{
		lots: []domain.AccountLotTotals{{AccountID: "acct-bad", OriginalMicro: 10, AvailableMicro: 3, ReservedMicro: 2, ConsumedMicro: 6}},
	}
	em := &captureEmitter{}
	run, err := New(audit, &memRuns{}, WithEmitter(em)).Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunDivergenceDetected {
		t.Fatalf("Status = %s, want divergence_detected", run.Status)
	}
	if statusOf(run, CheckLotConservation) != domain.CheckFailed {
		t.Errorf("lot check = %s, want failed", statusOf(run, CheckLotConservation))
	}
	if len(run.Divergences) != 1 || !strings.Contains(run.Divergences[0], "acct-bad") {
		t.Errorf("Divergences = %v", run.Divergences)
	}
	if em.types[0] != events.ReconciliationDivergence {
		t.Errorf("emitted %v", em.types)
	}
}

func TestReconcile_FlagsLotHiddenByAccountSum(t *testing.T) {
	audit := &fakeAudit{
		lots: []domain.AccountLotTotals{{AccountID: "acct-1", OriginalMicro: 20, AvailableMicro: 3, ReservedMicro: 2, ConsumedMicro: 6}},
		badLots: []domain.Lot{{ID: "lot-live", AccountID: "acct-1", OriginalMicro: 10,
			AvailableMicro: 3, ReservedMicro: 2, ConsumedMicro: 6}},
	}
	run, err := New(audit, &memRuns{}).Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if statusOf(run, CheckLotConservation) != domain.CheckFailed {
		t.Fatalf("lot check = %s, want failed", statusOf(run, CheckLotConservation))
	}
	if len(run.Divergences) != 1 || !strings.Contains(run.Divergences[0], "lot lot-live") {
		t.Errorf("Divergences = %v", run.Divergences)
	}
}

func TestReconcile_MissingTableSkipped(t *testing.T) {
	audit := &fakeAudit{recvErr: errors.New("SQL logic error: no such table: credit_receivables (1)")}
	run, err := New(audit, &memRuns{}).Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if statusOf(run, CheckReceivableBalance) != domain.CheckSkipped {
		t.Errorf("receivable check = %s, want skipped", statusOf(run, CheckReceivableBalance))
	}
	if !run.Passed() {
		t.Errorf("skipped check should count as passed, run = %+v", run)
	}
}

func TestReconcile_CheckErrorAndPanicIsolated(t *testing.T) {
	audit := &fakeAudit{
		panicOn:     CheckLotConservation,
		platformErr: errors.New("disk I/O error"),
		windows:     []domain.WindowSpend{{AccountID: "agent", CachedSpendMicro: 5, ActualSpendMicro: 3, WindowStart: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)}},
	}
	tr := observability.NewTracer(observability.DefaultTracerConfig())
	run, err := New(audit, &memRuns{}, WithTracer(tr)).Reconcile(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]domain.CheckStatus{
		CheckLotConservation:      domain.CheckFailed,
		CheckReceivableBalance:    domain.CheckPassed,
		CheckPlatformConservation: domain.CheckFailed,
		CheckBudgetConsistency:    domain.CheckFailed,
	}
	for name, status := range want {
		if got := statusOf(run, name); got != status {
			t.Errorf("%s = %s, want %s", name, got, status)
		}
	}
	if len(run.Divergences) != 3 {
		t.Errorf("Divergences = %v, want 3", run.Divergences)
	}
	if tr.SpanCount() != 4 {
		t.Errorf("SpanCount() = %d, want one span per check", tr.SpanCount())
	}
}

func TestReconcile_PlatformOverMinted(t *testing.T) {
	audit := &fakeAudit{platform: domain.PlatformTotals{LotBalanceMicro: 8, OutstandingReceivableMicro: 3, MintedMicro: 10}}
	run, _ := New(audit, &memRuns{}).Reconcile(context.Background())
	if statusOf(run, CheckPlatformConservation) != domain.CheckFailed {
		t.Errorf("platform check = %s, want failed", statusOf(run, CheckPlatformConservation))
	}
}

func TestReconcile_EmitterFailureIgnored(t *testing.T) {
	em := &captureEmitter{err: errors.New("bus down")}
	run, err := New(&fakeAudit{}, &memRuns{}, WithEmitter(em)).Reconcile(context.Background())
	if err != nil {
		t.Errorf("emit failure leaked into Reconcile: %v", err)
	}
	if !run.Passed() {
		t.Errorf("run = %+v", run)
	}
}

func TestReconcile_PersistFailureReturned(t *testing.T) {
	_, err := New(&fakeAudit{}, &memRuns{err: errors.New("read-only fs")}).Reconcile(context.Background())
	if err == nil {
		t.Error("persistence failure should be returned")
	}
}

func TestClampLimit(t *testing.T) {
	tests := map[int]int{0: 10, -3: 1, 1: 1, 50: 50, 100: 100, 1000: 100}
	for in, want := range tests {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

// ─── Against SQLite ─────────────────────────────────────────────────────────

func TestReconcile_SQLiteEndToEnd(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	db, err := sqlite.Open(t.TempDir(), sqlite.WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	agent, err := db.GetOrCreateAccount(ctx, domain.EntityAgent, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.MintLot(ctx, agent.ID, domain.USD(10), domain.SourceDeposit, domain.MintOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := db.RegisterSpendingLimit(ctx, domain.SpendingLimit{
		AccountID: agent.ID, DailyCapMicro: domain.USD(5),
		WindowStart: clock.StartOfUTCDay(clk.Now()), WindowDuration: 24 * time.Hour,
	}); err != nil {
		t.Fatal(err)
	}
	r, err := db.Reserve(ctx, agent.ID, "", domain.USD(2), domain.ReserveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Finalize(ctx, r.ID, domain.USD(1)); err != nil {
		t.Fatal(err)
	}

	svc := New(db, db, WithClock(clk))
	for i := 0; i < 3; i++ {
		run, err := svc.Reconcile(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if !run.Passed() {
			t.Fatalf("healthy ledger diverged: %v", run.Divergences)
		}
		clk.Advance(time.Minute)
	}

	history, err := svc.GetHistory(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || !history[0].StartedAt.After(history[1].StartedAt) {
		t.Errorf("GetHistory(2) = %+v, want two runs newest first", history)
	}
}

func TestReconcile_SQLiteFlagsOneBadLotNextToExpiredLot(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	db, err := sqlite.Open(t.TempDir(), sqlite.WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	acct, err := db.GetOrCreateAccount(ctx, domain.EntityUser, "u-1")
	if err != nil {
		t.Fatal(err)
	}
	soon := clk.Now().Add(time.Hour)
	if _, err := db.MintLot(ctx, acct.ID, 10, domain.SourceGrant, domain.MintOptions{ExpiresAt: &soon}); err != nil {
		t.Fatal(err)
	}
	live, err := db.MintLot(ctx, acct.ID, 10, domain.SourceGrant, domain.MintOptions{})
	if err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Hour)
	if _, _, err := db.ExpireLots(ctx); err != nil {
		t.Fatal(err)
	}

	raw, err := sql.Open("sqlite", "file:"+db.Path()+"?_pragma=busy_timeout(10000)")
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.ExecContext(ctx,
		`UPDATE credit_lots SET available_micro = 3, reserved_micro = 2, consumed_micro = 6 WHERE id = ?`,
		live.ID); err != nil {
		t.Fatal(err)
	}

	run, err := New(db, db, WithClock(clk)).Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if statusOf(run, CheckLotConservation) != domain.CheckFailed || run.Passed() {
		t.Fatalf("run = %s, lot check = %s; want the bad lot flagged", run.Status, statusOf(run, CheckLotConservation))
	}
	found := false
	for _, d := range run.Divergences {
		found = found || strings.Contains(d, live.ID)
	}
	if !found {
		t.Errorf("Divergences = %v, want one naming lot %s", run.Divergences, live.ID)
	}
}

func TestReconcile_SQLiteWindowOpenedAfterSpend(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	db, err := sqlite.Open(t.TempDir(), sqlite.WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	agent, err := db.GetOrCreateAccount(ctx, domain.EntityAgent, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.MintLot(ctx, agent.ID, domain.USD(10), domain.SourceDeposit, domain.MintOptions{}); err != nil {
		t.Fatal(err)
	}
	r, err := db.Reserve(ctx, agent.ID, "", domain.USD(2), domain.ReserveOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Finalize(ctx, r.ID, domain.USD(1)); err != nil {
		t.Fatal(err)
	}

	clk.Advance(time.Hour)
	if err := db.RegisterSpendingLimit(ctx, domain.SpendingLimit{
		AccountID: agent.ID, DailyCapMicro: domain.USD(5),
		WindowStart: clock.StartOfUTCDay(clk.Now()), WindowDuration: 24 * time.Hour,
	}); err != nil {
		t.Fatal(err)
	}
	limit, err := db.GetSpendingLimit(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if limit.CurrentSpendMicro != domain.USD(1) {
		t.Errorf("new window counter = %d, want the $1 finalized earlier today", limit.CurrentSpendMicro)
	}

	run, err := New(db, db, WithClock(clk)).Reconcile(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if statusOf(run, CheckBudgetConsistency) != domain.CheckPassed || !run.Passed() {
		t.Errorf("run = %s, divergences %v; want passed", run.Status, run.Divergences)
	}
}
