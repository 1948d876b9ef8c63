package agentwallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
	"github.com/tutu-network/settle/internal/infra/cache"
	"github.com/tutu-network/settle/internal/infra/sqlite"
)

const today = "2026-03-14"

type fixture struct {
	db  *sqlite.DB
	clk *clock.Manual
	svc *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	db, err := sqlite.Open(t.TempDir(), sqlite.WithClock(clk))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	opts = append([]Option{WithClock(clk)}, opts...)
	return &fixture{db: db, clk: clk, svc: New(DefaultConfig(), db, db, db, db, opts...)}
}

// fundedWallet creates a wallet with the given cap and deposits funds.
func (f *fixture) fundedWallet(t *testing.T, token string, capMicro, funds int64) domain.AgentWallet {
	t.Helper()
	ctx := context.Background()
	w, err := f.svc.CreateAgentWallet(ctx, WalletConfig{TokenID: token, DailyCapMicro: capMicro})
	if err != nil {
		t.Fatalf("CreateAgentWallet() error: %v", err)
	}
	if _, err := f.svc.FundFromDeposit(ctx, w, funds, "0xdeposit-"+token); err != nil {
		t.Fatalf("FundFromDeposit() error: %v", err)
	}
	return w
}

func (f *fixture) reserve(t *testing.T, w domain.AgentWallet, amount int64) domain.Reservation {
	t.Helper()
	r, err := f.svc.ReserveForInference(context.Background(), w, amount)
	if err != nil {
		t.Fatalf("ReserveForInference(%d) error: %v", amount, err)
	}
	return r
}

// fakeTier is a scriptable SpendTier.
type fakeTier struct {
	name   string
	vals   map[string]int64
	getErr error
	sets   int
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{name: name, vals: make(map[string]int64)}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Get(_ context.Context, accountID, day string) (int64, bool, error) {
	if f.getErr != nil {
		return 0, false, f.getErr
	}
	v, ok := f.vals[accountID+day]
	return v, ok, nil
}

func (f *fakeTier) IncrBy(_ context.Context, accountID, day string, delta int64, _ time.Time) (int64, error) {
	f.vals[accountID+day] += delta
	return f.vals[accountID+day], nil
}

func (f *fakeTier) Set(_ context.Context, accountID, day string, v int64, _ time.Time) error {
	f.sets++
	f.vals[accountID+day] = v
	return nil
}

type brokenStore struct{}

func (brokenStore) DailySpend(context.Context, string, string) (int64, error) {
	return 0, errors.New("database is locked")
}

func (brokenStore) AddDailySpend(context.Context, string, string, int64) (int64, error) {
	return 0, errors.New("database is locked")
}

func (brokenStore) ClaimDailySpend(context.Context, string, string, int64, int64) (int64, int64, error) {
	return 0, 0, errors.New("database is locked")
}

// ─── Wallets ────────────────────────────────────────────────────────────────

func TestCreateAgentWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w, err := f.svc.CreateAgentWallet(ctx, WalletConfig{TokenID: "token-7", CommunityID: "guild", IdentityAnchor: "did:anchor:1"})
	if err != nil {
		t.Fatal(err)
	}
	if w.DailyCapMicro != domain.USD(10) || w.RefillThresholdMicro != domain.USD(1) {
		t.Errorf("defaults not applied: %+v", w)
	}
	if err := domain.ValidatePayoutAddress(w.Address); err != nil {
		t.Errorf("address %q is not checksummed: %v", w.Address, err)
	}
	if w.Address != domain.DeriveAgentAddress("token-7", "did:anchor:1") {
		t.Error("address is not deterministic")
	}

	again, err := f.svc.CreateAgentWallet(ctx, WalletConfig{TokenID: "token-7", IdentityAnchor: "did:anchor:1", DailyCapMicro: domain.USD(99)})
	if err != nil {
		t.Fatalf("repeat create error: %v", err)
	}
	if again.AccountID != w.AccountID || again.DailyCapMicro != w.DailyCapMicro {
		t.Errorf("repeat create = %+v, want the original wallet", again)
	}

	limit, err := f.db.GetSpendingLimit(ctx, w.AccountID)
	if err != nil {
		t.Fatal(err)
	}
	if !limit.Active || limit.DailyCapMicro != domain.USD(10) {
		t.Errorf("spending limit = %+v", limit)
	}

	_, err = f.svc.CreateAgentWallet(ctx, WalletConfig{TokenID: "token-8", IdentityAnchor: "did:anchor:1"})
	if domain.KindOf(err) != domain.KindConflict {
		t.Errorf("reused anchor error = %v, want CONFLICT", err)
	}

	if _, err := f.svc.CreateAgentWallet(ctx, WalletConfig{}); domain.KindOf(err) != domain.KindValidation {
		t.Errorf("missing token error = %v", err)
	}
}

func TestFundFromDeposit_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "token-1", domain.USD(5), domain.USD(20))

	if _, err := f.svc.FundFromDeposit(ctx, w, domain.USD(20), "0xdeposit-token-1"); err != nil {
		t.Fatal(err)
	}
	bal, err := f.db.GetBalance(ctx, w.AccountID)
	if err != nil {
		t.Fatal(err)
	}
	if bal.AvailableMicro != domain.USD(20) || bal.LotCount != 1 {
		t.Errorf("balance = %+v, want one $20 lot", bal)
	}
	if _, err := f.svc.FundFromDeposit(ctx, w, domain.USD(1), ""); domain.KindOf(err) != domain.KindValidation {
		t.Errorf("missing tx hash error = %v", err)
	}
}

// ─── Budget ─────────────────────────────────────────────────────────────────

func TestFinalizeInference_ClampsToRemainingCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "token-1", domain.USD(5), domain.USD(20))

	first := f.reserve(t, w, domain.Cents(450))
	second := f.reserve(t, w, domain.USD(1))

	if _, err := f.svc.FinalizeInference(ctx, w, first.ID, domain.Cents(450)); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.FinalizeInference(ctx, w, second.ID, domain.USD(1))
	if err != nil {
		t.Fatal(err)
	}
	if res.ActualCostMicro != 500_000 || !res.Clamped || res.RequestedCostMicro != 1_000_000 {
		t.Errorf("result = %+v, want $0.50 charged after clamp", res)
	}
	if res.SurplusReleasedMicro != 500_000 || res.RemainingBudgetMicro != 0 {
		t.Errorf("result = %+v, want $0.50 surplus and nothing left", res)
	}
	if got := f.svc.GetRemainingDailyBudget(ctx, w); got != 0 {
		t.Errorf("GetRemainingDailyBudget() = %d, want 0", got)
	}
	if spent, _ := f.db.DailySpend(ctx, w.AccountID, today); spent != domain.USD(5) {
		t.Errorf("durable spend = %d, want $5", spent)
	}
	if got := f.svc.GetDailySpentSync(w.AccountID); got != domain.USD(5) {
		t.Errorf("GetDailySpentSync() = %d, want $5", got)
	}
	limit, _ := f.db.GetSpendingLimit(ctx, w.AccountID)
	if limit.CurrentSpendMicro != domain.USD(5) {
		t.Errorf("window spend = %d, want $5", limit.CurrentSpendMicro)
	}
}

func TestFinalizeInference_ConcurrentFinalizesHoldTheCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "token-1", domain.USD(5), domain.USD(20))

	first := f.reserve(t, w, domain.Cents(450))
	pending := make([]domain.Reservation, 8)
	for i := range pending {
		pending[i] = f.reserve(t, w, domain.USD(1))
	}
	if _, err := f.svc.FinalizeInference(ctx, w, first.ID, domain.Cents(450)); err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		charged int64
	)
	for _, r := range pending {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := f.svc.FinalizeInference(ctx, w, id, domain.USD(1))
			if err != nil {
				t.Errorf("FinalizeInference(%s) error: %v", id, err)
				return
			}
			mu.Lock()
			charged += res.ActualCostMicro
			mu.Unlock()
		}(r.ID)
	}
	wg.Wait()

	if charged != domain.Cents(50) {
		t.Errorf("concurrent finalizes charged %d, want the $0.50 left under the cap", charged)
	}
	if spent, _ := f.db.DailySpend(ctx, w.AccountID, today); spent != domain.USD(5) {
		t.Errorf("durable spend = %d, want exactly the $5 cap", spent)
	}
	limit, _ := f.db.GetSpendingLimit(ctx, w.AccountID)
	if limit.CurrentSpendMicro != domain.USD(5) {
		t.Errorf("window spend = %d, want $5", limit.CurrentSpendMicro)
	}
}

func TestFinalizeInference_ReleasesClaimWhenLedgerRefuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "token-1", domain.USD(5), domain.USD(20))

	r := f.reserve(t, w, domain.USD(1))
	if _, err := f.svc.FinalizeInference(ctx, w, r.ID, domain.USD(3)); err == nil {
		t.Fatal("charging more than was reserved should fail")
	}
	if spent, _ := f.db.DailySpend(ctx, w.AccountID, today); spent != 0 {
		t.Errorf("durable spend after refused finalize = %d, want 0", spent)
	}

	if _, err := f.svc.FinalizeInference(ctx, w, r.ID, domain.USD(1)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.FinalizeInference(ctx, w, r.ID, domain.USD(1)); domain.KindOf(err) != domain.KindConflict {
		t.Errorf("second finalize error = %v, want CONFLICT", err)
	}
	if spent, _ := f.db.DailySpend(ctx, w.AccountID, today); spent != domain.USD(1) {
		t.Errorf("durable spend = %d, want $1", spent)
	}
}

func TestReserveForInference_PreflightRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "token-1", domain.USD(5), domain.USD(20))

	r := f.reserve(t, w, domain.Cents(450))
	if _, err := f.svc.FinalizeInference(ctx, w, r.ID, domain.Cents(450)); err != nil {
		t.Fatal(err)
	}

	_, err := f.svc.ReserveForInference(ctx, w, domain.USD(1))
	var be *domain.BudgetExceededError
	if !errors.As(err, &be) || be.SpentMicro != domain.Cents(450) {
		t.Fatalf("error = %v, want BudgetExceededError with $4.50 spent", err)
	}
	if _, err := f.svc.ReserveForInference(ctx, w, domain.Cents(50)); err != nil {
		t.Errorf("reserving exactly the remainder failed: %v", err)
	}
}

func TestFinalizeInference_NeedsRefill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "token-1", domain.USD(5), domain.USD(2))

	r := f.reserve(t, w, domain.Cents(150))
	res, err := f.svc.FinalizeInference(ctx, w, r.ID, domain.Cents(150))
	if err != nil {
		t.Fatal(err)
	}
	if !res.NeedsRefill {
		t.Errorf("result = %+v, want NeedsRefill with $0.50 left under a $1 threshold", res)
	}
}

func TestFinalizeInference_RejectsForeignReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.fundedWallet(t, "token-a", domain.USD(5), domain.USD(5))
	b := f.fundedWallet(t, "token-b", domain.USD(5), domain.USD(5))

	r := f.reserve(t, a, domain.USD(1))
	if _, err := f.svc.FinalizeInference(ctx, b, r.ID, domain.USD(1)); domain.KindOf(err) != domain.KindValidation {
		t.Errorf("error = %v, want VALIDATION_ERROR", err)
	}
}

func TestDailySpend_RollsOverAtUTCMidnight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.fundedWallet(t, "token-1", domain.USD(5), domain.USD(20))

	r := f.reserve(t, w, domain.USD(5))
	if _, err := f.svc.FinalizeInference(ctx, w, r.ID, domain.USD(5)); err != nil {
		t.Fatal(err)
	}
	if got := f.svc.GetRemainingDailyBudget(ctx, w); got != 0 {
		t.Fatalf("remaining today = %d, want 0", got)
	}
	f.clk.Set(time.Date(2026, 3, 15, 0, 0, 1, 0, time.UTC))
	if got := f.svc.GetRemainingDailyBudget(ctx, w); got != domain.USD(5) {
		t.Errorf("remaining after midnight = %d, want $5", got)
	}
}

// ─── Tiers ──────────────────────────────────────────────────────────────────

func TestGetDailySpent_CacheFirstThenBackfill(t *testing.T) {
	c := newFakeTier("cache")
	f := newFixture(t, WithCache(c))
	ctx := context.Background()
	if _, err := f.db.AddDailySpend(ctx, "acct", today, 700); err != nil {
		t.Fatal(err)
	}

	c.vals["acct"+today] = 300
	if got := f.svc.GetDailySpent(ctx, "acct"); got != 300 {
		t.Errorf("GetDailySpent() = %d, want the cached 300", got)
	}

	c.getErr = errors.New("connection refused")
	if got := f.svc.GetDailySpent(ctx, "acct"); got != 700 {
		t.Errorf("GetDailySpent() with cache down = %d, want store's 700", got)
	}
	c.getErr = nil
	if c.vals["acct"+today] != 700 {
		t.Errorf("cache not backfilled: %d", c.vals["acct"+today])
	}
}

func TestSpendChain_FallsBackToMemory(t *testing.T) {
	f := newFixture(t)
	svc := New(DefaultConfig(), f.db, f.db, f.db, brokenStore{}, WithClock(f.clk))
	ctx := context.Background()

	w, err := svc.CreateAgentWallet(ctx, WalletConfig{TokenID: "token-1", DailyCapMicro: domain.USD(5)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.FundFromDeposit(ctx, w, domain.USD(10), "0xd"); err != nil {
		t.Fatal(err)
	}
	r, err := svc.ReserveForInference(ctx, w, domain.USD(3))
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.FinalizeInference(ctx, w, r.ID, domain.USD(3))
	if err != nil {
		t.Fatalf("finalize must survive a broken spend store: %v", err)
	}
	if res.RemainingBudgetMicro != domain.USD(2) {
		t.Errorf("RemainingBudgetMicro = %d, want $2", res.RemainingBudgetMicro)
	}
	if got := svc.GetDailySpent(ctx, w.AccountID); got != domain.USD(3) {
		t.Errorf("GetDailySpent() = %d, want memory's $3", got)
	}
}

func TestSpendChain_RedisCache(t *testing.T) {
	m := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := newFixture(t, WithCache(cache.NewSpendCache(rdb, nil)))
	m.SetTime(f.clk.Now())
	ctx := context.Background()
	w := f.fundedWallet(t, "token-1", domain.USD(5), domain.USD(20))

	r := f.reserve(t, w, domain.USD(2))
	if _, err := f.svc.FinalizeInference(ctx, w, r.ID, domain.Cents(125)); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get(cache.SpendKey(w.AccountID, today))
	if err != nil {
		t.Fatal(err)
	}
	if got != "1250000" {
		t.Errorf("cached spend = %q, want 1250000", got)
	}
	if ttl := m.TTL(cache.SpendKey(w.AccountID, today)); ttl != 12*time.Hour {
		t.Errorf("TTL = %v, want 12h to UTC midnight", ttl)
	}
	if f.svc.String() != "agentwallet(cache -> store -> memory)" {
		t.Errorf("String() = %q", f.svc.String())
	}
}

func TestMemoryTier_PrunesOldDays(t *testing.T) {
	m := NewMemoryTier()
	ctx := context.Background()
	m.IncrBy(ctx, "a", "2026-03-13", 5, time.Time{})
	m.IncrBy(ctx, "a", "2026-03-14", 7, time.Time{})
	if _, ok := m.Peek("a", "2026-03-13"); ok {
		t.Error("yesterday's counter survived a write for today")
	}
	if v, _ := m.Peek("a", "2026-03-14"); v != 7 {
		t.Errorf("Peek() = %d, want 7", v)
	}
}
