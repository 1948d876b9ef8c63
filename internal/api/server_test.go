package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tutu-network/settle/internal/app/agentwallet"
	"github.com/tutu-network/settle/internal/app/payout"
	"github.com/tutu-network/settle/internal/app/reconcile"
	"github.com/tutu-network/settle/internal/app/revenue"
	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
	"github.com/tutu-network/settle/internal/infra/events"
	"github.com/tutu-network/settle/internal/infra/observability"
	"github.com/tutu-network/settle/internal/infra/sqlite"
)

const goodAddress = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

type testEnv struct {
	db        *sqlite.DB
	clk       *clock.Manual
	bus       *events.Bus
	hub       *EventHub
	srv       *Server
	handler   http.Handler
	community domain.Account
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC))
	db, err := sqlite.Open(t.TempDir(), sqlite.WithClock(clk))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	recipients := map[domain.EntityType]domain.Account{}
	for _, et := range []domain.EntityType{domain.EntityCommons, domain.EntityCommunity, domain.EntityFoundation} {
		a, err := db.GetOrCreateAccount(ctx, et, string(et))
		if err != nil {
			t.Fatal(err)
		}
		recipients[et] = a
	}
	metering := revenue.NewService(db, revenue.NewConfigHolder(db), nil)
	if _, err := metering.SeedConfig(ctx, revenue.Config{
		CommonsRateBps:      500,
		CommunityRateBps:    1000,
		FoundationRateBps:   8500,
		CommonsAccountID:    recipients[domain.EntityCommons].ID,
		CommunityAccountID:  recipients[domain.EntityCommunity].ID,
		FoundationAccountID: recipients[domain.EntityFoundation].ID,
	}, "test"); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus(clk, nil)
	hub := NewEventHub()
	bus.Subscribe(hub.Handler())

	srv := NewServer(Services{
		Ledger:    db,
		Metering:  metering,
		Payouts:   payout.New(payout.DefaultConfig(), db, db, payout.WithClock(clk), payout.WithEmitter(bus)),
		Reconcile: reconcile.New(db, db, reconcile.WithClock(clk), reconcile.WithEmitter(bus)),
		Agents:    agentwallet.New(agentwallet.DefaultConfig(), db, db, metering, db, agentwallet.WithClock(clk)),
		Events:    hub,
	}, nil)
	srv.EnableMetrics()
	return &testEnv{
		db: db, clk: clk, bus: bus, hub: hub, srv: srv,
		handler:   srv.Handler(),
		community: recipients[domain.EntityCommunity],
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return resp
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	e, _ := decodeBody(t, w)["error"].(map[string]any)
	k, _ := e["kind"].(string)
	return k
}

// fundUser creates a user with a $100 grant and returns its id.
func (e *testEnv) fundUser(t *testing.T, name string) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/accounts", map[string]any{"entity_type": "user", "entity_id": name})
	if w.Code != http.StatusOK {
		t.Fatalf("create account: %d %s", w.Code, w.Body)
	}
	id := decodeBody(t, w)["id"].(string)
	w = e.do(t, http.MethodPost, "/api/v1/accounts/"+id+"/lots", map[string]any{
		"amount_micro":    domain.USD(100),
		"source_type":     "grant",
		"idempotency_key": "grant:" + name,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("mint: %d %s", w.Code, w.Body)
	}
	return id
}

// charge reserves and finalizes amount against accountID.
func (e *testEnv) charge(t *testing.T, accountID string, amount int64) map[string]any {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/reservations", map[string]any{"account_id": accountID, "amount_micro": amount})
	if w.Code != http.StatusCreated {
		t.Fatalf("reserve: %d %s", w.Code, w.Body)
	}
	id := decodeBody(t, w)["id"].(string)
	w = e.do(t, http.MethodPost, "/api/v1/reservations/"+id+"/finalize", map[string]any{"actual_cost_micro": amount})
	if w.Code != http.StatusOK {
		t.Fatalf("finalize: %d %s", w.Code, w.Body)
	}
	return decodeBody(t, w)
}

// ─── Health & Metrics ───────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	env := setupServer(t)
	if w := env.do(t, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	env.srv.SetReadiness(func(context.Context) error { return errors.New("db closed") })
	h := env.srv.Handler()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when not ready, got %d", w.Code)
	}
}

func TestMetricsCountsRoutes(t *testing.T) {
	env := setupServer(t)
	env.do(t, http.MethodGet, "/api/v1/accounts/nope/balance", nil)
	w := env.do(t, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `settle_http_requests_total{code="404",route="/api/v1/accounts/{id}/balance"}`) {
		t.Error("request counter missing route pattern label")
	}
}

// ─── Ledger ─────────────────────────────────────────────────────────────────

func TestLedger_MintAndBalance(t *testing.T) {
	env := setupServer(t)
	id := env.fundUser(t, "alice")

	// Replaying the mint with the same key credits nothing.
	w := env.do(t, http.MethodPost, "/api/v1/accounts/"+id+"/lots", map[string]any{
		"amount_micro": domain.USD(100), "source_type": "grant", "idempotency_key": "grant:alice",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("replay mint: %d", w.Code)
	}
	lot := decodeBody(t, w)
	if !clock.IsWire(lot["created_at"].(string)) {
		t.Errorf("created_at %q is not wire format", lot["created_at"])
	}

	w = env.do(t, http.MethodGet, "/api/v1/accounts/"+id+"/balance", nil)
	resp := decodeBody(t, w)
	if resp["available_micro"] != float64(domain.USD(100)) {
		t.Errorf("available_micro = %v, want 100000000", resp["available_micro"])
	}
	if resp["available_usd"] != "$100.00" {
		t.Errorf("available_usd = %v", resp["available_usd"])
	}
}

func TestLedger_Errors(t *testing.T) {
	env := setupServer(t)
	id := env.fundUser(t, "bob")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   domain.ErrorKind
	}{
		{"unknown account", http.MethodGet, "/api/v1/accounts/missing/balance", nil, 404, domain.KindNotFound},
		{"mint without key", http.MethodPost, "/api/v1/accounts/" + id + "/lots",
			map[string]any{"amount_micro": 5, "source_type": "grant"}, 400, domain.KindValidation},
		{"bad expiry", http.MethodPost, "/api/v1/accounts/" + id + "/lots",
			map[string]any{"amount_micro": 5, "source_type": "grant", "idempotency_key": "k", "expires_at": "tomorrow"}, 400, domain.KindValidation},
		{"unknown field", http.MethodPost, "/api/v1/reservations",
			map[string]any{"account_id": id, "amount": 5}, 400, domain.KindValidation},
		{"over balance", http.MethodPost, "/api/v1/reservations",
			map[string]any{"account_id": id, "amount_micro": domain.USD(101)}, 402, domain.KindInsufficientBalance},
		{"bad kyc level", http.MethodPut, "/api/v1/accounts/" + id + "/kyc",
			map[string]any{"level": "platinum"}, 400, domain.KindValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, tt.method, tt.path, tt.body)
			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, w.Code, w.Body)
			}
			if k := errorKind(t, w); k != string(tt.kind) {
				t.Errorf("kind = %q, want %q", k, tt.kind)
			}
		})
	}
}

func TestLedger_FinalizeDistributes(t *testing.T) {
	env := setupServer(t)
	id := env.fundUser(t, "carol")

	resp := env.charge(t, id, domain.USD(10))
	shares := resp["shares"].(map[string]any)
	sum := shares["commons_micro"].(float64) + shares["community_micro"].(float64) + shares["foundation_micro"].(float64)
	if sum != float64(domain.USD(10)) {
		t.Errorf("shares sum to %v, want the full charge", sum)
	}
	if shares["community_micro"] != float64(domain.USD(1)) {
		t.Errorf("community share = %v, want $1", shares["community_micro"])
	}

	rid := resp["reservation_id"].(string)
	w := env.do(t, http.MethodPost, "/api/v1/reservations/"+rid+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("cancel finalized: expected 409, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/accounts/"+env.community.ID+"/entries?limit=5", nil)
	entries := decodeBody(t, w)["entries"].([]any)
	if len(entries) != 1 || entries[0].(map[string]any)["entry_type"] != "revenue_share" {
		t.Errorf("community entries = %v", entries)
	}
}

// ─── Payouts ────────────────────────────────────────────────────────────────

func TestPayouts_Lifecycle(t *testing.T) {
	env := setupServer(t)
	id := env.fundUser(t, "dave")
	env.charge(t, id, domain.USD(100)) // community earns $10
	env.clk.Advance(49 * time.Hour)

	w := env.do(t, http.MethodGet, "/api/v1/accounts/"+env.community.ID+"/withdrawable", nil)
	if decodeBody(t, w)["withdrawable_micro"] != float64(domain.USD(10)) {
		t.Fatalf("withdrawable = %s", w.Body)
	}

	w = env.do(t, http.MethodPost, "/api/v1/payouts", map[string]any{
		"account_id": env.community.ID, "amount_micro": domain.USD(5), "payout_address": strings.ToLower(goodAddress),
	})
	if w.Code != http.StatusBadRequest || decodeBody(t, w)["kind"] != string(domain.KindValidation) {
		t.Fatalf("lowercase address: %d %s", w.Code, w.Body)
	}

	w = env.do(t, http.MethodPost, "/api/v1/payouts", map[string]any{
		"account_id": env.community.ID, "amount_micro": domain.USD(5), "payout_address": goodAddress,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("request payout: %d %s", w.Code, w.Body)
	}
	pid := decodeBody(t, w)["payout_id"].(string)

	w = env.do(t, http.MethodPost, "/api/v1/payouts", map[string]any{
		"account_id": env.community.ID, "amount_micro": domain.USD(1), "payout_address": goodAddress,
	})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: expected 429, got %d", w.Code)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/payouts/"+pid+"/complete", map[string]any{"tx_hash": "0xabc"}); w.Code != http.StatusConflict {
		t.Errorf("complete before processing: expected 409, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/payouts/"+pid+"/process", nil); w.Code != http.StatusOK {
		t.Fatalf("process: %d %s", w.Code, w.Body)
	}
	w = env.do(t, http.MethodPost, "/api/v1/payouts/"+pid+"/complete", map[string]any{"tx_hash": "0xabc"})
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body)
	}
	p := decodeBody(t, w)
	if p["status"] != "completed" || p["tx_hash"] != "0xabc" || !clock.IsWire(p["updated_at"].(string)) {
		t.Errorf("payout = %v", p)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/payouts/"+pid+"/refund", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown action: expected 404, got %d", w.Code)
	}

	w = env.do(t, http.MethodGet, "/api/v1/accounts/"+env.community.ID+"/kyc", nil)
	kyc := decodeBody(t, w)
	if kyc["cumulative_payouts_micro"] != float64(domain.USD(5)) || kyc["next_required_level"] != "basic" {
		t.Errorf("kyc = %v", kyc)
	}
}

// ─── Reconciliation ─────────────────────────────────────────────────────────

func TestReconciliation_RunAndHistory(t *testing.T) {
	env := setupServer(t)
	id := env.fundUser(t, "erin")
	env.charge(t, id, domain.USD(3))

	w := env.do(t, http.MethodPost, "/api/v1/reconciliation/runs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("run: %d %s", w.Code, w.Body)
	}
	run := decodeBody(t, w)
	if run["status"] != "passed" || len(run["checks"].([]any)) != 4 {
		t.Errorf("run = %v", run)
	}

	w = env.do(t, http.MethodGet, "/api/v1/reconciliation/runs?limit=5", nil)
	if runs := decodeBody(t, w)["runs"].([]any); len(runs) != 1 {
		t.Errorf("history has %d runs, want 1", len(runs))
	}
	if w := env.do(t, http.MethodGet, "/api/v1/reconciliation/runs?limit=lots", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}
}

// ─── Agents ─────────────────────────────────────────────────────────────────

func TestAgents_BudgetFlow(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"token_id": "42", "daily_cap_micro": domain.USD(2)})
	if w.Code != http.StatusOK {
		t.Fatalf("create agent: %d %s", w.Code, w.Body)
	}
	if err := domain.ValidatePayoutAddress(decodeBody(t, w)["address"].(string)); err != nil {
		t.Errorf("agent address: %v", err)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/agents/42/deposits", map[string]any{"amount_micro": domain.USD(10), "tx_hash": "0xd1"}); w.Code != http.StatusCreated {
		t.Fatalf("deposit: %d %s", w.Code, w.Body)
	}

	w = env.do(t, http.MethodPost, "/api/v1/agents/42/inferences", map[string]any{"estimated_cost_micro": domain.Cents(150)})
	if w.Code != http.StatusCreated {
		t.Fatalf("reserve: %d %s", w.Code, w.Body)
	}
	rid := decodeBody(t, w)["id"].(string)
	w = env.do(t, http.MethodPost, "/api/v1/agents/42/inferences/"+rid+"/finalize", map[string]any{"actual_cost_micro": domain.Cents(150)})
	if w.Code != http.StatusOK {
		t.Fatalf("finalize: %d %s", w.Code, w.Body)
	}
	if got := decodeBody(t, w)["remaining_budget_micro"]; got != float64(domain.Cents(50)) {
		t.Errorf("remaining_budget_micro = %v, want 500000", got)
	}

	w = env.do(t, http.MethodPost, "/api/v1/agents/42/inferences", map[string]any{"estimated_cost_micro": domain.USD(1)})
	if w.Code != http.StatusPaymentRequired || errorKind(t, w) != string(domain.KindBudgetExceeded) {
		t.Errorf("over budget: %d %s", w.Code, w.Body)
	}

	w = env.do(t, http.MethodGet, "/api/v1/agents/42/budget", nil)
	if got := decodeBody(t, w)["spent_today_micro"]; got != float64(domain.Cents(150)) {
		t.Errorf("spent_today_micro = %v", got)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/agents/nobody", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown agent: expected 404, got %d", w.Code)
	}
}

func TestLedger_FinalizeAgentReservationHonorsDailyCap(t *testing.T) {
	env := setupServer(t)

	w := env.do(t, http.MethodPost, "/api/v1/agents", map[string]any{"token_id": "7", "daily_cap_micro": domain.USD(2)})
	if w.Code != http.StatusOK {
		t.Fatalf("create agent: %d %s", w.Code, w.Body)
	}
	accountID := decodeBody(t, w)["account_id"].(string)
	if w := env.do(t, http.MethodPost, "/api/v1/agents/7/deposits", map[string]any{"amount_micro": domain.USD(10), "tx_hash": "0xd7"}); w.Code != http.StatusCreated {
		t.Fatalf("deposit: %d %s", w.Code, w.Body)
	}

	w = env.do(t, http.MethodPost, "/api/v1/reservations", map[string]any{"account_id": accountID, "amount_micro": domain.USD(3)})
	if w.Code != http.StatusCreated {
		t.Fatalf("reserve: %d %s", w.Code, w.Body)
	}
	rid := decodeBody(t, w)["id"].(string)
	w = env.do(t, http.MethodPost, "/api/v1/reservations/"+rid+"/finalize", map[string]any{"actual_cost_micro": domain.USD(3)})
	if w.Code != http.StatusOK {
		t.Fatalf("finalize: %d %s", w.Code, w.Body)
	}
	body := decodeBody(t, w)
	if body["actual_cost_micro"] != float64(domain.USD(2)) || body["clamped"] != true {
		t.Errorf("finalize body = %v, want $2 charged under the cap", body)
	}

	w = env.do(t, http.MethodGet, "/api/v1/agents/7/budget", nil)
	if got := decodeBody(t, w)["spent_today_micro"]; got != float64(domain.USD(2)) {
		t.Errorf("spent_today_micro = %v, want 2000000", got)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/reservations/res_missing/finalize", map[string]any{"actual_cost_micro": 1}); w.Code != http.StatusNotFound {
		t.Errorf("unknown reservation: %d %s", w.Code, w.Body)
	}
}

// ─── Events ─────────────────────────────────────────────────────────────────

func TestEventHub_StreamsEnvelopes(t *testing.T) {
	env := setupServer(t)
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := env.bus.Emit(context.Background(), events.PayoutApproved, map[string]string{"payout_id": "p1"}); err != nil {
		t.Fatal(err)
	}

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	var got events.Envelope
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &got); err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	if got.EventType != events.PayoutApproved || !clock.IsWire(got.Timestamp) {
		t.Errorf("envelope = %+v", got)
	}
}

func TestTraceRequests_UsesRequestID(t *testing.T) {
	var got string
	h := middleware.RequestID(traceRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = observability.TraceIDFromContext(r.Context())
	})))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-7")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "req-7" {
		t.Errorf("trace id = %q, want req-7", got)
	}
}

func TestStatusForKind(t *testing.T) {
	tests := map[domain.ErrorKind]int{
		domain.KindNotFound:                 404,
		domain.KindValidation:               400,
		domain.KindConflict:                 409,
		domain.KindInsufficientBalance:      402,
		domain.KindRateLimited:              429,
		domain.KindKYCRequired:              403,
		domain.KindFeeCapExceeded:           422,
		domain.KindTreasuryConflict:         409,
		domain.KindBudgetExceeded:           402,
		domain.KindReconciliationDivergence: 422,
		domain.KindInternal:                 500,
	}
	for kind, want := range tests {
		if got := StatusForKind(kind); got != want {
			t.Errorf("StatusForKind(%s) = %d, want %d", kind, got, want)
		}
	}
}
