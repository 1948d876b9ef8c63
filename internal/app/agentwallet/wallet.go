// Package agentwallet lets autonomous agents spend credits under a hard
// daily cap.
//
// Today's spend is read through three tiers in order: cache, durable store,
// in-process memory. The first hit wins and the other tiers are refreshed
// best-effort. Writes go durable first, then memory, then cache; a cache
// failure never undoes a durable write that already happened.
//
// The cap is checked twice. ReserveForInference rejects up front using
// whatever tier answers (possibly stale). FinalizeInference is the
// authoritative point: it claims the charge from the durable counter in one
// atomic step, which grants at most what is left of the cap, and charges the
// grant instead of rejecting work that already ran.
package agentwallet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/settle/internal/clock"
	"github.com/tutu-network/settle/internal/domain"
	"github.com/tutu-network/settle/internal/infra/observability"
)

// Config holds wallet defaults.
type Config struct {
	DefaultDailyCapMicro        int64 `toml:"default_daily_cap_micro"`
	DefaultRefillThresholdMicro int64 `toml:"default_refill_threshold_micro"`
}

// DefaultConfig returns $10/day with a $1 refill threshold.
func DefaultConfig() Config {
	return Config{
		DefaultDailyCapMicro:        domain.USD(10),
		DefaultRefillThresholdMicro: domain.USD(1),
	}
}

// Ledger is the slice of the credit ledger agents use.
type Ledger interface {
	GetOrCreateAccount(ctx context.Context, entityType domain.EntityType, entityID string) (domain.Account, error)
	MintLot(ctx context.Context, accountID string, amountMicro int64, source domain.SourceType, opts domain.MintOptions) (domain.Lot, error)
	Reserve(ctx context.Context, accountID, poolID string, amountMicro int64, opts domain.ReserveOptions) (domain.Reservation, error)
	GetReservation(ctx context.Context, reservationID string) (domain.Reservation, error)
	GetBalance(ctx context.Context, accountID string) (domain.Balance, error)
}

// WalletStore persists wallets, identity anchors and spend windows.
type WalletStore interface {
	BindIdentityAnchor(ctx context.Context, anchor, accountID, tokenID string) error
	RegisterSpendingLimit(ctx context.Context, l domain.SpendingLimit) error
	SaveAgentWallet(ctx context.Context, w domain.AgentWallet) (domain.AgentWallet, error)
	GetAgentWallet(ctx context.Context, accountID string) (domain.AgentWallet, error)
	GetAgentWalletByToken(ctx context.Context, tokenID string) (domain.AgentWallet, error)
}

// WalletConfig describes a wallet to create. Zero cap and threshold take
// the service defaults.
type WalletConfig struct {
	TokenID              string `json:"token_id"`
	CommunityID          string `json:"community_id,omitempty"`
	IdentityAnchor       string `json:"identity_anchor,omitempty"`
	DailyCapMicro        int64  `json:"daily_cap_micro,omitempty"`
	RefillThresholdMicro int64  `json:"refill_threshold_micro,omitempty"`
}

// InferenceResult is what FinalizeInference charged.
type InferenceResult struct {
	ReservationID        string `json:"reservation_id"`
	RequestedCostMicro   int64  `json:"requested_cost_micro"`
	ActualCostMicro      int64  `json:"actual_cost_micro"`
	SurplusReleasedMicro int64  `json:"surplus_released_micro"`
	Clamped              bool   `json:"clamped"`
	NeedsRefill          bool   `json:"needs_refill"`
	RemainingBudgetMicro int64  `json:"remaining_budget_micro"`
}

// Service runs agent wallets.
type Service struct {
	cfg       Config
	ledger    Ledger
	wallets   WalletStore
	finalizer domain.Finalizer
	durable   SpendStore
	store     SpendTier
	memory    *MemoryTier
	cache     SpendTier
	clock     clock.Clock
	logger    *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithCache puts a cache tier in front of the durable store.
func WithCache(c SpendTier) Option { return func(s *Service) { s.cache = c } }

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// New wires the service. finalizer is normally the revenue service so agent
// charges are distributed like any other metered charge.
func New(cfg Config, ledger Ledger, wallets WalletStore, finalizer domain.Finalizer, store SpendStore, opts ...Option) *Service {
	s := &Service{
		cfg:       cfg,
		ledger:    ledger,
		wallets:   wallets,
		finalizer: finalizer,
		durable:   store,
		store:     storeTier{store: store},
		memory:    NewMemoryTier(),
		clock:     clock.System(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ─── Wallets ────────────────────────────────────────────────────────────────

// CreateAgentWallet links an agent account to its token. Repeating the call
// returns the wallet created first.
func (s *Service) CreateAgentWallet(ctx context.Context, wc WalletConfig) (domain.AgentWallet, error) {
	if wc.TokenID == "" {
		return domain.AgentWallet{}, domain.Invalid("token_id", "required")
	}
	if wc.DailyCapMicro < 0 || wc.RefillThresholdMicro < 0 {
		return domain.AgentWallet{}, domain.Invalid("daily_cap_micro", "cap and refill threshold must not be negative")
	}
	if wc.DailyCapMicro == 0 {
		wc.DailyCapMicro = s.cfg.DefaultDailyCapMicro
	}
	if wc.RefillThresholdMicro == 0 {
		wc.RefillThresholdMicro = s.cfg.DefaultRefillThresholdMicro
	}

	acct, err := s.ledger.GetOrCreateAccount(ctx, domain.EntityAgent, wc.TokenID)
	if err != nil {
		return domain.AgentWallet{}, err
	}
	if wc.IdentityAnchor != "" {
		if err := s.wallets.BindIdentityAnchor(ctx, wc.IdentityAnchor, acct.ID, wc.TokenID); err != nil {
			return domain.AgentWallet{}, err
		}
	}
	w, err := s.wallets.SaveAgentWallet(ctx, domain.AgentWallet{
		AccountID:            acct.ID,
		TokenID:              wc.TokenID,
		CommunityID:          wc.CommunityID,
		IdentityAnchor:       wc.IdentityAnchor,
		Address:              domain.DeriveAgentAddress(wc.TokenID, wc.IdentityAnchor),
		DailyCapMicro:        wc.DailyCapMicro,
		RefillThresholdMicro: wc.RefillThresholdMicro,
	})
	if err != nil {
		return domain.AgentWallet{}, err
	}

	now := s.clock.Now()
	if err := s.wallets.RegisterSpendingLimit(ctx, domain.SpendingLimit{
		AccountID:      w.AccountID,
		DailyCapMicro:  w.DailyCapMicro,
		WindowStart:    clock.StartOfUTCDay(now),
		WindowDuration: 24 * time.Hour,
		Active:         true,
	}); err != nil {
		return domain.AgentWallet{}, err
	}
	s.logger.Info("agent wallet ready",
		zap.String("account_id", w.AccountID),
		zap.String("token_id", w.TokenID),
		zap.String("address", w.Address))
	return w, nil
}

// GetWallet returns the wallet for an agent account.
func (s *Service) GetWallet(ctx context.Context, accountID string) (domain.AgentWallet, error) {
	return s.wallets.GetAgentWallet(ctx, accountID)
}

// GetWalletByToken returns the wallet for an agent token.
func (s *Service) GetWalletByToken(ctx context.Context, tokenID string) (domain.AgentWallet, error) {
	return s.wallets.GetAgentWalletByToken(ctx, tokenID)
}

// FundFromDeposit mints a deposit lot. The deposit tx hash is the
// idempotency key, so a replayed deposit credits nothing.
func (s *Service) FundFromDeposit(ctx context.Context, w domain.AgentWallet, amountMicro int64, txHash string) (domain.Lot, error) {
	if txHash == "" {
		return domain.Lot{}, domain.Invalid("tx_hash", "required")
	}
	return s.ledger.MintLot(ctx, w.AccountID, amountMicro, domain.SourceDeposit, domain.MintOptions{
		SourceID:       txHash,
		IdempotencyKey: "deposit:" + txHash,
		Description:    "agent deposit",
	})
}

// ─── Inference ──────────────────────────────────────────────────────────────

// ReserveForInference rejects with BudgetExceededError when today's spend
// plus the estimate would pass the cap, then reserves the estimate.
func (s *Service) ReserveForInference(ctx context.Context, w domain.AgentWallet, estimateMicro int64) (domain.Reservation, error) {
	if estimateMicro <= 0 {
		return domain.Reservation{}, domain.Invalid("estimated_cost_micro", "must be positive")
	}
	spent := s.GetDailySpent(ctx, w.AccountID)
	if spent+estimateMicro > w.DailyCapMicro {
		observability.BudgetRejected.Inc()
		return domain.Reservation{}, &domain.BudgetExceededError{
			DailyCapMicro:  w.DailyCapMicro,
			SpentMicro:     spent,
			RequestedMicro: estimateMicro,
		}
	}
	return s.ledger.Reserve(ctx, w.AccountID, w.CommunityID, estimateMicro, domain.ReserveOptions{
		BillingMode: domain.BillingLive,
		Description: "agent inference",
	})
}

// FinalizeInference charges min(actual, cap - spent) against the
// reservation. The charge is claimed from the durable counter before the
// ledger moves and handed back if the finalize fails.
func (s *Service) FinalizeInference(ctx context.Context, w domain.AgentWallet, reservationID string, actualCostMicro int64) (InferenceResult, error) {
	if actualCostMicro < 0 {
		return InferenceResult{}, domain.Invalid("actual_cost_micro", "must not be negative")
	}
	r, err := s.ledger.GetReservation(ctx, reservationID)
	if err != nil {
		return InferenceResult{}, err
	}
	if r.AccountID != w.AccountID {
		return InferenceResult{}, domain.Invalid("reservation_id", "reservation %s does not belong to this wallet", reservationID)
	}
	if r.Status != domain.ReservationOpen {
		return InferenceResult{}, domain.Conflict("reservation %s is %s, not open", reservationID, r.Status)
	}

	c := s.claimSpend(ctx, w, actualCostMicro)
	if c.granted < actualCostMicro {
		observability.BudgetClamped.Inc()
		s.logger.Info("agent charge clamped to daily cap",
			zap.String("account_id", w.AccountID),
			zap.Int64("actual_micro", actualCostMicro),
			zap.Int64("charged_micro", c.granted))
	}

	res, err := s.finalizer.Finalize(ctx, reservationID, c.granted)
	if err != nil {
		s.releaseClaim(ctx, w.AccountID, c)
		return InferenceResult{}, err
	}
	s.publishSpend(ctx, w.AccountID, c)

	out := InferenceResult{
		ReservationID:        reservationID,
		RequestedCostMicro:   actualCostMicro,
		ActualCostMicro:      res.ActualCostMicro,
		SurplusReleasedMicro: res.SurplusReleasedMicro,
		Clamped:              c.granted < actualCostMicro,
		RemainingBudgetMicro: max(0, w.DailyCapMicro-c.total),
	}
	bal, err := s.ledger.GetBalance(ctx, w.AccountID)
	if err != nil {
		s.logger.Warn("balance read after finalize failed", zap.String("account_id", w.AccountID), zap.Error(err))
	} else {
		out.NeedsRefill = bal.AvailableMicro < w.RefillThresholdMicro
	}
	return out, nil
}

// GetRemainingDailyBudget is the cap minus today's spend, floored at zero.
func (s *Service) GetRemainingDailyBudget(ctx context.Context, w domain.AgentWallet) int64 {
	return max(0, w.DailyCapMicro-s.GetDailySpent(ctx, w.AccountID))
}

// ─── Spend Tiers ────────────────────────────────────────────────────────────

func (s *Service) readChain() []SpendTier {
	if s.cache == nil {
		return []SpendTier{s.store, s.memory}
	}
	return []SpendTier{s.cache, s.store, s.memory}
}

func (s *Service) today() (string, time.Time) {
	now := s.clock.Now()
	return clock.UTCDate(now), clock.NextUTCMidnight(now)
}

// GetDailySpent reads today's spend through the chain. A failing tier falls
// through to the next; if every tier misses the answer is zero.
func (s *Service) GetDailySpent(ctx context.Context, accountID string) int64 {
	return s.readThrough(ctx, s.readChain(), accountID)
}

// GetDailySpentSync answers from memory only.
func (s *Service) GetDailySpentSync(accountID string) int64 {
	day, _ := s.today()
	v, _ := s.memory.Peek(accountID, day)
	return v
}

func (s *Service) readThrough(ctx context.Context, chain []SpendTier, accountID string) int64 {
	day, expireAt := s.today()
	for _, tier := range chain {
		v, ok, err := tier.Get(ctx, accountID, day)
		if err != nil {
			observability.SpendTierErrors.WithLabelValues(tier.Name(), "get").Inc()
			s.logger.Warn("spend tier read failed",
				zap.String("tier", tier.Name()), zap.String("account_id", accountID), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		observability.SpendTierReads.WithLabelValues(tier.Name()).Inc()
		s.refresh(ctx, tier, accountID, day, v, expireAt)
		return v
	}
	return 0
}

// refresh writes v to every tier except the one that served it.
func (s *Service) refresh(ctx context.Context, served SpendTier, accountID, day string, v int64, expireAt time.Time) {
	for _, tier := range s.readChain() {
		if tier.Name() == served.Name() {
			continue
		}
		if err := tier.Set(ctx, accountID, day, v, expireAt); err != nil {
			observability.SpendTierErrors.WithLabelValues(tier.Name(), "set").Inc()
			s.logger.Debug("spend tier backfill failed", zap.String("tier", tier.Name()), zap.Error(err))
		}
	}
}

// spendClaim is a grant booked against today's counter.
type spendClaim struct {
	day      string
	expireAt time.Time
	granted  int64
	total    int64
	durable  bool
}

// claimSpend books up to want against the durable counter. When the store is
// down the claim is made against memory, which only knows this process.
func (s *Service) claimSpend(ctx context.Context, w domain.AgentWallet, want int64) spendClaim {
	day, expireAt := s.today()
	c := spendClaim{day: day, expireAt: expireAt, durable: true}
	var err error
	c.granted, c.total, err = s.durable.ClaimDailySpend(ctx, w.AccountID, day, w.DailyCapMicro, want)
	if err != nil {
		observability.SpendTierErrors.WithLabelValues(s.store.Name(), "claim").Inc()
		s.logger.Error("durable spend claim failed; budget falls back to memory",
			zap.String("account_id", w.AccountID), zap.Int64("amount_micro", want), zap.Error(err))
		c.durable = false
		c.granted, c.total = s.memory.Claim(w.AccountID, day, w.DailyCapMicro, want)
	}
	return c
}

// releaseClaim hands a grant back after the ledger refused the charge.
func (s *Service) releaseClaim(ctx context.Context, accountID string, c spendClaim) {
	if c.granted == 0 {
		return
	}
	if !c.durable {
		s.memory.IncrBy(ctx, accountID, c.day, -c.granted, c.expireAt)
		return
	}
	if _, err := s.durable.AddDailySpend(ctx, accountID, c.day, -c.granted); err != nil {
		observability.SpendTierErrors.WithLabelValues(s.store.Name(), "incr").Inc()
		s.logger.Error("releasing spend claim failed; counter overstates today's spend",
			zap.String("account_id", accountID), zap.Int64("amount_micro", c.granted), zap.Error(err))
	}
}

// publishSpend copies a committed claim to memory and the cache.
func (s *Service) publishSpend(ctx context.Context, accountID string, c spendClaim) {
	if c.durable {
		s.memory.Set(ctx, accountID, c.day, c.total, c.expireAt)
	}
	if s.cache == nil || c.granted == 0 {
		return
	}
	if _, err := s.cache.IncrBy(ctx, accountID, c.day, c.granted, c.expireAt); err != nil {
		observability.SpendTierErrors.WithLabelValues(s.cache.Name(), "incr").Inc()
		s.logger.Warn("cache spend write failed", zap.String("account_id", accountID), zap.Error(err))
	}
}

// String describes the tier order, for startup logs.
func (s *Service) String() string {
	chain := s.readChain()
	names := make([]string, len(chain))
	for i, t := range chain {
		names[i] = t.Name()
	}
	return fmt.Sprintf("agentwallet(%s)", strings.Join(names, " -> "))
}
