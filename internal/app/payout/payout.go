// Package payout moves creator earnings out through a two-phase escrow.
//
// A request is validated against seven gates (amount floor, address checksum,
// KYC level, rate limit, withdrawable balance, fee cap, treasury version) and
// only then written: inserted as pending and approved in the same
// transaction. Approval is the escrow point. Completion posts the debit.
package payout

import (
	"context"
	"errors"
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

// Config holds the payout policy.
type Config struct {
	MinPayoutMicro            int64         `toml:"min_payout_micro"`
	BasicKYCThresholdMicro    int64         `toml:"basic_kyc_threshold_micro"`
	EnhancedKYCThresholdMicro int64         `toml:"enhanced_kyc_threshold_micro"`
	FeeCapBps                 int64         `toml:"fee_cap_bps"`
	RateWindow                time.Duration `toml:"rate_window"`
	SettlementHold            time.Duration `toml:"settlement_hold"`
	DefaultCurrency           string        `toml:"default_currency"`
	KYCWarningPercent         float64       `toml:"kyc_warning_percent"`
}

// DefaultConfig returns the production payout policy.
func DefaultConfig() Config {
	return Config{
		MinPayoutMicro:            domain.USD(1),
		BasicKYCThresholdMicro:    domain.USD(100),
		EnhancedKYCThresholdMicro: domain.USD(600),
		FeeCapBps:                 2000, // 20% of gross
		RateWindow:                24 * time.Hour,
		SettlementHold:            48 * time.Hour,
		DefaultCurrency:           "USDC",
		KYCWarningPercent:         80,
	}
}

// Store is the persistence the payout flow needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(*sqlite.Tx) error) error
	TreasuryVersion(ctx context.Context) (int64, error)
	GetPayout(ctx context.Context, payoutID string) (domain.PayoutRequest, error)
	ListPayouts(ctx context.Context, accountID string, limit int) ([]domain.PayoutRequest, error)
	CompletedPayoutsTotal(ctx context.Context, accountID string) (int64, error)
	EscrowTotal(ctx context.Context, accountID string) (int64, error)
	RecentPayoutCount(ctx context.Context, accountID string, since time.Time) (int, error)
	SettledEarnings(ctx context.Context, accountID string, cutoff time.Time) (int64, error)
}

// Input is one withdrawal request.
type Input struct {
	AccountID     string `json:"account_id"`
	AmountMicro   int64  `json:"amount_micro"`
	PayoutAddress string `json:"payout_address"`
	Currency      string `json:"currency,omitempty"`
	FeeMicro      int64  `json:"fee_micro,omitempty"`
}

// Result reports the outcome of RequestPayout. Rejections are results, not
// errors: Kind names the gate that failed.
type Result struct {
	Success          bool                `json:"success"`
	PayoutID         string              `json:"payout_id,omitempty"`
	Status           domain.PayoutStatus `json:"status,omitempty"`
	Error            string              `json:"error,omitempty"`
	Kind             domain.ErrorKind    `json:"kind,omitempty"`
	RequiredKYCLevel domain.KYCLevel     `json:"required_kyc_level,omitempty"`
	Retryable        bool                `json:"retryable,omitempty"`
}

// Service is the creator payout service.
type Service struct {
	cfg     Config
	store   Store
	kyc     domain.KYCVerifier
	emitter events.Emitter
	tracer  *observability.Tracer
	clock   clock.Clock
	logger  *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEmitter sets the event emitter.
func WithEmitter(e events.Emitter) Option { return func(s *Service) { s.emitter = e } }

// WithTracer records a span per state change.
func WithTracer(t *observability.Tracer) Option { return func(s *Service) { s.tracer = t } }

// WithClock overrides the wall clock.
func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// New creates a payout service. kyc is usually the SQLite store itself.
func New(cfg Config, store Store, kyc domain.KYCVerifier, opts ...Option) *Service {
	s := &Service{
		cfg:     cfg,
		store:   store,
		kyc:     kyc,
		emitter: events.Nop{},
		clock:   clock.System(),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ─── Request ────────────────────────────────────────────────────────────────

// RequestPayout validates and escrows a withdrawal. The returned error is
// non-nil only for unexpected store failures; every rejection comes back as
// a Result with Success false and nothing written.
func (s *Service) RequestPayout(ctx context.Context, in Input) (Result, error) {
	// Read before validating so a concurrent approval is caught at commit.
	version, err := s.store.TreasuryVersion(ctx)
	if err != nil {
		return Result{}, err
	}
	if in.Currency == "" {
		in.Currency = s.cfg.DefaultCurrency
	}

	if err := s.validate(ctx, in); err != nil {
		return s.reject(in, err)
	}

	p := domain.PayoutRequest{
		ID:            uuid.NewString(),
		AccountID:     in.AccountID,
		AmountMicro:   in.AmountMicro,
		FeeMicro:      in.FeeMicro,
		PayoutAddress: in.PayoutAddress,
		Currency:      in.Currency,
		Status:        domain.PayoutPending,
	}
	span := s.tracer.StartSpan(ctx, "payout.approve", map[string]string{"payout_id": p.ID})
	err = s.store.RunInTx(ctx, func(tx *sqlite.Tx) error {
		if err := tx.BumpTreasuryVersion(ctx, version); err != nil {
			return err
		}
		if _, err := tx.InsertPayout(ctx, p); err != nil {
			return err
		}
		var err error
		p, err = tx.TransitionPayout(ctx, p.ID, domain.PayoutApproved, sqlite.PayoutUpdate{})
		return err
	})
	s.tracer.EndSpan(span, err)
	if err != nil {
		return s.reject(in, err)
	}

	observability.PayoutRequests.WithLabelValues("ok").Inc()
	observability.PayoutTransitions.WithLabelValues(string(domain.PayoutApproved)).Inc()
	s.emit(ctx, events.PayoutApproved, p)
	s.logger.Info("payout approved",
		zap.String("payout_id", p.ID),
		zap.String("account_id", p.AccountID),
		zap.String("amount", domain.FormatUSD(p.AmountMicro)))
	return Result{Success: true, PayoutID: p.ID, Status: p.Status}, nil
}

// validate applies the gates in order; the first failure wins.
func (s *Service) validate(ctx context.Context, in Input) error {
	if in.AccountID == "" {
		return domain.Invalid("account_id", "required")
	}
	if in.AmountMicro < s.cfg.MinPayoutMicro {
		return domain.Invalid("amount_micro", "minimum payout is %s", domain.FormatUSD(s.cfg.MinPayoutMicro))
	}

	if err := domain.ValidatePayoutAddress(in.PayoutAddress); err != nil {
		return err
	}

	completed, err := s.store.CompletedPayoutsTotal(ctx, in.AccountID)
	if err != nil {
		return err
	}
	cumulative, err := domain.AddMicro(completed, in.AmountMicro)
	if err != nil {
		return domain.Invalid("amount_micro", "%v", err)
	}
	required := s.RequiredKYCLevel(cumulative)
	current, err := s.kyc.KYCLevel(ctx, in.AccountID)
	if err != nil {
		return err
	}
	if !current.AtLeast(required) {
		return &domain.KYCRequiredError{Required: required, Current: current}
	}

	recent, err := s.store.RecentPayoutCount(ctx, in.AccountID, s.clock.Now().Add(-s.cfg.RateWindow))
	if err != nil {
		return err
	}
	if recent > 0 {
		return &domain.RateLimitedError{Window: s.cfg.RateWindow.String()}
	}

	wb, err := s.GetWithdrawableBalance(ctx, in.AccountID)
	if err != nil {
		return err
	}
	if wb.WithdrawableMicro < in.AmountMicro {
		return &domain.InsufficientBalanceError{RequestedMicro: in.AmountMicro, AvailableMicro: wb.WithdrawableMicro}
	}

	if in.FeeMicro < 0 {
		return domain.Invalid("fee_micro", "must not be negative")
	}
	if in.FeeMicro > 0 {
		feeCap, err := domain.MulDivFloor(in.AmountMicro, s.cfg.FeeCapBps, domain.BasisPoints)
		if err != nil {
			return err
		}
		if in.FeeMicro > feeCap {
			return &domain.FeeCapExceededError{FeeMicro: in.FeeMicro, CapMicro: feeCap}
		}
	}
	return nil
}

// reject turns a taxonomy error into a Result. Anything outside the
// taxonomy is an unexpected failure and is returned as an error.
func (s *Service) reject(in Input, err error) (Result, error) {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		observability.PayoutRequests.WithLabelValues("error").Inc()
		return Result{}, fmt.Errorf("request payout: %w", err)
	}
	observability.PayoutRequests.WithLabelValues(string(kind)).Inc()
	res := Result{Error: err.Error(), Kind: kind, Retryable: domain.IsRetryable(err)}
	var kycErr *domain.KYCRequiredError
	if errors.As(err, &kycErr) {
		res.RequiredKYCLevel = kycErr.Required
	}
	s.logger.Info("payout rejected",
		zap.String("account_id", in.AccountID),
		zap.String("kind", string(kind)),
		zap.Error(err))
	return res, nil
}

// RequiredKYCLevel maps a cumulative payout total to the level it needs.
// Thresholds are exclusive: exactly $100 still needs no KYC.
func (s *Service) RequiredKYCLevel(cumulativeMicro int64) domain.KYCLevel {
	switch {
	case cumulativeMicro > s.cfg.EnhancedKYCThresholdMicro:
		return domain.KYCEnhanced
	case cumulativeMicro > s.cfg.BasicKYCThresholdMicro:
		return domain.KYCBasic
	}
	return domain.KYCNone
}

// ─── Balances & KYC ─────────────────────────────────────────────────────────

// GetWithdrawableBalance returns settled earnings (past the settlement hold,
// net of completed payouts) minus everything in escrow, floored at zero.
func (s *Service) GetWithdrawableBalance(ctx context.Context, accountID string) (domain.WithdrawableBalance, error) {
	settled, err := s.store.SettledEarnings(ctx, accountID, s.clock.Now().Add(-s.cfg.SettlementHold))
	if err != nil {
		return domain.WithdrawableBalance{}, err
	}
	escrow, err := s.store.EscrowTotal(ctx, accountID)
	if err != nil {
		return domain.WithdrawableBalance{}, err
	}
	return domain.WithdrawableBalance{
		AccountID:         accountID,
		SettledMicro:      settled,
		EscrowMicro:       escrow,
		WithdrawableMicro: max(0, settled-escrow),
	}, nil
}

// GetKycStatus reports where the account stands against the next KYC
// threshold it has not yet cleared. Warning is set at or above
// KYCWarningPercent of that threshold.
func (s *Service) GetKycStatus(ctx context.Context, accountID string) (domain.KYCStatus, error) {
	current, err := s.kyc.KYCLevel(ctx, accountID)
	if err != nil {
		return domain.KYCStatus{}, err
	}
	cumulative, err := s.store.CompletedPayoutsTotal(ctx, accountID)
	if err != nil {
		return domain.KYCStatus{}, err
	}
	st := domain.KYCStatus{
		AccountID:              accountID,
		CurrentLevel:           current,
		CumulativePayoutsMicro: cumulative,
	}

	thresholds := []struct {
		micro int64
		level domain.KYCLevel
	}{
		{s.cfg.BasicKYCThresholdMicro, domain.KYCBasic},
		{s.cfg.EnhancedKYCThresholdMicro, domain.KYCEnhanced},
	}
	for _, th := range thresholds {
		if current.AtLeast(th.level) {
			continue
		}
		st.NextThresholdMicro = th.micro
		st.NextRequiredLevel = th.level
		st.PercentToThreshold = min(100, domain.PercentOf(cumulative, th.micro))
		if st.PercentToThreshold >= s.cfg.KYCWarningPercent {
			st.Warning = fmt.Sprintf("cumulative payouts %s are at %.1f%% of the %s threshold; %s KYC is required beyond it",
				domain.FormatUSD(cumulative), st.PercentToThreshold, domain.FormatUSD(th.micro), th.level)
		}
		break
	}
	return st, nil
}

// GetPayout returns one payout request.
func (s *Service) GetPayout(ctx context.Context, payoutID string) (domain.PayoutRequest, error) {
	return s.store.GetPayout(ctx, payoutID)
}

// ListPayouts returns an account's requests, newest first.
func (s *Service) ListPayouts(ctx context.Context, accountID string, limit int) ([]domain.PayoutRequest, error) {
	return s.store.ListPayouts(ctx, accountID, limit)
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// StartProcessing hands an approved payout to the settlement rail.
func (s *Service) StartProcessing(ctx context.Context, payoutID string) (domain.PayoutRequest, error) {
	return s.transition(ctx, payoutID, domain.PayoutProcessing, sqlite.PayoutUpdate{}, nil)
}

// Complete records the settlement transaction hash and posts the payout
// debit to the creator's journal in the same transaction.
func (s *Service) Complete(ctx context.Context, payoutID, txHash string) (domain.PayoutRequest, error) {
	if txHash == "" {
		return domain.PayoutRequest{}, domain.Invalid("tx_hash", "required")
	}
	p, err := s.transition(ctx, payoutID, domain.PayoutCompleted, sqlite.PayoutUpdate{TxHash: txHash},
		func(tx *sqlite.Tx, p domain.PayoutRequest) error {
			_, err := tx.AppendEntry(ctx, domain.LedgerEntry{
				AccountID:   p.AccountID,
				EntryType:   domain.EntryPayout,
				AmountMicro: -p.AmountMicro,
				Description: "payout " + p.ID,
			})
			return err
		})
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	s.emit(ctx, events.PayoutCompleted, p)
	return p, nil
}

// Fail moves any non-terminal payout to failed, releasing its escrow.
func (s *Service) Fail(ctx context.Context, payoutID, reason string) (domain.PayoutRequest, error) {
	if reason == "" {
		return domain.PayoutRequest{}, domain.Invalid("reason", "required")
	}
	return s.transition(ctx, payoutID, domain.PayoutFailed, sqlite.PayoutUpdate{FailureReason: reason}, nil)
}

// Cancel withdraws a pending request.
func (s *Service) Cancel(ctx context.Context, payoutID string) (domain.PayoutRequest, error) {
	return s.transition(ctx, payoutID, domain.PayoutCancelled, sqlite.PayoutUpdate{}, nil)
}

func (s *Service) transition(ctx context.Context, payoutID string, to domain.PayoutStatus,
	upd sqlite.PayoutUpdate, after func(*sqlite.Tx, domain.PayoutRequest) error) (domain.PayoutRequest, error) {
	span := s.tracer.StartSpan(ctx, "payout."+string(to), map[string]string{"payout_id": payoutID})
	var p domain.PayoutRequest
	err := s.store.RunInTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		if p, err = tx.TransitionPayout(ctx, payoutID, to, upd); err != nil {
			return err
		}
		if after != nil {
			return after(tx, p)
		}
		return nil
	})
	s.tracer.EndSpan(span, err)
	if err != nil {
		return domain.PayoutRequest{}, err
	}
	observability.PayoutTransitions.WithLabelValues(string(to)).Inc()
	s.logger.Info("payout transitioned",
		zap.String("payout_id", payoutID),
		zap.String("status", string(to)))
	return p, nil
}

type payoutEvent struct {
	PayoutID    string              `json:"payout_id"`
	AccountID   string              `json:"account_id"`
	AmountMicro int64               `json:"amount_micro"`
	FeeMicro    int64               `json:"fee_micro"`
	Currency    string              `json:"currency"`
	Status      domain.PayoutStatus `json:"status"`
	TxHash      string              `json:"tx_hash,omitempty"`
	RequestedAt string              `json:"requested_at"`
	UpdatedAt   string              `json:"updated_at"`
}

func (s *Service) emit(ctx context.Context, typ events.Type, p domain.PayoutRequest) {
	err := s.emitter.Emit(ctx, typ, payoutEvent{
		PayoutID:    p.ID,
		AccountID:   p.AccountID,
		AmountMicro: p.AmountMicro,
		FeeMicro:    p.FeeMicro,
		Currency:    p.Currency,
		Status:      p.Status,
		TxHash:      p.TxHash,
		RequestedAt: clock.Wire(p.RequestedAt),
		UpdatedAt:   clock.Wire(p.UpdatedAt),
	})
	if err != nil {
		s.logger.Warn("payout event not delivered",
			zap.String("payout_id", p.ID), zap.String("event_type", string(typ)), zap.Error(err))
	}
}
