// Package revenue splits every finalized charge between the commons, the
// community and the foundation, and writes the split to the ledger in the
// same transaction as the finalize that produced it.
package revenue

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tutu-network/settle/internal/domain"
	"github.com/tutu-network/settle/internal/infra/observability"
	"github.com/tutu-network/settle/internal/infra/sqlite"
)

// Config is the active distribution config.
type Config = domain.RevenueConfig

// ErrInvalidRevenueConfig is returned (wrapped) for a config that fails validation.
var ErrInvalidRevenueConfig = domain.ErrInvalidRevenueConfig

// ─── Config Holder ──────────────────────────────────────────────────────────

// ConfigSource loads the stored config.
type ConfigSource interface {
	RevenueConfig(ctx context.Context) (domain.RevenueConfig, error)
}

// ConfigHolder caches the validated config for the life of the process.
// Build one per process and pass it by pointer.
type ConfigHolder struct {
	mu  sync.Mutex
	src ConfigSource
	cfg *Config
}

// NewConfigHolder creates a holder that loads from src on first use.
func NewConfigHolder(src ConfigSource) *ConfigHolder {
	return &ConfigHolder{src: src}
}

// Get returns the cached config, loading and validating it if needed.
// An invalid config is never cached.
func (h *ConfigHolder) Get(ctx context.Context) (Config, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cfg != nil {
		return *h.cfg, nil
	}
	cfg, err := h.src.RevenueConfig(ctx)
	if err != nil {
		return Config{}, fmt.Errorf("load revenue config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	h.cfg = &cfg
	return cfg, nil
}

// Invalidate drops the cached config; the next Get reloads.
func (h *ConfigHolder) Invalidate() {
	h.mu.Lock()
	h.cfg = nil
	h.mu.Unlock()
}

// ─── Share Calculation ──────────────────────────────────────────────────────

// Shares is one charge split three ways.
type Shares struct {
	CommonsMicro    int64 `json:"commons_micro"`
	CommunityMicro  int64 `json:"community_micro"`
	FoundationMicro int64 `json:"foundation_micro"`
}

// Total is always the charge the shares were computed from.
func (s Shares) Total() int64 { return s.CommonsMicro + s.CommunityMicro + s.FoundationMicro }

// CalculateShares floors the commons and community shares and gives the
// foundation the remainder, so the three always sum to chargeMicro.
// A charge of zero or less yields all-zero shares. An invalid cfg is an
// error wrapping ErrInvalidRevenueConfig.
func CalculateShares(chargeMicro int64, cfg Config) (Shares, error) {
	if err := cfg.Validate(); err != nil {
		return Shares{}, err
	}
	if chargeMicro <= 0 {
		return Shares{}, nil
	}
	commons, err := domain.MulDivFloor(chargeMicro, cfg.CommonsRateBps, domain.BasisPoints)
	if err != nil {
		return Shares{}, fmt.Errorf("commons share: %w", err)
	}
	community, err := domain.MulDivFloor(chargeMicro, cfg.CommunityRateBps, domain.BasisPoints)
	if err != nil {
		return Shares{}, fmt.Errorf("community share: %w", err)
	}
	return Shares{
		CommonsMicro:    commons,
		CommunityMicro:  community,
		FoundationMicro: chargeMicro - commons - community,
	}, nil
}

// ─── Posting ────────────────────────────────────────────────────────────────

// EntryWriter appends journal rows inside an open transaction.
type EntryWriter interface {
	AppendEntry(ctx context.Context, e domain.LedgerEntry) (domain.LedgerEntry, error)
}

// Posting identifies the finalize a distribution belongs to.
type Posting struct {
	ReservationID string
	PoolID        string
	ChargeMicro   int64
	EntrySeqBase  int64
}

// PostDistribution writes the non-zero shares at EntrySeqBase+1, +2 and +3.
// The caller owns the transaction.
func PostDistribution(ctx context.Context, w EntryWriter, cfg Config, p Posting) (Shares, error) {
	shares, err := CalculateShares(p.ChargeMicro, cfg)
	if err != nil || p.ChargeMicro <= 0 {
		return shares, err
	}
	legs := []struct {
		seq     int64
		typ     domain.EntryType
		account string
		amount  int64
		label   string
	}{
		{p.EntrySeqBase + 1, domain.EntryCommonsContribution, cfg.CommonsAccountID, shares.CommonsMicro, "commons"},
		{p.EntrySeqBase + 2, domain.EntryRevenueShare, cfg.CommunityAccountID, shares.CommunityMicro, "community"},
		{p.EntrySeqBase + 3, domain.EntryFoundationShare, cfg.FoundationAccountID, shares.FoundationMicro, "foundation"},
	}
	for _, leg := range legs {
		if leg.amount == 0 {
			continue
		}
		if _, err := w.AppendEntry(ctx, domain.LedgerEntry{
			AccountID:     leg.account,
			PoolID:        p.PoolID,
			ReservationID: p.ReservationID,
			EntrySeq:      leg.seq,
			EntryType:     leg.typ,
			AmountMicro:   leg.amount,
		}); err != nil {
			return Shares{}, fmt.Errorf("post %s share: %w", leg.label, err)
		}
	}
	return shares, nil
}

// ─── Service ────────────────────────────────────────────────────────────────

// Store is the persistence the service needs.
type Store interface {
	RunInTx(ctx context.Context, fn func(*sqlite.Tx) error) error
	SeedRevenueConfig(ctx context.Context, cfg domain.RevenueConfig, idempotencyKey string) (bool, error)
}

// Service is the metering finalizer: finalize plus distribution, atomically.
type Service struct {
	store  Store
	holder *ConfigHolder
	logger *zap.Logger
}

// Compile-time check.
var _ domain.Finalizer = (*Service)(nil)

// NewService wires the finalizer.
func NewService(store Store, holder *ConfigHolder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, holder: holder, logger: logger}
}

// FinalizeWithDistribution finalizes the reservation and posts the revenue
// split in one transaction. The config is loaded before the transaction
// opens; if either write fails, neither is kept.
func (s *Service) FinalizeWithDistribution(ctx context.Context, reservationID string, actualCostMicro int64) (domain.FinalizeResult, Shares, error) {
	cfg, err := s.holder.Get(ctx)
	if err != nil {
		return domain.FinalizeResult{}, Shares{}, err
	}

	var (
		res    domain.FinalizeResult
		shares Shares
	)
	err = s.store.RunInTx(ctx, func(tx *sqlite.Tx) error {
		var err error
		if res, err = tx.Finalize(ctx, reservationID, actualCostMicro); err != nil {
			return err
		}
		shares, err = PostDistribution(ctx, tx, cfg, Posting{
			ReservationID: res.ReservationID,
			PoolID:        res.PoolID,
			ChargeMicro:   res.ActualCostMicro,
			EntrySeqBase:  res.EntrySeqBase,
		})
		return err
	})
	if err != nil {
		return domain.FinalizeResult{}, Shares{}, err
	}

	observability.LedgerFinalizations.WithLabelValues("metered").Inc()
	observability.LedgerConsumedMicro.Add(float64(res.ActualCostMicro))
	observability.RevenueDistributedMicro.WithLabelValues("commons").Add(float64(shares.CommonsMicro))
	observability.RevenueDistributedMicro.WithLabelValues("community").Add(float64(shares.CommunityMicro))
	observability.RevenueDistributedMicro.WithLabelValues("foundation").Add(float64(shares.FoundationMicro))
	s.logger.Debug("reservation finalized",
		zap.String("reservation_id", reservationID),
		zap.Int64("actual_cost_micro", res.ActualCostMicro),
		zap.Int64("surplus_released_micro", res.SurplusReleasedMicro),
		zap.Int64("foundation_micro", shares.FoundationMicro))
	return res, shares, nil
}

// Finalize implements domain.Finalizer.
func (s *Service) Finalize(ctx context.Context, reservationID string, actualCostMicro int64) (domain.FinalizeResult, error) {
	res, _, err := s.FinalizeWithDistribution(ctx, reservationID, actualCostMicro)
	return res, err
}

// SeedConfig stores cfg as the active config once per idempotencyKey and
// drops the cached copy when it wrote.
func (s *Service) SeedConfig(ctx context.Context, cfg Config, idempotencyKey string) (bool, error) {
	if err := cfg.Validate(); err != nil {
		return false, err
	}
	applied, err := s.store.SeedRevenueConfig(ctx, cfg, idempotencyKey)
	if err != nil {
		return false, err
	}
	if applied {
		s.holder.Invalidate()
		s.logger.Info("revenue config seeded",
			zap.String("idempotency_key", idempotencyKey),
			zap.Int64("commons_bps", cfg.CommonsRateBps),
			zap.Int64("community_bps", cfg.CommunityRateBps),
			zap.Int64("foundation_bps", cfg.FoundationRateBps))
	}
	return applied, nil
}
