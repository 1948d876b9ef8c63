package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidRevenueConfig marks a distribution config that must not be used.
var ErrInvalidRevenueConfig = errors.New("invalid revenue share config")

// RevenueConfig splits every finalized charge between three recipients.
// Rates are basis points and must sum to exactly BasisPoints.
type RevenueConfig struct {
	CommonsRateBps      int64  `json:"commons_rate_bps" toml:"commons_rate_bps"`
	CommunityRateBps    int64  `json:"community_rate_bps" toml:"community_rate_bps"`
	FoundationRateBps   int64  `json:"foundation_rate_bps" toml:"foundation_rate_bps"`
	CommonsAccountID    string `json:"commons_account_id" toml:"commons_account_id"`
	CommunityAccountID  string `json:"community_account_id" toml:"community_account_id"`
	FoundationAccountID string `json:"foundation_account_id" toml:"foundation_account_id"`
}

// Validate rejects negative rates, rates that do not sum to 10000, and
// missing recipient accounts. A bad config is never normalized.
func (c RevenueConfig) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %w", ErrInvalidRevenueConfig, Invalid("revenue_config", format, args...))
	}
	if c.CommonsRateBps < 0 || c.CommunityRateBps < 0 || c.FoundationRateBps < 0 {
		return fail("rates must not be negative (%d/%d/%d)",
			c.CommonsRateBps, c.CommunityRateBps, c.FoundationRateBps)
	}
	if sum := c.CommonsRateBps + c.CommunityRateBps + c.FoundationRateBps; sum != BasisPoints {
		return fail("rates sum to %d bps, want %d", sum, BasisPoints)
	}
	if c.CommonsAccountID == "" || c.CommunityAccountID == "" || c.FoundationAccountID == "" {
		return fail("every recipient account is required")
	}
	return nil
}
