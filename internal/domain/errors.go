package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ─── Error Taxonomy ─────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.
// Each kind is a distinct type carrying its own payload; callers branch with
// KindOf or errors.As instead of string matching.

// ErrorKind names one entry of the error taxonomy.
type ErrorKind string

const (
	KindNotFound                 ErrorKind = "NOT_FOUND"
	KindValidation               ErrorKind = "VALIDATION_ERROR"
	KindConflict                 ErrorKind = "CONFLICT"
	KindInsufficientBalance      ErrorKind = "INSUFFICIENT_BALANCE"
	KindRateLimited              ErrorKind = "RATE_LIMITED"
	KindKYCRequired              ErrorKind = "KYC_REQUIRED"
	KindFeeCapExceeded           ErrorKind = "FEE_CAP_EXCEEDED"
	KindTreasuryConflict         ErrorKind = "TREASURY_CONFLICT"
	KindReconciliationDivergence ErrorKind = "RECONCILIATION_DIVERGENCE"
	KindBudgetExceeded           ErrorKind = "BUDGET_EXCEEDED"
	KindInternal                 ErrorKind = "INTERNAL"
)

// kinded is implemented by every taxonomy error.
type kinded interface {
	error
	Kind() ErrorKind
}

// KindOf returns the taxonomy kind of err, or KindInternal for anything else.
func KindOf(err error) ErrorKind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindInternal
}

// IsRetryable reports whether the whole request may be re-run as-is.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTreasuryConflict
}

// NotFoundError reports an absent entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string   { return fmt.Sprintf("%s %q not found", e.Entity, e.ID) }
func (e *NotFoundError) Kind() ErrorKind { return KindNotFound }

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
func (e *ValidationError) Kind() ErrorKind { return KindValidation }

// ConflictError reports a state conflict or duplicate registration.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string   { return "conflict: " + e.Message }
func (e *ConflictError) Kind() ErrorKind { return KindConflict }

// InsufficientBalanceError reports that funds do not cover a request.
type InsufficientBalanceError struct {
	RequestedMicro int64
	AvailableMicro int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %s, available %s",
		FormatUSD(e.RequestedMicro), FormatUSD(e.AvailableMicro))
}
func (e *InsufficientBalanceError) Kind() ErrorKind { return KindInsufficientBalance }

// RateLimitedError reports a request inside a closed rate window.
type RateLimitedError struct {
	Window string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: one payout request per %s", e.Window)
}
func (e *RateLimitedError) Kind() ErrorKind { return KindRateLimited }

// KYCRequiredError reports that a higher verification level is needed.
type KYCRequiredError struct {
	Required KYCLevel
	Current  KYCLevel
}

func (e *KYCRequiredError) Error() string {
	return fmt.Sprintf("KYC level %q required (current %q)", e.Required, e.Current)
}
func (e *KYCRequiredError) Kind() ErrorKind { return KindKYCRequired }

// FeeCapExceededError reports a fee above the allowed share of the gross.
type FeeCapExceededError struct {
	FeeMicro int64
	CapMicro int64
}

func (e *FeeCapExceededError) Error() string {
	return fmt.Sprintf("fee %s exceeds cap %s", FormatUSD(e.FeeMicro), FormatUSD(e.CapMicro))
}
func (e *FeeCapExceededError) Kind() ErrorKind { return KindFeeCapExceeded }

// TreasuryConflictError reports a lost optimistic-concurrency race on the
// treasury version. The caller should re-run the whole request.
type TreasuryConflictError struct {
	ExpectedVersion int64
}

func (e *TreasuryConflictError) Error() string {
	return fmt.Sprintf("treasury version %d changed concurrently; retry the request", e.ExpectedVersion)
}
func (e *TreasuryConflictError) Kind() ErrorKind { return KindTreasuryConflict }

// DivergenceError summarizes a reconciliation run that found violations.
// It is informational: nothing is ever auto-corrected.
type DivergenceError struct {
	RunID       string
	Divergences []string
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("reconciliation %s: %d divergence(s): %s",
		e.RunID, len(e.Divergences), strings.Join(e.Divergences, "; "))
}
func (e *DivergenceError) Kind() ErrorKind { return KindReconciliationDivergence }

// BudgetExceededError reports that an agent's daily cap would be exceeded.
type BudgetExceededError struct {
	DailyCapMicro  int64
	SpentMicro     int64
	RequestedMicro int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("daily budget exceeded: spent %s + requested %s > cap %s",
		FormatUSD(e.SpentMicro), FormatUSD(e.RequestedMicro), FormatUSD(e.DailyCapMicro))
}
func (e *BudgetExceededError) Kind() ErrorKind { return KindBudgetExceeded }

// ─── Constructors ───────────────────────────────────────────────────────────

// NotFound builds a NotFoundError.
func NotFound(entity, id string) error { return &NotFoundError{Entity: entity, ID: id} }

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a ConflictError.
func Conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}
