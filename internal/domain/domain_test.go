package domain

import (
	"errors"
	"fmt"
	"math"
	"testing"
)

// ─── Money Tests ────────────────────────────────────────────────────────────

func TestAddMicro_Overflow(t *testing.T) {
	if _, err := AddMicro(math.MaxInt64, 1); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("AddMicro(max, 1) error = %v, want ErrAmountOverflow", err)
	}
	if _, err := AddMicro(math.MinInt64, -1); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("AddMicro(min, -1) error = %v, want ErrAmountOverflow", err)
	}
	got, err := AddMicro(USD(5), -Cents(50))
	if err != nil {
		t.Fatal(err)
	}
	if got != 4_500_000 {
		t.Errorf("AddMicro() = %d, want 4500000", got)
	}
}

func TestSumMicro(t *testing.T) {
	got, err := SumMicro(1, 2, 3)
	if err != nil || got != 6 {
		t.Errorf("SumMicro(1,2,3) = %d, %v", got, err)
	}
	if _, err := SumMicro(math.MaxInt64, 1); err == nil {
		t.Error("SumMicro should report overflow")
	}
}

func TestMulDivFloor(t *testing.T) {
	tests := []struct {
		x, num, den, want int64
	}{
		{10_000_000, 500, 10_000, 500_000},
		{10_000_001, 500, 10_000, 500_000},
		{7, 3333, 10_000, 2},
		{0, 9999, 10_000, 0},
		// x*num overflows int64 but the quotient does not.
		{math.MaxInt64, 5000, 10_000, math.MaxInt64 / 2},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d*%d/%d", tt.x, tt.num, tt.den), func(t *testing.T) {
			got, err := MulDivFloor(tt.x, tt.num, tt.den)
			if err != nil {
				t.Fatalf("MulDivFloor() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("MulDivFloor() = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := MulDivFloor(-1, 1, 1); err == nil {
		t.Error("negative operand should fail")
	}
	if _, err := MulDivFloor(1, 1, 0); err == nil {
		t.Error("zero divisor should fail")
	}
}

func TestFormatUSD(t *testing.T) {
	tests := map[int64]string{
		0:           "$0.00",
		500_000:     "$0.50",
		1_000_000:   "$1.00",
		150_000_000: "$150.00",
		-2_500_000:  "-$2.50",
	}
	for in, want := range tests {
		if got := FormatUSD(in); got != want {
			t.Errorf("FormatUSD(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestParseUSD(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"12.5", 12_500_000, false},
		{"$0.000001", 1, false},
		{" 100 ", 100_000_000, false},
		{"-3", -3_000_000, false},
		{"0.0000001", 0, true},
		{"ten", 0, true},
		{"99999999999999999999", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseUSD(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUSD(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseUSD(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestPercentOf(t *testing.T) {
	if got := PercentOf(80, 100); got != 80 {
		t.Errorf("PercentOf(80,100) = %v", got)
	}
	if got := PercentOf(1, 3); got != 33.3 {
		t.Errorf("PercentOf(1,3) = %v, want 33.3", got)
	}
	if got := PercentOf(5, 0); got != 0 {
		t.Errorf("PercentOf(5,0) = %v, want 0", got)
	}
}

// ─── Lot Tests ──────────────────────────────────────────────────────────────

func TestLot_Conservation(t *testing.T) {
	ok := Lot{OriginalMicro: 10, AvailableMicro: 3, ReservedMicro: 2, ConsumedMicro: 4}
	if !ok.Conserved() {
		t.Errorf("sum=9 <= 10 should be conserved, gap=%d", ok.ConservationGap())
	}
	bad := Lot{OriginalMicro: 10, AvailableMicro: 3, ReservedMicro: 2, ConsumedMicro: 6}
	if bad.Conserved() {
		t.Error("sum=11 > 10 must violate conservation")
	}
	if bad.ConservationGap() != -1 {
		t.Errorf("ConservationGap() = %d, want -1", bad.ConservationGap())
	}
}

// ─── KYC Tests ──────────────────────────────────────────────────────────────

func TestKYCLevel_Ordering(t *testing.T) {
	order := []KYCLevel{KYCNone, KYCBasic, KYCEnhanced, KYCVerified}
	for i, lower := range order {
		for j, higher := range order {
			want := i >= j
			if got := lower.AtLeast(higher); got != want {
				t.Errorf("%s.AtLeast(%s) = %v, want %v", lower, higher, got, want)
			}
		}
	}
	if KYCLevel("platinum").Valid() {
		t.Error("unknown level should be invalid")
	}
}

// ─── Payout State Machine Tests ─────────────────────────────────────────────

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to PayoutStatus
		want     bool
	}{
		{PayoutPending, PayoutApproved, true},
		{PayoutPending, PayoutCancelled, true},
		{PayoutPending, PayoutFailed, true},
		{PayoutApproved, PayoutProcessing, true},
		{PayoutApproved, PayoutCancelled, false},
		{PayoutApproved, PayoutFailed, true},
		{PayoutProcessing, PayoutCompleted, true},
		{PayoutProcessing, PayoutFailed, true},
		{PayoutPending, PayoutCompleted, false},
		{PayoutCompleted, PayoutFailed, false},
		{PayoutCancelled, PayoutApproved, false},
		{PayoutFailed, PayoutPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPayoutStatus_EscrowAndTerminal(t *testing.T) {
	for _, s := range EscrowStatuses {
		if !s.InEscrow() || s.Terminal() {
			t.Errorf("%s: InEscrow=%v Terminal=%v", s, s.InEscrow(), s.Terminal())
		}
	}
	for _, s := range []PayoutStatus{PayoutCompleted, PayoutCancelled, PayoutFailed} {
		if s.InEscrow() || !s.Terminal() {
			t.Errorf("%s: InEscrow=%v Terminal=%v", s, s.InEscrow(), s.Terminal())
		}
	}
}

// ─── Error Taxonomy Tests ───────────────────────────────────────────────────

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{NotFound("account", "a1"), KindNotFound},
		{Invalid("amount", "must be positive"), KindValidation},
		{Conflict("reservation not open"), KindConflict},
		{&InsufficientBalanceError{RequestedMicro: 2, AvailableMicro: 1}, KindInsufficientBalance},
		{&KYCRequiredError{Required: KYCBasic, Current: KYCNone}, KindKYCRequired},
		{&TreasuryConflictError{ExpectedVersion: 3}, KindTreasuryConflict},
		{fmt.Errorf("wrapped: %w", &RateLimitedError{Window: "24h"}), KindRateLimited},
		{errors.New("disk on fire"), KindInternal},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(fmt.Errorf("approve: %w", &TreasuryConflictError{})) {
		t.Error("treasury conflict should be retryable")
	}
	if IsRetryable(Conflict("x")) {
		t.Error("plain conflict should not be retryable")
	}
}

// ─── Address Tests ──────────────────────────────────────────────────────────

func TestValidatePayoutAddress(t *testing.T) {
	valid := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, a := range valid {
		if err := ValidatePayoutAddress(a); err != nil {
			t.Errorf("ValidatePayoutAddress(%s) error: %v", a, err)
		}
	}

	invalid := []string{
		"0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed", // lowercase, no checksum
		"0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", // one letter flipped
		"5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",   // missing prefix
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeA",   // too short
		"0xZZAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", // not hex
	}
	for _, a := range invalid {
		err := ValidatePayoutAddress(a)
		if KindOf(err) != KindValidation {
			t.Errorf("ValidatePayoutAddress(%s) = %v, want validation error", a, err)
		}
	}
}

func TestDeriveAgentAddress_Deterministic(t *testing.T) {
	a := DeriveAgentAddress("token-42", "")
	b := DeriveAgentAddress("token-42", "")
	c := DeriveAgentAddress("token-42", "anchor-x")
	if a != b {
		t.Errorf("same token produced %s and %s", a, b)
	}
	if a == c {
		t.Error("identity anchor should change the derived address")
	}
	if err := ValidatePayoutAddress(a); err != nil {
		t.Errorf("derived address %s is not checksummed: %v", a, err)
	}
}
