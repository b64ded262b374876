package fixmath_test

import (
	"errors"
	"math"
	"testing"

	"LendLedger/internal/fixmath"
)

// unit is the fixed-point representation of 1.0, used for prices below.
// Amounts are plain base-unit integers.
const unit = fixmath.Precision

// ============================================================================
// Test: Checked arithmetic
// ============================================================================

func TestCheckedAdd_Basic(t *testing.T) {
	got, err := fixmath.CheckedAdd(2_000, 3_000)
	if err != nil {
		t.Fatalf("CheckedAdd failed: %v", err)
	}
	if got != 5_000 {
		t.Errorf("got %d, want 5_000", got)
	}
}

func TestCheckedAdd_Overflow(t *testing.T) {
	_, err := fixmath.CheckedAdd(math.MaxUint64, 1)
	if !errors.Is(err, fixmath.ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestCheckedSub_Basic(t *testing.T) {
	got, err := fixmath.CheckedSub(5_000, 3_000)
	if err != nil {
		t.Fatalf("CheckedSub failed: %v", err)
	}
	if got != 2_000 {
		t.Errorf("got %d, want 2_000", got)
	}
}

func TestCheckedSub_Underflow(t *testing.T) {
	_, err := fixmath.CheckedSub(1, 2)
	if !errors.Is(err, fixmath.ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestCheckedMul_Basic(t *testing.T) {
	got, err := fixmath.CheckedMul(3, 7)
	if err != nil {
		t.Fatalf("CheckedMul failed: %v", err)
	}
	if got != 21 {
		t.Errorf("got %d, want 21", got)
	}
}

func TestCheckedMul_Zero(t *testing.T) {
	got, err := fixmath.CheckedMul(0, math.MaxUint64)
	if err != nil || got != 0 {
		t.Errorf("0 * max should be 0, got %d err %v", got, err)
	}
}

func TestCheckedMul_Overflow(t *testing.T) {
	_, err := fixmath.CheckedMul(math.MaxUint64, 2)
	if !errors.Is(err, fixmath.ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
}

// ============================================================================
// Test: MulDiv
// ============================================================================

func TestMulDiv_WideIntermediate(t *testing.T) {
	// a*b wraps uint64 but the quotient fits.
	got, err := fixmath.MulDiv(math.MaxUint64, 10, 20)
	if err != nil {
		t.Fatalf("MulDiv failed: %v", err)
	}
	want := math.MaxUint64 / uint64(2)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestMulDiv_Truncates(t *testing.T) {
	got, err := fixmath.MulDiv(7, 1, 2)
	if err != nil {
		t.Fatalf("MulDiv failed: %v", err)
	}
	if got != 3 {
		t.Errorf("got %d, want 3 (truncated)", got)
	}
}

func TestMulDiv_ResultOverflows(t *testing.T) {
	_, err := fixmath.MulDiv(math.MaxUint64, 3, 2)
	if !errors.Is(err, fixmath.ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
}

func TestMulDiv_ZeroDenominator(t *testing.T) {
	_, err := fixmath.MulDiv(1, 1, 0)
	if !errors.Is(err, fixmath.ErrArithmeticOverflow) {
		t.Errorf("expected ErrArithmeticOverflow, got %v", err)
	}
}

// ============================================================================
// Test: Domain formulas
// ============================================================================

func TestAssetValue_UnitPrice(t *testing.T) {
	got, err := fixmath.AssetValue(150, unit)
	if err != nil {
		t.Fatalf("AssetValue failed: %v", err)
	}
	if got != 150 {
		t.Errorf("got %d, want 150", got)
	}
}

func TestAssetValue_FractionalPrice(t *testing.T) {
	// 200 units at price 0.5 => value 100.
	got, err := fixmath.AssetValue(200, unit/2)
	if err != nil {
		t.Fatalf("AssetValue failed: %v", err)
	}
	if got != 100 {
		t.Errorf("got %d, want 100", got)
	}
}

func TestRequiredCollateral_Ratio150(t *testing.T) {
	// 100 borrowed at price 1.0 with 150% ratio needs 150 of value.
	got, err := fixmath.RequiredCollateral(100, unit, 150)
	if err != nil {
		t.Fatalf("RequiredCollateral failed: %v", err)
	}
	if got != 150 {
		t.Errorf("got %d, want 150", got)
	}
}

func TestRequiredCollateral_TripleProductDoesNotWrap(t *testing.T) {
	// principal * price alone wraps uint64; big.Int carries it.
	got, err := fixmath.RequiredCollateral(1_000_000_000, 2*unit, 150)
	if err != nil {
		t.Fatalf("RequiredCollateral failed: %v", err)
	}
	if got != 3_000_000_000 {
		t.Errorf("got %d, want 3_000_000_000", got)
	}
}

func TestAccruedInterest_FullYear(t *testing.T) {
	// 100_000_000 at 500 bps over a full year => 5_000_000.
	got, err := fixmath.AccruedInterest(100_000_000, 500, fixmath.SecondsPerYear)
	if err != nil {
		t.Fatalf("AccruedInterest failed: %v", err)
	}
	if got != 5_000_000 {
		t.Errorf("got %d, want 5_000_000", got)
	}
}

func TestAccruedInterest_HalfYear(t *testing.T) {
	got, err := fixmath.AccruedInterest(100_000_000, 500, fixmath.SecondsPerYear/2)
	if err != nil {
		t.Fatalf("AccruedInterest failed: %v", err)
	}
	if got != 2_500_000 {
		t.Errorf("got %d, want 2_500_000", got)
	}
}

func TestAccruedInterest_ZeroElapsed(t *testing.T) {
	got, err := fixmath.AccruedInterest(100_000_000, 500, 0)
	if err != nil || got != 0 {
		t.Errorf("zero elapsed should accrue nothing, got %d err %v", got, err)
	}
}

func TestLiquidationPayout_TenPercentBonus(t *testing.T) {
	got, err := fixmath.LiquidationPayout(100_000, 10)
	if err != nil {
		t.Fatalf("LiquidationPayout failed: %v", err)
	}
	if got != 110_000 {
		t.Errorf("got %d, want 110_000", got)
	}
}

func TestLiquidationPayout_ZeroBonus(t *testing.T) {
	got, err := fixmath.LiquidationPayout(100_000, 0)
	if err != nil {
		t.Fatalf("LiquidationPayout failed: %v", err)
	}
	if got != 100_000 {
		t.Errorf("got %d, want 100_000", got)
	}
}

// ============================================================================
// Test: Deviation
// ============================================================================

func TestExceedsDeviationBps_WithinBound(t *testing.T) {
	// 4% move against a 5% bound.
	if fixmath.ExceedsDeviationBps(unit, unit+unit/25, 500) {
		t.Error("4% move should not exceed a 500 bps bound")
	}
}

func TestExceedsDeviationBps_AtBound(t *testing.T) {
	// Exactly 5%; the bound is strict.
	if fixmath.ExceedsDeviationBps(unit, unit+unit/20, 500) {
		t.Error("exactly 500 bps should not exceed a 500 bps bound")
	}
}

func TestExceedsDeviationBps_BeyondBound(t *testing.T) {
	if !fixmath.ExceedsDeviationBps(unit, unit+unit/10, 500) {
		t.Error("10% move should exceed a 500 bps bound")
	}
}

func TestExceedsDeviationBps_Downward(t *testing.T) {
	if !fixmath.ExceedsDeviationBps(unit, unit-unit/10, 500) {
		t.Error("10% drop should exceed a 500 bps bound")
	}
}
