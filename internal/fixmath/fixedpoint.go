package fixmath

import (
	"errors"
	"math"
	"math/big"
	"sync"
)

// All monetary quantities are unsigned 1e18 fixed-point integers. Intermediate
// products use big.Int so a*b never wraps before the divide; results that do
// not fit back into uint64 fail with ErrArithmeticOverflow.

const (
	// Precision is the fixed-point scale: 1.0 == 1e18.
	Precision uint64 = 1_000_000_000_000_000_000

	// PercentBase is the denominator for whole-percent ratios (150 == 150%).
	PercentBase uint64 = 100

	// BpsBase is the denominator for basis-point rates (500 == 5%).
	BpsBase uint64 = 10_000

	// SecondsPerYear is the interest-accrual year (365 days).
	SecondsPerYear uint64 = 31_536_000
)

// ErrArithmeticOverflow is returned whenever a checked operation would wrap
// or a wide intermediate result does not fit into uint64.
var ErrArithmeticOverflow = errors.New("arithmetic overflow")

var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetUint64(0)
	bigPool.Put(v)
}

// CheckedAdd returns a+b, failing instead of wrapping.
func CheckedAdd(a, b uint64) (uint64, error) {
	if b > math.MaxUint64-a {
		return 0, ErrArithmeticOverflow
	}
	return a + b, nil
}

// CheckedSub returns a-b, failing instead of wrapping below zero.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrArithmeticOverflow
	}
	return a - b, nil
}

// CheckedMul returns a*b, failing instead of wrapping.
func CheckedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxUint64/b {
		return 0, ErrArithmeticOverflow
	}
	return a * b, nil
}

// MulDiv computes a*b/denom with a 128-bit intermediate product. Division
// truncates toward zero.
func MulDiv(a, b, denom uint64) (uint64, error) {
	if denom == 0 {
		return 0, ErrArithmeticOverflow
	}
	num := getBig().SetUint64(a)
	tmp := getBig().SetUint64(b)
	num.Mul(num, tmp)
	num.Quo(num, tmp.SetUint64(denom))

	ok := num.IsUint64()
	var out uint64
	if ok {
		out = num.Uint64()
	}
	putBig(num)
	putBig(tmp)
	if !ok {
		return 0, ErrArithmeticOverflow
	}
	return out, nil
}

// AssetValue converts an asset amount to its quote value:
// amount * price / Precision.
func AssetValue(amount, price uint64) (uint64, error) {
	return MulDiv(amount, price, Precision)
}

// RequiredCollateral computes the minimum collateral value for a loan:
// principal * borrowPrice * ratioPct / (PercentBase * Precision).
// The full product is carried in big.Int so the triple multiply cannot wrap.
func RequiredCollateral(principal, borrowPrice, ratioPct uint64) (uint64, error) {
	num := getBig().SetUint64(principal)
	tmp := getBig().SetUint64(borrowPrice)
	num.Mul(num, tmp)
	num.Mul(num, tmp.SetUint64(ratioPct))

	den := getBig().SetUint64(PercentBase)
	den.Mul(den, tmp.SetUint64(Precision))
	num.Quo(num, den)

	ok := num.IsUint64()
	var out uint64
	if ok {
		out = num.Uint64()
	}
	putBig(num)
	putBig(tmp)
	putBig(den)
	if !ok {
		return 0, ErrArithmeticOverflow
	}
	return out, nil
}

// AccruedInterest computes linear, non-compounding interest:
// principal * rateBps * elapsedSeconds / (SecondsPerYear * BpsBase).
func AccruedInterest(principal, rateBps, elapsedSeconds uint64) (uint64, error) {
	num := getBig().SetUint64(principal)
	tmp := getBig().SetUint64(rateBps)
	num.Mul(num, tmp)
	num.Mul(num, tmp.SetUint64(elapsedSeconds))
	num.Quo(num, tmp.SetUint64(SecondsPerYear*BpsBase))

	ok := num.IsUint64()
	var out uint64
	if ok {
		out = num.Uint64()
	}
	putBig(num)
	putBig(tmp)
	if !ok {
		return 0, ErrArithmeticOverflow
	}
	return out, nil
}

// LiquidationPayout computes the bonus-weighted value owed to a liquidator:
// borrowValue * (PercentBase + bonusPct) / PercentBase.
func LiquidationPayout(borrowValue, bonusPct uint64) (uint64, error) {
	factor, err := CheckedAdd(PercentBase, bonusPct)
	if err != nil {
		return 0, err
	}
	return MulDiv(borrowValue, factor, PercentBase)
}

// ExceedsDeviationBps reports whether the relative move from last to next is
// strictly larger than maxBps basis points of last. Computed as
// |next-last| * BpsBase > last * maxBps entirely in big.Int, so no magnitude
// of price can wrap the comparison.
func ExceedsDeviationBps(last, next, maxBps uint64) bool {
	var diff uint64
	if next > last {
		diff = next - last
	} else {
		diff = last - next
	}

	lhs := getBig().SetUint64(diff)
	tmp := getBig().SetUint64(BpsBase)
	lhs.Mul(lhs, tmp)

	rhs := getBig().SetUint64(last)
	rhs.Mul(rhs, tmp.SetUint64(maxBps))

	exceeds := lhs.Cmp(rhs) > 0
	putBig(lhs)
	putBig(tmp)
	putBig(rhs)
	return exceeds
}
