// Package money is the only place monetary values are combined.
//
// Major-unit amounts (francs, euros) are decimal.Decimal values with at most
// two meaningful fractional digits. Minor-unit amounts (Rappen, cents) are
// int64 and are only produced for the payment processor boundary. Every
// derived value is rounded exactly once, half away from zero.
package money

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits a major-unit amount carries.
const Scale int32 = 2

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidRate   = errors.New("invalid_rate")
	// ErrPrecisionLoss marks an amount that is not a whole number of minor
	// units. FixRounding absorbs it; strict boundaries surface it.
	ErrPrecisionLoss = errors.New("precision_loss")
	ErrSplitMismatch = errors.New("split_mismatch")
)

var hundred = decimal.NewFromInt(100)

// Parse reads a major-unit amount such as "156.78".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return d, nil
}

// FromFloat converts a float64 that was produced outside this package into
// the shortest decimal that represents it. NaN and infinities are rejected.
func FromFloat(f float64) (decimal.Decimal, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero, fmt.Errorf("%w: %v is not finite", ErrInvalidAmount, f)
	}
	return decimal.NewFromFloat(f), nil
}

// ToMinorUnits converts a major-unit amount to integer minor units, rounding
// half away from zero. 19.99 yields exactly 1999.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	scaled := amount.Shift(Scale).Round(0)
	if !scaled.BigInt().IsInt64() {
		return 0, fmt.Errorf("%w: %s is out of range", ErrInvalidAmount, amount.String())
	}
	return scaled.IntPart(), nil
}

// ToMinorUnitsExact is ToMinorUnits for amounts that must already be whole
// minor units. It returns ErrPrecisionLoss instead of rounding.
func ToMinorUnitsExact(amount decimal.Decimal) (int64, error) {
	units, err := ToMinorUnits(amount)
	if err != nil {
		return 0, err
	}
	if !FromMinorUnits(units).Equal(amount) {
		return 0, fmt.Errorf("%w: %s", ErrPrecisionLoss, amount.String())
	}
	return units, nil
}

// FromMinorUnits is exact: units / 100 with two fractional digits.
func FromMinorUnits(units int64) decimal.Decimal {
	return decimal.New(units, -Scale)
}

// Format renders an amount with exactly two fractional digits.
func Format(amount decimal.Decimal) string {
	return amount.StringFixed(Scale)
}

// Add sums the amounts in minor units.
func Add(amounts ...decimal.Decimal) (decimal.Decimal, error) {
	var total int64
	for _, a := range amounts {
		units, err := ToMinorUnits(a)
		if err != nil {
			return decimal.Zero, err
		}
		sum, ok := addInt64(total, units)
		if !ok {
			return decimal.Zero, fmt.Errorf("%w: sum overflows", ErrInvalidAmount)
		}
		total = sum
	}
	return FromMinorUnits(total), nil
}

// Sub returns a - b computed in minor units.
func Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	au, err := ToMinorUnits(a)
	if err != nil {
		return decimal.Zero, err
	}
	bu, err := ToMinorUnits(b)
	if err != nil {
		return decimal.Zero, err
	}
	diff, ok := addInt64(au, -bu)
	if !ok || bu == math.MinInt64 {
		return decimal.Zero, fmt.Errorf("%w: difference overflows", ErrInvalidAmount)
	}
	return FromMinorUnits(diff), nil
}

// Multiply scales amount by a non-negative factor ("price x nights"). The
// amount is taken in minor units, multiplied exactly and rounded once.
func Multiply(amount, factor decimal.Decimal) (decimal.Decimal, error) {
	if factor.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: factor %s is negative", ErrInvalidAmount, factor.String())
	}
	units, err := ToMinorUnits(amount)
	if err != nil {
		return decimal.Zero, err
	}
	product, err := ToMinorUnits(decimal.NewFromInt(units).Mul(factor).Shift(-Scale))
	if err != nil {
		return decimal.Zero, err
	}
	return FromMinorUnits(product), nil
}

// MultiplyInt is Multiply for whole quantities.
func MultiplyInt(amount decimal.Decimal, n int64) (decimal.Decimal, error) {
	return Multiply(amount, decimal.NewFromInt(n))
}

// PercentageOf returns amount * ratePercent / 100 rounded to two fractional
// digits. 8.5 means 8.5%.
func PercentageOf(amount, ratePercent decimal.Decimal) (decimal.Decimal, error) {
	if err := checkRate(ratePercent); err != nil {
		return decimal.Zero, err
	}
	units, err := ToMinorUnits(amount.Mul(ratePercent).Shift(-2))
	if err != nil {
		return decimal.Zero, err
	}
	return FromMinorUnits(units), nil
}

// IsValidMoneyAmount reports whether amount is a whole number of minor units.
func IsValidMoneyAmount(amount decimal.Decimal) bool {
	_, err := ToMinorUnitsExact(amount)
	return err == nil
}

// FixRounding snaps amount to the nearest two-digit value. lossy is true when
// the input was not already a valid money amount.
func FixRounding(amount decimal.Decimal) (fixed decimal.Decimal, lossy bool, err error) {
	units, err := ToMinorUnits(amount)
	if err != nil {
		return decimal.Zero, false, err
	}
	fixed = FromMinorUnits(units)
	return fixed, !fixed.Equal(amount), nil
}

// FixRoundingFloat normalizes a float64 computed by legacy code, e.g.
// 99.99900000000001 becomes 100.00.
func FixRoundingFloat(f float64) (decimal.Decimal, bool, error) {
	d, err := FromFloat(f)
	if err != nil {
		return decimal.Zero, false, err
	}
	return FixRounding(d)
}

func checkRate(ratePercent decimal.Decimal) error {
	if ratePercent.IsNegative() {
		return fmt.Errorf("%w: %s%% is negative", ErrInvalidRate, ratePercent.String())
	}
	return nil
}

// requireMoney rejects negative amounts and amounts that are not whole minor
// units; the split invariant can only hold exactly for such inputs.
func requireMoney(name string, amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() {
		return 0, fmt.Errorf("%w: %s %s is negative", ErrInvalidAmount, name, amount.String())
	}
	units, err := ToMinorUnitsExact(amount)
	if errors.Is(err, ErrPrecisionLoss) {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidAmount, name, err)
	}
	return units, err
}

func addInt64(a, b int64) (int64, bool) {
	s := a + b
	if (b > 0 && s < a) || (b < 0 && s > a) {
		return 0, false
	}
	return s, true
}
