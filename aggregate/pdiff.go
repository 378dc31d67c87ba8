package aggregate

import "github.com/shopspring/decimal"

var (
	hundred       = decimal.NewFromInt(100)
	pdiffLimit    = decimal.NewFromInt(10000)
	pdiffSmallDen = decimal.NewFromInt(10)
)

// PercentDiff returns how much a differs from b in percent. ok is false when
// the result is undefined (b is zero and a positive) or suppressed as a
// tiny-denominator blowup (|result| > 10000 with b < 10).
func PercentDiff(a, b decimal.Decimal) (d decimal.Decimal, ok bool) {
	if a.Equal(b) {
		return decimal.Zero, true
	}
	if b.IsZero() {
		if a.IsPositive() {
			return decimal.Zero, false
		}
		return decimal.Zero, true
	}
	d = a.DivRound(b, 16).Mul(hundred).Sub(hundred)
	if d.Abs().GreaterThan(pdiffLimit) && b.LessThan(pdiffSmallDen) {
		return decimal.Zero, false
	}
	return d, true
}

// percentDiffPtr is PercentDiff as an optional value for JSON views.
func percentDiffPtr(a, b decimal.Decimal) *decimal.Decimal {
	d, ok := PercentDiff(a, b)
	if !ok {
		return nil
	}
	return &d
}
