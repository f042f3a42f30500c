package domain

import (
	"github.com/shopspring/decimal"
)

// Amounts are stored as BIGINT micros (10^-6) to avoid floating point errors.
// Percentages and ratios use shopspring/decimal; conversion back to micros
// always rounds down so the engine never over-credits.

const microsPerUnit = 1_000_000

// ToDecimal converts int64 micros to a decimal value in whole units.
func ToDecimal(micros int64) decimal.Decimal {
	return decimal.NewFromInt(micros).Div(decimal.NewFromInt(microsPerUnit))
}

// FromDecimal converts a whole-unit decimal to int64 micros, rounding down.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(microsPerUnit)).IntPart()
}

// ApplyPercent returns amount × (pct / 100) in micros, rounded down.
func ApplyPercent(micros int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(micros).Mul(pct).Div(decimal.NewFromInt(100)).IntPart()
}

// ScaleRatio returns micros × num / den, rounded down. Used for binary
// matching ratios such as 1:2.
func ScaleRatio(micros int64, num, den int64) int64 {
	if den == 0 {
		return 0
	}
	return decimal.NewFromInt(micros).Mul(decimal.NewFromInt(num)).Div(decimal.NewFromInt(den)).IntPart()
}

// FormatAmount renders micros as a fixed two-decimal string for logs and
// statements.
func FormatAmount(micros int64) string {
	return ToDecimal(micros).StringFixed(2)
}
