// Package money 提供基于 decimal 的金额运算，避免浮点累加误差。
package money

import (
	"math"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FromFloat 将 float64 转为 decimal，NaN/Inf 视为 0。
func FromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func ToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// Sum 以 decimal 精度求和后转回 float64。
func Sum(values ...float64) float64 {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(FromFloat(v))
	}
	return ToFloat(total)
}

// Percent 返回 part/whole*100；whole 为 0 时 ok=false。
func Percent(part, whole decimal.Decimal) (decimal.Decimal, bool) {
	if whole.IsZero() {
		return decimal.Zero, false
	}
	return part.Div(whole).Mul(hundred), true
}
