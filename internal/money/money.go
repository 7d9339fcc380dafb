// Package money holds the fixed-point arithmetic shared by the payroll engine.
// Amounts are shopspring decimals rounded half-up to the smallest unit of the
// slip currency; rates carry four decimal places.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// RatePlaces is the precision kept on percentages.
const RatePlaces int32 = 4

var (
	half    = decimal.NewFromFloat(0.5)
	hundred = decimal.NewFromInt(100)
)

// currencyPlaces lists minor units for the currencies a slip may be issued in.
var currencyPlaces = map[string]int32{
	"GNF": 0,
	"XOF": 0,
	"XAF": 0,
	"EUR": 2,
	"USD": 2,
}

// Places returns the number of decimal places of the currency's smallest unit.
// Unknown currencies default to two places.
func Places(currency string) int32 {
	if p, ok := currencyPlaces[strings.ToUpper(strings.TrimSpace(currency))]; ok {
		return p
	}
	return 2
}

// RoundHalfUp rounds towards +∞ on ties, at the given number of places.
func RoundHalfUp(d decimal.Decimal, places int32) decimal.Decimal {
	return d.Shift(places).Add(half).Floor().Shift(-places)
}

// Round rounds an amount to the currency unit.
func Round(d decimal.Decimal, currency string) decimal.Decimal {
	return RoundHalfUp(d, Places(currency))
}

// Rate normalises a percentage to RatePlaces.
func Rate(d decimal.Decimal) decimal.Decimal {
	return RoundHalfUp(d, RatePlaces)
}

// Percent returns base × rate / 100 without rounding.
func Percent(base, rate decimal.Decimal) decimal.Decimal {
	return base.Mul(rate).Div(hundred)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}

// NonNegative returns zero for negative values.
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Sum adds all values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}

// Parse reads a decimal literal, accepting spaces and underscores as
// thousands separators ("1 500 000", "1_500_000").
func Parse(s string) (decimal.Decimal, error) {
	clean := strings.NewReplacer(" ", "", "_", "", " ", "", " ", "").Replace(strings.TrimSpace(s))
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}
