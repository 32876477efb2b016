// Package money provides fixed-point conversions between whole currency units
// and integer micro-units. All balances, charges and summary counters are
// stored and summed as Micros so no floating-point drift can accumulate.
package money

import (
	"fmt"
	"math"
)

// Micros is an amount expressed in millionths of the settlement currency.
type Micros = int64

const (
	// PerUnit is the number of micros in one whole currency unit (1 EUR).
	PerUnit Micros = 1_000_000
	// PerCent is the number of micros in one cent.
	PerCent Micros = 10_000
)

// FromEuros converts a whole-unit amount to micros, rounding to the nearest micro.
func FromEuros(v float64) Micros {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Round(v * float64(PerUnit)))
}

// ToEuros converts micros to whole units rounded to 6 decimals.
func ToEuros(m Micros) float64 { return ToUnits(m) }

// ToUnits is ToEuros for amounts in another currency (postpaid USD).
func ToUnits(m Micros) float64 {
	return round(float64(m)/float64(PerUnit), 6)
}

// Round6 rounds a whole-unit amount to micro precision.
func Round6(v float64) float64 {
	return round(v, 6)
}

// FromCents converts provider minor units (cents) to micros.
func FromCents(c int64) Micros {
	return c * PerCent
}

// ToCents converts micros to cents, rounding to the nearest cent.
func ToCents(m Micros) int64 {
	return int64(math.Round(float64(m) / float64(PerCent)))
}

// RoundEuros2 rounds a caller-supplied amount to two decimals (cent precision).
func RoundEuros2(v float64) float64 {
	return round(v, 2)
}

// FormatEuros renders micros as a fixed 6-decimal string, e.g. "15.000000".
func FormatEuros(m Micros) string { return FormatUnits(m) }

// FormatUnits renders micros of any currency with 6 decimals. Formatting goes
// through integer division so large values never lose digits.
func FormatUnits(m Micros) string {
	sign := ""
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s%d.%06d", sign, m/PerUnit, m%PerUnit)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
