// Package spread turns contract prices and exchange rates into display
// spreads. All functions are pure; callers own rounding for display and
// must not pass a zero rate or conversion constant.
package spread

import "math"

// GramsPerTroyOunce converts the COMEX USD-per-ounce reference price into
// CNY-per-gram terms. 31.1035 is the troy ounce in grams.
const GramsPerTroyOunce = 31.1035

// Cross is the canonical spread: base minus the reference price converted
// through a currency rate and the ounce/gram constant.
//
//	spread = base - ref*rate/gramsPerOunce
func Cross(base, ref, rate, gramsPerOunce float64) float64 {
    return base - ref*rate/gramsPerOunce
}

// Diff is the direct spread between two prices already quoted in the same
// currency and unit (e.g. London gold vs COMEX).
func Diff(a, b float64) float64 {
    return a - b
}

// Round4 rounds to the 4 decimal places used for display.
func Round4(v float64) float64 {
    return math.Round(v*10000) / 10000
}
