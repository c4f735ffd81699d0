package shared

import "math"

// AmountTolerance is the largest difference at which two currency amounts are equal.
const AmountTolerance = 0.01

// Round2 rounds a currency amount to two decimals, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// AmountsEqual compares currency amounts within AmountTolerance.
func AmountsEqual(a, b float64) bool {
	return math.Abs(Round2(a)-Round2(b)) <= AmountTolerance+1e-9
}
