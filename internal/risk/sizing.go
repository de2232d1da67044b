// Package risk applies the pre-trade checks every entry candidate must clear:
// loss-based sizing, risk-reward, exposure caps, the F&O ban list, margin and
// duplicate-order detection.
package risk

import "math"

// Lots sizes a position by the fixed-fractional rule: the loss at the stop
// may not exceed equity * riskPct. entry == stop yields 0 lots, never a
// division by zero.
func Lots(equity, riskPct, entry, stop float64, lotSize int) int {
	if equity <= 0 || riskPct <= 0 || lotSize <= 0 {
		return 0
	}
	perLot := math.Abs(entry-stop) * float64(lotSize)
	if perLot == 0 {
		return 0
	}
	maxLoss := equity * riskPct
	return int(math.Floor(maxLoss / perLot))
}

// RRR computes the risk-reward ratio for a long. A non-positive denominator
// yields 0.
func RRR(entry, stop, target float64) float64 {
	riskPer := entry - stop
	if riskPer <= 0 {
		return 0
	}
	return (target - entry) / riskPer
}
