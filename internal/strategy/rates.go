package strategy

import "math"

// BorrowAPR projects a money-market borrow rate from pool utilization using
// the usual two-slope kink curve: linear up to the optimal utilization, then
// a steeper second slope beyond it. Utilization is clamped to [0, 1].
func BorrowAPR(utilization, optimalUtilization, baseRate, slope1, slope2 float64) float64 {
	u := sanitize(utilization)
	if u < 0 {
		u = 0
	}
	if u > 1 {
		u = 1
	}
	uOpt := sanitize(optimalUtilization)
	if uOpt <= 0 || uOpt >= 1 {
		uOpt = 0.8
	}
	base := sanitize(baseRate)
	s1 := sanitize(slope1)
	s2 := sanitize(slope2)
	if u <= uOpt {
		return base + s1*(u/uOpt)
	}
	excess := (u - uOpt) / (1 - uOpt)
	apr := base + s1 + s2*excess
	if math.IsNaN(apr) || math.IsInf(apr, 0) {
		return base + s1
	}
	return apr
}
