package exec

import "carry-vault-bot/internal/venue/perp"

// ClampOrder applies the venue's minimums and leverage cap to a requested
// order. Size is clamped up to the venue minimum; if the implied leverage
// then exceeds the cap, collateral is increased. Size is never decreased.
func ClampOrder(requiredSize, requestedCollateral float64, limits perp.PairLimits) (sizeDelta, collateralDelta float64) {
	sizeDelta = requiredSize
	if limits.MinPositionSize > 0 && sizeDelta < limits.MinPositionSize {
		sizeDelta = limits.MinPositionSize
	}
	collateralDelta = requestedCollateral
	if limits.MinOrderCollateral > 0 && collateralDelta < limits.MinOrderCollateral {
		collateralDelta = limits.MinOrderCollateral
	}
	if limits.MaxLeverage > 0 && collateralDelta > 0 && sizeDelta/collateralDelta > limits.MaxLeverage {
		collateralDelta = sizeDelta / limits.MaxLeverage
	}
	if collateralDelta == 0 && limits.MaxLeverage > 0 && sizeDelta > 0 {
		collateralDelta = sizeDelta / limits.MaxLeverage
	}
	return sizeDelta, collateralDelta
}
