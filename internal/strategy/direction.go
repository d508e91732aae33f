package strategy

import "math"

// Direction names the two symmetric legs of a cash-and-carry position.
type Direction string

const (
	// DirectionLongSpotShortPerp buys the base asset on spot and shorts the
	// perp against it. Chosen when funding is positive.
	DirectionLongSpotShortPerp Direction = "LONG_SPOT_SHORT_PERP"
	// DirectionShortSpotLongPerp borrows and sells the base asset, holding a
	// long perp hedge. Chosen when funding is negative.
	DirectionShortSpotLongPerp Direction = "SHORT_SPOT_LONG_PERP"
)

func (d Direction) PerpIsLong() bool {
	return d == DirectionShortSpotLongPerp
}

// RequiresBorrow reports whether the open sequence starts with a
// money-market borrow of the base asset.
func (d Direction) RequiresBorrow() bool {
	return d == DirectionShortSpotLongPerp
}

// SelectCandidates maps a signed funding observation to an ordered list of
// directions to attempt. A zero or unknown funding rate yields both
// directions, long-spot first; the second entry is a one-shot fallback, not
// a signal.
func SelectCandidates(fundingPctPerHour float64) []Direction {
	if math.IsNaN(fundingPctPerHour) || math.IsInf(fundingPctPerHour, 0) || fundingPctPerHour == 0 {
		return []Direction{DirectionLongSpotShortPerp, DirectionShortSpotLongPerp}
	}
	if fundingPctPerHour > 0 {
		return []Direction{DirectionLongSpotShortPerp}
	}
	return []Direction{DirectionShortSpotLongPerp}
}

// DirectionForPerpPosition recovers the run direction from a live perp
// position so a close always mirrors the leg that is actually open.
func DirectionForPerpPosition(isLong bool) Direction {
	if isLong {
		return DirectionShortSpotLongPerp
	}
	return DirectionLongSpotShortPerp
}
