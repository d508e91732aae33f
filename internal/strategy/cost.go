package strategy

import "math"

const hoursPerYear = 365 * 24

// CostInputs are the raw parameters of the round-trip cost model. Zero values
// are valid; Normalize replaces non-finite fields with defaults so the model
// never has to reject input.
type CostInputs struct {
	SpotRoundTripBps     float64
	PerpRoundTripBps     float64
	GasRoundTripBps      float64
	CapitalAprPct        float64
	HoldHours            float64
	FundingStdPctPerHour float64
	ZScore               float64
	BasisPremiumPctPerHr float64
}

type CostBreakdown struct {
	TradingCostPctPerHour float64
	CapitalCostPctPerHour float64
	BreakevenPctPerHour   float64
	RiskBufferPctPerHour  float64
	BasisPremiumPctPerHr  float64
	TotalPctPerHour       float64
}

type BreakevenResult struct {
	Possible          bool
	HoldHours         float64
	HoldDays          float64
	TradingCostPct    float64
	NetFundingPerHour float64
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

// Normalize returns a copy with every non-finite field zeroed and HoldHours
// clamped to be strictly positive (default 1).
func (in CostInputs) Normalize() CostInputs {
	out := CostInputs{
		SpotRoundTripBps:     sanitize(in.SpotRoundTripBps),
		PerpRoundTripBps:     sanitize(in.PerpRoundTripBps),
		GasRoundTripBps:      sanitize(in.GasRoundTripBps),
		CapitalAprPct:        sanitize(in.CapitalAprPct),
		HoldHours:            sanitize(in.HoldHours),
		FundingStdPctPerHour: sanitize(in.FundingStdPctPerHour),
		ZScore:               sanitize(in.ZScore),
		BasisPremiumPctPerHr: sanitize(in.BasisPremiumPctPerHr),
	}
	if out.HoldHours <= 0 {
		out.HoldHours = 1
	}
	return out
}

// TradingCostPct is the one-time round-trip cost in percent of notional.
func (in CostInputs) TradingCostPct() float64 {
	n := in.Normalize()
	return (n.SpotRoundTripBps + n.PerpRoundTripBps + n.GasRoundTripBps) / 100
}

// ComputeMinFundingBreakdown converts the inputs into per-hour percentage
// costs. TotalPctPerHour is the minimum funding rate at which holding the
// position for HoldHours breaks even, risk buffer included.
func ComputeMinFundingBreakdown(in CostInputs) CostBreakdown {
	n := in.Normalize()
	tradingPerHour := n.TradingCostPct() / n.HoldHours
	capitalPerHour := n.CapitalAprPct / hoursPerYear
	breakeven := tradingPerHour + capitalPerHour
	riskBuffer := n.ZScore * n.FundingStdPctPerHour
	total := breakeven + riskBuffer + n.BasisPremiumPctPerHr
	return CostBreakdown{
		TradingCostPctPerHour: tradingPerHour,
		CapitalCostPctPerHour: capitalPerHour,
		BreakevenPctPerHour:   breakeven,
		RiskBufferPctPerHour:  riskBuffer,
		BasisPremiumPctPerHr:  n.BasisPremiumPctPerHr,
		TotalPctPerHour:       total,
	}
}

// ComputeBreakevenHold answers how long the position must be held before
// cumulative funding income pays back the one-time trading cost plus carry.
// Possible is false when funding never catches up.
func ComputeBreakevenHold(in CostInputs, fundingPctPerHour float64) BreakevenResult {
	n := in.Normalize()
	breakdown := ComputeMinFundingBreakdown(n)
	tradingCostPct := n.TradingCostPct()
	net := sanitize(fundingPctPerHour) - breakdown.CapitalCostPctPerHour - breakdown.RiskBufferPctPerHour - n.BasisPremiumPctPerHr
	result := BreakevenResult{
		TradingCostPct:    tradingCostPct,
		NetFundingPerHour: net,
	}
	if net <= 0 {
		return result
	}
	holdHours := tradingCostPct / net
	if holdHours < 0 || math.IsNaN(holdHours) || math.IsInf(holdHours, 0) {
		return result
	}
	result.Possible = true
	result.HoldHours = holdHours
	result.HoldDays = holdHours / 24
	return result
}
