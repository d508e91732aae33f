package strategy

import (
	"math"
	"testing"
)

func TestNormalizeReplacesNonFinite(t *testing.T) {
	in := CostInputs{
		SpotRoundTripBps: math.NaN(),
		PerpRoundTripBps: math.Inf(1),
		HoldHours:        math.Inf(-1),
	}
	n := in.Normalize()
	if n.SpotRoundTripBps != 0 || n.PerpRoundTripBps != 0 {
		t.Fatalf("expected non-finite bps zeroed, got %+v", n)
	}
	if n.HoldHours != 1 {
		t.Fatalf("expected hold hours default 1, got %f", n.HoldHours)
	}
}

func TestNormalizeClampsHoldHours(t *testing.T) {
	n := CostInputs{HoldHours: -5}.Normalize()
	if n.HoldHours != 1 {
		t.Fatalf("expected hold hours clamped to 1, got %f", n.HoldHours)
	}
}

func TestBreakdownFormula(t *testing.T) {
	in := CostInputs{
		SpotRoundTripBps:     50,
		PerpRoundTripBps:     10,
		GasRoundTripBps:      5,
		CapitalAprPct:        6,
		HoldHours:            24,
		FundingStdPctPerHour: 0.001,
		ZScore:               2,
		BasisPremiumPctPerHr: 0.0005,
	}
	b := ComputeMinFundingBreakdown(in)
	wantTrading := 0.65 / 24
	if math.Abs(b.TradingCostPctPerHour-wantTrading) > 1e-12 {
		t.Fatalf("trading cost: got %g want %g", b.TradingCostPctPerHour, wantTrading)
	}
	wantCapital := 6.0 / (365 * 24)
	if math.Abs(b.CapitalCostPctPerHour-wantCapital) > 1e-12 {
		t.Fatalf("capital cost: got %g want %g", b.CapitalCostPctPerHour, wantCapital)
	}
	if math.Abs(b.RiskBufferPctPerHour-0.002) > 1e-12 {
		t.Fatalf("risk buffer: got %g want 0.002", b.RiskBufferPctPerHour)
	}
	wantTotal := wantTrading + wantCapital + 0.002 + 0.0005
	if math.Abs(b.TotalPctPerHour-wantTotal) > 1e-12 {
		t.Fatalf("total: got %g want %g", b.TotalPctPerHour, wantTotal)
	}
}

func TestBreakdownMonotonicInCosts(t *testing.T) {
	base := CostInputs{SpotRoundTripBps: 10, PerpRoundTripBps: 10, GasRoundTripBps: 5, CapitalAprPct: 4, HoldHours: 12}
	b0 := ComputeMinFundingBreakdown(base)
	for _, bump := range []CostInputs{
		{SpotRoundTripBps: 20, PerpRoundTripBps: 10, GasRoundTripBps: 5, CapitalAprPct: 4, HoldHours: 12},
		{SpotRoundTripBps: 10, PerpRoundTripBps: 25, GasRoundTripBps: 5, CapitalAprPct: 4, HoldHours: 12},
		{SpotRoundTripBps: 10, PerpRoundTripBps: 10, GasRoundTripBps: 9, CapitalAprPct: 4, HoldHours: 12},
	} {
		if ComputeMinFundingBreakdown(bump).TradingCostPctPerHour < b0.TradingCostPctPerHour {
			t.Fatalf("trading cost decreased for %+v", bump)
		}
	}
	higherApr := base
	higherApr.CapitalAprPct = 9
	if ComputeMinFundingBreakdown(higherApr).CapitalCostPctPerHour < b0.CapitalCostPctPerHour {
		t.Fatal("capital cost decreased with higher APR")
	}
}

func TestBreakevenImpossibleWhenFundingTooSmall(t *testing.T) {
	in := CostInputs{
		SpotRoundTripBps: 50,
		PerpRoundTripBps: 10,
		GasRoundTripBps:  5,
		CapitalAprPct:    6,
		HoldHours:        24,
	}
	res := ComputeBreakevenHold(in, 0.0001)
	if res.Possible {
		t.Fatalf("expected breakeven impossible, got hold %f hours", res.HoldHours)
	}
	if res.NetFundingPerHour >= 0 {
		t.Fatalf("expected negative net funding, got %g", res.NetFundingPerHour)
	}
}

func TestBreakevenSignProperty(t *testing.T) {
	in := CostInputs{
		SpotRoundTripBps:     30,
		CapitalAprPct:        5,
		HoldHours:            8,
		FundingStdPctPerHour: 0.002,
		ZScore:               1.5,
		BasisPremiumPctPerHr: 0.001,
	}
	b := ComputeMinFundingBreakdown(in)
	threshold := b.CapitalCostPctPerHour + b.RiskBufferPctPerHour + in.BasisPremiumPctPerHr
	if res := ComputeBreakevenHold(in, threshold); res.Possible {
		t.Fatal("expected impossible at exact threshold")
	}
	if res := ComputeBreakevenHold(in, threshold-0.0001); res.Possible {
		t.Fatal("expected impossible below threshold")
	}
	if res := ComputeBreakevenHold(in, threshold+0.01); !res.Possible {
		t.Fatal("expected possible above threshold")
	}
}

func TestBreakevenHoldDuration(t *testing.T) {
	in := CostInputs{SpotRoundTripBps: 40, PerpRoundTripBps: 10, HoldHours: 24}
	res := ComputeBreakevenHold(in, 0.01)
	if !res.Possible {
		t.Fatal("expected breakeven possible")
	}
	// 0.50% one-time cost at 0.01%/hr net funding.
	if math.Abs(res.HoldHours-50) > 1e-9 {
		t.Fatalf("hold hours: got %g want 50", res.HoldHours)
	}
	if math.Abs(res.HoldDays-50.0/24) > 1e-9 {
		t.Fatalf("hold days: got %g", res.HoldDays)
	}
	if res.TradingCostPct != 0.5 {
		t.Fatalf("trading cost pct: got %g want 0.5", res.TradingCostPct)
	}
}

func TestBreakevenNonFiniteFunding(t *testing.T) {
	in := CostInputs{SpotRoundTripBps: 10, HoldHours: 1}
	if res := ComputeBreakevenHold(in, math.NaN()); res.Possible {
		t.Fatal("expected impossible for NaN funding")
	}
}

func TestBorrowAPRKink(t *testing.T) {
	// Flat base below the kink.
	if got := BorrowAPR(0, 0.8, 0.01, 0.04, 0.75); got != 0.01 {
		t.Fatalf("apr at zero utilization: got %g", got)
	}
	// Linear up to the kink.
	if got := BorrowAPR(0.4, 0.8, 0.01, 0.04, 0.75); math.Abs(got-0.03) > 1e-12 {
		t.Fatalf("apr at half of optimal: got %g want 0.03", got)
	}
	atKink := BorrowAPR(0.8, 0.8, 0.01, 0.04, 0.75)
	if math.Abs(atKink-0.05) > 1e-12 {
		t.Fatalf("apr at kink: got %g want 0.05", atKink)
	}
	// Steeper beyond the kink.
	above := BorrowAPR(0.9, 0.8, 0.01, 0.04, 0.75)
	if math.Abs(above-(0.05+0.75*0.5)) > 1e-12 {
		t.Fatalf("apr above kink: got %g want %g", above, 0.05+0.75*0.5)
	}
	if full := BorrowAPR(1, 0.8, 0.01, 0.04, 0.75); math.Abs(full-0.8) > 1e-12 {
		t.Fatalf("apr at full utilization: got %g want 0.8", full)
	}
	// Out-of-range utilization clamps instead of exploding.
	if got := BorrowAPR(1.5, 0.8, 0.01, 0.04, 0.75); math.Abs(got-0.8) > 1e-12 {
		t.Fatalf("apr clamped: got %g", got)
	}
}
