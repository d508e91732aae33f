package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"carry-vault-bot/internal/config"
	"carry-vault-bot/internal/strategy"
)

// verify is an offline breakeven calculator: it evaluates the cost model for
// a hypothetical funding rate without touching any venue.
func main() {
	configPath := flag.String("config", "", "optional config path to seed cost inputs from")
	spotBps := flag.Float64("spot-bps", 0, "spot round-trip cost in bps")
	perpBps := flag.Float64("perp-bps", 0, "perp round-trip cost in bps")
	gasBps := flag.Float64("gas-bps", 0, "gas round-trip cost in bps")
	aprPct := flag.Float64("apr", 0, "capital cost APR in percent")
	holdHours := flag.Float64("hold-hours", 0, "intended hold duration in hours")
	fundingStd := flag.Float64("funding-std", 0, "funding std dev in pct per hour")
	zScore := flag.Float64("z", 0, "risk buffer z-score")
	basisPremium := flag.Float64("basis-premium", 0, "basis premium in pct per hour")
	funding := flag.Float64("funding", 0, "observed funding rate in pct per hour")
	asJSON := flag.Bool("json", false, "print results as JSON")
	flag.Parse()

	inputs := strategy.CostInputs{
		SpotRoundTripBps:     *spotBps,
		PerpRoundTripBps:     *perpBps,
		GasRoundTripBps:      *gasBps,
		CapitalAprPct:        *aprPct,
		HoldHours:            *holdHours,
		FundingStdPctPerHour: *fundingStd,
		ZScore:               *zScore,
		BasisPremiumPctPerHr: *basisPremium,
	}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		inputs = mergeFromConfig(inputs, cfg)
	}

	breakdown := strategy.ComputeMinFundingBreakdown(inputs)
	hold := strategy.ComputeBreakevenHold(inputs, *funding)
	candidates := strategy.SelectCandidates(*funding)

	if *asJSON {
		out := struct {
			Breakdown  strategy.CostBreakdown   `json:"breakdown"`
			Breakeven  strategy.BreakevenResult `json:"breakeven"`
			Candidates []strategy.Direction     `json:"candidates"`
		}{breakdown, hold, candidates}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			fatal(err)
		}
		return
	}

	fmt.Printf("trading cost:     %.6f %%/h\n", breakdown.TradingCostPctPerHour)
	fmt.Printf("capital cost:     %.6f %%/h\n", breakdown.CapitalCostPctPerHour)
	fmt.Printf("risk buffer:      %.6f %%/h\n", breakdown.RiskBufferPctPerHour)
	fmt.Printf("basis premium:    %.6f %%/h\n", breakdown.BasisPremiumPctPerHr)
	fmt.Printf("min funding:      %.6f %%/h\n", breakdown.TotalPctPerHour)
	fmt.Printf("candidates:       %v\n", candidates)
	if hold.Possible {
		fmt.Printf("breakeven hold:   %.1f h (%.2f d) at funding %.6f %%/h\n",
			hold.HoldHours, hold.HoldDays, *funding)
	} else {
		fmt.Printf("breakeven hold:   not reachable at funding %.6f %%/h\n", *funding)
	}
}

// Flags win over config: only zero-valued inputs are filled in.
func mergeFromConfig(in strategy.CostInputs, cfg *config.Config) strategy.CostInputs {
	s := cfg.Strategy
	if in.SpotRoundTripBps == 0 {
		in.SpotRoundTripBps = s.SpotRoundTripBps
	}
	if in.PerpRoundTripBps == 0 {
		in.PerpRoundTripBps = s.PerpRoundTripBps
	}
	if in.GasRoundTripBps == 0 {
		in.GasRoundTripBps = s.GasRoundTripBps
	}
	if in.CapitalAprPct == 0 {
		in.CapitalAprPct = s.CapitalAprPct
	}
	if in.HoldHours == 0 {
		in.HoldHours = s.HoldHours
	}
	if in.FundingStdPctPerHour == 0 {
		in.FundingStdPctPerHour = s.FundingStdPctPerHour
	}
	if in.ZScore == 0 {
		in.ZScore = s.ZScore
	}
	if in.BasisPremiumPctPerHr == 0 {
		in.BasisPremiumPctPerHr = s.BasisPremiumPctPerHr
	}
	return in
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
