package perp

// PairLimits are the venue-declared minimums and leverage cap for one pair.
type PairLimits struct {
	MinPositionSize    float64 `json:"minPositionSize"`
	MinOrderCollateral float64 `json:"minOrderCollateral"`
	MaxLeverage        float64 `json:"maxLeverage"`
}

// Position is the venue's view of an open perp position. Sizes are in base
// currency.
type Position struct {
	Pair            string  `json:"pair"`
	IsLong          bool    `json:"isLong"`
	SizeBase        float64 `json:"sizeBase"`
	CollateralQuote float64 `json:"collateralQuote"`
	AvgEntryPrice   float64 `json:"avgEntryPrice"`
}
