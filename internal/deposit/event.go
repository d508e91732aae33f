package deposit

import "github.com/shopspring/decimal"

// Event is one deposit observation from the external feed. Version is an
// opaque, totally ordered identifier; two events are the same logical event
// iff their versions match.
type Event struct {
	Version     string
	FromAddress string
	ToAddress   string
	Amount      decimal.Decimal
}
