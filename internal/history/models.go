package history

import (
	"time"

	"github.com/shopspring/decimal"
)

// TickRecord captures one observed tick: the market reading and the
// decision it produced.
type TickRecord struct {
	TS           time.Time
	Ratio        decimal.Decimal
	DiscountPct  decimal.Decimal
	PremiumPct   decimal.Decimal
	ETHBalance   decimal.Decimal
	StETHBalance decimal.Decimal
	Action       string
	Reason       string
	CreatedAt    time.Time
}

// ActionRecord captures an executed stake or withdrawal request.
type ActionRecord struct {
	ID         int64
	TS         time.Time
	Type       string
	Amount     decimal.Decimal
	TxHash     string
	RequestIDs []string
	CreatedAt  time.Time
}
