package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"stethkeeper/internal/engine"
)

// Decide evaluates one decision against the persisted state without
// sending transactions or mutating anything. When ratio is nil the live
// pool price is read instead.
func (a *App) Decide(ctx context.Context, ratio *decimal.Decimal) error {
	store := a.newStore()
	st, err := store.Load()
	if err != nil {
		return err
	}

	var current decimal.Decimal
	if ratio != nil {
		current = *ratio
	} else {
		gw, err := a.newGateway()
		if err != nil {
			return err
		}
		current, err = a.newOracle(gw).Ratio(ctx)
		if err != nil {
			return err
		}
	}

	// The dry-run never executes, so no gateway or wallet is needed.
	eng := engine.New(a.engineConfig(common.Address{}), nil, a.Logger)

	discountPct, premiumPct := engine.Deviation(current)
	counters := eng.UpdateCounters(st.Consecutive, discountPct, premiumPct)
	decision := eng.Decide(st.WithCounters(counters), discountPct, premiumPct)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "ratio\t%s\n", current.StringFixed(6))
	fmt.Fprintf(writer, "discount_pct\t%s\n", discountPct.StringFixed(4))
	fmt.Fprintf(writer, "premium_pct\t%s\n", premiumPct.StringFixed(4))
	fmt.Fprintf(writer, "consecutive\tdiscount=%d premium=%d\n", counters.Discount, counters.Premium)
	fmt.Fprintf(writer, "action\t%s\n", decision.Action)
	fmt.Fprintf(writer, "reason\t%s\n", decision.Reason)
	return writer.Flush()
}
