package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Status prints the persisted strategy state: last action, consecutive
// counters, and the withdrawal ledger. With a database configured it also
// lists recent executed actions.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	st, err := a.newStore().Load()
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if st.LastAction != nil {
		fmt.Fprintf(writer, "last action\t%s at %s\n", st.LastAction.Type, st.LastAction.Timestamp.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(writer, "last action\tnone")
	}
	fmt.Fprintf(writer, "consecutive\tdiscount=%d premium=%d\n", st.Consecutive.Discount, st.Consecutive.Premium)
	fmt.Fprintf(writer, "requests\t%d total, %d outstanding\n", len(st.Requests), len(st.OutstandingRequests()))
	writer.Flush()

	if len(st.Requests) > 0 {
		fmt.Fprintln(os.Stdout)
		ledger := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(ledger, "Request ID\tAmount (stETH)\tStatus\tCreated (UTC)\tClaimed (UTC)")
		for _, req := range st.Requests {
			claimed := "-"
			if req.ClaimedAt != nil {
				claimed = req.ClaimedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(ledger, "%s\t%s\t%s\t%s\t%s\n",
				req.RequestID,
				req.AmountStETH.StringFixed(6),
				req.Status,
				req.CreatedAt.UTC().Format(time.RFC3339),
				claimed,
			)
		}
		ledger.Flush()
	}

	if a.Config.Database.DSN == "" || opts.ActionLimit <= 0 {
		return nil
	}

	hist, closeHistory, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	if closeHistory != nil {
		defer closeHistory()
	}

	actions, err := hist.ListRecentActions(ctx, opts.ActionLimit)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}

	fmt.Fprintln(os.Stdout)
	recent := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(recent, "Time (UTC)\tType\tAmount\tTx\tRequest IDs")
	for _, action := range actions {
		fmt.Fprintf(recent, "%s\t%s\t%s\t%s\t%s\n",
			action.TS.UTC().Format(time.RFC3339),
			action.Type,
			action.Amount.StringFixed(6),
			action.TxHash,
			strings.Join(action.RequestIDs, ","),
		)
	}
	return recent.Flush()
}
