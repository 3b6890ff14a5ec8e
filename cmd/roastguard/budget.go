package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eugener/roastguard/internal/budget"
	"github.com/eugener/roastguard/internal/quota"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	var history int
	var audit bool

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show this month's spend against the cap",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, p, store, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer store.Close()

			holder, err := quota.NewHolder(p)
			if err != nil {
				return err
			}
			svc := budget.New(store, holder, nil)
			if audit {
				a, err := svc.Audit(context.Background(), time.Now())
				if err != nil {
					return err
				}
				fmt.Printf("month:     %s\n", a.Month)
				fmt.Printf("committed: %s\n", a.Committed)
				fmt.Printf("events:    %s\n", a.EventSum)
				fmt.Printf("drift:     %d micros\n", a.Drift)
				if a.Drift != 0 {
					return fmt.Errorf("budget ledger for %s drifted by %d micros", a.Month, a.Drift)
				}
				return nil
			}

			sum, err := svc.Summarize(context.Background(), time.Now(), history)
			if err != nil {
				return err
			}

			fmt.Printf("month:     %s\n", sum.Month)
			fmt.Printf("spent:     %s of %s (%.1f%%)\n", sum.Committed, sum.Cap, sum.Percent)
			fmt.Printf("in flight: %s\n", sum.Reserved)
			fmt.Printf("remaining: %s\n", sum.Remaining)
			fmt.Printf("projected: %s by month end\n", sum.Projected)
			fmt.Printf("calls:     %d\n", sum.EventCount)

			if len(sum.History) == 0 {
				return nil
			}
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MONTH\tSPENT\tRESERVED\tCALLS")
			for _, m := range sum.History {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", m.Month, m.Committed, m.Reserved, m.EventCount)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&history, "history", 6, "number of past months to list")
	cmd.Flags().BoolVar(&audit, "audit", false, "recompute this month's spend from the event log and report drift")
	return cmd
}
