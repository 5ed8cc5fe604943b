package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/playbook/models"
)

func scanCMD() *cobra.Command {
	var cfgPath string
	var days int
	var depth string

	var cmd = &cobra.Command{
		Use:   "scan",
		Short: "Collect news and assess impact for every tracked stock",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildCore(ctx, cfgPath)
			if err != nil {
				return err
			}
			stocks, err := app.store.ListStocks()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(stocks) == 0 {
				fmt.Fprintln(out, "no stocks tracked")
				return nil
			}

			for _, s := range stocks {
				snap := app.collector.Collect(ctx, s.StockID, s.StockName, days, nil, models.SearchDepth(depth))
				assessment, usage := app.assessor.Assess(ctx, s.StockID, snap.Input)

				verdict := "watch"
				if assessment.Judgment.NeedsDeepResearch {
					verdict = "research"
				}
				fmt.Fprintf(out, "%-12s %-16s news=%d verdict=%s urgency=%s tokens=%d\n",
					s.StockID, s.StockName, len(snap.Input.AutoCollected), verdict, assessment.Judgment.Urgency, usage.TotalTokens())
				if assessment.Judgment.NeedsDeepResearch {
					fmt.Fprintf(out, "    %s\n", assessment.Reason())
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "news window in days")
	cmd.Flags().StringVar(&depth, "depth", "", "search depth (basic or advanced)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
