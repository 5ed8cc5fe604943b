package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/playbook/internal/research"
	"github.com/mohammad-safakhou/playbook/models"
)

func researchCMD() *cobra.Command {
	var cfgPath string
	var days int
	var depth string
	var approve bool

	var cmd = &cobra.Command{
		Use:   "research <stock-id>",
		Short: "Run one research cycle for a stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildCore(ctx, cfgPath)
			if err != nil {
				return err
			}
			stockID := args[0]
			playbook, err := app.store.StockPlaybook(stockID)
			if err != nil {
				return fmt.Errorf("no playbook for %s: %w", stockID, err)
			}
			name := stockID
			if v, ok := playbook["stock_name"].(string); ok && v != "" {
				name = v
			}

			req := research.CycleRequest{
				StockID:       stockID,
				StockName:     name,
				TimeRangeDays: days,
				Trigger:       "manual",
				Depth:         models.SearchDepth(depth),
			}
			if approve {
				req.Approver = terminalApprover(cmd)
			}

			res, err := app.pipeline.Run(ctx, req)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "state: %s\n", res.State)
			if res.RecordID != "" {
				fmt.Fprintf(out, "record: %s\n", res.RecordID)
			}
			if res.Assessment != nil {
				fmt.Fprintf(out, "needs research: %v (%s)\n", res.Assessment.Judgment.NeedsDeepResearch, res.Assessment.Reason())
			}
			if res.Conclusion != nil {
				fmt.Fprintf(out, "recommendation: %s (confidence %s)\n", res.Conclusion.Recommendation, res.Conclusion.Confidence)
			}
			for _, f := range res.KeyFindings {
				fmt.Fprintf(out, "  - %s\n", f)
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			fmt.Fprintf(out, "tokens: %d  cost: $%.4f\n", res.Usage.TotalTokens(), res.Usage.Cost)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "news window in days")
	cmd.Flags().StringVar(&depth, "depth", "", "search depth (basic or advanced)")
	cmd.Flags().BoolVar(&approve, "approve", false, "confirm the research plan on the terminal before it runs")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}

// terminalApprover shows the proposed plan and waits for a y/N answer on
// stdin. Anything but y skips the research stage.
func terminalApprover(cmd *cobra.Command) research.PlanApprover {
	return func(ctx context.Context, plan *research.ResearchPlan, estimatedCost float64) (*research.ResearchPlan, bool, error) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "\nresearch objective: %s\n", plan.ResearchObjective)
		for i, m := range plan.ResearchModules {
			fmt.Fprintf(out, "  %d. %s\n", i+1, m.ModuleName)
		}
		fmt.Fprintf(out, "estimated cost: $%.4f\n", estimatedCost)
		fmt.Fprint(out, "run deep research? [y/N]: ")

		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return nil, false, err
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return plan, answer == "y" || answer == "yes", nil
	}
}
