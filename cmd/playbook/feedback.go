package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/playbook/internal/prefs"
)

func feedbackCMD() *cobra.Command {
	var cfgPath string
	var decision string
	var notes string
	var direction string
	var valuable bool
	var continueResearch bool

	var cmd = &cobra.Command{
		Use:   "feedback <stock-id>",
		Short: "Attach feedback to the latest research record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildCore(ctx, cfgPath)
			if err != nil {
				return err
			}
			stockID := args[0]

			records, err := app.store.History(stockID)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				return fmt.Errorf("no research records for %s", stockID)
			}
			recordID, _ := records[0]["id"].(string)

			feedback := map[string]interface{}{
				"research_valuable": valuable,
				"decision":          decision,
				"continue_research": continueResearch,
				"next_direction":    direction,
				"notes":             notes,
			}
			if err := app.store.AttachFeedback(stockID, recordID, feedback); err != nil {
				return err
			}
			if app.archive != nil {
				if updated, err := app.store.History(stockID); err == nil && len(updated) > 0 {
					if fb, ok := updated[0]["user_feedback"].(map[string]interface{}); ok && len(fb) > 0 {
						if err := app.archive.StoreFeedback(ctx, recordID, fb); err != nil {
							log.Printf("archiving feedback for %s: %v", recordID, err)
						}
					}
				}
			}

			conclusion, _ := records[0]["research_result"].(map[string]interface{})
			field := func(key string) string {
				s, _ := conclusion[key].(string)
				return s
			}
			fctx := prefs.FeedbackContext{
				Recommendation: field("recommendation"),
				Confidence:     field("confidence"),
				Reasoning:      field("reasoning"),
				ThesisImpact:   field("thesis_impact"),
			}
			raw := map[string]interface{}{
				"final_decision":             decision,
				"feedback_on_research":       notes,
				"further_research_direction": direction,
			}
			if continueResearch {
				raw["needs_further_research"] = "yes"
			}
			name := stockID
			if pb, err := app.store.StockPlaybook(stockID); err == nil {
				if v, ok := pb["stock_name"].(string); ok && v != "" {
					name = v
				}
			}
			if err := app.learner.LogFeedback(stockID, name, fctx, raw); err != nil {
				log.Printf("logging feedback for %s: %v", stockID, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "feedback recorded on %s\n", recordID)
			return nil
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "持有", "final decision (买入/增持/持有/减持/卖出)")
	cmd.Flags().StringVar(&notes, "notes", "", "feedback on the research itself")
	cmd.Flags().StringVar(&direction, "direction", "", "direction for further research")
	cmd.Flags().BoolVar(&valuable, "valuable", true, "whether the research was useful")
	cmd.Flags().BoolVar(&continueResearch, "continue", false, "request another research pass")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
