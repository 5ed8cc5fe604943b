package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func learnCMD() *cobra.Command {
	var cfgPath string

	var cmd = &cobra.Command{
		Use:   "learn",
		Short: "Extract durable preferences from recent interactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := buildCore(ctx, cfgPath)
			if err != nil {
				return err
			}

			result, usage, err := app.learner.LearnAndSave(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "extracted %d preferences, stored %d (skipped %d duplicates)\n",
				len(result.Preferences), len(result.AddedIDs), result.SkippedDuplicates)
			for _, id := range result.AddedIDs {
				fmt.Fprintf(out, "  + %s\n", id)
			}
			fmt.Fprintf(out, "tokens: %d  cost: $%.4f\n", usage.TotalTokens(), usage.Cost)
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
