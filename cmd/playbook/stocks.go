package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/internal/store"
)

func stocksCMD() *cobra.Command {
	var cfgPath string

	var cmd = &cobra.Command{
		Use:   "stocks",
		Short: "List tracked stocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			st, err := store.New(cfg.Storage.File.DataDir)
			if err != nil {
				return err
			}
			stocks, err := st.ListStocks()
			if err != nil {
				return err
			}
			if len(stocks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stocks tracked")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTICKER\tUPDATED\tTHESIS")
			for _, s := range stocks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.StockID, s.StockName, s.Ticker, s.UpdatedAt, s.Summary)
			}
			return w.Flush()
		},
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
