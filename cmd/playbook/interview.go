package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/internal/interview"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/provider"
)

func interviewCMD() *cobra.Command {
	var cfgPath string
	var portfolio bool

	var cmd = &cobra.Command{
		Use:   "interview [stock-name]",
		Short: "Build or update a playbook through a guided dialogue",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			st, err := store.New(cfg.Storage.File.DataDir)
			if err != nil {
				return err
			}
			llm, err := provider.ForStage(cfg.LLM, provider.StageInterview)
			if err != nil {
				return err
			}

			kind := interview.KindStock
			stockName := ""
			if len(args) == 1 {
				stockName = args[0]
			}
			if portfolio {
				kind = interview.KindPortfolio
			} else if stockName == "" {
				return fmt.Errorf("pass a stock name or --portfolio")
			}

			iv := interview.NewInterviewer(llm, st)
			turn, err := iv.Start(kind, stockName)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", turn.Message)
			fmt.Fprintln(out, "（输入 exit 结束访谈）")

			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Fprint(out, "\n> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				answer := strings.TrimSpace(scanner.Text())
				if answer == "" {
					continue
				}
				if answer == "exit" || answer == "quit" {
					fmt.Fprintln(out, "访谈已取消。")
					return nil
				}

				turn, err = iv.Continue(cmd.Context(), turn.SessionID, answer)
				if err != nil {
					fmt.Fprintf(out, "出错了，可以重试上一条回答: %v\n", err)
					continue
				}
				fmt.Fprintf(out, "\n%s\n", turn.Message)
				if turn.ParseWarning != "" {
					fmt.Fprintf(out, "\n%s\n", turn.ParseWarning)
				}
				if turn.Completed {
					if turn.SaveError != "" {
						return fmt.Errorf("%s", turn.SaveError)
					}
					fmt.Fprintln(out, "\nPlaybook 已保存。")
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVar(&portfolio, "portfolio", false, "interview for the portfolio-level playbook")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
