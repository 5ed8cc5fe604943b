package main

import (
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "playbook", Short: "Investment playbook research assistant"}
	root.AddCommand(stocksCMD())
	root.AddCommand(interviewCMD())
	root.AddCommand(researchCMD())
	root.AddCommand(scanCMD())
	root.AddCommand(feedbackCMD())
	root.AddCommand(learnCMD())
	_ = root.Execute()
}
