package main

import (
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{Use: "playbookd", Short: "Playbook research API daemon"}
	root.AddCommand(serveCMD())
	root.AddCommand(migrateCMD())
	_ = root.Execute()
}
