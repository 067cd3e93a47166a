package gen

import (
	"github.com/spf13/cobra"
)

// RootCmd groups the generators of relay's own documentation.
var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate relay documentation",
	Long: `Generate relay documentation

Usage
	relay gen man --dir man/

`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
