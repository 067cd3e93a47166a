package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/relay/cmd/gen"
)

var RootCmd = &cobra.Command{
	Use:   "relay",
	Short: "A pipelining Redis client",
	Long: `A pipelining Redis client and a mock server to test it against.

The client is configured from RELAY_* environment variables, which can
also be set in a .env.local file in the current directory.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.AddCommand(ExecCmd)
	RootCmd.AddCommand(BenchCmd)
	RootCmd.AddCommand(MockCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the root command, exiting non zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
