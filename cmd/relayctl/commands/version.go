package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information, set at build time
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "relayctl %s\n", Version)
		fmt.Fprintf(out, "Commit: %s\n", Commit)
		fmt.Fprintf(out, "Built: %s\n", Date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
