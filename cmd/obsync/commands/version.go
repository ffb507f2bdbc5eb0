package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Overridden at build time via -ldflags.
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show the obsync version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("obsync %s (commit %s)\n", buildVersion, buildCommit)
		},
	})
}
