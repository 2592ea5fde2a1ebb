package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"siphon-rainrate/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "rainrate %s\n", version.String())
	},
}
