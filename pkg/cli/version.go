package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentplatform/stack-agent-manager/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}
