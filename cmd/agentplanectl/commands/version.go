package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewVersionCommand creates the version command. Output goes through the
// command's writer so tests can capture it.
func NewVersionCommand(version, buildTime, gitCommit string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show client version and build metadata",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(),
				"agentplanectl version %s\nBuild time: %s\nGit commit: %s\n",
				version, buildTime, gitCommit)
		},
	}
}
