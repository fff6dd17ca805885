package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentplane/agentplane/cmd/agentplanectl/commands"
)

// Set by build flags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "agentplanectl",
		Short: "AgentPlane CLI",
		Long: `agentplanectl is the command-line interface for the AgentPlane deployment
orchestrator.

It submits agent deployments, follows their progress through the build,
deploy and register pipeline, and cancels the ones that should not finish.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("server", "", "Orchestrator address (default from config)")
	rootCmd.PersistentFlags().String("config", "", "Config file path (default: $HOME/.agentplane/config.yaml)")
	rootCmd.PersistentFlags().String("output", "table", "Output format: table, json, yaml")

	rootCmd.AddCommand(
		commands.NewDeployCommand(),
		commands.NewStatusCommand(),
		commands.NewListCommand(),
		commands.NewCancelCommand(),
		commands.NewWorkersCommand(),
		commands.NewVersionCommand(Version, BuildTime, GitCommit),
	)

	return rootCmd
}
