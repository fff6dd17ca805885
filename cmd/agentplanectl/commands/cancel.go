package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentplane/agentplane/cmd/agentplanectl/config"
)

// NewCancelCommand creates the cancel command
func NewCancelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel DEPLOYMENT_ID",
		Short: "Cancel a deployment",
		Long: `Cancel a deployment. A queued or in-progress deployment stops at its next
stage boundary; an active deployment has its route rolled back.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, args[0])
		},
	}

	cmd.Flags().String("reason", "", "Reason recorded on the deployment")

	return cmd
}

func runCancel(cmd *cobra.Command, deploymentID string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reason, _ := cmd.Flags().GetString("reason")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := cfg.NewAPIClient().Cancel(ctx, deploymentID, reason); err != nil {
		return fmt.Errorf("failed to cancel deployment: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation of deployment %s requested\n", deploymentID)
	return nil
}
