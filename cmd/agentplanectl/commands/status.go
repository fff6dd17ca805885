package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentplane/agentplane/cmd/agentplanectl/config"
	"github.com/agentplane/agentplane/pkg/api"
	"github.com/agentplane/agentplane/pkg/observability"
)

// NewStatusCommand creates the status command
func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status DEPLOYMENT_ID",
		Short: "Show deployment status",
		Long:  "Show the current state, progress and stage references of a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, args[0])
		},
	}

	cmd.Flags().Bool("events", false, "Include recent lifecycle events")

	return cmd
}

func runStatus(cmd *cobra.Command, deploymentID string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	client := cfg.NewAPIClient()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	view, err := client.Deployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to get deployment: %w", err)
	}

	out := config.OutputterFrom(cmd)
	if !out.Tabular() {
		return out.Print(view)
	}

	printStatusTable(out, view)

	if withEvents, _ := cmd.Flags().GetBool("events"); withEvents {
		events, err := client.Events(ctx, deploymentID, 20)
		if err != nil {
			return fmt.Errorf("failed to get events: %w", err)
		}
		fmt.Fprintln(out.Writer())
		printEventTable(out, events)
	}
	return nil
}

func printStatusTable(out *config.Outputter, view *api.DeploymentView) {
	rows := [][]string{
		{"ID", view.ID},
		{"Agent", view.AgentName},
		{"Version", view.Version},
		{"State", string(view.State)},
		{"Progress", fmt.Sprintf("%d%%", view.Progress)},
		{"Artifact", view.ArtifactURL},
		{"Created", view.CreatedAt.Local().Format(time.RFC3339)},
		{"Updated", view.UpdatedAt.Local().Format(time.RFC3339)},
	}
	if view.ImageRef != "" {
		rows = append(rows, []string{"Image", view.ImageRef})
	}
	if view.RouteTarget != "" {
		rows = append(rows, []string{"Route Target", view.RouteTarget})
	}
	if view.RouteRef != "" {
		rows = append(rows, []string{"Route", view.RouteRef})
	}
	if view.ErrorKind != "" {
		rows = append(rows, []string{"Error Kind", view.ErrorKind})
		rows = append(rows, []string{"Error Detail", view.ErrorDetail})
		rows = append(rows, []string{"Last Successful", string(view.LastSuccessfulState)})
	}
	if view.Attempts > 0 {
		rows = append(rows, []string{"Attempts", fmt.Sprintf("%d", view.Attempts)})
	}

	out.PrintTable([]string{"FIELD", "VALUE"}, rows)
}

func printEventTable(out *config.Outputter, events []observability.Event) {
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			ev.Timestamp.Local().Format(time.RFC3339),
			string(ev.Type),
			string(ev.Severity),
			ev.Description,
		})
	}
	out.PrintTable([]string{"TIME", "TYPE", "SEVERITY", "DESCRIPTION"}, rows)
}
