package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentplane/agentplane/cmd/agentplanectl/config"
	"github.com/agentplane/agentplane/pkg/api"
)

// NewListCommand creates the list command
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployments",
		Long:  "List deployments newest first, optionally filtered by agent name",
		RunE:  runList,
	}

	cmd.Flags().String("agent", "", "Filter by agent name")
	cmd.Flags().Int("limit", 50, "Maximum number of deployments to show")

	return cmd
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	agent, _ := cmd.Flags().GetString("agent")
	limit, _ := cmd.Flags().GetInt("limit")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	views, err := cfg.NewAPIClient().Deployments(ctx, agent, limit)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	out := config.OutputterFrom(cmd)
	if out.Tabular() {
		return printDeploymentTable(out, views)
	}
	return out.Print(views)
}

func printDeploymentTable(out *config.Outputter, views []api.DeploymentView) error {
	headers := []string{"ID", "AGENT", "VERSION", "STATE", "PROGRESS", "AGE"}
	rows := make([][]string, 0, len(views))

	for _, v := range views {
		age := time.Since(v.CreatedAt).Round(time.Second).String()
		rows = append(rows, []string{
			v.ID,
			v.AgentName,
			v.Version,
			string(v.State),
			fmt.Sprintf("%d%%", v.Progress),
			age,
		})
	}

	out.PrintTable(headers, rows)
	fmt.Fprintf(out.Writer(), "\nTotal: %d deployments\n", len(views))
	return nil
}
