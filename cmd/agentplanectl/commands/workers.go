package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentplane/agentplane/cmd/agentplanectl/config"
	"github.com/agentplane/agentplane/pkg/worker"
)

// NewWorkersCommand creates the workers command
func NewWorkersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List worker replicas",
		Long:  "List registered worker replicas with their load and host resources",
		RunE:  runWorkers,
	}
}

func runWorkers(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	workers, err := cfg.NewAPIClient().Workers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list workers: %w", err)
	}

	out := config.OutputterFrom(cmd)
	if out.Tabular() {
		return printWorkerTable(out, workers)
	}
	return out.Print(workers)
}

func printWorkerTable(out *config.Outputter, workers []worker.Info) error {
	headers := []string{"ID", "HOSTNAME", "IN-FLIGHT", "CPU", "MEMORY", "STATUS", "LAST HEARTBEAT"}
	rows := make([][]string, 0, len(workers))

	for _, w := range workers {
		status := "alive"
		if w.Stale {
			status = "stale"
		}
		memory := "-"
		if w.Resources.MemoryTotal > 0 {
			memory = fmt.Sprintf("%.0f%%", w.Resources.MemoryUsedPercent)
		}
		rows = append(rows, []string{
			w.ID,
			w.Hostname,
			fmt.Sprintf("%d", w.InFlight),
			fmt.Sprintf("%.0f%%", w.Resources.CPUUsagePercent),
			memory,
			status,
			time.Since(w.LastHeartbeat).Round(time.Second).String() + " ago",
		})
	}

	out.PrintTable(headers, rows)
	fmt.Fprintf(out.Writer(), "\nTotal: %d workers\n", len(workers))
	return nil
}
