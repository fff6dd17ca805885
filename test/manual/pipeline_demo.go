// Deployment Pipeline Manual Test
// This program demonstrates the complete deployment workflow against a
// running orchestrator: submit, watch the pipeline, roll a new version over
// the old route, and optionally cancel.
//
// Usage:
//   go run test/manual/pipeline_demo.go --server=http://localhost:8080
//
// Prerequisites:
//   - Orchestrator running with build engine, scheduler and gateway
//     endpoints configured
//   - REST port accessible (default: 8080)

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/agentplane/agentplane/pkg/api"
	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/manifest"
)

var (
	serverAddr   = flag.String("server", "http://localhost:8080", "Orchestrator REST address")
	manifestPath = flag.String("manifest", "", "Agent manifest file (YAML or JSON); a demo manifest is used when empty")
	artifactURL  = flag.String("artifact", "https://artifacts.example.com/translator-demo.tar.gz", "Agent bundle artifact URL")
	version      = flag.String("version", "1.0.0", "Version for the first deployment")
	redeployAs   = flag.String("redeploy-version", "1.0.1", "Version for the rollover deployment; empty skips the rollover")
	cancelAfter  = flag.Bool("cancel", false, "Cancel the final deployment to demonstrate rollback")
)

func main() {
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Deployment Pipeline Demo",
		zap.String("server", *serverAddr),
		zap.String("artifact", *artifactURL),
	)

	client := api.NewClient(*serverAddr, 30*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := runPipelineDemo(ctx, client, logger); err != nil {
		logger.Fatal("Demo failed", zap.Error(err))
	}

	logger.Info("✅ Deployment Pipeline Demo completed successfully!")
}

func runPipelineDemo(ctx context.Context, client *api.Client, logger *zap.Logger) error {
	// ========================================
	// Step 1: Load and validate the manifest
	// ========================================
	logger.Info("📝 Step 1: Loading agent manifest...")

	raw, err := loadManifest(*manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	m, err := manifest.Validate(raw)
	if err != nil {
		return fmt.Errorf("manifest is invalid: %w", err)
	}

	logger.Info("✅ Manifest valid",
		zap.String("agent", m.Name),
		zap.Strings("capabilities", m.Capabilities),
		zap.Int("endpoints", len(m.Endpoints)),
	)

	// ========================================
	// Step 2: Submit the deployment
	// ========================================
	logger.Info("🚀 Step 2: Submitting deployment...")

	resp, err := client.Submit(ctx, api.SubmitRequest{
		AgentName:   m.Name,
		Version:     *version,
		ArtifactURL: *artifactURL,
		Manifest:    raw,
	})
	if err != nil {
		return fmt.Errorf("failed to submit deployment: %w", err)
	}

	logger.Info("✅ Deployment accepted",
		zap.String("deployment_id", resp.DeploymentID),
	)

	// ========================================
	// Step 3: Watch the pipeline
	// ========================================
	logger.Info("👀 Step 3: Watching the pipeline...")

	view, err := watchDeployment(ctx, client, resp.DeploymentID, logger)
	if err != nil {
		return err
	}
	if view.State != deployment.StateActive {
		return fmt.Errorf("deployment ended %s (%s): %s", view.State, view.ErrorKind, view.ErrorDetail)
	}

	logger.Info("✅ Deployment active",
		zap.String("image_ref", view.ImageRef),
		zap.String("route_target", view.RouteTarget),
		zap.String("route_ref", view.RouteRef),
	)

	// ========================================
	// Step 4: Inspect the event timeline
	// ========================================
	logger.Info("📜 Step 4: Retrieving the event timeline...")

	events, err := client.Events(ctx, resp.DeploymentID, 50)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}

	logger.Info("✅ Events retrieved", zap.Int("count", len(events)))
	for i, ev := range events {
		logger.Info(fmt.Sprintf("  [%d] %s %s - %s",
			i+1, ev.Timestamp.Format(time.RFC3339), ev.Action, ev.Description))
	}

	latestID := resp.DeploymentID

	// ========================================
	// Step 5: Roll a new version over the route
	// ========================================
	if *redeployAs != "" {
		logger.Info("🔄 Step 5: Rolling out a new version...",
			zap.String("version", *redeployAs),
		)

		rollover, err := client.Submit(ctx, api.SubmitRequest{
			AgentName:   m.Name,
			Version:     *redeployAs,
			ArtifactURL: *artifactURL,
			Manifest:    raw,
		})
		if err != nil {
			return fmt.Errorf("failed to submit rollover: %w", err)
		}

		newView, err := watchDeployment(ctx, client, rollover.DeploymentID, logger)
		if err != nil {
			return err
		}
		if newView.State != deployment.StateActive {
			return fmt.Errorf("rollover ended %s (%s): %s", newView.State, newView.ErrorKind, newView.ErrorDetail)
		}

		latest, err := client.LatestActive(ctx, m.Name)
		if err != nil {
			return fmt.Errorf("failed to fetch latest active: %w", err)
		}
		if latest.ID != rollover.DeploymentID {
			return fmt.Errorf("expected %s to own the route, found %s", rollover.DeploymentID, latest.ID)
		}

		logger.Info("✅ Route rolled over",
			zap.String("deployment_id", rollover.DeploymentID),
			zap.String("old_target", view.RouteTarget),
			zap.String("new_target", newView.RouteTarget),
		)
		latestID = rollover.DeploymentID
	}

	// ========================================
	// Step 6: List the agent's deployment history
	// ========================================
	logger.Info("📋 Step 6: Listing deployment history...")

	views, err := client.Deployments(ctx, m.Name, 10)
	if err != nil {
		return fmt.Errorf("failed to list deployments: %w", err)
	}

	logger.Info("✅ Deployments listed", zap.Int("count", len(views)))
	for i, v := range views {
		logger.Info(fmt.Sprintf("  [%d] %s %s (state: %s, progress: %d%%)",
			i+1, v.ID, v.Version, v.State, v.Progress))
	}

	// ========================================
	// Step 7: Cancel and roll back
	// ========================================
	if *cancelAfter {
		logger.Info("🗑️  Step 7: Cancelling the active deployment...")

		if err := client.Cancel(ctx, latestID, "manual demo cleanup"); err != nil {
			return fmt.Errorf("failed to cancel: %w", err)
		}

		// The record stays active until a worker picks the cancel up and
		// rolls the route back, so wait for failed specifically.
		final, err := awaitRollback(ctx, client, latestID)
		if err != nil {
			return err
		}
		if final.ErrorKind != deployment.ErrorKindCancelled {
			return fmt.Errorf("expected a cancelled deployment, got %s (%s)", final.State, final.ErrorKind)
		}

		logger.Info("✅ Deployment cancelled and route rolled back")
	}

	return nil
}

// watchDeployment polls the deployment until it reaches active or failed,
// logging every state change on the way.
func watchDeployment(ctx context.Context, client *api.Client, id string, logger *zap.Logger) (*api.DeploymentView, error) {
	var last deployment.State

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		view, err := client.Deployment(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch deployment %s: %w", id, err)
		}

		if view.State != last {
			logger.Info("  state changed",
				zap.String("deployment_id", id),
				zap.String("state", string(view.State)),
				zap.Int("progress", view.Progress),
			)
			last = view.State
		}

		if view.State.Terminal() {
			return view, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// awaitRollback polls until the deployment lands in failed.
func awaitRollback(ctx context.Context, client *api.Client, id string) (*api.DeploymentView, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		view, err := client.Deployment(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch deployment %s: %w", id, err)
		}
		if view.State == deployment.StateFailed {
			return view, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// loadManifest reads a YAML or JSON manifest file, or falls back to the
// built-in demo manifest. YAML documents are re-encoded as JSON, which is
// what the orchestrator validates.
func loadManifest(path string) (json.RawMessage, error) {
	if path == "" {
		return json.Marshal(&manifest.AgentManifest{
			Name:            "translator-demo",
			Description:     "Demo translation agent",
			Version:         *version,
			ProtocolVersion: "0.2",
			Capabilities:    []string{"translate"},
			InputModes:      []string{"text"},
			OutputModes:     []string{"text"},
			Endpoints: map[string]string{
				"/invoke": "POST",
				"/health": "GET",
			},
			Skills: []manifest.Skill{
				{ID: "fr-en", Name: "French to English", Tags: []string{"translation"}},
			},
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var m manifest.AgentManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return json.Marshal(&m)
}
