package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentplane/agentplane/cmd/agentplanectl/config"
	"github.com/agentplane/agentplane/pkg/api"
	"github.com/agentplane/agentplane/pkg/manifest"
)

// NewDeployCommand creates the deploy command
func NewDeployCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy an agent",
		Long: `Deploy an agent from its manifest file and artifact bundle. The manifest is
a YAML capability card; the artifact URL points at the source bundle the
build stage turns into an image.`,
		RunE: runDeploy,
	}

	cmd.Flags().StringP("file", "f", "", "Agent manifest file (YAML)")
	cmd.Flags().String("artifact", "", "Artifact bundle URL")
	cmd.Flags().String("agent", "", "Agent name (default: manifest name)")
	cmd.Flags().String("version", "", "Version label (default: manifest version)")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("artifact")

	return cmd
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	manifestFile, _ := cmd.Flags().GetString("file")
	artifactURL, _ := cmd.Flags().GetString("artifact")
	agentName, _ := cmd.Flags().GetString("agent")
	version, _ := cmd.Flags().GetString("version")

	raw, err := readManifest(manifestFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resp, err := cfg.NewAPIClient().Submit(ctx, api.SubmitRequest{
		AgentName:   agentName,
		Version:     version,
		ArtifactURL: artifactURL,
		Manifest:    raw,
	})
	if err != nil {
		return fmt.Errorf("failed to submit deployment: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Deployment %s accepted\n", resp.DeploymentID)
	return nil
}

// readManifest reads a YAML manifest file and re-encodes it as the JSON
// document the intake API validates.
func readManifest(filename string) (json.RawMessage, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest.AgentManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return raw, nil
}
