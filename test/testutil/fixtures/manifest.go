package fixtures

import (
	"encoding/json"
	"testing"

	"github.com/agentplane/agentplane/pkg/api"
	"github.com/agentplane/agentplane/pkg/manifest"
)

// NewAgentManifest creates a valid manifest for an agent under test.
func NewAgentManifest(name string) *manifest.AgentManifest {
	return &manifest.AgentManifest{
		Name:            name,
		Description:     "test agent",
		Version:         "1.0.0",
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
	}
}

// ManifestJSON marshals a valid manifest for the named agent.
func ManifestJSON(t *testing.T, name string) json.RawMessage {
	t.Helper()

	raw, err := json.Marshal(NewAgentManifest(name))
	if err != nil {
		t.Fatalf("Failed to marshal manifest: %v", err)
	}
	return raw
}

// InvalidManifestJSON returns a manifest that fails validation: no
// capabilities and no endpoints.
func InvalidManifestJSON() json.RawMessage {
	return json.RawMessage(`{"name":"translator"}`)
}

// NewSubmitRequest builds a deployment submission for the named agent with a
// valid manifest at the given version.
func NewSubmitRequest(t *testing.T, name, version string) api.SubmitRequest {
	t.Helper()

	m := NewAgentManifest(name)
	m.Version = version
	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Failed to marshal manifest: %v", err)
	}

	return api.SubmitRequest{
		AgentName:   name,
		Version:     version,
		ArtifactURL: "https://artifacts.test/" + name + "-" + version + ".tar.gz",
		Manifest:    raw,
	}
}
