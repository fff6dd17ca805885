package manifest

// AgentManifest is the capability card an agent bundle ships with. It declares
// what the agent is called, what it can do, and which HTTP paths it serves.
// The manifest travels as JSON on the intake API; the yaml tags exist so the
// CLI can read the same document from a manifest file.
type AgentManifest struct {
	Name            string            `json:"name" yaml:"name"`
	Description     string            `json:"description,omitempty" yaml:"description,omitempty"`
	Version         string            `json:"version,omitempty" yaml:"version,omitempty"`
	ProtocolVersion string            `json:"protocol_version,omitempty" yaml:"protocol_version,omitempty"`
	Capabilities    []string          `json:"capabilities" yaml:"capabilities"`
	InputModes      []string          `json:"input_modes,omitempty" yaml:"input_modes,omitempty"`
	OutputModes     []string          `json:"output_modes,omitempty" yaml:"output_modes,omitempty"`
	Examples        []string          `json:"examples,omitempty" yaml:"examples,omitempty"`
	Endpoints       map[string]string `json:"endpoints" yaml:"endpoints"`
	Skills          []Skill           `json:"skills,omitempty" yaml:"skills,omitempty"`
}

// Skill is a single advertised capability with discovery metadata.
type Skill struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty" yaml:"examples,omitempty"`
}
