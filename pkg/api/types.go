package api

import (
	"encoding/json"

	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/manifest"
)

// SubmitRequest is the intake payload: the agent bundle's coordinates plus
// its manifest, carried raw so validation sees the exact submitted document.
type SubmitRequest struct {
	AgentName   string          `json:"agent_name,omitempty"`
	Version     string          `json:"version,omitempty"`
	ArtifactURL string          `json:"artifact_url"`
	Manifest    json.RawMessage `json:"manifest"`
}

// SubmitResponse acknowledges an accepted submission. The deployment id is
// the handle for all later status and cancel calls.
type SubmitResponse struct {
	DeploymentID string `json:"deployment_id"`
}

// CancelRequest optionally carries a human-readable reason, retained on the
// record for operators.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DeploymentView is a record snapshot extended with derived progress fields.
type DeploymentView struct {
	deployment.Record
	Progress            int              `json:"progress"`
	LastSuccessfulState deployment.State `json:"last_successful_state"`
}

// NewDeploymentView derives the response shape from a record snapshot.
func NewDeploymentView(rec *deployment.Record) DeploymentView {
	return DeploymentView{
		Record:              *rec,
		Progress:            rec.Progress(),
		LastSuccessfulState: rec.LastSuccessfulState(),
	}
}

// Error kinds used in API error envelopes.
const (
	ErrKindValidation = "validation"
	ErrKindNotFound   = "not_found"
	ErrKindConflict   = "conflict"
	ErrKindInternal   = "internal"
)

// ErrorResponse is the JSON error envelope for every non-2xx response.
// Validation failures carry the individual manifest violations.
type ErrorResponse struct {
	Error      string               `json:"error"`
	Kind       string               `json:"kind"`
	Violations []manifest.Violation `json:"violations,omitempty"`
}
