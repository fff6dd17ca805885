// Package stage wraps the three external systems a deployment passes
// through (build engine, cluster scheduler, gateway registry) behind one
// contract: execute with a deadline, return a reference on success, and
// classify every failure as transient or permanent. The worker loop stays
// generic over stages; retry policy lives there, not here.
package stage

import (
	"context"

	"github.com/agentplane/agentplane/pkg/manifest"
)

// Stage names used in errors, logs and metrics.
const (
	NameBuild    = "build"
	NameDeploy   = "deploy"
	NameRegister = "register"
)

// Request carries the pipeline context into a stage. Each stage reads the
// fields earlier stages produced; the worker persists each stage's returned
// reference before invoking the next.
type Request struct {
	DeploymentID string
	AgentName    string
	Version      string
	ArtifactURL  string
	Manifest     *manifest.AgentManifest

	// ImageRef is set once the build stage has succeeded.
	ImageRef string
	// RouteTarget is set once the deploy stage has succeeded.
	RouteTarget string

	// PreviousRouteTarget is the route target of the agent's prior active
	// deployment, if any. The registration stage removes it only after the
	// new target is confirmed live.
	PreviousRouteTarget string
}

// Stage executes one pipeline step and returns the reference it produced
// (image ref, route target, or route ref). Failures are always *Error.
type Stage interface {
	Name() string
	Execute(ctx context.Context, req *Request) (string, error)
}
