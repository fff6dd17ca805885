package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// BuildConfig configures the build engine client.
type BuildConfig struct {
	// Endpoint is the build engine base URL.
	Endpoint string
	// Registry is the image registry host images are pushed to.
	Registry string
	// PollInterval between build status checks.
	PollInterval time.Duration
	// Timeout bounds one build from submission to completion.
	Timeout time.Duration
	// RequestTimeout bounds each individual HTTP call.
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// Validate checks required fields and applies defaults.
func (c *BuildConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("build endpoint is required")
	}
	if c.Registry == "" {
		return fmt.Errorf("image registry is required")
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Minute
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// BuildClient wraps the remote build engine: submit a build, poll it to
// completion, and return the pushed image reference. Submitting the same
// deployment id twice produces the same deterministic tag, so a re-run can
// never leave two divergent images behind.
type BuildClient struct {
	config BuildConfig
	client *http.Client
	logger *zap.Logger
}

// NewBuildClient creates a build stage client.
func NewBuildClient(config BuildConfig) (*BuildClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid build config: %w", err)
	}
	return &BuildClient{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: config.Logger,
	}, nil
}

func (c *BuildClient) Name() string {
	return NameBuild
}

type buildSubmission struct {
	DeploymentID string `json:"deployment_id"`
	AgentName    string `json:"agent_name"`
	Version      string `json:"version,omitempty"`
	ArtifactURL  string `json:"artifact_url"`
	ImageTag     string `json:"image_tag"`
}

type buildJob struct {
	JobID string `json:"job_id"`
}

type buildStatus struct {
	Status    string `json:"status"`
	ImageRef  string `json:"image_ref,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Transient bool   `json:"transient,omitempty"`
}

// Execute submits the build and polls until the engine reports a terminal
// status or the build deadline passes.
func (c *BuildClient) Execute(ctx context.Context, req *Request) (string, error) {
	tag := ImageTag(c.config.Registry, req.AgentName, req.Version, req.DeploymentID)

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var job buildJob
	err := doJSON(ctx, c.client, http.MethodPost, c.config.Endpoint+"/v1/builds", buildSubmission{
		DeploymentID: req.DeploymentID,
		AgentName:    req.AgentName,
		Version:      req.Version,
		ArtifactURL:  req.ArtifactURL,
		ImageTag:     tag,
	}, &job)
	if err != nil {
		switch status := statusOf(err); {
		case status >= 400 && status < 500:
			// The engine could not accept the artifact: bad upload.
			return "", Permanentf(NameBuild, "build submission rejected: %v", err)
		default:
			return "", Transientf(NameBuild, "build submission failed: %v", err)
		}
	}

	c.logger.Debug("build submitted",
		zap.String("deployment_id", req.DeploymentID),
		zap.String("job_id", job.JobID),
		zap.String("image_tag", tag))

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", Transientf(NameBuild, "build %s did not complete within %s", job.JobID, c.config.Timeout)
		case <-ticker.C:
		}

		var st buildStatus
		err := doJSON(ctx, c.client, http.MethodGet, c.config.Endpoint+"/v1/builds/"+job.JobID, nil, &st)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return "", Transientf(NameBuild, "build %s did not complete within %s", job.JobID, c.config.Timeout)
			}
			// Poll hiccups are absorbed here rather than burning a retry
			// attempt on a whole new build.
			c.logger.Debug("build poll failed", zap.String("job_id", job.JobID), zap.Error(err))
			continue
		}

		switch st.Status {
		case "succeeded":
			if st.ImageRef != "" {
				return st.ImageRef, nil
			}
			return tag, nil
		case "failed":
			if st.Transient {
				return "", Transientf(NameBuild, "build %s failed transiently: %s", job.JobID, st.Detail)
			}
			return "", Permanentf(NameBuild, "build %s failed: %s", job.JobID, st.Detail)
		case "queued", "running":
			// keep polling
		default:
			return "", Transientf(NameBuild, "build %s reported unknown status %q", job.JobID, st.Status)
		}
	}
}

// ImageTag derives the content-addressed image tag for a deployment. The
// digest covers agent name, version and deployment id, so concurrent builds
// of the same agent can never collide while re-runs of one deployment always
// land on the same tag.
func ImageTag(registry, agentName, version, deploymentID string) string {
	if version == "" {
		version = "latest"
	}
	sum := sha256.Sum256([]byte(agentName + "\x00" + version + "\x00" + deploymentID))
	return fmt.Sprintf("%s/%s:%s-%s", registry, agentName, version, hex.EncodeToString(sum[:])[:12])
}
