package stage

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DeployConfig configures the cluster scheduler client.
type DeployConfig struct {
	// Endpoint is the cluster scheduler base URL.
	Endpoint string
	// AgentPort is the container port agents listen on.
	AgentPort int
	// ReadinessTimeout bounds the wait for the workload to report ready.
	ReadinessTimeout time.Duration
	// PollInterval between readiness checks.
	PollInterval time.Duration
	// RequestTimeout bounds each individual HTTP call.
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// Validate checks required fields and applies defaults.
func (c *DeployConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("scheduler endpoint is required")
	}
	if c.AgentPort == 0 {
		c.AgentPort = 5000
	}
	if c.ReadinessTimeout == 0 {
		c.ReadinessTimeout = 60 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// DeployClient wraps the cluster scheduler: upsert the workload for an agent
// with the new image, then wait for at least one healthy replica. Calling it
// twice for the same deployment id updates the workload in place.
type DeployClient struct {
	config DeployConfig
	client *http.Client
	logger *zap.Logger
}

// NewDeployClient creates a deploy stage client.
func NewDeployClient(config DeployConfig) (*DeployClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid deploy config: %w", err)
	}
	return &DeployClient{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: config.Logger,
	}, nil
}

func (c *DeployClient) Name() string {
	return NameDeploy
}

type workloadSpec struct {
	DeploymentID string `json:"deployment_id"`
	ImageRef     string `json:"image_ref"`
	Port         int    `json:"port"`
}

type workloadStatus struct {
	Ready    bool   `json:"ready"`
	Endpoint string `json:"endpoint,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// Execute upserts the workload and blocks until it reports ready, returning
// the internal route target (host:port) for registration.
func (c *DeployClient) Execute(ctx context.Context, req *Request) (string, error) {
	url := c.config.Endpoint + "/v1/workloads/" + req.AgentName

	err := doJSON(ctx, c.client, http.MethodPut, url, workloadSpec{
		DeploymentID: req.DeploymentID,
		ImageRef:     req.ImageRef,
		Port:         c.config.AgentPort,
	}, nil)
	if err != nil {
		switch status := statusOf(err); {
		case status >= 400 && status < 500:
			// Quota or spec rejection; retrying the same spec cannot help.
			return "", Permanentf(NameDeploy, "scheduler rejected workload: %v", err)
		default:
			return "", Transientf(NameDeploy, "workload upsert failed: %v", err)
		}
	}

	c.logger.Debug("workload upserted",
		zap.String("deployment_id", req.DeploymentID),
		zap.String("agent_name", req.AgentName),
		zap.String("image_ref", req.ImageRef))

	readyCtx, cancel := context.WithTimeout(ctx, c.config.ReadinessTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readyCtx.Done():
			return "", Transientf(NameDeploy, "workload %s not ready within %s", req.AgentName, c.config.ReadinessTimeout)
		case <-ticker.C:
		}

		var st workloadStatus
		if err := doJSON(readyCtx, c.client, http.MethodGet, url, nil, &st); err != nil {
			if readyCtx.Err() != nil {
				return "", Transientf(NameDeploy, "workload %s not ready within %s", req.AgentName, c.config.ReadinessTimeout)
			}
			c.logger.Debug("readiness poll failed", zap.String("agent_name", req.AgentName), zap.Error(err))
			continue
		}
		if st.Ready {
			if st.Endpoint == "" {
				return "", Permanentf(NameDeploy, "workload %s ready but reported no endpoint", req.AgentName)
			}
			return st.Endpoint, nil
		}
	}
}
