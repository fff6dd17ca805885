package stage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GatewayConfig configures the gateway registry client.
type GatewayConfig struct {
	// Endpoint is the gateway admin API base URL.
	Endpoint string
	// RoutePrefix is the public path prefix agents are exposed under.
	RoutePrefix string
	// ConfirmTimeout bounds the wait for the new target to answer health
	// checks through the gateway.
	ConfirmTimeout time.Duration
	// PollInterval between health confirmations.
	PollInterval time.Duration
	// RequestTimeout bounds each individual HTTP call.
	RequestTimeout time.Duration

	Logger *zap.Logger
}

// Validate checks required fields and applies defaults.
func (c *GatewayConfig) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("gateway endpoint is required")
	}
	if c.RoutePrefix == "" {
		c.RoutePrefix = "/agents"
	}
	if !strings.HasPrefix(c.RoutePrefix, "/") {
		return fmt.Errorf("route prefix must start with /")
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// GatewayClient wraps the gateway's service and route registry. Registration
// upserts the agent's service to point at the new target, upserts the public
// route, confirms the new target answers through the gateway, and only then
// removes the previous target. The live route set is never empty during a
// rollover.
type GatewayClient struct {
	config GatewayConfig
	client *http.Client
	logger *zap.Logger
}

// NewGatewayClient creates a registration stage client.
func NewGatewayClient(config GatewayConfig) (*GatewayClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gateway config: %w", err)
	}
	return &GatewayClient{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		logger: config.Logger,
	}, nil
}

func (c *GatewayClient) Name() string {
	return NameRegister
}

type gatewayService struct {
	Name         string `json:"name,omitempty"`
	URL          string `json:"url"`
	DeploymentID string `json:"deployment_id"`
}

type gatewayRoute struct {
	Path      string `json:"path"`
	StripPath bool   `json:"strip_path"`
}

type gatewayRouteRef struct {
	ID string `json:"id"`
}

type gatewayHealth struct {
	Healthy bool   `json:"healthy"`
	Target  string `json:"target,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Execute registers the deployment's route target with the gateway and
// returns the route reference. Re-running an interrupted registration is
// safe: every call is an upsert keyed on the agent name.
func (c *GatewayClient) Execute(ctx context.Context, req *Request) (string, error) {
	existing, err := c.getService(ctx, req.AgentName)
	if err != nil {
		return "", err
	}

	previous := req.PreviousRouteTarget
	if previous == "" && existing != nil {
		previous = targetOf(existing.URL)
	}

	serviceURL := c.config.Endpoint + "/services/" + url.PathEscape(req.AgentName)
	err = doJSON(ctx, c.client, http.MethodPut, serviceURL, gatewayService{
		Name:         req.AgentName,
		URL:          "http://" + req.RouteTarget,
		DeploymentID: req.DeploymentID,
	}, nil)
	if err != nil {
		switch status := statusOf(err); {
		case status == http.StatusConflict:
			// Another deployment holds the service mid-transition.
			return "", Permanentf(NameRegister, "service %s owned by another deployment: %v", req.AgentName, err)
		case status >= 400 && status < 500:
			return "", Permanentf(NameRegister, "service upsert rejected: %v", err)
		default:
			return "", Transientf(NameRegister, "service upsert failed: %v", err)
		}
	}

	var ref gatewayRouteRef
	routeName := req.AgentName + "-route"
	err = doJSON(ctx, c.client, http.MethodPut, serviceURL+"/routes/"+url.PathEscape(routeName), gatewayRoute{
		Path:      c.config.RoutePrefix + "/" + req.AgentName,
		StripPath: true,
	}, &ref)
	if err != nil {
		switch status := statusOf(err); {
		case status == http.StatusConflict:
			return "", Permanentf(NameRegister, "route %s owned by another deployment: %v", routeName, err)
		case status >= 400 && status < 500:
			return "", Permanentf(NameRegister, "route upsert rejected: %v", err)
		default:
			return "", Transientf(NameRegister, "route upsert failed: %v", err)
		}
	}
	if ref.ID == "" {
		ref.ID = routeName
	}

	c.logger.Debug("route registered",
		zap.String("deployment_id", req.DeploymentID),
		zap.String("agent_name", req.AgentName),
		zap.String("route_target", req.RouteTarget),
		zap.String("route_ref", ref.ID))

	if err := c.confirmLive(ctx, req.AgentName, req.RouteTarget); err != nil {
		return "", err
	}

	// The old target stays registered until here so the route set never
	// goes empty mid-rollover.
	if previous != "" && previous != req.RouteTarget {
		if err := c.removeTarget(ctx, req.AgentName, previous); err != nil {
			return "", err
		}
		c.logger.Debug("previous target removed",
			zap.String("agent_name", req.AgentName),
			zap.String("previous_target", previous))
	}

	return ref.ID, nil
}

// Deregister removes the agent's route and service, tolerating absence. Used
// when a cancelled deployment rolls back a registration that already took.
func (c *GatewayClient) Deregister(ctx context.Context, agentName string) error {
	serviceURL := c.config.Endpoint + "/services/" + url.PathEscape(agentName)
	routeURL := serviceURL + "/routes/" + url.PathEscape(agentName+"-route")

	// Routes first: a service with live routes must not disappear under them.
	if err := doJSON(ctx, c.client, http.MethodDelete, routeURL, nil, nil); err != nil && statusOf(err) != http.StatusNotFound {
		return Transientf(NameRegister, "route delete failed: %v", err)
	}
	if err := doJSON(ctx, c.client, http.MethodDelete, serviceURL, nil, nil); err != nil && statusOf(err) != http.StatusNotFound {
		return Transientf(NameRegister, "service delete failed: %v", err)
	}

	c.logger.Debug("agent deregistered", zap.String("agent_name", agentName))
	return nil
}

// getService fetches the current registration, or nil when the agent has
// never been registered.
func (c *GatewayClient) getService(ctx context.Context, agentName string) (*gatewayService, error) {
	var svc gatewayService
	err := doJSON(ctx, c.client, http.MethodGet, c.config.Endpoint+"/services/"+url.PathEscape(agentName), nil, &svc)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, nil
		}
		return nil, Transientf(NameRegister, "service lookup failed: %v", err)
	}
	return &svc, nil
}

// confirmLive polls the gateway-side health check until the new target
// answers, or the confirmation window closes.
func (c *GatewayClient) confirmLive(ctx context.Context, agentName, target string) error {
	healthURL := c.config.Endpoint + "/services/" + url.PathEscape(agentName) + "/health"

	ctx, cancel := context.WithTimeout(ctx, c.config.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		var st gatewayHealth
		err := doJSON(ctx, c.client, http.MethodGet, healthURL, nil, &st)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return Transientf(NameRegister, "target %s not confirmed live within %s", target, c.config.ConfirmTimeout)
			}
			c.logger.Debug("health confirmation failed", zap.String("agent_name", agentName), zap.Error(err))
		case st.Healthy && (st.Target == "" || st.Target == target):
			return nil
		}

		select {
		case <-ctx.Done():
			return Transientf(NameRegister, "target %s not confirmed live within %s", target, c.config.ConfirmTimeout)
		case <-ticker.C:
		}
	}
}

// removeTarget deletes a superseded target; an already-gone target is fine.
func (c *GatewayClient) removeTarget(ctx context.Context, agentName, target string) error {
	u := c.config.Endpoint + "/services/" + url.PathEscape(agentName) + "/targets/" + url.PathEscape(target)
	if err := doJSON(ctx, c.client, http.MethodDelete, u, nil, nil); err != nil && statusOf(err) != http.StatusNotFound {
		return Transientf(NameRegister, "stale target removal failed: %v", err)
	}
	return nil
}

// targetOf strips the scheme from a registered upstream URL, yielding the
// bare host:port the gateway routes to.
func targetOf(upstream string) string {
	upstream = strings.TrimPrefix(upstream, "https://")
	upstream = strings.TrimPrefix(upstream, "http://")
	return strings.TrimSuffix(upstream, "/")
}
