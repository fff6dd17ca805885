package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/worker"
)

// APIError is a decoded error envelope from the orchestrator.
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
	return e.Message
}

// Client talks to the orchestrator API. The CLI and integration tests use it;
// the orchestrator itself never does.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the orchestrator at base, e.g.
// "http://localhost:8080". timeout bounds each request; zero means 30s.
func NewClient(base string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// Submit sends a deployment submission and returns the assigned id.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/deployments", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Deployment fetches one deployment by id.
func (c *Client) Deployment(ctx context.Context, id string) (*DeploymentView, error) {
	var view DeploymentView
	if err := c.do(ctx, http.MethodGet, "/v1/deployments/"+url.PathEscape(id), nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Deployments lists deployments newest first, optionally filtered by agent.
func (c *Client) Deployments(ctx context.Context, agent string, limit int) ([]DeploymentView, error) {
	q := url.Values{}
	if agent != "" {
		q.Set("agent", agent)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/deployments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var views []DeploymentView
	if err := c.do(ctx, http.MethodGet, path, nil, &views); err != nil {
		return nil, err
	}
	return views, nil
}

// Cancel requests cancellation of a deployment.
func (c *Client) Cancel(ctx context.Context, id, reason string) error {
	path := "/v1/deployments/" + url.PathEscape(id) + "/cancel"
	return c.do(ctx, http.MethodPost, path, CancelRequest{Reason: reason}, nil)
}

// LatestActive fetches the newest active deployment for an agent.
func (c *Client) LatestActive(ctx context.Context, agent string) (*DeploymentView, error) {
	var view DeploymentView
	if err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agent)+"/latest", nil, &view); err != nil {
		return nil, err
	}
	return &view, nil
}

// Workers lists registered worker replicas.
func (c *Client) Workers(ctx context.Context) ([]worker.Info, error) {
	var workers []worker.Info
	if err := c.do(ctx, http.MethodGet, "/v1/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// Events lists recent lifecycle events, optionally for one deployment.
func (c *Client) Events(ctx context.Context, deploymentID string, limit int) ([]observability.Event, error) {
	q := url.Values{}
	if deploymentID != "" {
		q.Set("deployment_id", deploymentID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var events []observability.Event
	if err := c.do(ctx, http.MethodGet, path, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Message: resp.Status}
		var envelope ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err == nil && envelope.Error != "" {
			apiErr.Kind = envelope.Kind
			apiErr.Message = envelope.Error
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
