package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/eventlog"
	"github.com/agentplane/agentplane/pkg/manifest"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/storage"
	"github.com/agentplane/agentplane/pkg/worker"
)

type harness struct {
	t        *testing.T
	store    *deployment.Store
	log      *eventlog.Log
	registry *worker.Registry
	events   *observability.EventStream
	srv      *Server
	http     *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := storage.OpenTestDB(t)
	store := deployment.NewStore(db)
	elog, err := eventlog.NewLog(db, 4, time.Minute)
	require.NoError(t, err)
	registry := worker.NewRegistry(db, time.Minute)
	events := observability.NewEventStream(observability.EventStreamConfig{MaxSize: 128}, zap.NewNop())

	srv, err := NewServer(Config{Listen: "127.0.0.1:0", Logger: zap.NewNop()}, store, elog, registry, events)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		t:        t,
		store:    store,
		log:      elog,
		registry: registry,
		events:   events,
		srv:      srv,
		http:     ts,
	}
}

func (h *harness) do(method, path string, body any) *http.Response {
	h.t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(h.t, err)
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rdr)
	require.NoError(h.t, err)
	resp, err := h.http.Client().Do(req)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) decode(resp *http.Response, v any) {
	h.t.Helper()
	require.NoError(h.t, json.NewDecoder(resp.Body).Decode(v))
}

// claimAll drains every claimable event so tests can inspect exactly what
// intake published.
func (h *harness) claimAll() []eventlog.Delivery {
	h.t.Helper()
	deliveries, err := h.log.Claim(context.Background(), "orchestrator", 100)
	require.NoError(h.t, err)
	return deliveries
}

func validManifest(t *testing.T, name string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(manifest.AgentManifest{
		Name:         name,
		Version:      "1.0.0",
		Capabilities: []string{"translate"},
		Endpoints:    map[string]string{"/translate": "translate text"},
	})
	require.NoError(t, err)
	return raw
}

func TestSubmitAcceptsValidDeployment(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/v1/deployments", SubmitRequest{
		AgentName:   "translator",
		Version:     "2.0.0",
		ArtifactURL: "https://bundles.example.com/translator-2.0.0.tar.gz",
		Manifest:    validManifest(t, "translator"),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack SubmitResponse
	h.decode(resp, &ack)
	require.NotEmpty(t, ack.DeploymentID)

	rec, err := h.store.Get(context.Background(), ack.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, deployment.StateQueued, rec.State)
	assert.Equal(t, "translator", rec.AgentName)
	assert.Equal(t, "2.0.0", rec.Version)
	assert.Equal(t, "https://bundles.example.com/translator-2.0.0.tar.gz", rec.ArtifactURL)

	deliveries := h.claimAll()
	require.Len(t, deliveries, 1)
	ev := deliveries[0].Event
	assert.Equal(t, eventlog.TypeDeploy, ev.Type)
	assert.Equal(t, ack.DeploymentID, ev.DeploymentID)
	assert.Equal(t, "translator", ev.AgentName)
	assert.JSONEq(t, string(validManifest(t, "translator")), string(ev.Manifest))
}

func TestSubmitDefaultsNameAndVersionFromManifest(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/v1/deployments", SubmitRequest{
		ArtifactURL: "https://bundles.example.com/translator.tar.gz",
		Manifest:    validManifest(t, "translator"),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var ack SubmitResponse
	h.decode(resp, &ack)

	rec, err := h.store.Get(context.Background(), ack.DeploymentID)
	require.NoError(t, err)
	assert.Equal(t, "translator", rec.AgentName)
	assert.Equal(t, "1.0.0", rec.Version)
}

func TestSubmitRejectsInvalidManifest(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/v1/deployments", SubmitRequest{
		ArtifactURL: "https://bundles.example.com/translator.tar.gz",
		Manifest:    json.RawMessage(`{"name":"translator"}`),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	h.decode(resp, &body)
	assert.Equal(t, ErrKindValidation, body.Kind)
	require.NotEmpty(t, body.Violations)

	// Nothing may be published for a rejected submission.
	assert.Empty(t, h.claimAll())
	recs, err := h.store.List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestSubmitRejectsMismatchedAgentName(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/v1/deployments", SubmitRequest{
		AgentName:   "summarizer",
		ArtifactURL: "https://bundles.example.com/translator.tar.gz",
		Manifest:    validManifest(t, "translator"),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	h.decode(resp, &body)
	assert.Equal(t, ErrKindValidation, body.Kind)
	assert.Contains(t, body.Error, "does not match")
	assert.Empty(t, h.claimAll())
}

func TestSubmitRequiresArtifactURL(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/v1/deployments", SubmitRequest{
		Manifest: validManifest(t, "translator"),
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body ErrorResponse
	h.decode(resp, &body)
	assert.Contains(t, body.Error, "artifact_url")
}

func TestSubmitRejectsMalformedBody(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/v1/deployments",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetDeployment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := &deployment.Record{ID: "dep-1", AgentName: "translator", Version: "1.0.0"}
	require.NoError(t, h.store.Create(ctx, rec))

	resp := h.do(http.MethodGet, "/v1/deployments/dep-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view DeploymentView
	h.decode(resp, &view)
	assert.Equal(t, "dep-1", view.ID)
	assert.Equal(t, deployment.StateQueued, view.State)
	assert.Equal(t, 0, view.Progress)
	assert.Equal(t, deployment.StateQueued, view.LastSuccessfulState)
}

func TestGetUnknownDeployment(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodGet, "/v1/deployments/ghost", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body ErrorResponse
	h.decode(resp, &body)
	assert.Equal(t, ErrKindNotFound, body.Kind)
}

func TestListDeployments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, agent := range []string{"translator", "translator", "summarizer"} {
		rec := &deployment.Record{
			ID:        fmt.Sprintf("dep-%d", i),
			AgentName: agent,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, h.store.Create(ctx, rec))
	}

	resp := h.do(http.MethodGet, "/v1/deployments", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []DeploymentView
	h.decode(resp, &all)
	require.Len(t, all, 3)
	assert.Equal(t, "dep-2", all[0].ID, "newest first")

	resp = h.do(http.MethodGet, "/v1/deployments?agent=translator", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var filtered []DeploymentView
	h.decode(resp, &filtered)
	require.Len(t, filtered, 2)
	for _, v := range filtered {
		assert.Equal(t, "translator", v.AgentName)
	}

	resp = h.do(http.MethodGet, "/v1/deployments?limit=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var limited []DeploymentView
	h.decode(resp, &limited)
	assert.Len(t, limited, 1)

	resp = h.do(http.MethodGet, "/v1/deployments?limit=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelQueuedDeployment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := &deployment.Record{ID: "dep-1", AgentName: "translator"}
	require.NoError(t, h.store.Create(ctx, rec))

	resp := h.do(http.MethodPost, "/v1/deployments/dep-1/cancel", CancelRequest{Reason: "wrong build"})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	deliveries := h.claimAll()
	require.Len(t, deliveries, 1)
	ev := deliveries[0].Event
	assert.Equal(t, eventlog.TypeCancel, ev.Type)
	assert.Equal(t, "dep-1", ev.DeploymentID)
	assert.Equal(t, "wrong build", ev.Reason)
	// Cancel rides the same partition as the agent's deploys so ordering holds.
	assert.Equal(t, "translator", ev.AgentName)
}

func TestCancelWithoutBody(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := &deployment.Record{ID: "dep-1", AgentName: "translator"}
	require.NoError(t, h.store.Create(ctx, rec))

	resp := h.do(http.MethodPost, "/v1/deployments/dep-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	deliveries := h.claimAll()
	require.Len(t, deliveries, 1)
	assert.Empty(t, deliveries[0].Event.Reason)
}

func TestCancelUnknownDeployment(t *testing.T) {
	h := newHarness(t)

	resp := h.do(http.MethodPost, "/v1/deployments/ghost/cancel", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, h.claimAll())
}

func TestCancelFailedDeploymentConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	rec := &deployment.Record{ID: "dep-1", AgentName: "translator"}
	require.NoError(t, h.store.Create(ctx, rec))
	require.NoError(t, h.store.Fail(ctx, rec, deployment.ErrorKindPermanent, "build exploded"))

	resp := h.do(http.MethodPost, "/v1/deployments/dep-1/cancel", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body ErrorResponse
	h.decode(resp, &body)
	assert.Equal(t, ErrKindConflict, body.Kind)
	assert.Empty(t, h.claimAll())
}

func TestLatestActiveDeployment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	older := &deployment.Record{
		ID: "dep-v1", AgentName: "translator", State: deployment.StateActive,
		CreatedAt: base,
	}
	require.NoError(t, h.store.Create(ctx, older))
	queued := &deployment.Record{
		ID: "dep-v2", AgentName: "translator",
		CreatedAt: base.Add(time.Minute),
	}
	require.NoError(t, h.store.Create(ctx, queued))

	resp := h.do(http.MethodGet, "/v1/agents/translator/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view DeploymentView
	h.decode(resp, &view)
	assert.Equal(t, "dep-v1", view.ID)

	resp = h.do(http.MethodGet, "/v1/agents/summarizer/latest", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWorkersEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.registry.Heartbeat(ctx, &worker.Info{
		ID:       "worker-1",
		Hostname: "node-a",
	}))

	resp := h.do(http.MethodGet, "/v1/workers", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var workers []worker.Info
	h.decode(resp, &workers)
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-1", workers[0].ID)
}

func TestWorkersEndpointWithoutRegistry(t *testing.T) {
	h := newHarness(t)

	srv, err := NewServer(Config{Listen: "127.0.0.1:0", Logger: zap.NewNop()}, h.store, h.log, nil, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/v1/workers")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var workers []worker.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&workers))
	assert.Empty(t, workers)
}

func TestEventsEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.events.RecordEvent(ctx, observability.NewDeploymentSubmittedEvent("dep-1", "translator", "1.0.0"))
	h.events.RecordEvent(ctx, observability.NewDeploymentSubmittedEvent("dep-2", "summarizer", "1.0.0"))

	resp := h.do(http.MethodGet, "/v1/events", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var all []observability.Event
	h.decode(resp, &all)
	assert.Len(t, all, 2)

	resp = h.do(http.MethodGet, "/v1/events?deployment_id=dep-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var filtered []observability.Event
	h.decode(resp, &filtered)
	require.Len(t, filtered, 1)
	assert.Equal(t, "dep-1", filtered[0].ResourceID)
}

func TestRequestIDHeaderIsEchoed(t *testing.T) {
	h := newHarness(t)

	req, err := http.NewRequest(http.MethodGet, h.http.URL+"/v1/deployments", nil)
	require.NoError(t, err)
	req.Header.Set(observability.RequestIDHeaderKey, "req-42")
	resp, err := h.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "req-42", resp.Header.Get(observability.RequestIDHeaderKey))
}

func TestServerStartStop(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.srv.Start())

	resp, err := http.Get("http://" + h.srv.Addr() + "/v1/deployments")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, h.srv.Stop(context.Background()))
}
