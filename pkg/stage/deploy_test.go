package stage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deployRequest() *Request {
	return &Request{
		DeploymentID: "dep-1",
		AgentName:    "translator",
		Version:      "1.2.0",
		ImageRef:     "registry.internal/translator@sha256:abc",
	}
}

func newDeployClient(t *testing.T, endpoint string) *DeployClient {
	t.Helper()
	c, err := NewDeployClient(DeployConfig{
		Endpoint:         endpoint,
		ReadinessTimeout: 2 * time.Second,
		PollInterval:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestDeployClient_Execute(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/workloads/translator", r.URL.Path)
		switch r.Method {
		case http.MethodPut:
			var spec workloadSpec
			require.NoError(t, json.NewDecoder(r.Body).Decode(&spec))
			assert.Equal(t, "registry.internal/translator@sha256:abc", spec.ImageRef)
			assert.Equal(t, 5000, spec.Port)
			w.WriteHeader(http.StatusAccepted)
		case http.MethodGet:
			if polls.Add(1) < 3 {
				json.NewEncoder(w).Encode(workloadStatus{Ready: false})
				return
			}
			json.NewEncoder(w).Encode(workloadStatus{Ready: true, Endpoint: "10.8.0.17:5000"})
		}
	}))
	defer srv.Close()

	target, err := newDeployClient(t, srv.URL).Execute(context.Background(), deployRequest())
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.17:5000", target)
}

func TestDeployClient_SchedulerRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tenant quota exceeded", http.StatusForbidden)
	}))
	defer srv.Close()

	_, err := newDeployClient(t, srv.URL).Execute(context.Background(), deployRequest())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "rejected")
}

func TestDeployClient_SchedulerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := newDeployClient(t, srv.URL).Execute(context.Background(), deployRequest())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestDeployClient_ReadinessTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(workloadStatus{Ready: false})
	}))
	defer srv.Close()

	c, err := NewDeployClient(DeployConfig{
		Endpoint:         srv.URL,
		ReadinessTimeout: 50 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
	})
	require.NoError(t, err)

	_, err = c.Execute(context.Background(), deployRequest())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "not ready within")
}

func TestDeployClient_ReadyWithoutEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusOK)
			return
		}
		json.NewEncoder(w).Encode(workloadStatus{Ready: true})
	}))
	defer srv.Close()

	_, err := newDeployClient(t, srv.URL).Execute(context.Background(), deployRequest())
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestDeployConfig_Validate(t *testing.T) {
	cfg := DeployConfig{}
	require.Error(t, cfg.Validate())

	cfg = DeployConfig{Endpoint: "http://scheduler:9100"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5000, cfg.AgentPort)
	assert.Equal(t, 60*time.Second, cfg.ReadinessTimeout)
	assert.NotNil(t, cfg.Logger)
}
