package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/eventlog"
)

func TestConfigValidateAppliesDefaults(t *testing.T) {
	c := Config{}
	require.NoError(t, c.Validate())

	assert.Equal(t, 2, c.Count)
	assert.Equal(t, 4, c.Concurrency)
	assert.Equal(t, 500*time.Millisecond, c.PollInterval)
	assert.Equal(t, "orchestrator", c.Group)
	assert.Equal(t, 5*time.Second, c.HeartbeatInterval)
	assert.Equal(t, 3, c.Retry.BuildBudget)
	assert.Equal(t, 1, c.Retry.DeployBudget)
	assert.Equal(t, 3, c.Retry.RegisterBudget)
	assert.Equal(t, 500*time.Millisecond, c.Retry.InitialInterval)
	assert.Equal(t, 2.0, c.Retry.Multiplier)
	assert.Equal(t, 30*time.Second, c.Retry.MaxInterval)
	assert.NotNil(t, c.Logger)
}

func TestConfigValidateKeepsExplicitValues(t *testing.T) {
	c := Config{
		Count:        1,
		Concurrency:  8,
		PollInterval: 50 * time.Millisecond,
		Group:        "canary",
		Retry:        RetryPolicy{BuildBudget: 5, DeployBudget: 2, RegisterBudget: 1},
	}
	require.NoError(t, c.Validate())

	assert.Equal(t, 1, c.Count)
	assert.Equal(t, 8, c.Concurrency)
	assert.Equal(t, 50*time.Millisecond, c.PollInterval)
	assert.Equal(t, "canary", c.Group)
	assert.Equal(t, 5, c.Retry.BuildBudget)
	assert.Equal(t, 2, c.Retry.DeployBudget)
	assert.Equal(t, 1, c.Retry.RegisterBudget)
}

func TestNewRequiresDependencies(t *testing.T) {
	h := newHarness(t, Config{})
	stages := Stages{Build: h.build, Deploy: h.deploy, Register: h.register, Gateway: h.gateway}

	_, err := New(Config{Logger: zap.NewNop()}, nil, h.log, h.leases, stages)
	assert.Error(t, err)

	_, err = New(Config{Logger: zap.NewNop()}, h.store, nil, h.leases, stages)
	assert.Error(t, err)

	_, err = New(Config{Logger: zap.NewNop()}, h.store, h.log, nil, stages)
	assert.Error(t, err)

	_, err = New(Config{Logger: zap.NewNop()}, h.store, h.log, h.leases, Stages{Build: h.build, Deploy: h.deploy, Register: h.register})
	assert.Error(t, err, "a pool without a gateway client cannot roll back cancels")

	_, err = New(Config{Logger: zap.NewNop()}, h.store, h.log, h.leases, Stages{Build: h.build})
	assert.Error(t, err)
}

func TestPoolProcessesAppendedEvents(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Count: 1, PollInterval: 10 * time.Millisecond})

	require.NoError(t, h.pool.Start(ctx))
	defer h.pool.Stop()

	// Appended after the pool is already polling, the way intake does it.
	require.NoError(t, h.log.Append(ctx, &eventlog.Event{
		Type:         eventlog.TypeDeploy,
		DeploymentID: "dep-1",
		AgentName:    "translator",
		Version:      "1.0.0",
		ArtifactURL:  "https://uploads.example.com/translator.tar.gz",
		Manifest:     validManifest(t, "translator"),
	}))

	assert.Eventually(t, func() bool {
		rec, err := h.store.Get(ctx, "dep-1")
		return err == nil && rec.State == deployment.StateActive
	}, 5*time.Second, 10*time.Millisecond, "the pool should drive the deployment to active")

	assert.Eventually(t, func() bool {
		return h.pendingCount(t) == 0
	}, 5*time.Second, 10*time.Millisecond, "the delivery should be acked")
}

func TestPoolStopWaitsForInFlight(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{Count: 2, Concurrency: 2, PollInterval: 10 * time.Millisecond})

	require.NoError(t, h.pool.Start(ctx))

	for _, id := range []string{"dep-1", "dep-2", "dep-3"} {
		require.NoError(t, h.log.Append(ctx, &eventlog.Event{
			Type:         eventlog.TypeDeploy,
			DeploymentID: id,
			AgentName:    "agent-" + id,
			Version:      "1.0.0",
			ArtifactURL:  "https://uploads.example.com/" + id + ".tar.gz",
			Manifest:     validManifest(t, "agent-"+id),
		}))
	}

	assert.Eventually(t, func() bool {
		counts, err := h.store.CountByState(ctx)
		return err == nil && counts[deployment.StateActive] == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.pool.Stop())
	assert.Equal(t, 0, h.pool.InFlight())
}

func TestPoolStopWithoutStart(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.pool.Stop())
}

func TestPoolHeartbeatRegistersWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, Config{
		Count:             1,
		PollInterval:      50 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
	})
	reg := NewRegistry(h.db, time.Minute)
	h.pool.config.Registry = reg

	require.NoError(t, h.pool.Start(ctx))

	assert.Eventually(t, func() bool {
		workers, err := reg.List(ctx)
		return err == nil && len(workers) == 1 && workers[0].ID == h.pool.ID()
	}, 5*time.Second, 10*time.Millisecond, "the pool should appear in the registry")

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.False(t, workers[0].Stale)
	assert.NotEmpty(t, workers[0].Hostname)

	require.NoError(t, h.pool.Stop())

	workers, err = reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers, "an orderly shutdown removes the registry row")
}
