package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/pkg/storage"
)

func TestRegistryHeartbeatUpserts(t *testing.T) {
	ctx := context.Background()
	db := storage.OpenTestDB(t)
	reg := NewRegistry(db, 15*time.Second)

	info := &Info{ID: "w-1", Hostname: "node-a"}
	require.NoError(t, reg.Heartbeat(ctx, info))
	started := info.StartedAt
	require.False(t, started.IsZero())

	info.InFlight = 3
	info.Resources = ResourceSnapshot{CPUUsagePercent: 42.5, CPUCores: 8}
	require.NoError(t, reg.Heartbeat(ctx, info))

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1, "repeated heartbeats update one row")

	got := workers[0]
	assert.Equal(t, "w-1", got.ID)
	assert.Equal(t, "node-a", got.Hostname)
	assert.Equal(t, 3, got.InFlight)
	assert.Equal(t, 42.5, got.Resources.CPUUsagePercent)
	assert.Equal(t, 8, got.Resources.CPUCores)
	assert.True(t, got.StartedAt.Equal(started), "started_at survives later heartbeats")
	assert.False(t, got.Stale)
}

func TestRegistryListOrdersByFreshness(t *testing.T) {
	ctx := context.Background()
	db := storage.OpenTestDB(t)
	reg := NewRegistry(db, 15*time.Second)

	base := time.Now().UTC()
	reg.now = func() time.Time { return base }
	require.NoError(t, reg.Heartbeat(ctx, &Info{ID: "w-old", Hostname: "node-a"}))

	reg.now = func() time.Time { return base.Add(2 * time.Second) }
	require.NoError(t, reg.Heartbeat(ctx, &Info{ID: "w-new", Hostname: "node-b"}))

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	assert.Equal(t, "w-new", workers[0].ID)
	assert.Equal(t, "w-old", workers[1].ID)
}

func TestRegistryListMarksStaleWorkers(t *testing.T) {
	ctx := context.Background()
	db := storage.OpenTestDB(t)
	reg := NewRegistry(db, 15*time.Second)

	base := time.Now().UTC()
	reg.now = func() time.Time { return base }
	require.NoError(t, reg.Heartbeat(ctx, &Info{ID: "w-dead", Hostname: "node-a"}))

	reg.now = func() time.Time { return base.Add(20 * time.Second) }
	require.NoError(t, reg.Heartbeat(ctx, &Info{ID: "w-live", Hostname: "node-b"}))

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)

	byID := map[string]Info{}
	for _, w := range workers {
		byID[w.ID] = w
	}
	assert.True(t, byID["w-dead"].Stale, "a heartbeat older than the threshold is stale")
	assert.False(t, byID["w-live"].Stale)
}

func TestRegistryCountFresh(t *testing.T) {
	ctx := context.Background()
	db := storage.OpenTestDB(t)
	reg := NewRegistry(db, 15*time.Second)

	base := time.Now().UTC()
	reg.now = func() time.Time { return base }
	require.NoError(t, reg.Heartbeat(ctx, &Info{ID: "w-dead", Hostname: "node-a"}))

	reg.now = func() time.Time { return base.Add(20 * time.Second) }
	require.NoError(t, reg.Heartbeat(ctx, &Info{ID: "w-live", Hostname: "node-b"}))

	n, err := reg.CountFresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale workers are excluded")
}

func TestRegistryDeregisterRemovesRow(t *testing.T) {
	ctx := context.Background()
	db := storage.OpenTestDB(t)
	reg := NewRegistry(db, 15*time.Second)

	require.NoError(t, reg.Heartbeat(ctx, &Info{ID: "w-1", Hostname: "node-a"}))
	require.NoError(t, reg.Deregister(ctx, "w-1"))

	workers, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, workers)

	// Deregistering a worker that never registered is not an error.
	require.NoError(t, reg.Deregister(ctx, "w-ghost"))
}

func TestRegistryDefaultStaleThreshold(t *testing.T) {
	db := storage.OpenTestDB(t)
	reg := NewRegistry(db, 0)
	assert.Equal(t, 15*time.Second, reg.staleAfter)
}
