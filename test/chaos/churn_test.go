//go:build chaos

package chaos

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/pkg/api"
	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/eventlog"
	"github.com/agentplane/agentplane/pkg/lease"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/stage"
	"github.com/agentplane/agentplane/pkg/storage"
	"github.com/agentplane/agentplane/pkg/worker"
	"github.com/agentplane/agentplane/test/testutil/fixtures"
)

const churnGroup = "orchestrator"

// WorkerChurnScenario tests the pipeline's resilience to worker pools being
// killed and started while deployments flow. Killed pools abort their
// in-flight pipelines without terminal writes; redelivery must hand every
// interrupted deployment to a surviving pool.
type WorkerChurnScenario struct {
	config    ChaosConfig
	logger    *zap.Logger
	rand      *rand.Rand
	collector *MetricsCollector

	dir      string
	db       *sql.DB
	store    *deployment.Store
	log      *eventlog.Log
	leases   *lease.Manager
	registry *worker.Registry
	events   *observability.EventStream

	builds    *fixtures.FakeBuildEngine
	scheduler *fixtures.FakeScheduler
	gateway   *fixtures.FakeGateway

	server *api.Server
	client *api.Client

	agents   []string
	versions map[string]int
	pools    []*worker.Pool
}

func NewWorkerChurnScenario(config ChaosConfig, logger *zap.Logger) *WorkerChurnScenario {
	seed := config.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &WorkerChurnScenario{
		config:    config,
		logger:    logger,
		rand:      rand.New(rand.NewSource(seed)),
		collector: NewMetricsCollector(logger),
		agents:    []string{"translator", "summarizer", "classifier", "planner"},
		versions:  make(map[string]int),
	}
}

func (wcs *WorkerChurnScenario) Name() string {
	return "WorkerChurn"
}

func (wcs *WorkerChurnScenario) Setup(ctx context.Context) error {
	dir, err := os.MkdirTemp("", "agentplane-chaos-")
	if err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	wcs.dir = dir

	db, err := storage.Open(filepath.Join(dir, "chaos.db"))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	wcs.db = db

	elog, err := eventlog.NewLog(db, 4, 250*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	wcs.log = elog
	wcs.store = deployment.NewStore(db)
	wcs.leases = lease.NewManager(db, 2*time.Second)
	wcs.registry = worker.NewRegistry(db, time.Second)
	wcs.events = observability.NewEventStream(observability.EventStreamConfig{MaxSize: 4096}, wcs.logger)

	wcs.builds = fixtures.NewFakeBuildEngine()
	wcs.scheduler = fixtures.NewFakeScheduler()
	wcs.gateway = fixtures.NewFakeGateway()

	server, err := api.NewServer(api.Config{Listen: "127.0.0.1:0", Logger: wcs.logger},
		wcs.store, wcs.log, wcs.registry, wcs.events)
	if err != nil {
		return fmt.Errorf("failed to create API server: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	wcs.server = server
	wcs.client = api.NewClient("http://"+server.Addr(), 5*time.Second)

	// One pool up front so deployments flow from the first submission.
	if err := wcs.startWorker(); err != nil {
		return err
	}

	return nil
}

func (wcs *WorkerChurnScenario) Execute(ctx context.Context) error {
	wcs.logger.Info("Starting worker churn",
		zap.Duration("duration", wcs.config.ChurnDuration),
		zap.Duration("churn_interval", wcs.config.ChurnInterval),
		zap.Duration("submit_interval", wcs.config.SubmitInterval),
	)

	churn := time.NewTicker(wcs.config.ChurnInterval)
	defer churn.Stop()
	submit := time.NewTicker(wcs.config.SubmitInterval)
	defer submit.Stop()

	deadline := time.Now().Add(wcs.config.ChurnDuration)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-churn.C:
			if time.Now().After(deadline) {
				return nil
			}
			if err := wcs.churnOnce(); err != nil {
				wcs.logger.Error("Churn step failed", zap.Error(err))
			}
		case <-submit.C:
			if time.Now().After(deadline) {
				return nil
			}
			if err := wcs.submitNext(ctx); err != nil {
				wcs.logger.Error("Submission failed", zap.Error(err))
			}
		}
	}
}

// churnOnce kills a random pool or starts a fresh one. At least one pool is
// always kept so the system can make progress.
func (wcs *WorkerChurnScenario) churnOnce() error {
	if len(wcs.pools) > 1 && wcs.rand.Intn(2) == 0 {
		idx := wcs.rand.Intn(len(wcs.pools))
		pool := wcs.pools[idx]
		wcs.pools = append(wcs.pools[:idx], wcs.pools[idx+1:]...)

		if err := pool.Stop(); err != nil {
			return fmt.Errorf("failed to stop pool %s: %w", pool.ID(), err)
		}
		wcs.collector.RecordWorkerKilled()
		wcs.logger.Info("Killed worker pool", zap.String("worker_id", pool.ID()))
		return nil
	}

	if len(wcs.pools) >= wcs.config.MaxWorkers {
		return nil
	}
	return wcs.startWorker()
}

// submitNext submits the next version for a random agent, skipping agents
// that still have a deployment mid-pipeline so versions of one agent are
// processed in order.
func (wcs *WorkerChurnScenario) submitNext(ctx context.Context) error {
	agent := wcs.agents[wcs.rand.Intn(len(wcs.agents))]

	views, err := wcs.client.Deployments(ctx, agent, 1)
	if err != nil {
		return fmt.Errorf("failed to list deployments for %s: %w", agent, err)
	}
	if len(views) > 0 {
		newest := views[0].State
		if newest != deployment.StateActive && newest != deployment.StateFailed {
			return nil
		}
	}

	wcs.versions[agent]++
	version := fmt.Sprintf("1.0.%d", wcs.versions[agent])

	m := fixtures.NewAgentManifest(agent)
	m.Version = version
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	resp, err := wcs.client.Submit(ctx, api.SubmitRequest{
		AgentName:   agent,
		Version:     version,
		ArtifactURL: fmt.Sprintf("https://artifacts.test/%s-%s.tar.gz", agent, version),
		Manifest:    raw,
	})
	if err != nil {
		return fmt.Errorf("failed to submit %s %s: %w", agent, version, err)
	}

	wcs.collector.RecordSubmission()
	wcs.logger.Info("Submitted deployment",
		zap.String("deployment_id", resp.DeploymentID),
		zap.String("agent", agent),
		zap.String("version", version),
	)
	return nil
}

func (wcs *WorkerChurnScenario) startWorker() error {
	stages, err := wcs.stages()
	if err != nil {
		return err
	}

	pool, err := worker.New(worker.Config{
		Count:        2,
		Concurrency:  4,
		PollInterval: 20 * time.Millisecond,
		Group:        churnGroup,
		Retry: worker.RetryPolicy{
			BuildBudget:     3,
			DeployBudget:    3,
			RegisterBudget:  3,
			InitialInterval: 10 * time.Millisecond,
			Multiplier:      1.5,
			MaxInterval:     50 * time.Millisecond,
		},
		HeartbeatInterval: 100 * time.Millisecond,
		Registry:          wcs.registry,
		Events:            wcs.events,
		Logger:            wcs.logger,
	}, wcs.store, wcs.log, wcs.leases, stages)
	if err != nil {
		return fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start pool: %w", err)
	}

	wcs.pools = append(wcs.pools, pool)
	wcs.collector.RecordWorkerStarted()
	wcs.logger.Info("Started worker pool", zap.String("worker_id", pool.ID()))
	return nil
}

func (wcs *WorkerChurnScenario) stages() (worker.Stages, error) {
	build, err := stage.NewBuildClient(stage.BuildConfig{
		Endpoint:     wcs.builds.URL(),
		Registry:     "registry.test",
		PollInterval: 10 * time.Millisecond,
		Timeout:      3 * time.Second,
		Logger:       wcs.logger,
	})
	if err != nil {
		return worker.Stages{}, fmt.Errorf("failed to create build client: %w", err)
	}

	deploy, err := stage.NewDeployClient(stage.DeployConfig{
		Endpoint:         wcs.scheduler.URL(),
		ReadinessTimeout: 3 * time.Second,
		PollInterval:     10 * time.Millisecond,
		Logger:           wcs.logger,
	})
	if err != nil {
		return worker.Stages{}, fmt.Errorf("failed to create deploy client: %w", err)
	}

	gateway, err := stage.NewGatewayClient(stage.GatewayConfig{
		Endpoint:       wcs.gateway.URL(),
		ConfirmTimeout: 3 * time.Second,
		PollInterval:   10 * time.Millisecond,
		Logger:         wcs.logger,
	})
	if err != nil {
		return worker.Stages{}, fmt.Errorf("failed to create gateway client: %w", err)
	}

	return worker.Stages{Build: build, Deploy: deploy, Register: gateway, Gateway: gateway}, nil
}

func (wcs *WorkerChurnScenario) Verify(ctx context.Context) error {
	// Let the surviving pools drain the backlog before judging.
	if err := wcs.awaitQuiesce(ctx, 15*time.Second); err != nil {
		return err
	}

	invariants := []SystemInvariant{
		{
			Name:        "AllDeploymentsResolved",
			Description: "Every submitted deployment must reach a terminal or active state",
			Check:       wcs.checkResolved,
		},
		{
			Name:        "NoDeploymentFailed",
			Description: "No failures were injected, so churn alone must not fail a deployment",
			Check:       wcs.checkNoneFailed,
		},
		{
			Name:        "RouteOwnership",
			Description: "Each agent's gateway route must point at its newest active deployment",
			Check:       wcs.checkRouteOwnership,
		},
		{
			Name:        "EventLogDrained",
			Description: "Every delivery must be acked once the backlog is processed",
			Check:       wcs.checkLogDrained,
		},
	}

	return VerifyInvariants(ctx, invariants, wcs.logger)
}

// awaitQuiesce polls until no deployment is mid-pipeline and no delivery is
// pending, or the deadline passes. Redelivery of work lost to killed pools
// takes a few grace periods, so this is a wait, not a check.
func (wcs *WorkerChurnScenario) awaitQuiesce(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		unresolved, err := wcs.unresolvedCount(ctx)
		if err != nil {
			return err
		}
		pending, err := wcs.log.PendingCount(ctx, churnGroup)
		if err != nil {
			return err
		}
		if unresolved == 0 && pending == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("system did not quiesce within %s: %d unresolved deployments, %d pending deliveries",
				timeout, unresolved, pending)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (wcs *WorkerChurnScenario) unresolvedCount(ctx context.Context) (int, error) {
	counts, err := wcs.store.CountByState(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count states: %w", err)
	}
	unresolved := 0
	for state, n := range counts {
		if state != deployment.StateActive && state != deployment.StateFailed {
			unresolved += n
		}
	}
	return unresolved, nil
}

func (wcs *WorkerChurnScenario) checkResolved(ctx context.Context) error {
	counts, err := wcs.store.CountByState(ctx)
	if err != nil {
		return fmt.Errorf("failed to count states: %w", err)
	}
	unresolved, err := wcs.unresolvedCount(ctx)
	if err != nil {
		return err
	}
	wcs.collector.RecordOutcomes(counts[deployment.StateActive], counts[deployment.StateFailed], unresolved)

	total := 0
	for _, n := range counts {
		total += n
	}
	if total != wcs.collector.metrics.DeploymentsSubmitted {
		return fmt.Errorf("expected %d deployment records, found %d",
			wcs.collector.metrics.DeploymentsSubmitted, total)
	}
	if unresolved > 0 {
		return fmt.Errorf("%d deployments are stuck mid-pipeline", unresolved)
	}
	return nil
}

func (wcs *WorkerChurnScenario) checkNoneFailed(ctx context.Context) error {
	counts, err := wcs.store.CountByState(ctx)
	if err != nil {
		return fmt.Errorf("failed to count states: %w", err)
	}
	if n := counts[deployment.StateFailed]; n > 0 {
		return fmt.Errorf("%d deployments failed under churn", n)
	}
	return nil
}

func (wcs *WorkerChurnScenario) checkRouteOwnership(ctx context.Context) error {
	for _, agent := range wcs.agents {
		latest, err := wcs.client.LatestActive(ctx, agent)
		if err != nil {
			var apiErr *api.APIError
			if errors.As(err, &apiErr) && apiErr.Status == 404 {
				continue
			}
			return fmt.Errorf("failed to look up latest active for %s: %w", agent, err)
		}

		owner, ok := wcs.gateway.Service(agent)
		if !ok {
			return fmt.Errorf("agent %s is active but has no gateway service", agent)
		}
		if owner != latest.ID {
			return fmt.Errorf("agent %s route owned by %s, want newest active %s", agent, owner, latest.ID)
		}
		targets := wcs.gateway.Targets(agent)
		if len(targets) != 1 {
			return fmt.Errorf("agent %s has %d route targets, want exactly 1", agent, len(targets))
		}
		if targets[0] != latest.RouteTarget {
			return fmt.Errorf("agent %s routes to %s, want %s", agent, targets[0], latest.RouteTarget)
		}
	}
	return nil
}

func (wcs *WorkerChurnScenario) checkLogDrained(ctx context.Context) error {
	pending, err := wcs.log.PendingCount(ctx, churnGroup)
	if err != nil {
		return fmt.Errorf("failed to count pending deliveries: %w", err)
	}
	if pending > 0 {
		return fmt.Errorf("%d deliveries still pending", pending)
	}
	return nil
}

func (wcs *WorkerChurnScenario) Teardown(ctx context.Context) error {
	for _, pool := range wcs.pools {
		if err := pool.Stop(); err != nil {
			wcs.logger.Warn("Pool stop failed during teardown", zap.Error(err))
		}
	}
	wcs.pools = nil

	if wcs.server != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := wcs.server.Stop(stopCtx); err != nil {
			wcs.logger.Warn("API server stop failed during teardown", zap.Error(err))
		}
	}
	if wcs.builds != nil {
		wcs.builds.Close()
	}
	if wcs.scheduler != nil {
		wcs.scheduler.Close()
	}
	if wcs.gateway != nil {
		wcs.gateway.Close()
	}
	if wcs.db != nil {
		wcs.db.Close()
	}
	if wcs.dir != "" {
		os.RemoveAll(wcs.dir)
	}

	wcs.collector.Finalize()
	wcs.logger.Info(wcs.collector.Report())

	return nil
}

// TestWorkerChurn kills and starts worker pools while deployments flow and
// verifies every deployment resolves with consistent routes.
func TestWorkerChurn(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	config := ChaosConfig{
		ChurnInterval:    400 * time.Millisecond,
		ChurnDuration:    8 * time.Second,
		MaxWorkers:       3,
		SubmitInterval:   150 * time.Millisecond,
		VerificationWait: 2 * time.Second,
		RandomSeed:       time.Now().UnixNano(),
	}

	runner := NewChaosRunner(config, logger)
	scenario := NewWorkerChurnScenario(config, logger)

	ctx := context.Background()
	if err := runner.RunScenario(ctx, scenario); err != nil {
		t.Fatalf("Chaos scenario failed: %v", err)
	}
}

// TestHighChurn tests the system under very high churn
func TestHighChurn(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping high churn test in short mode")
	}

	logger, _ := zap.NewDevelopment()

	config := ChaosConfig{
		ChurnInterval:    150 * time.Millisecond,
		ChurnDuration:    20 * time.Second,
		MaxWorkers:       4,
		SubmitInterval:   100 * time.Millisecond,
		VerificationWait: 3 * time.Second,
		RandomSeed:       time.Now().UnixNano(),
	}

	runner := NewChaosRunner(config, logger)
	scenario := NewWorkerChurnScenario(config, logger)

	ctx := context.Background()
	if err := runner.RunScenario(ctx, scenario); err != nil {
		t.Fatalf("High churn scenario failed: %v", err)
	}
}
