// Package worker contains the orchestrator's processing side: a pool of
// claim loops that pull deployment events off the log, take the
// per-deployment lease, and drive each deployment through build, deploy and
// registration until it is active or failed. Retry policy lives here;
// failure classification is the stage clients' contract.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/eventlog"
	"github.com/agentplane/agentplane/pkg/lease"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/stage"
)

// Deregisterer removes an agent's route and service from the gateway.
// Cancel rollback needs it; the gateway stage client implements it.
type Deregisterer interface {
	Deregister(ctx context.Context, agentName string) error
}

// Stages binds the pipeline's stage clients and the rollback hook.
type Stages struct {
	Build    stage.Stage
	Deploy   stage.Stage
	Register stage.Stage

	// Gateway removes routes when an active deployment is cancelled.
	Gateway Deregisterer
}

// RetryPolicy bounds transient-failure retries per stage. A budget is the
// number of retries after the first attempt; a stage-call timeout counts as
// one attempt like any other transient failure.
type RetryPolicy struct {
	BuildBudget     int
	DeployBudget    int
	RegisterBudget  int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

func (p RetryPolicy) budgetFor(stageName string) uint64 {
	switch stageName {
	case stage.NameBuild:
		return uint64(p.BuildBudget)
	case stage.NameDeploy:
		return uint64(p.DeployBudget)
	case stage.NameRegister:
		return uint64(p.RegisterBudget)
	default:
		return 0
	}
}

// Config configures the worker pool.
type Config struct {
	// Count is the number of claim loops.
	Count int

	// Concurrency caps in-flight pipelines across all claim loops.
	Concurrency int

	// PollInterval is the pause between claim attempts per loop.
	PollInterval time.Duration

	// Group is the consumer group name in the event log.
	Group string

	// Retry bounds transient-failure retries per stage.
	Retry RetryPolicy

	// HeartbeatInterval is the pause between worker registry heartbeats.
	HeartbeatInterval time.Duration

	// Registry receives worker heartbeats. Optional; without it the pool
	// is invisible to GET /v1/workers but processes events all the same.
	Registry *Registry

	// Monitor supplies host resource snapshots for heartbeats. Optional.
	Monitor *HostMonitor

	// Events receives lifecycle events for operator visibility. Optional.
	Events *observability.EventStream

	// Logger for structured logging.
	Logger *zap.Logger
}

// Validate applies defaults.
func (c *Config) Validate() error {
	if c.Count <= 0 {
		c.Count = 2
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Group == "" {
		c.Group = "orchestrator"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.Retry.BuildBudget <= 0 {
		c.Retry.BuildBudget = 3
	}
	if c.Retry.DeployBudget <= 0 {
		c.Retry.DeployBudget = 1
	}
	if c.Retry.RegisterBudget <= 0 {
		c.Retry.RegisterBudget = 3
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = 500 * time.Millisecond
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.Retry.MaxInterval <= 0 {
		c.Retry.MaxInterval = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Pool runs the claim loops and their pipelines. Multiple pools across
// processes share the same store; the lease keeps them off each other's
// deployments.
type Pool struct {
	config Config
	logger *zap.Logger

	id     string
	store  *deployment.Store
	log    *eventlog.Log
	leases *lease.Manager
	stages Stages

	inFlight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	group  *errgroup.Group
}

// New creates a worker pool. The store, log, lease manager and all stage
// clients are required.
func New(config Config, store *deployment.Store, log *eventlog.Log, leases *lease.Manager, stages Stages) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil || log == nil || leases == nil {
		return nil, errors.New("store, event log and lease manager are required")
	}
	if stages.Build == nil || stages.Deploy == nil || stages.Register == nil {
		return nil, errors.New("build, deploy and register stage clients are required")
	}
	if stages.Gateway == nil {
		return nil, errors.New("gateway client is required for cancel rollback")
	}

	return &Pool{
		config: config,
		logger: config.Logger,
		id:     uuid.NewString(),
		store:  store,
		log:    log,
		leases: leases,
		stages: stages,
	}, nil
}

// ID returns the pool's worker identity.
func (p *Pool) ID() string {
	return p.id
}

// InFlight returns the number of pipelines currently executing.
func (p *Pool) InFlight() int {
	return int(p.inFlight.Load())
}

// Start launches the claim loops.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.group = &errgroup.Group{}
	p.group.SetLimit(p.config.Concurrency)

	p.logger.Info("Starting worker pool",
		zap.String("worker_id", p.id),
		zap.Int("count", p.config.Count),
		zap.Int("concurrency", p.config.Concurrency),
		zap.String("group", p.config.Group),
		zap.Duration("poll_interval", p.config.PollInterval),
	)

	for i := 0; i < p.config.Count; i++ {
		p.wg.Add(1)
		go p.claimLoop(i)
	}

	if p.config.Registry != nil {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}

	p.record(p.ctx, observability.NewWorkerStartedEvent(p.id, hostname(), p.config.Count))
	return nil
}

// Stop winds the pool down: the claim loops first, then whatever pipelines
// are still in flight. In-flight pipelines see their context cancelled and
// abort without acking; redelivery picks their deployments back up.
func (p *Pool) Stop() error {
	p.logger.Info("Stopping worker pool", zap.String("worker_id", p.id))

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	if p.group != nil {
		_ = p.group.Wait()
	}

	if p.config.Registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.config.Registry.Deregister(ctx, p.id); err != nil {
			p.logger.Warn("Worker deregistration failed", zap.Error(err))
		}
	}

	p.record(context.Background(), observability.NewWorkerStoppedEvent(p.id))
	p.logger.Info("Worker pool stopped", zap.String("worker_id", p.id))
	return nil
}

// claimLoop polls the log and dispatches deliveries to pipelines.
func (p *Pool) claimLoop(n int) {
	defer p.wg.Done()

	logger := p.logger.With(zap.String("worker_id", p.id), zap.Int("loop", n))
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.claimOnce(logger)
		}
	}
}

// claimOnce pulls at most as many deliveries as there are free pipeline
// slots. The errgroup limit is the hard cap; the free-slot check keeps
// claims from piling up behind it when several loops poll at once.
func (p *Pool) claimOnce(logger *zap.Logger) {
	free := p.config.Concurrency - int(p.inFlight.Load())
	if free <= 0 {
		return
	}

	deliveries, err := p.log.Claim(p.ctx, p.config.Group, free)
	if err != nil {
		if p.ctx.Err() == nil {
			logger.Error("Claim failed", zap.Error(err))
		}
		return
	}

	for _, d := range deliveries {
		kind := "fresh"
		if d.Attempts > 1 {
			kind = "redelivered"
		}
		observability.EventsClaimedTotal.WithLabelValues(kind).Inc()

		p.inFlight.Add(1)
		observability.WorkerPipelinesInFlight.WithLabelValues(p.id).Inc()
		delivery := d
		p.group.Go(func() error {
			defer func() {
				p.inFlight.Add(-1)
				observability.WorkerPipelinesInFlight.WithLabelValues(p.id).Dec()
			}()
			p.process(p.ctx, delivery)
			return nil
		})
	}
}

// heartbeatLoop keeps the pool's registry row fresh. The first beat lands
// immediately so a new worker shows up before its first poll interval ends.
func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	info := &Info{ID: p.id, Hostname: hostname()}
	p.beat(info)

	ticker := time.NewTicker(p.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.beat(info)
		}
	}
}

func (p *Pool) beat(info *Info) {
	info.InFlight = int(p.inFlight.Load())
	if p.config.Monitor != nil {
		info.Resources = p.config.Monitor.Snapshot()
	}

	ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
	defer cancel()
	if err := p.config.Registry.Heartbeat(ctx, info); err != nil {
		if p.ctx.Err() == nil {
			p.logger.Warn("Heartbeat failed", zap.Error(err))
		}
		return
	}
	observability.WorkerHeartbeatsTotal.WithLabelValues(p.id).Inc()
	p.sampleGauges(ctx)
}

// sampleGauges refreshes the database-wide state gauges on the heartbeat
// cadence. Every replica publishes the same truth, so concurrent samples
// overwrite each other harmlessly.
func (p *Pool) sampleGauges(ctx context.Context) {
	counts, err := p.store.CountByState(ctx)
	if err != nil {
		p.logger.Debug("Gauge sample failed", zap.Error(err))
		return
	}
	for state, n := range counts {
		observability.DeploymentsByState.WithLabelValues(string(state)).Set(float64(n))
	}

	if pending, err := p.log.PendingCount(ctx, p.config.Group); err == nil {
		observability.EventLogPendingDeliveries.Set(float64(pending))
	}
	if fresh, err := p.config.Registry.CountFresh(ctx); err == nil {
		observability.WorkersRegistered.Set(float64(fresh))
	}
}

func (p *Pool) record(ctx context.Context, ev observability.Event) {
	if p.config.Events != nil {
		p.config.Events.RecordEvent(ctx, ev)
	}
}
