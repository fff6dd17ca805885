package worker

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/pkg/deployment"
	"github.com/agentplane/agentplane/pkg/eventlog"
	"github.com/agentplane/agentplane/pkg/lease"
	"github.com/agentplane/agentplane/pkg/manifest"
	"github.com/agentplane/agentplane/pkg/observability"
	"github.com/agentplane/agentplane/pkg/stage"
)

// process handles one delivery end to end. It never returns an error: every
// outcome is either acked, or deliberately left pending so redelivery can
// hand the deployment to a worker that still holds a live lease.
func (p *Pool) process(ctx context.Context, d eventlog.Delivery) {
	ev := d.Event
	ctx = observability.WithWorkerID(observability.WithDeploymentID(ctx, ev.DeploymentID), p.id)
	logger := p.logger.With(
		zap.String("worker_id", p.id),
		zap.String("deployment_id", ev.DeploymentID),
		zap.String("agent", ev.AgentName),
		zap.String("event_type", string(ev.Type)),
	)

	// One holder string per processing attempt. Reentrant acquisition is
	// deliberately not used: two pipelines in the same process must exclude
	// each other exactly the way two processes do.
	holder := p.id + "/" + uuid.NewString()[:8]
	l, err := p.leases.Acquire(ctx, ev.DeploymentID, holder)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			observability.LeaseAcquisitionsTotal.WithLabelValues("held").Inc()
			logger.Debug("Lease held elsewhere, leaving delivery pending")
		} else if ctx.Err() == nil {
			logger.Error("Lease acquisition failed", zap.Error(err))
		}
		return
	}
	observability.LeaseAcquisitionsTotal.WithLabelValues("acquired").Inc()
	p.record(ctx, observability.NewLeaseAcquiredEvent(ev.DeploymentID, p.id))
	defer p.release(logger, l)

	switch ev.Type {
	case eventlog.TypeDeploy:
		p.processDeploy(ctx, logger, d, l)
	case eventlog.TypeCancel:
		p.processCancel(ctx, logger, d)
	default:
		logger.Warn("Discarding event of unknown type")
		p.ack(ctx, logger, d)
	}
}

// processDeploy drives a deployment through its remaining stages. The claim
// algorithm is idempotent: a redelivered event picks up wherever the
// record's persisted state says the previous attempt stopped.
func (p *Pool) processDeploy(ctx context.Context, logger *zap.Logger, d eventlog.Delivery, l *lease.Lease) {
	ev := d.Event
	ctx, span := observability.StartSpan(ctx, "agentplane.worker", "pipeline deploy")
	defer span.End()
	observability.AddSpanAttributes(ctx,
		attribute.String("deployment.id", ev.DeploymentID),
		attribute.String("agent.name", ev.AgentName),
	)

	rec, err := p.loadOrCreate(ctx, ev)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("Loading deployment record failed", zap.Error(err))
		}
		return
	}
	if rec.State.Terminal() {
		logger.Debug("Record already terminal, discarding duplicate delivery",
			zap.String("state", string(rec.State)))
		p.ack(ctx, logger, d)
		return
	}

	if err := p.store.IncrementAttempts(ctx, rec); err != nil {
		logger.Warn("Attempt counter update failed", zap.Error(err))
	}

	m, err := manifest.Validate(ev.Manifest)
	if err != nil {
		p.fail(ctx, logger, d, rec, deployment.ErrorKindValidation, err.Error())
		return
	}

	if rec.State == deployment.StateQueued {
		if err := p.advance(ctx, logger, rec, deployment.StateSettingUp, deployment.Refs{}); err != nil {
			p.abort(ctx, logger, rec.ID, err)
			return
		}
	}

	req := &stage.Request{
		DeploymentID: rec.ID,
		AgentName:    rec.AgentName,
		Version:      rec.Version,
		ArtifactURL:  rec.ArtifactURL,
		Manifest:     m,
		ImageRef:     rec.ImageRef,
		RouteTarget:  rec.RouteTarget,
	}
	if prior, err := p.store.LatestActive(ctx, rec.AgentName); err == nil {
		req.PreviousRouteTarget = prior.RouteTarget
	} else if !errors.Is(err, deployment.ErrNotFound) {
		if ctx.Err() == nil {
			logger.Error("Prior active lookup failed", zap.Error(err))
		}
		return
	}

	steps := []struct {
		client stage.Stage
		state  deployment.State
	}{
		{p.stages.Build, deployment.StateBuilding},
		{p.stages.Deploy, deployment.StateDeploying},
		{p.stages.Register, deployment.StateRegistering},
	}

	for i := resumeIndex(rec); i < len(steps); i++ {
		s := steps[i]
		if rec.State != s.state {
			if err := p.advance(ctx, logger, rec, s.state, deployment.Refs{}); err != nil {
				p.abort(ctx, logger, rec.ID, err)
				return
			}
		}

		out, err := p.executeStage(ctx, logger, l, s.client, req)
		if err != nil {
			if errors.Is(err, lease.ErrLost) || ctx.Err() != nil {
				p.abort(ctx, logger, rec.ID, err)
				return
			}
			p.fail(ctx, logger, d, rec, errorKind(err), err.Error())
			return
		}

		// The ref lands before the forward transition. A crash between the
		// two writes leaves the ref on the record, and the resume mapping
		// knows not to repeat the stage.
		if err := p.store.SetRefs(ctx, rec, refsFor(s.client.Name(), out)); err != nil {
			p.abort(ctx, logger, rec.ID, err)
			return
		}
		applyRef(req, s.client.Name(), out)
	}

	from := rec.State
	if err := p.store.Advance(ctx, rec, deployment.StateActive, deployment.Refs{}); err != nil {
		p.abort(ctx, logger, rec.ID, err)
		return
	}
	observability.DeploymentTransitionsTotal.WithLabelValues(string(from), string(deployment.StateActive)).Inc()
	observability.DeploymentDurationSeconds.Observe(time.Since(rec.CreatedAt).Seconds())
	p.record(ctx, observability.NewDeploymentActiveEvent(rec.ID, rec.AgentName, rec.ImageRef, rec.RouteRef))
	p.record(ctx, observability.NewRouteRegisteredEvent(rec.AgentName, rec.ID, rec.RouteTarget))
	logger.Info("Deployment active",
		zap.String("image_ref", rec.ImageRef),
		zap.String("route_target", rec.RouteTarget),
		zap.String("route_ref", rec.RouteRef),
	)
	observability.SetSpanStatus(ctx, codes.Ok, "")
	p.ack(ctx, logger, d)
}

// processCancel applies a cancellation. The lease is already held here, so
// no pipeline is advancing this record concurrently; a pipeline that got the
// lease first simply forces this delivery to wait for redelivery.
func (p *Pool) processCancel(ctx context.Context, logger *zap.Logger, d eventlog.Delivery) {
	ev := d.Event
	ctx, span := observability.StartSpan(ctx, "agentplane.worker", "pipeline cancel")
	defer span.End()
	observability.AddSpanAttributes(ctx,
		attribute.String("deployment.id", ev.DeploymentID),
	)

	rec, err := p.store.Get(ctx, ev.DeploymentID)
	if err != nil {
		if errors.Is(err, deployment.ErrNotFound) {
			logger.Warn("Cancel for unknown deployment, discarding")
			p.ack(ctx, logger, d)
			return
		}
		if ctx.Err() == nil {
			logger.Error("Loading deployment record failed", zap.Error(err))
		}
		return
	}

	reason := ev.Reason
	if reason == "" {
		reason = "cancelled by user"
	}

	switch rec.State {
	case deployment.StateFailed:
		logger.Debug("Cancel for already-failed deployment is a no-op")
		p.ack(ctx, logger, d)

	case deployment.StateActive:
		// Rollback. The route is removed only while this record still owns
		// it; after a later redeploy it belongs to the newer deployment.
		owns, err := p.ownsRoute(ctx, rec)
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Route ownership lookup failed", zap.Error(err))
			}
			return
		}
		if owns {
			if err := p.stages.Gateway.Deregister(ctx, rec.AgentName); err != nil {
				logger.Error("Route deregistration failed, leaving delivery pending", zap.Error(err))
				return
			}
			p.record(ctx, observability.NewRouteDeregisteredEvent(rec.AgentName, rec.ID, reason))
			logger.Info("Route deregistered", zap.String("agent", rec.AgentName))
		}
		if err := p.store.CancelActive(ctx, rec, reason); err != nil {
			p.abort(ctx, logger, rec.ID, err)
			return
		}
		p.finishCancel(ctx, logger, d, rec.ID, deployment.StateActive, reason)

	default:
		from := rec.State
		if err := p.store.Fail(ctx, rec, deployment.ErrorKindCancelled, reason); err != nil {
			p.abort(ctx, logger, rec.ID, err)
			return
		}
		p.finishCancel(ctx, logger, d, rec.ID, from, reason)
	}
}

func (p *Pool) finishCancel(ctx context.Context, logger *zap.Logger, d eventlog.Delivery, deploymentID string, from deployment.State, reason string) {
	observability.DeploymentTransitionsTotal.WithLabelValues(string(from), string(deployment.StateFailed)).Inc()
	observability.DeploymentsFailedTotal.WithLabelValues(deployment.ErrorKindCancelled).Inc()
	observability.SetSpanStatus(ctx, codes.Ok, "")
	p.record(ctx, observability.NewDeploymentCancelledEvent(deploymentID, reason))
	logger.Info("Deployment cancelled",
		zap.String("from", string(from)),
		zap.String("reason", reason),
	)
	p.ack(ctx, logger, d)
}

// executeStage runs one stage under the retry policy. The lease is renewed
// before every attempt; losing it surfaces as lease.ErrLost and the caller
// must abort. Any other error is the stage's classified failure, the last
// one when the budget ran out.
func (p *Pool) executeStage(ctx context.Context, logger *zap.Logger, l *lease.Lease, client stage.Stage, req *stage.Request) (string, error) {
	name := client.Name()
	ctx, span := observability.StartSpan(ctx, "agentplane.worker", "stage "+name)
	defer span.End()
	observability.AddSpanAttributes(ctx,
		attribute.String("deployment.id", req.DeploymentID),
		attribute.String("agent.name", req.AgentName),
	)
	p.record(ctx, observability.NewStageStartedEvent(req.DeploymentID, name))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.config.Retry.InitialInterval
	b.Multiplier = p.config.Retry.Multiplier
	b.MaxInterval = p.config.Retry.MaxInterval
	b.MaxElapsedTime = 0 // attempts are budget-bounded, not time-bounded
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.config.Retry.budgetFor(name)), ctx)

	var out string
	var lastErr error
	attempt := 0
	op := func() error {
		attempt++
		if err := p.leases.Renew(ctx, l); err != nil {
			return backoff.Permanent(err)
		}
		if attempt > 1 {
			observability.StageRetriesTotal.WithLabelValues(name).Inc()
			observability.AddSpanEvent(ctx, "retry", trace.WithAttributes(attribute.Int("attempt", attempt)))
			p.record(ctx, observability.NewStageRetriedEvent(req.DeploymentID, name, attempt, lastErr.Error()))
			logger.Info("Retrying stage",
				zap.String("stage", name),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
		}

		start := time.Now()
		ref, err := client.Execute(ctx, req)
		elapsed := time.Since(start)
		observability.StageDurationSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
		if err != nil {
			lastErr = err
			if stage.IsPermanent(err) {
				observability.StageExecutionsTotal.WithLabelValues(name, "permanent").Inc()
				return backoff.Permanent(err)
			}
			observability.StageExecutionsTotal.WithLabelValues(name, "transient").Inc()
			return err
		}
		observability.StageExecutionsTotal.WithLabelValues(name, "success").Inc()
		p.record(ctx, observability.NewStageCompletedEvent(req.DeploymentID, name, ref, elapsed))
		out = ref
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		observability.RecordError(ctx, err)
		observability.SetSpanStatus(ctx, codes.Error, err.Error())
		if !errors.Is(err, lease.ErrLost) {
			p.record(ctx, observability.NewStageFailedEvent(req.DeploymentID, name, err.Error()))
		}
		return "", err
	}
	observability.SetSpanStatus(ctx, codes.Ok, "")
	return out, nil
}

// loadOrCreate returns the record for an event, creating it in queued when
// intake's insert never made it (the log entry alone is enough to process).
func (p *Pool) loadOrCreate(ctx context.Context, ev eventlog.Event) (*deployment.Record, error) {
	rec, err := p.store.Get(ctx, ev.DeploymentID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, deployment.ErrNotFound) {
		return nil, err
	}

	rec = &deployment.Record{
		ID:          ev.DeploymentID,
		AgentName:   ev.AgentName,
		Version:     ev.Version,
		ArtifactURL: ev.ArtifactURL,
	}
	if err := p.store.Create(ctx, rec); err != nil {
		if errors.Is(err, deployment.ErrAlreadyExists) {
			return p.store.Get(ctx, ev.DeploymentID)
		}
		return nil, err
	}
	return rec, nil
}

// advance moves the record one step forward and publishes the transition.
func (p *Pool) advance(ctx context.Context, logger *zap.Logger, rec *deployment.Record, to deployment.State, refs deployment.Refs) error {
	from := rec.State
	if err := p.store.Advance(ctx, rec, to, refs); err != nil {
		return err
	}
	observability.DeploymentTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	p.record(ctx, observability.NewDeploymentStateEvent(rec.ID, string(from), string(to)))
	logger.Debug("State transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// fail closes the record out and acks: a permanent outcome is a terminal
// outcome, there is nothing left to redeliver.
func (p *Pool) fail(ctx context.Context, logger *zap.Logger, d eventlog.Delivery, rec *deployment.Record, kind, detail string) {
	from := rec.State
	if err := p.store.Fail(ctx, rec, kind, detail); err != nil {
		p.abort(ctx, logger, rec.ID, err)
		return
	}
	observability.DeploymentTransitionsTotal.WithLabelValues(string(from), string(deployment.StateFailed)).Inc()
	observability.DeploymentsFailedTotal.WithLabelValues(kind).Inc()
	observability.SetSpanStatus(ctx, codes.Error, detail)
	p.record(ctx, observability.NewDeploymentFailedEvent(rec.ID, kind, detail))
	logger.Warn("Deployment failed",
		zap.String("from", string(from)),
		zap.String("error_kind", kind),
		zap.String("detail", detail),
	)
	p.ack(ctx, logger, d)
}

// abort walks away without acking. The delivery stays pending and is
// redelivered once the lease clears; the claim algorithm resumes from
// whatever state survived.
func (p *Pool) abort(ctx context.Context, logger *zap.Logger, deploymentID string, err error) {
	observability.RecordError(ctx, err)
	switch {
	case errors.Is(err, lease.ErrLost):
		observability.LeasesLostTotal.Inc()
		p.record(ctx, observability.NewLeaseLostEvent(deploymentID, p.id))
		logger.Warn("Lease lost mid-pipeline, aborting", zap.Error(err))
	case errors.Is(err, deployment.ErrStateChanged):
		logger.Warn("Record moved underneath us, aborting", zap.Error(err))
	case ctx.Err() != nil:
		logger.Info("Pipeline interrupted by shutdown")
	default:
		logger.Error("Pipeline aborted", zap.Error(err))
	}
}

func (p *Pool) ack(ctx context.Context, logger *zap.Logger, d eventlog.Delivery) {
	if err := p.log.Ack(ctx, d); err != nil {
		logger.Warn("Ack failed", zap.Error(err))
		return
	}
	observability.EventsAckedTotal.Inc()
}

// release drops the lease with a fresh context so shutdown does not leave
// live leases behind. A lease someone else already reclaimed is not ours to
// release.
func (p *Pool) release(logger *zap.Logger, l *lease.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.leases.Release(ctx, l); err != nil && !errors.Is(err, lease.ErrLost) {
		logger.Warn("Lease release failed", zap.Error(err))
	}
}

// ownsRoute reports whether rec is still the newest active deployment for
// its agent, i.e. whether the gateway route currently belongs to it.
func (p *Pool) ownsRoute(ctx context.Context, rec *deployment.Record) (bool, error) {
	latest, err := p.store.LatestActive(ctx, rec.AgentName)
	if err != nil {
		if errors.Is(err, deployment.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return latest.ID == rec.ID, nil
}

// resumeIndex maps the record's persisted progress to the first stage that
// still has to run. A reference persisted without the forward transition
// means the stage finished right before a crash; its work is not repeated.
func resumeIndex(rec *deployment.Record) int {
	switch rec.State {
	case deployment.StateBuilding:
		if rec.ImageRef != "" {
			return 1
		}
		return 0
	case deployment.StateDeploying:
		if rec.RouteTarget != "" {
			return 2
		}
		return 1
	case deployment.StateRegistering:
		return 2
	default:
		return 0
	}
}

// refsFor maps a stage's output onto the record field it persists to.
func refsFor(stageName, out string) deployment.Refs {
	switch stageName {
	case stage.NameBuild:
		return deployment.Refs{ImageRef: out}
	case stage.NameDeploy:
		return deployment.Refs{RouteTarget: out}
	case stage.NameRegister:
		return deployment.Refs{RouteRef: out}
	default:
		return deployment.Refs{}
	}
}

// applyRef feeds a stage's output into the request for the stages after it.
func applyRef(req *stage.Request, stageName, out string) {
	switch stageName {
	case stage.NameBuild:
		req.ImageRef = out
	case stage.NameDeploy:
		req.RouteTarget = out
	}
}

// errorKind maps a stage failure to the record's error taxonomy. An
// exhausted retry budget keeps the transient kind: the failure class did
// not change just because the worker gave up.
func errorKind(err error) string {
	if stage.IsTransient(err) {
		return deployment.ErrorKindTransient
	}
	return deployment.ErrorKindPermanent
}
