//go:build chaos

package chaos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ChaosScenario is one fault-injection experiment. Execute injects the
// faults; Verify checks that the system's guarantees survived them.
type ChaosScenario interface {
	Name() string
	Setup(ctx context.Context) error
	Execute(ctx context.Context) error
	Verify(ctx context.Context) error
	Teardown(ctx context.Context) error
}

// ChaosConfig holds the knobs shared by scenarios.
type ChaosConfig struct {
	// Churn settings
	ChurnInterval time.Duration // How often to kill or start a worker
	ChurnDuration time.Duration // How long to run churn
	MaxWorkers    int           // Upper bound on concurrently running pools

	// Load settings
	SubmitInterval time.Duration // How often to submit a deployment

	// General settings
	RandomSeed       int64
	VerificationWait time.Duration // Time to wait before verification
}

// ChaosRunner drives scenarios through their phases.
type ChaosRunner struct {
	config ChaosConfig
	logger *zap.Logger
}

func NewChaosRunner(config ChaosConfig, logger *zap.Logger) *ChaosRunner {
	return &ChaosRunner{
		config: config,
		logger: logger,
	}
}

// RunScenario takes a scenario through setup, fault injection, verification
// and teardown. A failed Execute still verifies: the point of the experiment
// is what the faults left behind. Teardown always runs.
func (cr *ChaosRunner) RunScenario(ctx context.Context, scenario ChaosScenario) error {
	logger := cr.logger.With(zap.String("scenario", scenario.Name()))

	logger.Info("Setting up scenario")
	if err := scenario.Setup(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	logger.Info("Injecting faults")
	if err := scenario.Execute(ctx); err != nil {
		logger.Error("Fault injection ended early", zap.Error(err))
	}

	if cr.config.VerificationWait > 0 {
		logger.Info("Letting the system settle",
			zap.Duration("wait", cr.config.VerificationWait),
		)
		time.Sleep(cr.config.VerificationWait)
	}

	logger.Info("Verifying invariants")
	verifyErr := scenario.Verify(ctx)

	logger.Info("Tearing down scenario")
	if err := scenario.Teardown(ctx); err != nil {
		if verifyErr == nil {
			return fmt.Errorf("teardown: %w", err)
		}
		logger.Error("Teardown failed", zap.Error(err))
	}

	if verifyErr != nil {
		return fmt.Errorf("verify: %w", verifyErr)
	}
	logger.Info("Scenario completed")
	return nil
}

// SystemInvariant is a property that must hold after the faults stop.
type SystemInvariant struct {
	Name        string
	Description string
	Check       func(ctx context.Context) error
}

// VerifyInvariants checks every invariant and reports all violations, not
// just the first.
func VerifyInvariants(ctx context.Context, invariants []SystemInvariant, logger *zap.Logger) error {
	var violated []string
	for _, inv := range invariants {
		if err := inv.Check(ctx); err != nil {
			logger.Error("Invariant violated",
				zap.String("name", inv.Name),
				zap.String("description", inv.Description),
				zap.Error(err),
			)
			violated = append(violated, inv.Name)
			continue
		}
		logger.Info("Invariant holds", zap.String("name", inv.Name))
	}

	if len(violated) > 0 {
		return fmt.Errorf("invariants violated: %s", strings.Join(violated, ", "))
	}
	return nil
}

// ChaosMetrics is what a run counted.
type ChaosMetrics struct {
	StartTime             time.Time
	EndTime               time.Time
	WorkersStarted        int
	WorkersKilled         int
	DeploymentsSubmitted  int
	DeploymentsActive     int
	DeploymentsFailed     int
	DeploymentsUnresolved int
}

// MetricsCollector accumulates counts while a scenario runs.
type MetricsCollector struct {
	metrics ChaosMetrics
	logger  *zap.Logger
}

func NewMetricsCollector(logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		metrics: ChaosMetrics{
			StartTime: time.Now(),
		},
		logger: logger,
	}
}

// RecordWorkerStarted counts a worker pool start.
func (mc *MetricsCollector) RecordWorkerStarted() {
	mc.metrics.WorkersStarted++
}

// RecordWorkerKilled counts a worker pool killed mid-flight.
func (mc *MetricsCollector) RecordWorkerKilled() {
	mc.metrics.WorkersKilled++
}

// RecordSubmission counts a submitted deployment.
func (mc *MetricsCollector) RecordSubmission() {
	mc.metrics.DeploymentsSubmitted++
}

// RecordOutcomes stores the final deployment counts observed at verification.
func (mc *MetricsCollector) RecordOutcomes(active, failed, unresolved int) {
	mc.metrics.DeploymentsActive = active
	mc.metrics.DeploymentsFailed = failed
	mc.metrics.DeploymentsUnresolved = unresolved
}

// Finalize stamps the end time and returns the counts.
func (mc *MetricsCollector) Finalize() ChaosMetrics {
	mc.metrics.EndTime = time.Now()
	return mc.metrics
}

// Report renders the counts in a few lines for the run log.
func (mc *MetricsCollector) Report() string {
	m := mc.metrics

	var b strings.Builder
	fmt.Fprintf(&b, "chaos run took %v\n", m.EndTime.Sub(m.StartTime).Round(time.Millisecond))
	fmt.Fprintf(&b, "workers: %d started, %d killed\n", m.WorkersStarted, m.WorkersKilled)
	fmt.Fprintf(&b, "deployments: %d submitted, %d active, %d failed, %d unresolved",
		m.DeploymentsSubmitted, m.DeploymentsActive, m.DeploymentsFailed, m.DeploymentsUnresolved)
	return b.String()
}
