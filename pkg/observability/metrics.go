package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric registries for different subsystems

// Event Log Metrics
var (
	EventsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_events_appended_total",
			Help: "Total number of events appended to the log",
		},
		[]string{"type"}, // deploy, cancel
	)

	EventsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_events_claimed_total",
			Help: "Total number of event deliveries claimed by workers",
		},
		[]string{"kind"}, // fresh, redelivered
	)

	EventsAckedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentplane_events_acked_total",
			Help: "Total number of event deliveries acknowledged",
		},
	)

	EventLogPendingDeliveries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentplane_eventlog_pending_deliveries",
			Help: "Current number of unacknowledged event deliveries",
		},
	)
)

// Deployment Metrics
var (
	DeploymentsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_deployments_submitted_total",
			Help: "Total number of deployment submissions",
		},
		[]string{"result"}, // accepted, rejected
	)

	DeploymentsByState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentplane_deployments_by_state",
			Help: "Number of deployment records in each state",
		},
		[]string{"state"}, // queued, setting_up, building, deploying, registering, active, failed
	)

	DeploymentTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_deployment_transitions_total",
			Help: "Total number of deployment state transitions",
		},
		[]string{"from", "to"},
	)

	DeploymentsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_deployments_failed_total",
			Help: "Total number of deployments that reached the failed state",
		},
		[]string{"error_kind"}, // validation, transient, permanent, cancelled
	)

	DeploymentDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentplane_deployment_duration_seconds",
			Help:    "Duration of deployments from submission to active",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
	)
)

// Lease Metrics
var (
	LeaseAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_lease_acquisitions_total",
			Help: "Total number of deployment lease acquisition attempts",
		},
		[]string{"result"}, // acquired, held
	)

	LeasesLostTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentplane_leases_lost_total",
			Help: "Total number of leases lost mid-pipeline to expiry or takeover",
		},
	)
)

// Worker Metrics
var (
	WorkerPipelinesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentplane_worker_pipelines_in_flight",
			Help: "Number of deployment pipelines currently executing per worker",
		},
		[]string{"worker_id"},
	)

	WorkerHeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_worker_heartbeats_total",
			Help: "Total number of worker heartbeats recorded",
		},
		[]string{"worker_id"},
	)

	WorkersRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentplane_workers_registered",
			Help: "Number of workers with a fresh heartbeat",
		},
	)
)

// Stage Metrics
var (
	StageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "result"}, // stage: build/deploy/register, result: success/transient/permanent
	)

	StageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentplane_stage_duration_seconds",
			Help:    "Duration of stage executions in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	StageRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_stage_retries_total",
			Help: "Total number of stage retry attempts after transient failures",
		},
		[]string{"stage"},
	)
)

// API Metrics
var (
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentplane_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "code"},
	)

	APIRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentplane_api_request_duration_seconds",
			Help:    "Duration of API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		},
		[]string{"method", "route"},
	)
)

// General System Metrics
var (
	SystemInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentplane_system_info",
			Help: "System information (version, build time, etc.)",
		},
		[]string{"version", "build_time", "git_commit"},
	)

	UptimeSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentplane_uptime_seconds",
			Help: "Uptime of the component in seconds",
		},
		[]string{"component"}, // orchestrator
	)
)
