package observability

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	// Deployment lifecycle events
	EventDeploymentSubmitted EventType = "deployment.submitted"
	EventDeploymentRejected  EventType = "deployment.rejected"
	EventDeploymentState     EventType = "deployment.state_changed"
	EventDeploymentActive    EventType = "deployment.active"
	EventDeploymentFailed    EventType = "deployment.failed"
	EventDeploymentCancelled EventType = "deployment.cancelled"

	// Stage events
	EventStageStarted   EventType = "stage.started"
	EventStageCompleted EventType = "stage.completed"
	EventStageRetried   EventType = "stage.retried"
	EventStageFailed    EventType = "stage.failed"

	// Worker events
	EventWorkerStarted EventType = "worker.started"
	EventWorkerStopped EventType = "worker.stopped"
	EventLeaseAcquired EventType = "worker.lease_acquired"
	EventLeaseLost     EventType = "worker.lease_lost"

	// Gateway events
	EventRouteRegistered   EventType = "gateway.route_registered"
	EventRouteDeregistered EventType = "gateway.route_deregistered"
)

// EventSeverity represents the severity level of an event
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// Event is one entry in the lifecycle audit trail.
type Event struct {
	ID        string        `json:"id"`
	Type      EventType     `json:"type"`
	Severity  EventSeverity `json:"severity"`
	Timestamp time.Time     `json:"timestamp"`

	// Correlation with the request that caused the event, when there is one.
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	ActorType string `json:"actor_type,omitempty"` // user, system, worker
	ActorID   string `json:"actor_id,omitempty"`

	ResourceType string `json:"resource_type,omitempty"` // deployment, agent, worker, route
	ResourceID   string `json:"resource_id,omitempty"`

	Action      string         `json:"action"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// EventStream keeps a bounded in-memory trail of lifecycle events. The
// buffer is a ring: once full, every new event overwrites the oldest one.
type EventStream struct {
	logger *zap.Logger

	mu       sync.RWMutex
	ring     []Event
	next     int // write position
	count    int // filled slots, at most len(ring)
	watchers map[chan Event]struct{}
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	// MaxSize bounds the number of events kept in memory.
	MaxSize int
}

// NewEventStream creates a new event stream
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	size := cfg.MaxSize
	if size <= 0 {
		size = 10000
	}
	return &EventStream{
		logger:   logger,
		ring:     make([]Event, size),
		watchers: make(map[chan Event]struct{}),
	}
}

// RecordEvent stamps the event with identity and correlation ids, stores it
// and fans it out to watchers. Recording never blocks on a slow watcher.
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}
	if event.RequestID == "" {
		event.RequestID = GetRequestID(ctx)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	es.mu.Lock()
	es.ring[es.next] = event
	es.next = (es.next + 1) % len(es.ring)
	if es.count < len(es.ring) {
		es.count++
	}
	for ch := range es.watchers {
		select {
		case ch <- event:
		default:
		}
	}
	es.mu.Unlock()

	es.log(event)
}

// log writes the event through the structured logger at a level matching
// its severity.
func (es *EventStream) log(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.String("action", event.Action),
		zap.Bool("success", event.Success),
	}
	opt := func(key, val string) {
		if val != "" {
			fields = append(fields, zap.String(key, val))
		}
	}
	opt("request_id", event.RequestID)
	opt("correlation_id", event.CorrelationID)
	opt("actor_id", event.ActorID)
	opt("resource_id", event.ResourceID)
	opt("error", event.Error)

	switch event.Severity {
	case SeverityWarning:
		es.logger.Warn(event.Description, fields...)
	case SeverityError:
		es.logger.Error(event.Description, fields...)
	case SeverityCritical:
		es.logger.Error("CRITICAL: "+event.Description, fields...)
	default:
		es.logger.Info(event.Description, fields...)
	}
}

// GetEvents returns matching events oldest first, up to filter.Limit when
// one is set.
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)
	oldest := es.next - es.count
	for i := 0; i < es.count; i++ {
		event := es.ring[(oldest+i+len(es.ring))%len(es.ring)]
		if !filter.Matches(event) {
			continue
		}
		result = append(result, event)
		if filter.Limit > 0 && len(result) == filter.Limit {
			break
		}
	}
	return result
}

// Watch subscribes to events recorded after the call. Slow consumers miss
// events instead of blocking recording.
func (es *EventStream) Watch() chan Event {
	ch := make(chan Event, 100)
	es.mu.Lock()
	es.watchers[ch] = struct{}{}
	es.mu.Unlock()
	return ch
}

// Unwatch cancels a subscription and closes the channel.
func (es *EventStream) Unwatch(ch chan Event) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if _, ok := es.watchers[ch]; ok {
		delete(es.watchers, ch)
		close(ch)
	}
}

// EventFilter defines filtering criteria for events
type EventFilter struct {
	Types         []EventType
	Severities    []EventSeverity
	ActorID       string
	ResourceType  string
	ResourceID    string
	CorrelationID string
	StartTime     time.Time
	EndTime       time.Time
	Limit         int
}

// Matches reports whether event passes every criterion set on the filter.
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, event.Type) {
		return false
	}
	if len(f.Severities) > 0 && !slices.Contains(f.Severities, event.Severity) {
		return false
	}
	if f.ActorID != "" && event.ActorID != f.ActorID {
		return false
	}
	if f.ResourceType != "" && event.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && event.ResourceID != f.ResourceID {
		return false
	}
	if f.CorrelationID != "" && event.CorrelationID != f.CorrelationID {
		return false
	}
	if !f.StartTime.IsZero() && event.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && event.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// Helper functions for creating specific events

// NewDeploymentSubmittedEvent creates a deployment submitted event
func NewDeploymentSubmittedEvent(deploymentID, agentName, version string) Event {
	return Event{
		Type:         EventDeploymentSubmitted,
		Severity:     SeverityInfo,
		ActorType:    "user",
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "submit",
		Description:  fmt.Sprintf("Deployment %s submitted for agent %s version %s", deploymentID, agentName, version),
		Metadata: map[string]any{
			"agent_name": agentName,
			"version":    version,
		},
		Success: true,
	}
}

// NewDeploymentRejectedEvent creates an intake rejection event
func NewDeploymentRejectedEvent(agentName, detail string) Event {
	return Event{
		Type:         EventDeploymentRejected,
		Severity:     SeverityWarning,
		ActorType:    "user",
		ResourceType: "deployment",
		ResourceID:   agentName,
		Action:       "reject",
		Description:  fmt.Sprintf("Submission for agent %s rejected: %s", agentName, detail),
		Success:      false,
		Error:        detail,
	}
}

// NewDeploymentStateEvent creates a state transition event
func NewDeploymentStateEvent(deploymentID, from, to string) Event {
	return Event{
		Type:         EventDeploymentState,
		Severity:     SeverityInfo,
		ActorType:    "system",
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "transition",
		Description:  fmt.Sprintf("Deployment %s moved from %s to %s", deploymentID, from, to),
		Metadata: map[string]any{
			"from": from,
			"to":   to,
		},
		Success: true,
	}
}

// NewDeploymentActiveEvent creates a terminal success event
func NewDeploymentActiveEvent(deploymentID, agentName, imageRef, routeRef string) Event {
	return Event{
		Type:         EventDeploymentActive,
		Severity:     SeverityInfo,
		ActorType:    "worker",
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "activate",
		Description:  fmt.Sprintf("Deployment %s for agent %s is active", deploymentID, agentName),
		Metadata: map[string]any{
			"agent_name": agentName,
			"image_ref":  imageRef,
			"route_ref":  routeRef,
		},
		Success: true,
	}
}

// NewStageStartedEvent creates a stage start event
func NewStageStartedEvent(deploymentID, stage string) Event {
	return Event{
		Type:         EventStageStarted,
		Severity:     SeverityInfo,
		ActorType:    "worker",
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "stage_start",
		Description:  fmt.Sprintf("Stage %s started for deployment %s", stage, deploymentID),
		Metadata: map[string]any{
			"stage": stage,
		},
		Success: true,
	}
}

// NewStageCompletedEvent creates a stage completion event
func NewStageCompletedEvent(deploymentID, stage, ref string, duration time.Duration) Event {
	return Event{
		Type:         EventStageCompleted,
		Severity:     SeverityInfo,
		ActorType:    "worker",
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "stage_complete",
		Description:  fmt.Sprintf("Stage %s completed for deployment %s in %s", stage, deploymentID, duration.Round(time.Millisecond)),
		Metadata: map[string]any{
			"stage":       stage,
			"ref":         ref,
			"duration_ms": duration.Milliseconds(),
		},
		Success: true,
	}
}

// NewStageFailedEvent creates a stage failure event
func NewStageFailedEvent(deploymentID, stage, detail string) Event {
	return Event{
		Type:         EventStageFailed,
		Severity:     SeverityError,
		ActorType:    "worker",
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "stage_fail",
		Description:  fmt.Sprintf("Stage %s failed for deployment %s: %s", stage, deploymentID, detail),
		Metadata: map[string]any{
			"stage": stage,
		},
		Success: false,
		Error:   detail,
	}
}

// NewStageRetriedEvent creates a stage retry event
func NewStageRetriedEvent(deploymentID, stage string, attempt int, reason string) Event {
	return Event{
		Type:         EventStageRetried,
		Severity:     SeverityWarning,
		ActorType:    "worker",
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "retry",
		Description:  fmt.Sprintf("Stage %s retried for deployment %s (attempt %d): %s", stage, deploymentID, attempt, reason),
		Metadata: map[string]any{
			"stage":   stage,
			"attempt": attempt,
			"reason":  reason,
		},
		Success: false,
		Error:   reason,
	}
}

// NewDeploymentFailedEvent creates a deployment failed event
func NewDeploymentFailedEvent(deploymentID, errorKind, detail string) Event {
	return Event{
		Type:         EventDeploymentFailed,
		Severity:     SeverityError,
		ActorType:    "system",
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "fail",
		Description:  fmt.Sprintf("Deployment %s failed (%s): %s", deploymentID, errorKind, detail),
		Metadata: map[string]any{
			"error_kind": errorKind,
		},
		Success: false,
		Error:   detail,
	}
}

// NewDeploymentCancelledEvent creates a deployment cancelled event
func NewDeploymentCancelledEvent(deploymentID, reason string) Event {
	return Event{
		Type:         EventDeploymentCancelled,
		Severity:     SeverityWarning,
		ActorType:    "user",
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "cancel",
		Description:  fmt.Sprintf("Deployment %s cancelled: %s", deploymentID, reason),
		Metadata: map[string]any{
			"reason": reason,
		},
		Success: true,
	}
}

// NewWorkerStartedEvent creates a worker startup event
func NewWorkerStartedEvent(workerID, hostname string, loops int) Event {
	return Event{
		Type:         EventWorkerStarted,
		Severity:     SeverityInfo,
		ActorType:    "worker",
		ActorID:      workerID,
		ResourceType: "worker",
		ResourceID:   workerID,
		Action:       "start",
		Description:  fmt.Sprintf("Worker %s started on %s with %d claim loops", workerID, hostname, loops),
		Metadata: map[string]any{
			"hostname": hostname,
			"loops":    loops,
		},
		Success: true,
	}
}

// NewWorkerStoppedEvent creates a worker shutdown event
func NewWorkerStoppedEvent(workerID string) Event {
	return Event{
		Type:         EventWorkerStopped,
		Severity:     SeverityInfo,
		ActorType:    "worker",
		ActorID:      workerID,
		ResourceType: "worker",
		ResourceID:   workerID,
		Action:       "stop",
		Description:  fmt.Sprintf("Worker %s stopped", workerID),
		Success:      true,
	}
}

// NewLeaseAcquiredEvent creates a lease acquisition event
func NewLeaseAcquiredEvent(deploymentID, workerID string) Event {
	return Event{
		Type:         EventLeaseAcquired,
		Severity:     SeverityInfo,
		ActorType:    "worker",
		ActorID:      workerID,
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "lease_acquire",
		Description:  fmt.Sprintf("Worker %s acquired the lease on deployment %s", workerID, deploymentID),
		Success:      true,
	}
}

// NewLeaseLostEvent creates a lease lost event
func NewLeaseLostEvent(deploymentID, workerID string) Event {
	return Event{
		Type:         EventLeaseLost,
		Severity:     SeverityWarning,
		ActorType:    "worker",
		ActorID:      workerID,
		ResourceType: "deployment",
		ResourceID:   deploymentID,
		Action:       "lease_lost",
		Description:  fmt.Sprintf("Worker %s lost the lease on deployment %s", workerID, deploymentID),
		Success:      false,
	}
}

// NewRouteRegisteredEvent creates a route registered event
func NewRouteRegisteredEvent(agentName, deploymentID, target string) Event {
	return Event{
		Type:         EventRouteRegistered,
		Severity:     SeverityInfo,
		ActorType:    "worker",
		ResourceType: "route",
		ResourceID:   agentName,
		Action:       "register",
		Description:  fmt.Sprintf("Agent %s routed to %s by deployment %s", agentName, target, deploymentID),
		Metadata: map[string]any{
			"deployment_id": deploymentID,
			"target":        target,
		},
		Success: true,
	}
}

// NewRouteDeregisteredEvent creates a route removal event
func NewRouteDeregisteredEvent(agentName, deploymentID, reason string) Event {
	return Event{
		Type:         EventRouteDeregistered,
		Severity:     SeverityWarning,
		ActorType:    "worker",
		ResourceType: "route",
		ResourceID:   agentName,
		Action:       "deregister",
		Description:  fmt.Sprintf("Route for agent %s removed: %s", agentName, reason),
		Metadata: map[string]any{
			"deployment_id": deploymentID,
			"reason":        reason,
		},
		Success: true,
	}
}
