// Package eventlog provides the durable, partitioned, append-only log of
// deployment events. The log is the source of truth for what must happen:
// entries are never mutated or deleted, and a consumer group replays
// unacknowledged entries until each one's deployment reaches a terminal
// state. Delivery is at-least-once; the record store's idempotent state
// machine makes duplicates safe.
package eventlog

import (
	"hash/fnv"
	"time"
)

// EventType distinguishes the requests the orchestrator understands.
type EventType string

const (
	// TypeDeploy asks for a new deployment attempt (first deploy and
	// redeploy look identical; a redeploy simply carries a fresh
	// deployment id).
	TypeDeploy EventType = "deploy"
	// TypeCancel asks to cancel a deployment attempt, rolling back its
	// route if it already went active.
	TypeCancel EventType = "cancel"
)

// Event is one immutable log entry.
type Event struct {
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	DeploymentID string    `json:"deployment_id"`
	AgentName    string    `json:"agent_name"`
	Version      string    `json:"version,omitempty"`
	ArtifactURL  string    `json:"artifact_url,omitempty"`
	Manifest     []byte    `json:"manifest,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	Partition    int       `json:"partition"`
	Offset       int64     `json:"offset"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Delivery is one handout of an event to a consumer group member.
type Delivery struct {
	Event       Event
	Group       string
	Attempts    int
	DeliveredAt time.Time
}

// PartitionFor maps an agent name to a partition. Events for one agent
// always land in the same partition, which keeps a deploy and its later
// cancel in enqueue order.
func PartitionFor(agentName string, partitions int) int {
	h := fnv.New32a()
	h.Write([]byte(agentName))
	return int(h.Sum32() % uint32(partitions))
}
