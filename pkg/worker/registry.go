package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/agentplane/agentplane/pkg/storage"
)

// Info is one worker's registry row: identity, liveness and load. Workers
// upsert their row on every heartbeat; readers decide staleness from the
// heartbeat age.
type Info struct {
	ID            string           `json:"id"`
	Hostname      string           `json:"hostname"`
	StartedAt     time.Time        `json:"started_at"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	InFlight      int              `json:"in_flight"`
	Stale         bool             `json:"stale"`
	Resources     ResourceSnapshot `json:"resources"`
}

// Registry persists worker heartbeats so operators can see which replicas
// are alive and what they are carrying.
type Registry struct {
	db         *sql.DB
	staleAfter time.Duration
	now        func() time.Time
}

// NewRegistry creates a registry. Workers whose last heartbeat is older than
// staleAfter are reported stale, not removed; a worker that comes back keeps
// its history.
func NewRegistry(db *sql.DB, staleAfter time.Duration) *Registry {
	if staleAfter <= 0 {
		staleAfter = 15 * time.Second
	}
	return &Registry{db: db, staleAfter: staleAfter, now: time.Now}
}

// Heartbeat upserts the worker's row with the current timestamp, in-flight
// count and resource snapshot.
func (r *Registry) Heartbeat(ctx context.Context, info *Info) error {
	now := r.now().UTC()
	if info.StartedAt.IsZero() {
		info.StartedAt = now
	}
	info.LastHeartbeat = now

	res, err := json.Marshal(info.Resources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO workers (id, hostname, started_at, last_heartbeat, in_flight, resources)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     hostname = excluded.hostname,
		     last_heartbeat = excluded.last_heartbeat,
		     in_flight = excluded.in_flight,
		     resources = excluded.resources`,
		info.ID, info.Hostname, storage.FormatTime(info.StartedAt),
		storage.FormatTime(now), info.InFlight, string(res))
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// Deregister removes the worker's row on orderly shutdown.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deregister worker: %w", err)
	}
	return nil
}

// CountFresh returns how many workers have heartbeated within the staleness
// threshold. The heartbeat loop samples it into the registered-workers gauge.
func (r *Registry) CountFresh(ctx context.Context) (int, error) {
	cutoff := r.now().UTC().Add(-r.staleAfter)
	row := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workers WHERE last_heartbeat > ?`,
		storage.FormatTime(cutoff))
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count workers: %w", err)
	}
	return n, nil
}

// List returns every registered worker, freshest heartbeat first, with the
// staleness flag computed against the registry's threshold.
func (r *Registry) List(ctx context.Context) ([]Info, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, hostname, started_at, last_heartbeat, in_flight, resources
		 FROM workers ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	cutoff := r.now().UTC().Add(-r.staleAfter)
	var workers []Info
	for rows.Next() {
		var info Info
		var started, heartbeat, resources string
		if err := rows.Scan(&info.ID, &info.Hostname, &started, &heartbeat, &info.InFlight, &resources); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if info.StartedAt, err = storage.ParseTime(started); err != nil {
			return nil, fmt.Errorf("parse started_at: %w", err)
		}
		if info.LastHeartbeat, err = storage.ParseTime(heartbeat); err != nil {
			return nil, fmt.Errorf("parse last_heartbeat: %w", err)
		}
		if err := json.Unmarshal([]byte(resources), &info.Resources); err != nil {
			return nil, fmt.Errorf("unmarshal resources: %w", err)
		}
		info.Stale = info.LastHeartbeat.Before(cutoff)
		workers = append(workers, info)
	}
	return workers, rows.Err()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
