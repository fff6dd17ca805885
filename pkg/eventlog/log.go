package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/pkg/storage"
)

const eventColumns = `partition_id, event_offset, event_id, event_type,
	deployment_id, agent_name, version, artifact_url, manifest, reason, enqueued_at`

// Log is the SQLite-backed event log. Redelivery consults the leases table
// in the same schema: a pending delivery becomes claimable again only once
// its deployment's lease is gone or expired.
type Log struct {
	db             *sql.DB
	partitions     int
	redeliverAfter time.Duration
	now            func() time.Time
}

// NewLog creates a log over an opened database. partitions fixes the key
// space for PartitionFor; redeliverAfter is the grace period before an
// unacked delivery is offered to another worker.
func NewLog(db *sql.DB, partitions int, redeliverAfter time.Duration) (*Log, error) {
	if partitions <= 0 {
		return nil, fmt.Errorf("partitions must be positive, got %d", partitions)
	}
	return &Log{
		db:             db,
		partitions:     partitions,
		redeliverAfter: redeliverAfter,
		now:            time.Now,
	}, nil
}

// Partitions returns the configured partition count.
func (l *Log) Partitions() int {
	return l.partitions
}

// Append persists one event, assigning its partition from the agent name and
// the next offset within that partition. The entry is immutable from here on.
func (l *Log) Append(ctx context.Context, ev *Event) error {
	if ev.DeploymentID == "" {
		return errors.New("event deployment id is required")
	}
	if ev.AgentName == "" {
		return errors.New("event agent name is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Partition = PartitionFor(ev.AgentName, l.partitions)
	ev.EnqueuedAt = l.now().UTC()

	// Offset assignment and insert are one statement, so concurrent appends
	// to the same partition serialize on the write lock instead of racing a
	// read-then-insert transaction.
	row := l.db.QueryRowContext(ctx,
		`INSERT INTO log_events (`+eventColumns+`)
		 VALUES (?, (SELECT COALESCE(MAX(event_offset), 0) + 1 FROM log_events WHERE partition_id = ?),
		         ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING event_offset`,
		ev.Partition, ev.Partition, ev.ID, string(ev.Type), ev.DeploymentID,
		ev.AgentName, ev.Version, ev.ArtifactURL, ev.Manifest, ev.Reason,
		storage.FormatTime(ev.EnqueuedAt))
	if err := row.Scan(&ev.Offset); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Claim hands out up to limit deliveries for a consumer group. Lease-expired
// pending deliveries from any partition come first (crash recovery), then
// fresh events in enqueue order per partition. Fresh events are tracked as
// pending until acked.
func (l *Log) Claim(ctx context.Context, group string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := l.now().UTC()

	deliveries, err := l.redeliver(ctx, group, limit, now)
	if err != nil {
		return nil, err
	}
	if len(deliveries) < limit {
		fresh, err := l.deliverFresh(ctx, group, limit-len(deliveries), now)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, fresh...)
	}
	return deliveries, nil
}

// Ack marks a delivery as done. Deliveries are acked when the deployment
// reaches a terminal outcome or the event is discarded as a duplicate.
func (l *Log) Ack(ctx context.Context, d Delivery) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE log_deliveries SET state = 'acked', acked_at = ?
		 WHERE group_name = ? AND partition_id = ? AND event_offset = ? AND state = 'pending'`,
		storage.FormatTime(l.now().UTC()), d.Group, d.Event.Partition, d.Event.Offset)
	if err != nil {
		return fmt.Errorf("ack delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delivery %d/%d for group %q is not pending", d.Event.Partition, d.Event.Offset, d.Group)
	}
	return nil
}

// Events returns the full entry history for one deployment id, oldest first.
func (l *Log) Events(ctx context.Context, deploymentID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM log_events
		 WHERE deployment_id = ? ORDER BY enqueued_at, event_offset`,
		deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PendingCount returns how many deliveries are awaiting an ack for a group.
func (l *Log) PendingCount(ctx context.Context, group string) (int, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM log_deliveries WHERE group_name = ? AND state = 'pending'`,
		group)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// redeliver atomically re-claims pending deliveries whose deployment lease is
// gone or expired. The single UPDATE keeps concurrent claimers from taking
// the same delivery twice.
func (l *Log) redeliver(ctx context.Context, group string, limit int, now time.Time) ([]Delivery, error) {
	cutoff := now.Add(-l.redeliverAfter)
	rows, err := l.db.QueryContext(ctx,
		`UPDATE log_deliveries SET attempts = attempts + 1, delivered_at = ?
		 WHERE (group_name, partition_id, event_offset) IN (
		     SELECT d.group_name, d.partition_id, d.event_offset
		     FROM log_deliveries d
		     LEFT JOIN leases le ON le.deployment_id = d.deployment_id
		     WHERE d.group_name = ? AND d.state = 'pending' AND d.delivered_at <= ?
		       AND (le.deployment_id IS NULL OR le.expires_at <= ?)
		     ORDER BY d.delivered_at
		     LIMIT ?
		 )
		 RETURNING partition_id, event_offset, attempts, delivered_at`,
		storage.FormatTime(now), group, storage.FormatTime(cutoff), storage.FormatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("redeliver: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		partition int
		offset    int64
		attempts  int
	}
	var picked []claimed
	for rows.Next() {
		var c claimed
		var deliveredAt string
		if err := rows.Scan(&c.partition, &c.offset, &c.attempts, &deliveredAt); err != nil {
			return nil, fmt.Errorf("scan redelivery: %w", err)
		}
		picked = append(picked, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("redeliver rows: %w", err)
	}

	deliveries := make([]Delivery, 0, len(picked))
	for _, c := range picked {
		ev, err := l.eventAt(ctx, c.partition, c.offset)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, Delivery{
			Event:       *ev,
			Group:       group,
			Attempts:    c.attempts,
			DeliveredAt: now,
		})
	}
	return deliveries, nil
}

// deliverFresh advances the group's partition cursors over new entries and
// records a pending delivery for each.
func (l *Log) deliverFresh(ctx context.Context, group string, limit int, now time.Time) ([]Delivery, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var deliveries []Delivery
	for p := 0; p < l.partitions && len(deliveries) < limit; p++ {
		var next int64 = 1
		row := tx.QueryRowContext(ctx,
			`SELECT next_offset FROM log_cursors WHERE group_name = ? AND partition_id = ?`,
			group, p)
		if err := row.Scan(&next); err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read cursor: %w", err)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT `+eventColumns+` FROM log_events
			 WHERE partition_id = ? AND event_offset >= ?
			 ORDER BY event_offset LIMIT ?`,
			p, next, limit-len(deliveries))
		if err != nil {
			return nil, fmt.Errorf("read events: %w", err)
		}
		events, err := scanEvents(rows)
		rows.Close()
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			continue
		}

		for _, ev := range events {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO log_deliveries
				     (group_name, partition_id, event_offset, deployment_id, state, attempts, delivered_at)
				 VALUES (?, ?, ?, ?, 'pending', 1, ?)`,
				group, ev.Partition, ev.Offset, ev.DeploymentID, storage.FormatTime(now)); err != nil {
				return nil, fmt.Errorf("record delivery: %w", err)
			}
			deliveries = append(deliveries, Delivery{
				Event:       ev,
				Group:       group,
				Attempts:    1,
				DeliveredAt: now,
			})
		}

		last := events[len(events)-1].Offset
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO log_cursors (group_name, partition_id, next_offset) VALUES (?, ?, ?)
			 ON CONFLICT(group_name, partition_id) DO UPDATE SET next_offset = excluded.next_offset`,
			group, p, last+1); err != nil {
			return nil, fmt.Errorf("advance cursor: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return deliveries, nil
}

func (l *Log) eventAt(ctx context.Context, partition int, offset int64) (*Event, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM log_events WHERE partition_id = ? AND event_offset = ?`,
		partition, offset)
	ev, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("event %d/%d: %w", partition, offset, err)
	}
	return ev, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	var ev Event
	var typ, enqueued string
	err := s.Scan(&ev.Partition, &ev.Offset, &ev.ID, &typ, &ev.DeploymentID,
		&ev.AgentName, &ev.Version, &ev.ArtifactURL, &ev.Manifest, &ev.Reason, &enqueued)
	if err != nil {
		return nil, err
	}
	ev.Type = EventType(typ)
	if ev.EnqueuedAt, err = storage.ParseTime(enqueued); err != nil {
		return nil, fmt.Errorf("parse enqueued_at: %w", err)
	}
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *ev)
	}
	return events, rows.Err()
}
