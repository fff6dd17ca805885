package deployment

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentplane/agentplane/pkg/storage"
)

const recordColumns = `id, agent_name, version, state, artifact_url, image_ref,
	route_target, route_ref, error_kind, error_detail, attempts, stage_times,
	created_at, updated_at`

// Refs carries the external references a stage produces. Empty fields are
// left untouched by the write.
type Refs struct {
	ImageRef    string
	RouteTarget string
	RouteRef    string
}

// Store persists deployment records. All stage-driven writes are guarded by
// the state the caller observed, so a worker that lost its lease cannot
// clobber another worker's progress.
type Store struct {
	db *sql.DB
}

// NewStore creates a record store on top of an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new record. The caller assigns the id; a duplicate id
// yields ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, rec *Record) error {
	if rec.State == "" {
		rec.State = StateQueued
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if rec.StageTimes == nil {
		rec.StageTimes = map[State]time.Time{StateQueued: now}
	}

	st, err := json.Marshal(rec.StageTimes)
	if err != nil {
		return fmt.Errorf("marshal stage times: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AgentName, rec.Version, string(rec.State), rec.ArtifactURL,
		rec.ImageRef, rec.RouteTarget, rec.RouteRef, rec.ErrorKind, rec.ErrorDetail,
		rec.Attempts, string(st), storage.FormatTime(rec.CreatedAt), storage.FormatTime(rec.UpdatedAt),
	)
	if err != nil {
		if storage.IsUniqueViolation(err) {
			return fmt.Errorf("deployment %q: %w", rec.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("insert deployment: %w", err)
	}
	return nil
}

// Get returns the record for a deployment id.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployments WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("deployment %q: %w", id, ErrNotFound)
	}
	return rec, err
}

// List returns records newest first, optionally filtered by agent name.
// A non-positive limit means no limit.
func (s *Store) List(ctx context.Context, agentName string, limit int) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM deployments`
	args := []any{}
	if agentName != "" {
		query += ` WHERE agent_name = ?`
		args = append(args, agentName)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// LatestActive returns the newest active record for an agent name. Redeploy
// rollover and cancel rollback use it to find the route being replaced.
func (s *Store) LatestActive(ctx context.Context, agentName string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployments
		 WHERE agent_name = ? AND state = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		agentName, string(StateActive))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no active deployment for agent %q: %w", agentName, ErrNotFound)
	}
	return rec, err
}

// Advance moves rec one step forward, persisting any stage references
// atomically with the transition and clearing prior error detail. The write
// is guarded by the state the caller loaded: if the row has moved on, rec is
// left untouched and ErrStateChanged is returned.
func (s *Store) Advance(ctx context.Context, rec *Record, to State, refs Refs) error {
	if !CanTransition(rec.State, to) {
		if rec.State.Terminal() {
			return fmt.Errorf("advance %s from %s: %w", to, rec.State, ErrTerminal)
		}
		return fmt.Errorf("advance from %s to %s is not a legal transition", rec.State, to)
	}
	return s.guardedWrite(ctx, rec, to, refs, "", "")
}

// SetRefs persists stage references without moving the state. A stage's
// output is written this way the moment the stage succeeds, before the
// forward transition, so a crash between the two writes never repeats
// completed work.
func (s *Store) SetRefs(ctx context.Context, rec *Record, refs Refs) error {
	if rec.State.Terminal() {
		return fmt.Errorf("set refs on %s: %w", rec.State, ErrTerminal)
	}
	return s.guardedWrite(ctx, rec, rec.State, refs, rec.ErrorKind, rec.ErrorDetail)
}

// Fail moves rec into failed from any non-terminal state, retaining the
// error kind and human-readable detail.
func (s *Store) Fail(ctx context.Context, rec *Record, kind, detail string) error {
	if rec.State.Terminal() {
		return fmt.Errorf("fail from %s: %w", rec.State, ErrTerminal)
	}
	return s.guardedWrite(ctx, rec, StateFailed, Refs{}, kind, detail)
}

// CancelActive performs the rollback write for a cancelled active
// deployment. This is the single sanctioned exit from active.
func (s *Store) CancelActive(ctx context.Context, rec *Record, reason string) error {
	if rec.State != StateActive {
		return fmt.Errorf("cancel active from %s: %w", rec.State, ErrStateChanged)
	}
	return s.guardedWrite(ctx, rec, StateFailed, Refs{}, ErrorKindCancelled, reason)
}

// CountByState returns how many records sit in each state. Every known
// state is present in the result, zero included, so gauge consumers can
// reset values for states that emptied out.
func (s *Store) CountByState(ctx context.Context) (map[State]int, error) {
	counts := map[State]int{
		StateQueued:      0,
		StateSettingUp:   0,
		StateBuilding:    0,
		StateDeploying:   0,
		StateRegistering: 0,
		StateActive:      0,
		StateFailed:      0,
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM deployments GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count deployments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// IncrementAttempts bumps the attempt counter when a worker claims the
// deployment for processing.
func (s *Store) IncrementAttempts(ctx context.Context, rec *Record) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		storage.FormatTime(now), rec.ID)
	if err != nil {
		return fmt.Errorf("increment attempts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deployment %q: %w", rec.ID, ErrNotFound)
	}
	rec.Attempts++
	rec.UpdatedAt = now
	return nil
}

func (s *Store) guardedWrite(ctx context.Context, rec *Record, to State, refs Refs, errKind, errDetail string) error {
	now := time.Now().UTC()
	times := cloneStageTimes(rec.StageTimes)
	if to != rec.State {
		times[to] = now
	}
	st, err := json.Marshal(times)
	if err != nil {
		return fmt.Errorf("marshal stage times: %w", err)
	}

	imageRef := rec.ImageRef
	if refs.ImageRef != "" {
		imageRef = refs.ImageRef
	}
	routeTarget := rec.RouteTarget
	if refs.RouteTarget != "" {
		routeTarget = refs.RouteTarget
	}
	routeRef := rec.RouteRef
	if refs.RouteRef != "" {
		routeRef = refs.RouteRef
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE deployments
		 SET state = ?, image_ref = ?, route_target = ?, route_ref = ?,
		     error_kind = ?, error_detail = ?, stage_times = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(to), imageRef, routeTarget, routeRef,
		errKind, errDetail, string(st), storage.FormatTime(now),
		rec.ID, string(rec.State))
	if err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, getErr := s.Get(ctx, rec.ID); errors.Is(getErr, ErrNotFound) {
			return fmt.Errorf("deployment %q: %w", rec.ID, ErrNotFound)
		}
		return fmt.Errorf("deployment %q: %w", rec.ID, ErrStateChanged)
	}

	rec.State = to
	rec.ImageRef = imageRef
	rec.RouteTarget = routeTarget
	rec.RouteRef = routeRef
	rec.ErrorKind = errKind
	rec.ErrorDetail = errDetail
	rec.StageTimes = times
	rec.UpdatedAt = now
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var rec Record
	var state, stageTimes, createdAt, updatedAt string
	err := s.Scan(&rec.ID, &rec.AgentName, &rec.Version, &state, &rec.ArtifactURL,
		&rec.ImageRef, &rec.RouteTarget, &rec.RouteRef, &rec.ErrorKind, &rec.ErrorDetail,
		&rec.Attempts, &stageTimes, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}
	rec.State = State(state)
	if err := json.Unmarshal([]byte(stageTimes), &rec.StageTimes); err != nil {
		return nil, fmt.Errorf("unmarshal stage times: %w", err)
	}
	if rec.CreatedAt, err = storage.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = storage.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &rec, nil
}
