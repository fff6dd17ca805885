package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentplane/agentplane/pkg/storage"
)

// ErrHeld is returned when another worker holds a live lease.
var ErrHeld = errors.New("lease held by another worker")

// ErrLost is returned when a renew or release finds the lease gone or owned
// by a later acquisition. The caller must abort without further writes; the
// state it already persisted stands.
var ErrLost = errors.New("lease lost")

// Lease is a time-bounded claim binding a worker to a deployment id. The
// epoch increments on every acquisition, so a worker that stalls past expiry
// can never renew or release a lease that was reclaimed in the meantime.
type Lease struct {
	DeploymentID string
	Holder       string
	Epoch        int64
	AcquiredAt   time.Time
	ExpiresAt    time.Time
}

// Manager hands out leases over deployment ids. It is the only
// mutual-exclusion primitive in the pipeline: whoever holds the lease owns
// the deployment record.
type Manager struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewManager creates a lease manager with a fixed lease duration.
func NewManager(db *sql.DB, ttl time.Duration) *Manager {
	return &Manager{db: db, ttl: ttl, now: time.Now}
}

// TTL returns the configured lease duration.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Acquire claims the lease for a deployment id. It succeeds when no lease
// exists, when the previous lease has expired, or when the caller already
// holds it (re-entrant, bumping the epoch). The claim is a single guarded
// upsert, so concurrent acquisitions resolve to exactly one winner.
func (m *Manager) Acquire(ctx context.Context, deploymentID, holder string) (*Lease, error) {
	now := m.now().UTC()
	expires := now.Add(m.ttl)

	row := m.db.QueryRowContext(ctx,
		`INSERT INTO leases (deployment_id, holder, epoch, acquired_at, expires_at)
		 VALUES (?, ?, 1, ?, ?)
		 ON CONFLICT(deployment_id) DO UPDATE SET
		     holder = excluded.holder,
		     epoch = leases.epoch + 1,
		     acquired_at = excluded.acquired_at,
		     expires_at = excluded.expires_at
		 WHERE leases.expires_at <= excluded.acquired_at
		    OR leases.holder = excluded.holder
		 RETURNING epoch`,
		deploymentID, holder, storage.FormatTime(now), storage.FormatTime(expires))

	var epoch int64
	if err := row.Scan(&epoch); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("deployment %q: %w", deploymentID, ErrHeld)
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}

	return &Lease{
		DeploymentID: deploymentID,
		Holder:       holder,
		Epoch:        epoch,
		AcquiredAt:   now,
		ExpiresAt:    expires,
	}, nil
}

// Renew extends the lease by the configured duration. The holder and epoch
// must still match; a reclaim by another worker bumps the epoch and turns
// every later renew into ErrLost.
func (m *Manager) Renew(ctx context.Context, l *Lease) error {
	expires := m.now().UTC().Add(m.ttl)
	res, err := m.db.ExecContext(ctx,
		`UPDATE leases SET expires_at = ?
		 WHERE deployment_id = ? AND holder = ? AND epoch = ?`,
		storage.FormatTime(expires), l.DeploymentID, l.Holder, l.Epoch)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deployment %q: %w", l.DeploymentID, ErrLost)
	}
	l.ExpiresAt = expires
	return nil
}

// Release drops the lease. Releasing a lease that was already reclaimed
// returns ErrLost; by then the new holder owns the record and the caller has
// nothing left to do.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	res, err := m.db.ExecContext(ctx,
		`DELETE FROM leases WHERE deployment_id = ? AND holder = ? AND epoch = ?`,
		l.DeploymentID, l.Holder, l.Epoch)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deployment %q: %w", l.DeploymentID, ErrLost)
	}
	return nil
}

// Get returns the current lease for a deployment id, or nil when none exists.
// Expired leases are returned as-is; expiry is the reader's call to make.
func (m *Manager) Get(ctx context.Context, deploymentID string) (*Lease, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT deployment_id, holder, epoch, acquired_at, expires_at
		 FROM leases WHERE deployment_id = ?`, deploymentID)

	var l Lease
	var acquired, expires string
	err := row.Scan(&l.DeploymentID, &l.Holder, &l.Epoch, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	if l.AcquiredAt, err = storage.ParseTime(acquired); err != nil {
		return nil, fmt.Errorf("parse acquired_at: %w", err)
	}
	if l.ExpiresAt, err = storage.ParseTime(expires); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	return &l, nil
}

// Expired reports whether the lease has passed its expiry at the given time.
func (l *Lease) Expired(at time.Time) bool {
	return !at.Before(l.ExpiresAt)
}
