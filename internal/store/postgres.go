package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"task-claim-queue/internal/models"
)

// Postgres implements TaskStore on pgxpool. It is the production adapter:
// claim atomicity rides on a row lock plus a status-conditional UPDATE inside
// one transaction.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ TaskStore = (*Postgres)(nil)

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const taskColumns = `id, owner_id, status, dependency_id, venue, is_orchestrator, worker_id, attempts, last_error, created_at, claimed_at, updated_at`

func scanTask(row pgx.Row) (models.Task, error) {
	var t models.Task
	var dep, worker, lastErr pgtype.Text
	var claimed pgtype.Timestamptz
	err := row.Scan(&t.ID, &t.OwnerID, &t.Status, &dep, &t.Venue, &t.IsOrchestrator,
		&worker, &t.Attempts, &lastErr, &t.CreatedAt, &claimed, &t.UpdatedAt)
	if err != nil {
		return models.Task{}, err
	}
	t.DependencyID = textPtr(dep)
	t.WorkerID = textPtr(worker)
	t.LastError = textPtr(lastErr)
	if claimed.Valid {
		at := claimed.Time
		t.ClaimedAt = &at
	}
	return t, nil
}

// CreateTask inserts a queued task row.
func (s *Postgres) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, owner_id, status, dependency_id, venue, is_orchestrator, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
	`, id, p.OwnerID, models.StatusQueued, emptyToNil(p.DependencyID), p.Venue, p.IsOrchestrator, now)
	if err != nil {
		return models.Task{}, fmt.Errorf("insert task: %w", err)
	}
	return models.Task{
		ID:             id,
		OwnerID:        p.OwnerID,
		Status:         models.StatusQueued,
		DependencyID:   emptyToNil(p.DependencyID),
		Venue:          p.Venue,
		IsOrchestrator: p.IsOrchestrator,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// GetTask fetches a task by id.
func (s *Postgres) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

// Snapshot loads queued tasks, dependency statuses, owner rows, and running
// counts for a venue in one repeatable-read transaction, so the claim and
// count paths evaluate the same world.
func (s *Postgres) Snapshot(ctx context.Context, venue string) (Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	snap := Snapshot{
		DepStatus:  map[string]string{},
		Tenants:    map[string]models.Tenant{},
		Running:    map[string]int{},
		RunningAll: map[string]int{},
	}

	rows, err := tx.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = $1 AND venue = $2
		ORDER BY created_at ASC, id ASC
	`, models.StatusQueued, venue)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query queued tasks: %w", err)
	}
	depIDs := make([]string, 0)
	ownerIDs := make([]string, 0)
	seenOwner := map[string]bool{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return Snapshot{}, fmt.Errorf("scan queued task: %w", err)
		}
		snap.Queued = append(snap.Queued, t)
		if t.DependencyID != nil {
			depIDs = append(depIDs, *t.DependencyID)
		}
		if !seenOwner[t.OwnerID] {
			seenOwner[t.OwnerID] = true
			ownerIDs = append(ownerIDs, t.OwnerID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate queued tasks: %w", err)
	}

	if len(depIDs) > 0 {
		rows, err = tx.Query(ctx, `SELECT id, status FROM tasks WHERE id = ANY($1)`, depIDs)
		if err != nil {
			return Snapshot{}, fmt.Errorf("query dependencies: %w", err)
		}
		for rows.Next() {
			var id, status string
			if err := rows.Scan(&id, &status); err != nil {
				rows.Close()
				return Snapshot{}, fmt.Errorf("scan dependency: %w", err)
			}
			snap.DepStatus[id] = status
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return Snapshot{}, fmt.Errorf("iterate dependencies: %w", err)
		}
	}

	if len(ownerIDs) > 0 {
		rows, err = tx.Query(ctx, `
			SELECT id, credits_balance, allows_cloud, allows_local, created_at
			FROM tenants WHERE id = ANY($1)
		`, ownerIDs)
		if err != nil {
			return Snapshot{}, fmt.Errorf("query tenants: %w", err)
		}
		for rows.Next() {
			var t models.Tenant
			if err := rows.Scan(&t.ID, &t.CreditsBalance, &t.AllowsCloud, &t.AllowsLocal, &t.CreatedAt); err != nil {
				rows.Close()
				return Snapshot{}, fmt.Errorf("scan tenant: %w", err)
			}
			snap.Tenants[t.ID] = t
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return Snapshot{}, fmt.Errorf("iterate tenants: %w", err)
		}
	}

	rows, err = tx.Query(ctx, `
		SELECT owner_id,
		       COUNT(*) FILTER (WHERE NOT is_orchestrator),
		       COUNT(*)
		FROM tasks WHERE status = $1 AND venue = $2
		GROUP BY owner_id
	`, models.StatusRunning, venue)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query running counts: %w", err)
	}
	for rows.Next() {
		var owner string
		var capCount, all int
		if err := rows.Scan(&owner, &capCount, &all); err != nil {
			rows.Close()
			return Snapshot{}, fmt.Errorf("scan running count: %w", err)
		}
		snap.Running[owner] = capCount
		snap.RunningAll[owner] = all
		snap.RunningTotal += all
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate running counts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot tx: %w", err)
	}
	return snap, nil
}

// ClaimTask performs the conditional queued->running transition. The task row
// lock serializes claimants racing on one task; the tenant row lock serializes
// claims across a tenant's tasks. Eligibility and the cap are re-checked under
// those locks so a cap filled by a racing claim becomes a conflict, not an
// overshoot.
func (s *Postgres) ClaimTask(ctx context.Context, taskID, workerID, venue string, cap int) (models.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("lock task: %w", err)
	}
	if t.Status != models.StatusQueued || t.Venue != venue {
		return models.Task{}, ErrClaimConflict
	}

	// The tenant row lock serializes same-tenant claims: without it two
	// transactions claiming different tasks of one tenant each count the
	// other's uncommitted claim as absent and both pass the cap check.
	var credits float64
	var allowsCloud, allowsLocal bool
	err = tx.QueryRow(ctx, `
		SELECT credits_balance, allows_cloud, allows_local FROM tenants WHERE id = $1 FOR UPDATE
	`, t.OwnerID).Scan(&credits, &allowsCloud, &allowsLocal)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrClaimConflict
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("query tenant: %w", err)
	}
	if credits <= 0 ||
		(venue == models.VenueCloud && !allowsCloud) ||
		(venue == models.VenueLocal && !allowsLocal) {
		return models.Task{}, ErrClaimConflict
	}

	if !t.IsOrchestrator {
		var running int
		err = tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM tasks
			WHERE owner_id = $1 AND status = $2 AND venue = $3 AND NOT is_orchestrator
		`, t.OwnerID, models.StatusRunning, venue).Scan(&running)
		if err != nil {
			return models.Task{}, fmt.Errorf("count running: %w", err)
		}
		if running >= cap {
			return models.Task{}, ErrClaimConflict
		}
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status = $2, worker_id = $3, claimed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $5
	`, taskID, models.StatusRunning, workerID, now, models.StatusQueued)
	if err != nil {
		return models.Task{}, fmt.Errorf("claim update: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return models.Task{}, ErrClaimConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, fmt.Errorf("commit claim tx: %w", err)
	}

	t.Status = models.StatusRunning
	t.WorkerID = &workerID
	t.ClaimedAt = &now
	t.UpdatedAt = now
	return t, nil
}

// ReleaseTask returns a stale running task to the backlog.
func (s *Postgres) ReleaseTask(ctx context.Context, taskID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $3, worker_id = NULL, claimed_at = NULL,
		       attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND worker_id = $2
	`, taskID, workerID, models.StatusQueued, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrClaimConflict
	}
	return nil
}

// CompleteTask transitions a running task to complete.
func (s *Postgres) CompleteTask(ctx context.Context, taskID, workerID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $3, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $4 AND worker_id = $2
	`, taskID, workerID, models.StatusComplete, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrClaimConflict
	}
	return nil
}

// FailTask transitions a running task to failed with a reason.
func (s *Postgres) FailTask(ctx context.Context, taskID, workerID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET status = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5 AND worker_id = $2
	`, taskID, workerID, models.StatusFailed, reason, models.StatusRunning)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrClaimConflict
	}
	return nil
}

// StaleRunning lists running tasks whose worker missed the heartbeat window.
func (s *Postgres) StaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT t.id, t.owner_id, t.status, t.dependency_id, t.venue, t.is_orchestrator,
		       t.worker_id, t.attempts, t.last_error, t.created_at, t.claimed_at, t.updated_at
		FROM tasks t
		LEFT JOIN workers w ON w.id = t.worker_id
		WHERE t.status = $1 AND (w.id IS NULL OR w.last_heartbeat < $2)
		ORDER BY t.claimed_at ASC NULLS FIRST
		LIMIT $3
	`, models.StatusRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale running: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale tasks: %w", err)
	}
	return out, nil
}

// GetTenant fetches a tenant row.
func (s *Postgres) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	var t models.Tenant
	err := s.pool.QueryRow(ctx, `
		SELECT id, credits_balance, allows_cloud, allows_local, created_at FROM tenants WHERE id = $1
	`, id).Scan(&t.ID, &t.CreditsBalance, &t.AllowsCloud, &t.AllowsLocal, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("scan tenant: %w", err)
	}
	return t, nil
}

// UpsertTenant writes a tenant row, replacing capability flags and balance.
func (s *Postgres) UpsertTenant(ctx context.Context, t models.Tenant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (id, credits_balance, allows_cloud, allows_local, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (id) DO UPDATE
		SET credits_balance = EXCLUDED.credits_balance,
		    allows_cloud = EXCLUDED.allows_cloud,
		    allows_local = EXCLUDED.allows_local
	`, t.ID, t.CreditsBalance, t.AllowsCloud, t.AllowsLocal)
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

// HeartbeatWorker records worker liveness.
func (s *Postgres) HeartbeatWorker(ctx context.Context, workerID, venue string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workers (id, venue, last_heartbeat) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET venue = EXCLUDED.venue, last_heartbeat = EXCLUDED.last_heartbeat
	`, workerID, venue, at)
	if err != nil {
		return fmt.Errorf("heartbeat worker: %w", err)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, taskID, event, detail)
	return err
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
