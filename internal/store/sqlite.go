package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"task-claim-queue/internal/models"
)

// SQLite implements TaskStore on a local database file. Intended for
// single-node deployments and development; SQLite serializes writers, so the
// conditional UPDATE carries the same at-most-one-claimant guarantee as the
// Postgres adapter's row lock.
type SQLite struct {
	db *sql.DB
}

var _ TaskStore = (*SQLite)(nil)

// NewSQLite opens (and if needed creates) the database file and its schema.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY churn under concurrent claims.
	db.SetMaxOpenConns(1)
	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		status TEXT NOT NULL,
		dependency_id TEXT,
		venue TEXT NOT NULL,
		is_orchestrator INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at DATETIME NOT NULL,
		claimed_at DATETIME,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status_venue ON tasks(status, venue, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner_status ON tasks(owner_id, status);

	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		credits_balance REAL NOT NULL DEFAULT 0,
		allows_cloud INTEGER NOT NULL DEFAULT 1,
		allows_local INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		venue TEXT NOT NULL,
		last_heartbeat DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_logs (
		task_id TEXT NOT NULL,
		event TEXT NOT NULL,
		detail TEXT NOT NULL,
		ts DATETIME NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init sqlite schema: %w", err)
	}
	return nil
}

const sqliteTaskColumns = `id, owner_id, status, dependency_id, venue, is_orchestrator, worker_id, attempts, last_error, created_at, claimed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTask(row rowScanner) (models.Task, error) {
	var t models.Task
	var dep, worker, lastErr sql.NullString
	var claimed sql.NullTime
	err := row.Scan(&t.ID, &t.OwnerID, &t.Status, &dep, &t.Venue, &t.IsOrchestrator,
		&worker, &t.Attempts, &lastErr, &t.CreatedAt, &claimed, &t.UpdatedAt)
	if err != nil {
		return models.Task{}, err
	}
	if dep.Valid {
		v := dep.String
		t.DependencyID = &v
	}
	if worker.Valid {
		v := worker.String
		t.WorkerID = &v
	}
	if lastErr.Valid {
		v := lastErr.String
		t.LastError = &v
	}
	if claimed.Valid {
		at := claimed.Time
		t.ClaimedAt = &at
	}
	return t, nil
}

func (s *SQLite) CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, owner_id, status, dependency_id, venue, is_orchestrator, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, id, p.OwnerID, models.StatusQueued, emptyToNil(p.DependencyID), p.Venue, p.IsOrchestrator, now, now)
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

func (s *SQLite) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("scan task: %w", err)
	}
	return t, nil
}

func (s *SQLite) Snapshot(ctx context.Context, venue string) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	snap := Snapshot{
		DepStatus:  map[string]string{},
		Tenants:    map[string]models.Tenant{},
		Running:    map[string]int{},
		RunningAll: map[string]int{},
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+sqliteTaskColumns+` FROM tasks
		WHERE status = ? AND venue = ?
		ORDER BY created_at ASC, id ASC
	`, models.StatusQueued, venue)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query queued tasks: %w", err)
	}
	var depIDs, ownerIDs []string
	seenOwner := map[string]bool{}
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
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
		query := `SELECT id, status FROM tasks WHERE id IN (` + placeholders(len(depIDs)) + `)`
		rows, err = tx.QueryContext(ctx, query, stringArgs(depIDs)...)
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
		query := `SELECT id, credits_balance, allows_cloud, allows_local, created_at FROM tenants WHERE id IN (` + placeholders(len(ownerIDs)) + `)`
		rows, err = tx.QueryContext(ctx, query, stringArgs(ownerIDs)...)
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

	rows, err = tx.QueryContext(ctx, `
		SELECT owner_id, SUM(CASE WHEN is_orchestrator THEN 0 ELSE 1 END), COUNT(*)
		FROM tasks WHERE status = ? AND venue = ?
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

	if err := tx.Commit(); err != nil {
		return Snapshot{}, fmt.Errorf("commit snapshot tx: %w", err)
	}
	return snap, nil
}

func (s *SQLite) ClaimTask(ctx context.Context, taskID, workerID, venue string, cap int) (models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Task{}, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanSQLiteTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return models.Task{}, fmt.Errorf("read task: %w", err)
	}
	if t.Status != models.StatusQueued || t.Venue != venue {
		return models.Task{}, ErrClaimConflict
	}

	var credits float64
	var allowsCloud, allowsLocal bool
	err = tx.QueryRowContext(ctx, `
		SELECT credits_balance, allows_cloud, allows_local FROM tenants WHERE id = ?
	`, t.OwnerID).Scan(&credits, &allowsCloud, &allowsLocal)
	if errors.Is(err, sql.ErrNoRows) {
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
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tasks
			WHERE owner_id = ? AND status = ? AND venue = ? AND NOT is_orchestrator
		`, t.OwnerID, models.StatusRunning, venue).Scan(&running)
		if err != nil {
			return models.Task{}, fmt.Errorf("count running: %w", err)
		}
		if running >= cap {
			return models.Task{}, ErrClaimConflict
		}
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, models.StatusRunning, workerID, now, now, taskID, models.StatusQueued)
	if err != nil {
		return models.Task{}, fmt.Errorf("claim update: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return models.Task{}, ErrClaimConflict
	}

	if err := tx.Commit(); err != nil {
		return models.Task{}, fmt.Errorf("commit claim tx: %w", err)
	}

	t.Status = models.StatusRunning
	t.WorkerID = &workerID
	t.ClaimedAt = &now
	t.UpdatedAt = now
	return t, nil
}

func (s *SQLite) ReleaseTask(ctx context.Context, taskID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, worker_id = NULL, claimed_at = NULL,
		       attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?
	`, models.StatusQueued, time.Now().UTC(), taskID, models.StatusRunning, workerID)
	if err != nil {
		return fmt.Errorf("release task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrClaimConflict
	}
	return nil
}

func (s *SQLite) CompleteTask(ctx context.Context, taskID, workerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?
	`, models.StatusComplete, time.Now().UTC(), taskID, models.StatusRunning, workerID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrClaimConflict
	}
	return nil
}

func (s *SQLite) FailTask(ctx context.Context, taskID, workerID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ? AND worker_id = ?
	`, models.StatusFailed, reason, time.Now().UTC(), taskID, models.StatusRunning, workerID)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrClaimConflict
	}
	return nil
}

func (s *SQLite) StaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.owner_id, t.status, t.dependency_id, t.venue, t.is_orchestrator,
		       t.worker_id, t.attempts, t.last_error, t.created_at, t.claimed_at, t.updated_at
		FROM tasks t
		LEFT JOIN workers w ON w.id = t.worker_id
		WHERE t.status = ? AND (w.id IS NULL OR w.last_heartbeat < ?)
		ORDER BY t.claimed_at ASC
		LIMIT ?
	`, models.StatusRunning, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale running: %w", err)
	}
	defer rows.Close()

	var out []models.Task
	for rows.Next() {
		t, err := scanSQLiteTask(rows)
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

func (s *SQLite) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, credits_balance, allows_cloud, allows_local, created_at FROM tenants WHERE id = ?
	`, id).Scan(&t.ID, &t.CreditsBalance, &t.AllowsCloud, &t.AllowsLocal, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.Tenant{}, fmt.Errorf("scan tenant: %w", err)
	}
	return t, nil
}

func (s *SQLite) UpsertTenant(ctx context.Context, t models.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, credits_balance, allows_cloud, allows_local, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE
		SET credits_balance = excluded.credits_balance,
		    allows_cloud = excluded.allows_cloud,
		    allows_local = excluded.allows_local
	`, t.ID, t.CreditsBalance, t.AllowsCloud, t.AllowsLocal, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	return nil
}

func (s *SQLite) HeartbeatWorker(ctx context.Context, workerID, venue string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, venue, last_heartbeat) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET venue = excluded.venue, last_heartbeat = excluded.last_heartbeat
	`, workerID, venue, at)
	if err != nil {
		return fmt.Errorf("heartbeat worker: %w", err)
	}
	return nil
}

func (s *SQLite) AppendAudit(ctx context.Context, taskID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (task_id, event, detail, ts) VALUES (?, ?, ?, ?)
	`, taskID, event, detail, time.Now().UTC())
	return err
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
