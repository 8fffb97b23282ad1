package store

import (
	"context"
	"errors"
	"time"

	"task-claim-queue/internal/models"
)

var (
	// ErrNotFound signals a missing task, tenant, or worker row.
	ErrNotFound = errors.New("not found")
	// ErrClaimConflict signals a conditional mutation that affected zero rows:
	// another worker won the race, the tenant hit its cap, or the row left the
	// expected status between selection and mutation. Callers recover locally.
	ErrClaimConflict = errors.New("claim conflict")
)

// CreateTaskParams collects inputs required to insert a task.
type CreateTaskParams struct {
	OwnerID        string
	Venue          string
	DependencyID   string // optional; empty means no dependency
	IsOrchestrator bool
}

// Snapshot is a transactionally consistent view of everything the claim
// pipeline evaluates for one venue. The coordinator and the counter both
// compute their eligible set from the same snapshot, which is what keeps the
// dry-run count honest.
type Snapshot struct {
	// Queued tasks for the venue, ordered by created_at ascending, ties broken
	// by id.
	Queued []models.Task
	// DepStatus maps a referenced dependency task id to its status. A
	// dependency id absent from the map is an orphaned reference.
	DepStatus map[string]string
	// Tenants holds the owner rows for every queued task. A missing owner is
	// treated as ineligible.
	Tenants map[string]models.Tenant
	// Running counts running non-orchestrator tasks per owner for the venue.
	// This is the cap-accounting number.
	Running map[string]int
	// RunningAll counts every running task per owner for the venue, including
	// orchestrators. Observability only.
	RunningAll map[string]int
	// RunningTotal is the venue-wide running task count. Observability only.
	RunningTotal int
}

// TaskStore is the durable record of tasks, tenants, and workers. All
// mutation of task rows goes through the conditional methods here; policy
// code never writes.
type TaskStore interface {
	CreateTask(ctx context.Context, p CreateTaskParams) (models.Task, error)
	GetTask(ctx context.Context, id string) (models.Task, error)

	// Snapshot loads the claim pipeline's read view for a venue.
	Snapshot(ctx context.Context, venue string) (Snapshot, error)

	// ClaimTask transitions taskID from queued to running, binding workerID
	// and stamping claimed_at. The transition is conditional on the row still
	// being queued and on the owner being eligible and under cap at mutation
	// time; ErrClaimConflict is returned otherwise.
	ClaimTask(ctx context.Context, taskID, workerID, venue string, cap int) (models.Task, error)

	// ReleaseTask returns a running task to the backlog, conditional on it
	// still being bound to workerID. Attempts is incremented.
	ReleaseTask(ctx context.Context, taskID, workerID string) error

	// CompleteTask and FailTask are terminal transitions, conditional on the
	// task running under workerID.
	CompleteTask(ctx context.Context, taskID, workerID string) error
	FailTask(ctx context.Context, taskID, workerID, reason string) error

	// StaleRunning lists running tasks whose worker has not heartbeated since
	// cutoff (or has no worker row at all), oldest claim first.
	StaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]models.Task, error)

	GetTenant(ctx context.Context, id string) (models.Tenant, error)
	UpsertTenant(ctx context.Context, t models.Tenant) error

	HeartbeatWorker(ctx context.Context, workerID, venue string, at time.Time) error

	AppendAudit(ctx context.Context, taskID, event, detail string) error

	Close()
}
