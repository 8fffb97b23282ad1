package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"task-claim-queue/internal/events"
	"task-claim-queue/internal/models"
	"task-claim-queue/internal/store"
	"task-claim-queue/internal/telemetry"
)

// ErrContended signals that eligible candidates existed but every one was
// lost to racing claimants before we could take it. Callers should retry;
// this is not "no work available".
var ErrContended = errors.New("all claim candidates contended")

// Coordinator performs the atomic queued->running transition. It owns no
// state: selection happens over a store snapshot and the mutation rides on
// the store's conditional update.
type Coordinator struct {
	store  store.TaskStore
	pub    *events.Publisher
	cap    int
	logger *slog.Logger
}

// NewCoordinator wires the coordinator. pub may be nil; event publishing is
// best-effort and never fails a claim.
func NewCoordinator(st store.TaskStore, pub *events.Publisher, cap int, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: st, pub: pub, cap: cap, logger: logger}
}

// Claim picks the oldest eligible task for the venue and binds it to
// workerID. It returns claimed=false with a nil error when the eligible set
// is empty, and ErrContended when candidates existed but all were taken by
// racing workers. Store failures are returned as-is: "store is down" must
// never read as "no tasks available".
func (c *Coordinator) Claim(ctx context.Context, workerID, venue string) (models.Task, bool, error) {
	snap, err := c.store.Snapshot(ctx, venue)
	if err != nil {
		return models.Task{}, false, fmt.Errorf("claim snapshot: %w", err)
	}

	candidates, orphaned, unowned := eligibleTasks(snap, venue, c.cap)
	reportIntegrity(c.logger, orphaned, unowned)
	telemetry.EligibleGauge.Set(float64(len(candidates)))
	telemetry.RunningGauge.Set(float64(snap.RunningTotal))

	if len(candidates) == 0 {
		telemetry.ClaimEmptyPolls.Inc()
		return models.Task{}, false, nil
	}

	for _, candidate := range candidates {
		t, err := c.claimOne(ctx, candidate.ID, workerID, venue)
		if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrNotFound) {
			telemetry.ClaimConflicts.Inc()
			continue
		}
		if err != nil {
			return models.Task{}, false, err
		}

		telemetry.ClaimsTotal.Inc()
		if err := c.store.HeartbeatWorker(ctx, workerID, venue, time.Now().UTC()); err != nil {
			c.logger.Warn("heartbeat after claim failed", "worker_id", workerID, "error", err)
		}
		_ = c.store.AppendAudit(ctx, t.ID, "claimed", fmt.Sprintf("worker=%s venue=%s", workerID, venue))
		c.publish(ctx, events.TypeClaimed, t, workerID)
		return t, true, nil
	}

	return models.Task{}, false, ErrContended
}

// claimOne attempts the conditional mutation, retrying the same candidate
// once on a transient conflict before giving up on it.
func (c *Coordinator) claimOne(ctx context.Context, taskID, workerID, venue string) (models.Task, error) {
	t, err := c.store.ClaimTask(ctx, taskID, workerID, venue, c.cap)
	if errors.Is(err, store.ErrClaimConflict) {
		t, err = c.store.ClaimTask(ctx, taskID, workerID, venue, c.cap)
	}
	return t, err
}

func (c *Coordinator) publish(ctx context.Context, eventType string, t models.Task, workerID string) {
	if c.pub == nil {
		return
	}
	err := c.pub.Publish(ctx, events.Event{
		Type:     eventType,
		TaskID:   t.ID,
		OwnerID:  t.OwnerID,
		Venue:    t.Venue,
		WorkerID: workerID,
		At:       time.Now().UTC(),
	})
	if err != nil {
		c.logger.Warn("publish event failed", "type", eventType, "task_id", t.ID, "error", err)
	}
}
