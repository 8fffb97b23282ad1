// Package sweeper returns stale running tasks to the backlog. It is a peer of
// the claim coordinator, not part of it: it uses the same conditional-mutation
// discipline so it can never race a worker that is merely slow to heartbeat.
package sweeper

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

// Sweeper scans for running tasks whose worker missed the heartbeat window
// and either requeues them or, once the reclaim budget is spent, fails them.
type Sweeper struct {
	store     store.TaskStore
	pub       *events.Publisher
	window    time.Duration
	budget    int
	batchSize int
	logger    *slog.Logger
}

// New wires a sweeper. pub may be nil.
func New(st store.TaskStore, pub *events.Publisher, window time.Duration, budget, batchSize int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     st,
		pub:       pub,
		window:    window,
		budget:    budget,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Run sweeps on the given interval until context cancellation.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx, time.Now()); err != nil {
				s.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce processes one batch of stale tasks and returns how many were
// requeued or failed. A conditional mutation that affects zero rows means the
// worker woke up (heartbeated, completed, or failed the task) between our
// read and our write; those are skipped silently.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.window)
	stale, err := s.store.StaleRunning(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale running: %w", err)
	}

	swept := 0
	for _, t := range stale {
		if t.WorkerID == nil {
			// Running without a worker binding should be impossible; leave it
			// for an operator rather than guess.
			s.logger.Error("running task has no worker binding", "task_id", t.ID)
			continue
		}
		worker := *t.WorkerID

		if t.Attempts >= s.budget {
			reason := fmt.Sprintf("worker %s missed heartbeat window; reclaim budget (%d) exhausted", worker, s.budget)
			err := s.store.FailTask(ctx, t.ID, worker, reason)
			if errors.Is(err, store.ErrClaimConflict) {
				continue
			}
			if err != nil {
				return swept, fmt.Errorf("fail stale task %s: %w", t.ID, err)
			}
			telemetry.ReclaimFailures.Inc()
			_ = s.store.AppendAudit(ctx, t.ID, "failed", reason)
			s.publish(ctx, events.TypeFailed, t, worker, reason)
			swept++
			continue
		}

		err := s.store.ReleaseTask(ctx, t.ID, worker)
		if errors.Is(err, store.ErrClaimConflict) {
			continue
		}
		if err != nil {
			return swept, fmt.Errorf("release stale task %s: %w", t.ID, err)
		}
		telemetry.ReclaimsTotal.Inc()
		_ = s.store.AppendAudit(ctx, t.ID, "reclaimed",
			fmt.Sprintf("worker=%s attempts=%d", worker, t.Attempts+1))
		s.publish(ctx, events.TypeReclaimed, t, worker, "heartbeat window missed")
		swept++

		s.logger.Info("reclaimed stale task",
			"task_id", t.ID, "worker_id", worker, "attempts", t.Attempts+1)
	}
	return swept, nil
}

func (s *Sweeper) publish(ctx context.Context, eventType string, t models.Task, workerID, detail string) {
	if s.pub == nil {
		return
	}
	err := s.pub.Publish(ctx, events.Event{
		Type:     eventType,
		TaskID:   t.ID,
		OwnerID:  t.OwnerID,
		Venue:    t.Venue,
		WorkerID: workerID,
		Detail:   detail,
		At:       time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publish event failed", "type", eventType, "task_id", t.ID, "error", err)
	}
}
