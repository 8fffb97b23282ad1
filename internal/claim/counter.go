package claim

import (
	"context"
	"fmt"
	"log/slog"

	"task-claim-queue/internal/store"
	"task-claim-queue/internal/telemetry"
)

// Counter is the read-only twin of the Coordinator: same snapshot, same
// eligible-set walk, no mutation. Safe to poll.
type Counter struct {
	store  store.TaskStore
	cap    int
	logger *slog.Logger
}

// NewCounter wires the counter with the same cap the coordinator uses.
func NewCounter(st store.TaskStore, cap int, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{store: st, cap: cap, logger: logger}
}

// Count returns how many tasks are currently startable for the venue. With
// includeActive it adds the venue's running tasks, purely for observability;
// that addition never feeds a claim decision.
func (c *Counter) Count(ctx context.Context, venue string, includeActive bool) (int, error) {
	snap, err := c.store.Snapshot(ctx, venue)
	if err != nil {
		return 0, fmt.Errorf("count snapshot: %w", err)
	}
	candidates, orphaned, unowned := eligibleTasks(snap, venue, c.cap)
	reportIntegrity(c.logger, orphaned, unowned)
	telemetry.DryRunCounts.Inc()
	telemetry.EligibleGauge.Set(float64(len(candidates)))
	telemetry.RunningGauge.Set(float64(snap.RunningTotal))

	n := len(candidates)
	if includeActive {
		n += snap.RunningTotal
	}
	return n, nil
}

// CountTenant is the per-tenant variant of Count.
func (c *Counter) CountTenant(ctx context.Context, tenantID, venue string, includeActive bool) (int, error) {
	snap, err := c.store.Snapshot(ctx, venue)
	if err != nil {
		return 0, fmt.Errorf("count snapshot: %w", err)
	}
	candidates, orphaned, unowned := eligibleTasks(snap, venue, c.cap)
	reportIntegrity(c.logger, orphaned, unowned)
	telemetry.DryRunCounts.Inc()

	n := 0
	for _, t := range candidates {
		if t.OwnerID == tenantID {
			n++
		}
	}
	if includeActive {
		n += snap.RunningAll[tenantID]
	}
	return n, nil
}
