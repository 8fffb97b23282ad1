// Package concurrency enforces the per-tenant running-task cap for one venue.
package concurrency

import (
	"task-claim-queue/internal/models"
)

// Tracker counts a tenant's running non-orchestrator tasks for the venue a
// snapshot was taken for. Note advances the count as the pipeline selects
// tasks, so a greedy walk over the backlog stays cap-correct without
// re-reading the store.
type Tracker struct {
	counts map[string]int
	cap    int
}

// NewTracker copies the snapshot's running counts so callers can keep the
// snapshot immutable.
func NewTracker(running map[string]int, cap int) *Tracker {
	counts := make(map[string]int, len(running))
	for k, v := range running {
		counts[k] = v
	}
	return &Tracker{counts: counts, cap: cap}
}

// RunningCount returns the tenant's current (snapshot plus noted) count.
func (t *Tracker) RunningCount(tenantID string) int {
	return t.counts[tenantID]
}

// UnderCap reports whether the tenant may start one more task.
func (t *Tracker) UnderCap(tenantID string) bool {
	return t.counts[tenantID] < t.cap
}

// Note records a selected task. Orchestrator tasks coordinate sub-tasks and
// do not occupy a worker slot, so they never advance the count.
func (t *Tracker) Note(task models.Task) {
	if task.IsOrchestrator {
		return
	}
	t.counts[task.OwnerID]++
}
