// Package claim holds the claim coordinator and the dry-run counter. Both
// compile against the one eligible-set function below, which is what makes a
// count of N mean N sequential claims will succeed.
package claim

import (
	"log/slog"

	"task-claim-queue/internal/concurrency"
	"task-claim-queue/internal/dependency"
	"task-claim-queue/internal/eligibility"
	"task-claim-queue/internal/models"
	"task-claim-queue/internal/store"
	"task-claim-queue/internal/telemetry"
)

// eligibleTasks walks the snapshot's queued tasks in FIFO order (created_at,
// then id) and returns, in order, every task that a sequence of claims could
// actually take: dependency complete, owner eligible for the venue, and owner
// under the concurrency cap counting the selections made earlier in the walk.
// Orchestrator tasks bypass the cap check because they occupy no slot.
//
// The orphaned and unowned return values list tasks whose dependency_id
// resolves to nothing and tasks whose owner has no tenant row; neither is ever
// selected, but callers log and count them as integrity errors.
func eligibleTasks(snap store.Snapshot, venue string, cap int) (selected, orphaned, unowned []models.Task) {
	resolver := dependency.NewResolver(snap.DepStatus)
	evaluator := eligibility.NewEvaluator(snap.Tenants)
	tracker := concurrency.NewTracker(snap.Running, cap)

	for _, t := range snap.Queued {
		if resolver.IsOrphaned(t) {
			orphaned = append(orphaned, t)
			continue
		}
		if !resolver.IsReady(t) {
			continue
		}
		if !evaluator.Known(t.OwnerID) {
			unowned = append(unowned, t)
			continue
		}
		if !evaluator.IsTenantEligible(t.OwnerID, venue) {
			continue
		}
		if !t.IsOrchestrator && !tracker.UnderCap(t.OwnerID) {
			continue
		}
		tracker.Note(t)
		selected = append(selected, t)
	}
	return selected, orphaned, unowned
}

// reportIntegrity logs and counts data-integrity problems seen during
// selection: dependency references that resolve to no row and queued tasks
// whose owner has no tenant row. Both mean an upstream producer deleted or
// never wrote something it should have; the tasks stay unclaimable either way.
func reportIntegrity(logger *slog.Logger, orphaned, unowned []models.Task) {
	for _, t := range orphaned {
		telemetry.IntegrityErrors.Inc()
		logger.Warn("task references missing dependency, holding as not ready",
			"task_id", t.ID, "dependency_id", *t.DependencyID, "owner_id", t.OwnerID)
	}
	for _, t := range unowned {
		telemetry.IntegrityErrors.Inc()
		logger.Warn("task owner has no tenant row, holding as ineligible",
			"task_id", t.ID, "owner_id", t.OwnerID)
	}
}
