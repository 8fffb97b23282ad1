// Package dependency decides whether a task's single optional dependency is
// satisfied. Pure reads over a snapshot; no store access.
package dependency

import (
	"task-claim-queue/internal/models"
)

// Resolver evaluates dependency readiness against the dependency statuses
// captured in a claim snapshot.
type Resolver struct {
	statuses map[string]string
}

// NewResolver builds a resolver over a dependency-id -> status map. Ids
// absent from the map are orphaned references.
func NewResolver(statuses map[string]string) *Resolver {
	if statuses == nil {
		statuses = map[string]string{}
	}
	return &Resolver{statuses: statuses}
}

// IsReady reports whether the task may be claimed as far as its dependency is
// concerned. A task with no dependency is always ready. An orphaned reference
// is never ready: a dependency we cannot see is a dependency we cannot prove
// complete, and silently treating it as satisfied has burned this system
// before.
func (r *Resolver) IsReady(t models.Task) bool {
	if t.DependencyID == nil {
		return true
	}
	return r.statuses[*t.DependencyID] == models.StatusComplete
}

// IsOrphaned reports whether the task references a dependency that no longer
// resolves to any row. Callers log these: they indicate upstream producer bugs.
func (r *Resolver) IsOrphaned(t models.Task) bool {
	if t.DependencyID == nil {
		return false
	}
	_, ok := r.statuses[*t.DependencyID]
	return !ok
}
