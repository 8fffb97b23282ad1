package dependency

import (
	"testing"

	"task-claim-queue/internal/models"
)

func depTask(dep string) models.Task {
	t := models.Task{ID: "t1", Status: models.StatusQueued}
	if dep != "" {
		t.DependencyID = &dep
	}
	return t
}

func TestIsReadyNoDependency(t *testing.T) {
	r := NewResolver(nil)
	if !r.IsReady(depTask("")) {
		t.Fatalf("task without dependency must be ready")
	}
}

func TestIsReadyByDependencyStatus(t *testing.T) {
	cases := []struct {
		status string
		ready  bool
	}{
		{models.StatusComplete, true},
		{models.StatusQueued, false},
		{models.StatusRunning, false},
		{models.StatusFailed, false},
	}
	for _, tc := range cases {
		r := NewResolver(map[string]string{"dep": tc.status})
		if got := r.IsReady(depTask("dep")); got != tc.ready {
			t.Fatalf("dependency status %s: ready=%v, want %v", tc.status, got, tc.ready)
		}
	}
}

func TestOrphanedDependencyFailsClosed(t *testing.T) {
	r := NewResolver(map[string]string{})
	task := depTask("gone")
	if r.IsReady(task) {
		t.Fatalf("orphaned dependency must never be ready")
	}
	if !r.IsOrphaned(task) {
		t.Fatalf("expected orphan flag for missing dependency row")
	}
	if r.IsOrphaned(depTask("")) {
		t.Fatalf("task without dependency cannot be orphaned")
	}
}
