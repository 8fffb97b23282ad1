package sweeper

import (
	"context"
	"testing"
	"time"

	"task-claim-queue/internal/models"
	"task-claim-queue/internal/store"
)

var base = time.Date(2026, 3, 4, 5, 0, 0, 0, time.UTC)

func runningTask(id, owner, worker string, attempts int, claimedAt time.Time) models.Task {
	w := worker
	at := claimedAt
	return models.Task{
		ID: id, OwnerID: owner, Status: models.StatusRunning, Venue: models.VenueCloud,
		WorkerID: &w, Attempts: attempts, ClaimedAt: &at, CreatedAt: claimedAt, UpdatedAt: claimedAt,
	}
}

func TestSweepReclaimsStaleTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SeedTask(runningTask("stale", "acme", "w1", 0, base))
	// Worker last heartbeated well before the window.
	_ = st.HeartbeatWorker(ctx, "w1", models.VenueCloud, base)

	sw := New(st, nil, time.Minute, 3, 100, nil)
	swept, err := sw.SweepOnce(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d tasks, want 1", swept)
	}

	task, err := st.GetTask(ctx, "stale")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Status != models.StatusQueued {
		t.Fatalf("status = %s, want queued", task.Status)
	}
	if task.WorkerID != nil || task.ClaimedAt != nil {
		t.Fatalf("worker binding not cleared: %+v", task)
	}
	if task.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", task.Attempts)
	}
}

func TestSweepLeavesLiveWorkersAlone(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SeedTask(runningTask("alive", "acme", "w1", 0, base))
	now := base.Add(5 * time.Minute)
	_ = st.HeartbeatWorker(ctx, "w1", models.VenueCloud, now.Add(-10*time.Second))

	sw := New(st, nil, time.Minute, 3, 100, nil)
	swept, err := sw.SweepOnce(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept %d tasks, want 0 for a live worker", swept)
	}
	task, _ := st.GetTask(ctx, "alive")
	if task.Status != models.StatusRunning {
		t.Fatalf("live worker's task moved to %s", task.Status)
	}
}

func TestSweepFailsAfterBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	st.SeedTask(runningTask("doomed", "acme", "w1", 3, base))
	_ = st.HeartbeatWorker(ctx, "w1", models.VenueCloud, base)

	sw := New(st, nil, time.Minute, 3, 100, nil)
	swept, err := sw.SweepOnce(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d, want 1", swept)
	}

	task, _ := st.GetTask(ctx, "doomed")
	if task.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed after budget exhausted", task.Status)
	}
	if task.LastError == nil {
		t.Fatalf("failed task carries no reason")
	}
}

func TestSweepHandlesWorkerWithNoHeartbeatRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Claimed but the worker never heartbeated at all.
	st.SeedTask(runningTask("ghost", "acme", "w-gone", 0, base))

	sw := New(st, nil, time.Minute, 3, 100, nil)
	swept, err := sw.SweepOnce(ctx, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d, want 1 for a worker with no heartbeat row", swept)
	}
}
