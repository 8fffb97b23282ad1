package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"task-claim-queue/internal/models"
)

func TestMemoryClaimConditional(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	_ = st.UpsertTenant(ctx, models.Tenant{ID: "acme", CreditsBalance: 5, AllowsCloud: true, AllowsLocal: true})

	task, err := st.CreateTask(ctx, CreateTaskParams{OwnerID: "acme", Venue: models.VenueCloud})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := st.ClaimTask(ctx, task.ID, "w1", models.VenueCloud, 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != models.StatusRunning || *claimed.WorkerID != "w1" {
		t.Fatalf("claim did not bind: %+v", claimed)
	}

	// Second claim on the same row loses.
	if _, err := st.ClaimTask(ctx, task.ID, "w2", models.VenueCloud, 5); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("second claim err = %v, want ErrClaimConflict", err)
	}
}

func TestMemoryClaimChecksTenantInMutation(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	_ = st.UpsertTenant(ctx, models.Tenant{ID: "broke", CreditsBalance: 0, AllowsCloud: true, AllowsLocal: true})
	task, _ := st.CreateTask(ctx, CreateTaskParams{OwnerID: "broke", Venue: models.VenueCloud})

	if _, err := st.ClaimTask(ctx, task.ID, "w1", models.VenueCloud, 5); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("claim for broke tenant err = %v, want ErrClaimConflict", err)
	}

	task2, _ := st.CreateTask(ctx, CreateTaskParams{OwnerID: "nobody", Venue: models.VenueCloud})
	if _, err := st.ClaimTask(ctx, task2.ID, "w1", models.VenueCloud, 5); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("claim for missing tenant err = %v, want ErrClaimConflict", err)
	}
}

func TestMemoryClaimEnforcesCapAtMutation(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	_ = st.UpsertTenant(ctx, models.Tenant{ID: "acme", CreditsBalance: 5, AllowsCloud: true, AllowsLocal: true})

	a, _ := st.CreateTask(ctx, CreateTaskParams{OwnerID: "acme", Venue: models.VenueCloud})
	b, _ := st.CreateTask(ctx, CreateTaskParams{OwnerID: "acme", Venue: models.VenueCloud})

	if _, err := st.ClaimTask(ctx, a.ID, "w1", models.VenueCloud, 1); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := st.ClaimTask(ctx, b.ID, "w2", models.VenueCloud, 1); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("cap-violating claim err = %v, want ErrClaimConflict", err)
	}
}

func TestMemoryReleaseRequiresWorkerBinding(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	_ = st.UpsertTenant(ctx, models.Tenant{ID: "acme", CreditsBalance: 5, AllowsCloud: true, AllowsLocal: true})
	task, _ := st.CreateTask(ctx, CreateTaskParams{OwnerID: "acme", Venue: models.VenueCloud})
	_, _ = st.ClaimTask(ctx, task.ID, "w1", models.VenueCloud, 5)

	if err := st.ReleaseTask(ctx, task.ID, "w2"); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("release by wrong worker err = %v, want ErrClaimConflict", err)
	}
	if err := st.ReleaseTask(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != models.StatusQueued || got.Attempts != 1 {
		t.Fatalf("release result: %+v", got)
	}
}

func TestMemoryTerminalTransitions(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	_ = st.UpsertTenant(ctx, models.Tenant{ID: "acme", CreditsBalance: 5, AllowsCloud: true, AllowsLocal: true})

	task, _ := st.CreateTask(ctx, CreateTaskParams{OwnerID: "acme", Venue: models.VenueLocal})
	_, _ = st.ClaimTask(ctx, task.ID, "w1", models.VenueLocal, 5)

	if err := st.CompleteTask(ctx, task.ID, "w1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := st.GetTask(ctx, task.ID)
	if got.Status != models.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	// Terminal rows refuse further transitions.
	if err := st.CompleteTask(ctx, task.ID, "w1"); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("double complete err = %v, want ErrClaimConflict", err)
	}
	if err := st.FailTask(ctx, task.ID, "w1", "late failure"); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("fail after complete err = %v, want ErrClaimConflict", err)
	}
}

func TestMemorySnapshotOrdering(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	st.SeedTask(models.Task{ID: "b", Status: models.StatusQueued, Venue: models.VenueCloud, OwnerID: "x", CreatedAt: base})
	st.SeedTask(models.Task{ID: "a", Status: models.StatusQueued, Venue: models.VenueCloud, OwnerID: "x", CreatedAt: base})
	st.SeedTask(models.Task{ID: "c", Status: models.StatusQueued, Venue: models.VenueCloud, OwnerID: "x", CreatedAt: base.Add(-time.Hour)})

	snap, err := st.Snapshot(ctx, models.VenueCloud)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Queued) != 3 {
		t.Fatalf("queued = %d, want 3", len(snap.Queued))
	}
	order := []string{snap.Queued[0].ID, snap.Queued[1].ID, snap.Queued[2].ID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}
