package claim

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"task-claim-queue/internal/models"
	"task-claim-queue/internal/store"
)

func TestCountFiltersVenue(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTenant(t, st, "acme", 10)
	seedQueued(st, "c1", "acme", models.VenueCloud, t0, "")
	seedQueued(st, "l1", "acme", models.VenueLocal, t0, "")

	counter := NewCounter(st, 5, nil)
	n, err := counter.Count(ctx, models.VenueCloud, false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("cloud count = %d, want 1", n)
	}
}

func TestCountIncludeActive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTenant(t, st, "acme", 10)
	w := "w1"
	now := t0
	st.SeedTask(models.Task{ID: "run1", OwnerID: "acme", Status: models.StatusRunning, Venue: models.VenueCloud, WorkerID: &w, ClaimedAt: &now, CreatedAt: t0})
	st.SeedTask(models.Task{ID: "run2", OwnerID: "acme", Status: models.StatusRunning, Venue: models.VenueCloud, IsOrchestrator: true, WorkerID: &w, ClaimedAt: &now, CreatedAt: t0})
	seedQueued(st, "q1", "acme", models.VenueCloud, t0.Add(time.Second), "")

	counter := NewCounter(st, 5, nil)

	n, err := counter.Count(ctx, models.VenueCloud, false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 eligible", n)
	}

	n, err = counter.Count(ctx, models.VenueCloud, true)
	if err != nil {
		t.Fatalf("count include_active: %v", err)
	}
	// 1 eligible + 2 running (orchestrators included: observability counts
	// everything that occupies a row, not a slot).
	if n != 3 {
		t.Fatalf("count with active = %d, want 3", n)
	}
}

func TestCountTenant(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTenant(t, st, "acme", 10)
	seedTenant(t, st, "zenith", 10)
	seedQueued(st, "a1", "acme", models.VenueCloud, t0, "")
	seedQueued(st, "a2", "acme", models.VenueCloud, t0.Add(time.Second), "")
	seedQueued(st, "z1", "zenith", models.VenueCloud, t0.Add(2*time.Second), "")

	counter := NewCounter(st, 5, nil)
	n, err := counter.CountTenant(ctx, "acme", models.VenueCloud, false)
	if err != nil {
		t.Fatalf("count tenant: %v", err)
	}
	if n != 2 {
		t.Fatalf("tenant count = %d, want 2", n)
	}

	n, err = counter.CountTenant(ctx, "ghost", models.VenueCloud, false)
	if err != nil {
		t.Fatalf("count unknown tenant: %v", err)
	}
	if n != 0 {
		t.Fatalf("unknown tenant count = %d, want 0", n)
	}
}

func TestCountExcludesOrphansAndBlockedDeps(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTenant(t, st, "acme", 10)
	st.SeedTask(models.Task{ID: "pending", OwnerID: "acme", Status: models.StatusQueued, Venue: models.VenueLocal, CreatedAt: t0})
	seedQueued(st, "blocked", "acme", models.VenueCloud, t0, "pending")
	seedQueued(st, "orphan", "acme", models.VenueCloud, t0.Add(time.Second), "vanished")
	seedQueued(st, "free", "acme", models.VenueCloud, t0.Add(2*time.Second), "")

	counter := NewCounter(st, 5, nil)
	n, err := counter.Count(ctx, models.VenueCloud, false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 (blocked and orphaned excluded)", n)
	}
}

func TestCountLogsMissingTenantRow(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTenant(t, st, "acme", 10)
	seedQueued(st, "owned", "acme", models.VenueCloud, t0, "")
	seedQueued(st, "stray", "nobody", models.VenueCloud, t0.Add(time.Second), "")

	var buf bytes.Buffer
	counter := NewCounter(st, 5, slog.New(slog.NewTextHandler(&buf, nil)))

	n, err := counter.Count(ctx, models.VenueCloud, false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1 (ownerless task excluded)", n)
	}
	logged := buf.String()
	if !strings.Contains(logged, "no tenant row") || !strings.Contains(logged, "stray") {
		t.Fatalf("missing tenant row not logged for operators: %q", logged)
	}
}
