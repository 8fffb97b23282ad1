package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"task-claim-queue/internal/models"
)

// Memory implements TaskStore with maps under one mutex. It backs unit tests
// and throwaway dev setups; the lock makes every method as atomic as the SQL
// adapters' transactions.
type Memory struct {
	mu      sync.Mutex
	tasks   map[string]*models.Task
	tenants map[string]models.Tenant
	workers map[string]models.Worker
	audits  []models.AuditLog
}

var _ TaskStore = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:   map[string]*models.Task{},
		tenants: map[string]models.Tenant{},
		workers: map[string]models.Worker{},
	}
}

func (s *Memory) Close() {}

// SeedTask inserts a task row verbatim. Test seam: lets callers control
// created_at and status directly.
func (s *Memory) SeedTask(t models.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tasks[t.ID] = &cp
}

func (s *Memory) CreateTask(_ context.Context, p CreateTaskParams) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	t := models.Task{
		ID:             uuid.New().String(),
		OwnerID:        p.OwnerID,
		Status:         models.StatusQueued,
		Venue:          p.Venue,
		IsOrchestrator: p.IsOrchestrator,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.DependencyID != "" {
		dep := p.DependencyID
		t.DependencyID = &dep
	}
	s.tasks[t.ID] = &t
	return t, nil
}

func (s *Memory) GetTask(_ context.Context, id string) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return *t, nil
}

func (s *Memory) Snapshot(_ context.Context, venue string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		DepStatus:  map[string]string{},
		Tenants:    map[string]models.Tenant{},
		Running:    map[string]int{},
		RunningAll: map[string]int{},
	}
	for _, t := range s.tasks {
		if t.Venue != venue {
			continue
		}
		switch t.Status {
		case models.StatusQueued:
			snap.Queued = append(snap.Queued, *t)
		case models.StatusRunning:
			if !t.IsOrchestrator {
				snap.Running[t.OwnerID]++
			}
			snap.RunningAll[t.OwnerID]++
			snap.RunningTotal++
		}
	}
	sort.Slice(snap.Queued, func(i, j int) bool {
		a, b := snap.Queued[i], snap.Queued[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	for _, t := range snap.Queued {
		if t.DependencyID != nil {
			if dep, ok := s.tasks[*t.DependencyID]; ok {
				snap.DepStatus[*t.DependencyID] = dep.Status
			}
		}
		if tenant, ok := s.tenants[t.OwnerID]; ok {
			snap.Tenants[t.OwnerID] = tenant
		}
	}
	return snap, nil
}

func (s *Memory) ClaimTask(_ context.Context, taskID, workerID, venue string, cap int) (models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return models.Task{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if t.Status != models.StatusQueued || t.Venue != venue {
		return models.Task{}, ErrClaimConflict
	}

	tenant, ok := s.tenants[t.OwnerID]
	if !ok || tenant.CreditsBalance <= 0 ||
		(venue == models.VenueCloud && !tenant.AllowsCloud) ||
		(venue == models.VenueLocal && !tenant.AllowsLocal) {
		return models.Task{}, ErrClaimConflict
	}

	if !t.IsOrchestrator {
		running := 0
		for _, other := range s.tasks {
			if other.OwnerID == t.OwnerID && other.Status == models.StatusRunning &&
				other.Venue == venue && !other.IsOrchestrator {
				running++
			}
		}
		if running >= cap {
			return models.Task{}, ErrClaimConflict
		}
	}

	now := time.Now().UTC()
	t.Status = models.StatusRunning
	t.WorkerID = &workerID
	t.ClaimedAt = &now
	t.UpdatedAt = now
	return *t, nil
}

func (s *Memory) ReleaseTask(_ context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != models.StatusRunning || t.WorkerID == nil || *t.WorkerID != workerID {
		return ErrClaimConflict
	}
	t.Status = models.StatusQueued
	t.WorkerID = nil
	t.ClaimedAt = nil
	t.Attempts++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) CompleteTask(_ context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != models.StatusRunning || t.WorkerID == nil || *t.WorkerID != workerID {
		return ErrClaimConflict
	}
	t.Status = models.StatusComplete
	t.LastError = nil
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) FailTask(_ context.Context, taskID, workerID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok || t.Status != models.StatusRunning || t.WorkerID == nil || *t.WorkerID != workerID {
		return ErrClaimConflict
	}
	t.Status = models.StatusFailed
	t.LastError = &reason
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) StaleRunning(_ context.Context, cutoff time.Time, limit int) ([]models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Task
	for _, t := range s.tasks {
		if t.Status != models.StatusRunning {
			continue
		}
		stale := true
		if t.WorkerID != nil {
			if w, ok := s.workers[*t.WorkerID]; ok && !w.LastHeartbeat.Before(cutoff) {
				stale = false
			}
		}
		if stale {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ClaimedAt, out[j].ClaimedAt
		if a == nil {
			return true
		}
		if b == nil {
			return false
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) GetTenant(_ context.Context, id string) (models.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return models.Tenant{}, fmt.Errorf("tenant %s: %w", id, ErrNotFound)
	}
	return t, nil
}

func (s *Memory) UpsertTenant(_ context.Context, t models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.tenants[t.ID] = t
	return nil
}

func (s *Memory) HeartbeatWorker(_ context.Context, workerID, venue string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[workerID] = models.Worker{ID: workerID, Venue: venue, LastHeartbeat: at}
	return nil
}

func (s *Memory) AppendAudit(_ context.Context, taskID, event, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, models.AuditLog{TaskID: taskID, Event: event, Detail: detail, Recorded: time.Now().UTC()})
	return nil
}

// Audits returns a copy of the audit trail. Test seam.
func (s *Memory) Audits() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditLog, len(s.audits))
	copy(out, s.audits)
	return out
}
