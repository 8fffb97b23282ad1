package models

import (
	"time"
)

// Status enumerates task lifecycle states persisted in the store.
// Complete and Failed are terminal; tasks are retained for audit, never deleted.
const (
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Venue classifies where a task must execute.
const (
	VenueCloud = "cloud"
	VenueLocal = "local"
)

// ValidVenue reports whether v is a known execution venue.
func ValidVenue(v string) bool {
	return v == VenueCloud || v == VenueLocal
}

// Task is the unit of work pulled off the backlog by workers.
// DependencyID references at most one other task; the task is claimable only
// once that dependency is Complete. WorkerID is set exactly once, at claim time.
type Task struct {
	ID             string     `json:"id"`
	OwnerID        string     `json:"owner_id"`
	Status         string     `json:"status"`
	DependencyID   *string    `json:"dependency_id,omitempty"`
	Venue          string     `json:"execution_venue_hint"`
	IsOrchestrator bool       `json:"is_orchestrator"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      *string    `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the task can no longer change status.
func (t Task) Terminal() bool {
	return t.Status == StatusComplete || t.Status == StatusFailed
}

// Tenant is the resource-accounting unit claims are gated on.
// Capability flags default to true; a tenant lacking a flag is ineligible for
// tasks requiring that venue.
type Tenant struct {
	ID             string    `json:"id"`
	CreditsBalance float64   `json:"credits_balance"`
	AllowsCloud    bool      `json:"allows_cloud"`
	AllowsLocal    bool      `json:"allows_local"`
	CreatedAt      time.Time `json:"created_at"`
}

// Worker is an execution agent identified by heartbeats.
type Worker struct {
	ID            string    `json:"id"`
	Venue         string    `json:"venue"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
