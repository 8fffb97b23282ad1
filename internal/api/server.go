package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"task-claim-queue/internal/claim"
	"task-claim-queue/internal/config"
	"task-claim-queue/internal/events"
	"task-claim-queue/internal/models"
	"task-claim-queue/internal/ratelimit"
	"task-claim-queue/internal/store"
	"task-claim-queue/internal/telemetry"
)

// Server wires HTTP handlers for workers, producers, and diagnostics callers.
type Server struct {
	cfg     config.Config
	store   store.TaskStore
	coord   *claim.Coordinator
	counter *claim.Counter
	limiter *ratelimit.TokenBucket
	pub     *events.Publisher
	logger  *slog.Logger
}

// New constructs the API server. limiter and pub may be nil, disabling
// claim-poll throttling and event publishing respectively (tests,
// single-worker setups).
func New(cfg config.Config, st store.TaskStore, coord *claim.Coordinator, counter *claim.Counter, limiter *ratelimit.TokenBucket, pub *events.Publisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		coord:   coord,
		counter: counter,
		limiter: limiter,
		pub:     pub,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/claim", s.handleClaim)
	r.Get("/count", s.handleCount)

	r.Post("/tasks", s.handleCreateTask)
	r.Get("/tasks/{id}", s.handleGetTask)
	r.Post("/tasks/{id}/complete", s.handleCompleteTask)
	r.Post("/tasks/{id}/fail", s.handleFailTask)

	r.Post("/workers/{id}/heartbeat", s.handleHeartbeat)
	r.Put("/tenants/{id}", s.handleUpsertTenant)
	return r
}

type claimRequest struct {
	WorkerID      string `json:"worker_id"`
	Venue         string `json:"venue"`
	IncludeActive bool   `json:"include_active"`
	DryRun        bool   `json:"dry_run"`
}

type countResponse struct {
	AvailableTasks int `json:"available_tasks"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.WorkerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	if !models.ValidVenue(req.Venue) {
		http.Error(w, "venue must be cloud or local", http.StatusBadRequest)
		return
	}

	if s.limiter != nil && !req.DryRun {
		allowed, _, err := s.limiter.Allow(r.Context(), req.WorkerID)
		if err != nil {
			s.logger.Error("rate limiter unavailable", "error", err)
			http.Error(w, "rate limiter unavailable", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	if req.DryRun {
		n, err := s.counter.Count(r.Context(), req.Venue, req.IncludeActive)
		if err != nil {
			s.logger.Error("dry-run count failed", "venue", req.Venue, "error", err)
			http.Error(w, "store unavailable", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, countResponse{AvailableTasks: n})
		return
	}

	task, claimed, err := s.coord.Claim(r.Context(), req.WorkerID, req.Venue)
	if errors.Is(err, claim.ErrContended) {
		// Work existed but racing workers took every candidate. The caller
		// should retry; this is explicitly not "nothing to claim".
		http.Error(w, "claim contended, retry", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("claim failed", "worker_id", req.WorkerID, "venue", req.Venue, "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	if !claimed {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	venue := r.URL.Query().Get("venue")
	if !models.ValidVenue(venue) {
		http.Error(w, "venue must be cloud or local", http.StatusBadRequest)
		return
	}
	includeActive, _ := strconv.ParseBool(r.URL.Query().Get("include_active"))
	tenantID := r.URL.Query().Get("tenant_id")

	var (
		n   int
		err error
	)
	if tenantID != "" {
		n, err = s.counter.CountTenant(r.Context(), tenantID, venue, includeActive)
	} else {
		n, err = s.counter.Count(r.Context(), venue, includeActive)
	}
	if err != nil {
		s.logger.Error("count failed", "venue", venue, "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{AvailableTasks: n})
}

type createTaskRequest struct {
	OwnerID        string `json:"owner_id"`
	Venue          string `json:"venue"`
	DependencyID   string `json:"dependency_id"`
	IsOrchestrator bool   `json:"is_orchestrator"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		http.Error(w, "owner_id is required", http.StatusBadRequest)
		return
	}
	if !models.ValidVenue(req.Venue) {
		http.Error(w, "venue must be cloud or local", http.StatusBadRequest)
		return
	}

	task, err := s.store.CreateTask(r.Context(), store.CreateTaskParams{
		OwnerID:        req.OwnerID,
		Venue:          req.Venue,
		DependencyID:   req.DependencyID,
		IsOrchestrator: req.IsOrchestrator,
	})
	if err != nil {
		s.logger.Error("create task failed", "owner_id", req.OwnerID, "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), task.ID, "created",
		fmt.Sprintf("owner=%s venue=%s", req.OwnerID, req.Venue))
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get task failed", "task_id", id, "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type finishTaskRequest struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason"`
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req finishTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	err := s.store.CompleteTask(r.Context(), id, req.WorkerID)
	if errors.Is(err, store.ErrClaimConflict) {
		http.Error(w, "task is not running under this worker", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("complete task failed", "task_id", id, "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "completed", fmt.Sprintf("worker=%s", req.WorkerID))
	s.publish(r.Context(), events.TypeCompleted, id, req.WorkerID, "")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusComplete})
}

// publish emits a lifecycle event; downstream consumers (billing, broadcast,
// sub-task fan-out) react to these instead of the store firing callbacks.
func (s *Server) publish(ctx context.Context, eventType, taskID, workerID, detail string) {
	if s.pub == nil {
		return
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Warn("load task for event failed", "task_id", taskID, "error", err)
		return
	}
	err = s.pub.Publish(ctx, events.Event{
		Type:     eventType,
		TaskID:   task.ID,
		OwnerID:  task.OwnerID,
		Venue:    task.Venue,
		WorkerID: workerID,
		Detail:   detail,
		At:       time.Now().UTC(),
	})
	if err != nil {
		s.logger.Warn("publish event failed", "type", eventType, "task_id", taskID, "error", err)
	}
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req finishTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		http.Error(w, "worker_id is required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	reason := req.Reason
	if reason == "" {
		reason = "failed by worker"
	}
	err := s.store.FailTask(r.Context(), id, req.WorkerID, reason)
	if errors.Is(err, store.ErrClaimConflict) {
		http.Error(w, "task is not running under this worker", http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("fail task failed", "task_id", id, "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "failed", fmt.Sprintf("worker=%s reason=%s", req.WorkerID, reason))
	s.publish(r.Context(), events.TypeFailed, id, req.WorkerID, reason)
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusFailed})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Venue string `json:"venue"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !models.ValidVenue(req.Venue) {
		http.Error(w, "venue must be cloud or local", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.store.HeartbeatWorker(r.Context(), id, req.Venue, time.Now().UTC()); err != nil {
		s.logger.Error("heartbeat failed", "worker_id", id, "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type upsertTenantRequest struct {
	CreditsBalance float64 `json:"credits_balance"`
	AllowsCloud    *bool   `json:"allows_cloud"`
	AllowsLocal    *bool   `json:"allows_local"`
}

func (s *Server) handleUpsertTenant(w http.ResponseWriter, r *http.Request) {
	var req upsertTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")
	tenant := models.Tenant{
		ID:             id,
		CreditsBalance: req.CreditsBalance,
		// Capability flags default true; only an explicit false revokes.
		AllowsCloud: req.AllowsCloud == nil || *req.AllowsCloud,
		AllowsLocal: req.AllowsLocal == nil || *req.AllowsLocal,
	}
	if err := s.store.UpsertTenant(r.Context(), tenant); err != nil {
		s.logger.Error("upsert tenant failed", "tenant_id", id, "error", err)
		http.Error(w, "store unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
