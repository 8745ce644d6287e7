package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sitescope-labs/sitescope-go/internal/artifacts"
	"github.com/sitescope-labs/sitescope-go/internal/broadcast"
	"github.com/sitescope-labs/sitescope-go/internal/coordinator"
	"github.com/sitescope-labs/sitescope-go/internal/domain"
	"github.com/sitescope-labs/sitescope-go/internal/platform/auditlog"
	"github.com/sitescope-labs/sitescope-go/internal/platform/auth"
	"github.com/sitescope-labs/sitescope-go/internal/repo"
)

type auditsAPI struct {
	logger    *slog.Logger
	db        *sql.DB
	runs      *coordinator.Service
	runStore  repo.RunRepository
	jobStore  repo.JobRepository
	artifacts *artifacts.Store
	hub       *broadcast.Hub
	heartbeat time.Duration
}

func newAuditsAPI(
	logger *slog.Logger,
	db *sql.DB,
	runs *coordinator.Service,
	runStore repo.RunRepository,
	jobStore repo.JobRepository,
	artifactStore *artifacts.Store,
	hub *broadcast.Hub,
	heartbeat time.Duration,
) *auditsAPI {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	return &auditsAPI{
		logger:    logger,
		db:        db,
		runs:      runs,
		runStore:  runStore,
		jobStore:  jobStore,
		artifacts: artifactStore,
		hub:       hub,
		heartbeat: heartbeat,
	}
}

func (api *auditsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /pipelines/{pipeline_id}/runs", api.handleTriggerRun)
	mux.HandleFunc("GET /pipelines/{pipeline_id}/runs", api.handleListRuns)
	mux.HandleFunc("GET /pipelines/{pipeline_id}/runs/latest", api.handleLatestRun)
	mux.HandleFunc("POST /pipelines/{pipeline_id}/runs:retry", api.handleRetryRun)
	mux.HandleFunc("GET /pipelines/{pipeline_id}/jobs", api.handleListJobs)
	mux.HandleFunc("GET /pipelines/{pipeline_id}/progress", api.handleProgressStream)

	mux.HandleFunc("GET /runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /runs/{run_id}:cancel", api.handleCancelRun)
	mux.HandleFunc("GET /runs/{run_id}/artifacts", api.handleListArtifacts)
	mux.HandleFunc("GET /runs/{run_id}/artifacts/{agent}/download", api.handleDownloadArtifact)
}

type runResponse struct {
	RunID        string          `json:"run_id"`
	PipelineID   string          `json:"pipeline_id"`
	Status       string          `json:"status"`
	Progress     int             `json:"progress"`
	CurrentStep  string          `json:"current_step,omitempty"`
	CurrentPhase string          `json:"current_phase,omitempty"`
	Params       domain.Metadata `json:"params"`
	ErrorMessage string          `json:"error_message,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

func toRunResponse(run domain.Run) runResponse {
	return runResponse{
		RunID:        run.ID,
		PipelineID:   run.PipelineID,
		Status:       string(run.Status),
		Progress:     run.Progress,
		CurrentStep:  run.CurrentStep,
		CurrentPhase: run.CurrentPhase,
		Params:       run.Params,
		ErrorMessage: run.ErrorMessage,
		StartedAt:    run.StartedAt,
		CompletedAt:  run.CompletedAt,
	}
}

func (api *auditsAPI) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := strings.TrimSpace(r.PathValue("pipeline_id"))
	if pipelineID == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_pipeline_id")
		return
	}

	params := domain.Metadata{}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_body")
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	run, created, err := api.runs.Create(r.Context(), pipelineID, params)
	if err != nil {
		if errors.Is(err, coordinator.ErrValidation) {
			api.writeError(w, r, http.StatusBadRequest, "validation_failed")
			return
		}
		api.logger.Error("trigger run failed", "pipeline_id", pipelineID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		api.audit(r, "run.trigger", "pipeline_run", run.ID, map[string]any{
			"pipeline_id": pipelineID,
		})
	}
	api.writeJSON(w, status, toRunResponse(run))
}

func (api *auditsAPI) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := strings.TrimSpace(r.PathValue("pipeline_id"))
	if pipelineID == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_pipeline_id")
		return
	}

	run, err := api.runs.Retry(r.Context(), pipelineID)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
		case errors.Is(err, coordinator.ErrRunNotRetryable), errors.Is(err, repo.ErrConflict):
			api.writeError(w, r, http.StatusConflict, "run_not_retryable")
		default:
			api.logger.Error("retry run failed", "pipeline_id", pipelineID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	api.audit(r, "run.retry", "pipeline_run", run.ID, map[string]any{
		"pipeline_id": pipelineID,
	})
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *auditsAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_run_id")
		return
	}

	run, err := api.runs.Cancel(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("cancel run failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	api.audit(r, "run.cancel", "pipeline_run", run.ID, map[string]any{
		"pipeline_id": run.PipelineID,
	})
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *auditsAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_run_id")
		return
	}

	run, err := api.runStore.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("get run failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *auditsAPI) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	pipelineID := strings.TrimSpace(r.PathValue("pipeline_id"))
	if pipelineID == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_pipeline_id")
		return
	}

	run, err := api.runStore.LatestRun(r.Context(), pipelineID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("latest run failed", "pipeline_id", pipelineID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *auditsAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	pipelineID := strings.TrimSpace(r.PathValue("pipeline_id"))
	if pipelineID == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_pipeline_id")
		return
	}

	filter := repo.RunFilter{PipelineID: pipelineID}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		normalized := domain.NormalizeRunStatus(status)
		if normalized == "" {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = normalized
	}
	if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = limit
	}

	runs, err := api.runStore.ListRuns(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs failed", "pipeline_id", pipelineID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	items := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		items = append(items, toRunResponse(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": items})
}

func (api *auditsAPI) handleListJobs(w http.ResponseWriter, r *http.Request) {
	pipelineID := strings.TrimSpace(r.PathValue("pipeline_id"))
	if pipelineID == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_pipeline_id")
		return
	}

	limit := 0
	if rawLimit := strings.TrimSpace(r.URL.Query().Get("limit")); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = parsed
	}

	jobs, err := api.jobStore.ListJobs(r.Context(), pipelineID, limit)
	if err != nil {
		api.logger.Error("list jobs failed", "pipeline_id", pipelineID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	type jobResponse struct {
		JobID      string    `json:"job_id"`
		RunID      string    `json:"run_id"`
		PipelineID string    `json:"pipeline_id"`
		QueueJobID string    `json:"queue_job_id"`
		Status     string    `json:"status"`
		CreatedAt  time.Time `json:"created_at"`
		UpdatedAt  time.Time `json:"updated_at"`
	}
	items := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		items = append(items, jobResponse{
			JobID:      job.ID,
			RunID:      job.RunID,
			PipelineID: job.PipelineID,
			QueueJobID: job.QueueJobID,
			Status:     string(job.Status),
			CreatedAt:  job.CreatedAt,
			UpdatedAt:  job.UpdatedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"jobs": items})
}

func (api *auditsAPI) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_run_id")
		return
	}
	if _, err := api.runStore.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "run_not_found")
			return
		}
		api.logger.Error("get run failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	agents, err := api.artifacts.ListAgents(r.Context(), runID)
	if err != nil {
		api.logger.Error("list artifacts failed", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "artifact_store_error")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "agents": agents})
}

func (api *auditsAPI) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	agent := strings.TrimSpace(r.PathValue("agent"))
	if runID == "" || agent == "" {
		api.writeError(w, r, http.StatusBadRequest, "missing_run_id_or_agent")
		return
	}

	envelope, err := api.artifacts.GetAgentResult(r.Context(), runID, agent)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "artifact_not_found")
			return
		}
		api.logger.Error("download artifact failed", "run_id", runID, "agent", agent, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "artifact_store_error")
		return
	}
	api.writeJSON(w, http.StatusOK, envelope)
}

func (api *auditsAPI) audit(r *http.Request, action, resourceType, resourceID string, payload map[string]any) {
	actor := "anonymous"
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity.Subject != "" {
		actor = identity.Subject
	}
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 750*time.Millisecond)
	defer cancel()
	_, err := auditlog.Insert(auditCtx, api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Error("audit insert failed", "action", action, "resource_id", resourceID, "error", err)
	}
}

func (api *auditsAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *auditsAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
