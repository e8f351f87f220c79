// Package ipc provides the operator HTTP API for the Crucible Engine.
package ipc

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/anthropics/crucible-engine/internal/domain"
	"github.com/anthropics/crucible-engine/internal/gate"
	"github.com/anthropics/crucible-engine/internal/knowledge"
	"github.com/anthropics/crucible-engine/internal/scheduler"
	"github.com/anthropics/crucible-engine/internal/store"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Scheduler   *scheduler.Scheduler
	Decisions   *DecisionQueue
	Knowledge   *knowledge.Cache
	Baseline    *gate.Keeper
	DB          *sql.DB
	EventRepo   *store.EventRepo
	AttemptRepo *store.AttemptRepo
}

// SubmitTaskRequest is the body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type"`
	Priority           int      `json:"priority"`
	DependsOn          []string `json:"depends_on"`
	WorkerType         string   `json:"worker_type"`
	MaxIterations      int      `json:"max_iterations"`
	Description        string   `json:"description"`
	Tags               []string `json:"tags"`
	EstimatedFootprint int      `json:"estimated_footprint"`
}

// ResolveDecisionRequest is the body for POST /api/v1/decisions/{decisionID}.
type ResolveDecisionRequest struct {
	Option          string        `json:"option"`
	ExtraIterations int           `json:"extra_iterations"`
	SplitInto       []domain.Task `json:"split_into"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitTask handles POST /api/v1/tasks.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Description == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "description is required"})
		return
	}

	created, err := h.Scheduler.Submit(r.Context(), domain.Task{
		ID:                 req.ID,
		Type:               domain.TaskType(req.Type),
		Priority:           domain.Priority(req.Priority),
		DependsOn:          req.DependsOn,
		WorkerType:         req.WorkerType,
		MaxIterations:      req.MaxIterations,
		Description:        req.Description,
		Tags:               req.Tags,
		EstimatedFootprint: req.EstimatedFootprint,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListTasks handles GET /api/v1/tasks.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks := h.Scheduler.List()
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{taskID}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.Scheduler.Get(r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// RetryTask handles POST /api/v1/tasks/{taskID}/retry.
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Retry(r.Context(), r.PathValue("taskID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelTask handles POST /api/v1/tasks/{taskID}/cancel.
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Scheduler.Cancel(r.Context(), r.PathValue("taskID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAttempts handles GET /api/v1/tasks/{taskID}/attempts.
func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := h.AttemptRepo.ListByTask(r.Context(), h.DB, r.PathValue("taskID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if attempts == nil {
		attempts = []domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

// ListEvents handles GET /api/v1/tasks/{taskID}/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		if parsed, err := strconv.ParseInt(s, 10, 64); err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.EventRepo.ListByTask(r.Context(), h.DB, r.PathValue("taskID"), sinceSeq)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []domain.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// ListDecisions handles GET /api/v1/decisions.
func (h *Handler) ListDecisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Decisions.Pending())
}

// ResolveDecision handles POST /api/v1/decisions/{decisionID}.
func (h *Handler) ResolveDecision(w http.ResponseWriter, r *http.Request) {
	var req ResolveDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if req.Option == "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "option is required"})
		return
	}

	err := h.Decisions.Resolve(r.PathValue("decisionID"), domain.Decision{
		Option:          domain.DecisionOption(req.Option),
		ExtraIterations: req.ExtraIterations,
		SplitInto:       req.SplitInto,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QueryKnowledge handles GET /api/v1/knowledge?tags=a,b.
func (h *Handler) QueryKnowledge(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("tags")
	if raw == "" {
		artifacts := h.Knowledge.List()
		if artifacts == nil {
			artifacts = []domain.KnowledgeArtifact{}
		}
		writeJSON(w, http.StatusOK, artifacts)
		return
	}

	artifacts := h.Knowledge.Query(strings.Split(raw, ","))
	if artifacts == nil {
		artifacts = []domain.KnowledgeArtifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// GetArtifact handles GET /api/v1/knowledge/{artifactID}.
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := h.Knowledge.Get(r.PathValue("artifactID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

// ApproveArtifact handles POST /api/v1/knowledge/{artifactID}/approve.
func (h *Handler) ApproveArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.Knowledge.Approve(r.Context(), r.PathValue("artifactID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RejectArtifact handles POST /api/v1/knowledge/{artifactID}/reject.
func (h *Handler) RejectArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.Knowledge.Reject(r.Context(), r.PathValue("artifactID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshBaseline handles POST /api/v1/baseline/refresh.
func (h *Handler) RefreshBaseline(w http.ResponseWriter, r *http.Request) {
	baseline, err := h.Baseline.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprints": baseline.Fingerprints(),
		"count":        baseline.Len(),
	})
}

// GetBaseline handles GET /api/v1/baseline.
func (h *Handler) GetBaseline(w http.ResponseWriter, r *http.Request) {
	baseline := h.Baseline.Current()
	if baseline == nil {
		writeJSON(w, http.StatusNotFound, APIError{
			Code: domain.ErrBaselineMissing.Code, Message: domain.ErrBaselineMissing.Message,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprints": baseline.Fingerprints(),
		"count":        baseline.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if engErr, ok := err.(*domain.EngineError); ok {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrTaskNotFound.Code, domain.ErrArtifactNotFound.Code, domain.ErrDecisionNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrDuplicateTask.Code:
			status = http.StatusConflict
		case domain.ErrUnknownDependency.Code, domain.ErrDependencyCycle.Code,
			domain.ErrNoWorkerType.Code, domain.ErrWorkerUnavailable.Code,
			domain.ErrArtifactNoTags.Code, domain.ErrInvalidImpact.Code:
			status = http.StatusBadRequest
		case domain.ErrTaskNotRetryable.Code, domain.ErrTaskTerminal.Code,
			domain.ErrInvalidTransition.Code, domain.ErrInvalidDecision.Code,
			domain.ErrArtifactNotDraft.Code:
			status = http.StatusUnprocessableEntity
		case domain.ErrCheckUnavailable.Code, domain.ErrNoChecks.Code:
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}
