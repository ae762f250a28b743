package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/intervention"
	"github.com/memnexus/memnexus/internal/memory/store"
	"github.com/memnexus/memnexus/internal/orchestrator/engine"
	"github.com/memnexus/memnexus/internal/session"
)

// Handler contains HTTP handlers for the memnexus API.
type Handler struct {
	sessions      *session.Manager
	orchestrator  *engine.Engine
	interventions *intervention.Registry
	store         store.Store
	logger        *logger.Logger

	plansMu sync.Mutex
	plans   map[string]*engine.Plan // last plan created, by session id
}

// NewHandler wires a Handler to its collaborators.
func NewHandler(sessions *session.Manager, orch *engine.Engine, interventions *intervention.Registry, st store.Store, log *logger.Logger) *Handler {
	return &Handler{
		sessions:      sessions,
		orchestrator:  orch,
		interventions: interventions,
		store:         st,
		plans:         make(map[string]*engine.Plan),
		logger:        log.WithFields(zap.String("component", "api")),
	}
}

func writeAppError(c *gin.Context, err error) {
	if appErr, ok := err.(*errors.AppError); ok {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	c.JSON(http.StatusInternalServerError, errors.NewInternal("unexpected error", err))
}

// CreateSession creates a new orchestration session.
// POST /sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, errors.NewBadRequest("invalid request body: "+err.Error()))
		return
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = session.StrategySequential
	}

	s := h.sessions.Create(req.Name, req.Description, strategy, req.WorkDir)
	h.orchestrator.Initialize(s.ID)
	c.JSON(http.StatusCreated, sessionToResponse(s))
}

// ListSessions lists every tracked session.
// GET /sessions
func (h *Handler) ListSessions(c *gin.Context) {
	all := h.sessions.ListAll()
	resp := SessionsListResponse{Sessions: make([]SessionResponse, 0, len(all)), Total: len(all)}
	for _, s := range all {
		resp.Sessions = append(resp.Sessions, sessionToResponse(s))
	}
	c.JSON(http.StatusOK, resp)
}

// GetSession returns a single session.
// GET /sessions/:id
func (h *Handler) GetSession(c *gin.Context) {
	id := c.Param("id")
	s, ok := h.sessions.Get(id)
	if !ok {
		writeAppError(c, errors.NewNotFound("session", id))
		return
	}
	c.JSON(http.StatusOK, sessionToResponse(s))
}

// DeleteSession stops a session's agents and removes it.
// DELETE /sessions/:id
func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Delete(c.Request.Context(), id); err != nil {
		writeAppError(c, err)
		return
	}
	h.orchestrator.Close(id)
	c.JSON(http.StatusOK, gin.H{"message": "session deleted"})
}

// LaunchAgent spawns a new agent subprocess within a session.
// POST /sessions/:id/agents
func (h *Handler) LaunchAgent(c *gin.Context) {
	id := c.Param("id")
	var req LaunchAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, errors.NewBadRequest("invalid request body: "+err.Error()))
		return
	}

	result := h.sessions.LaunchAgent(c.Request.Context(), id, session.LaunchAgentRequest{
		Role: req.Role, CLI: req.CLI, Name: req.Name, WorkingDir: req.WorkingDir, Env: req.Env,
	})
	if result.Error != "" {
		writeAppError(c, errors.NewBadRequest(result.Error))
		return
	}
	c.JSON(http.StatusCreated, result)
}

// CreatePlan builds an Execution Plan for a session's task graph without
// running it.
// POST /sessions/:id/plan
func (h *Handler) CreatePlan(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.sessions.Get(id); !ok {
		writeAppError(c, errors.NewNotFound("session", id))
		return
	}

	var req CreatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, errors.NewBadRequest("invalid request body: "+err.Error()))
		return
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = session.StrategySequential
	}

	tasks := make([]*engine.Task, 0, len(req.Tasks))
	for _, t := range req.Tasks {
		task := engine.NewTask(t.ID, t.Name, t.Description, t.Role, t.Prompt, t.Dependencies)
		if t.MaxRetries > 0 {
			task.MaxRetries = t.MaxRetries
		}
		task.Priority = t.Priority
		tasks = append(tasks, task)
	}

	plan, err := h.orchestrator.CreatePlan(id, strategy, tasks)
	if err != nil {
		writeAppError(c, err)
		return
	}
	h.rememberPlan(plan)
	c.JSON(http.StatusCreated, planToResponse(plan))
}

func (h *Handler) rememberPlan(p *engine.Plan) {
	h.plansMu.Lock()
	h.plans[p.SessionID] = p
	h.plansMu.Unlock()
}

func (h *Handler) recallPlan(sessionID string) (*engine.Plan, bool) {
	h.plansMu.Lock()
	defer h.plansMu.Unlock()
	p, ok := h.plans[sessionID]
	return p, ok
}

// ExecutePlan runs a session's most recently created plan to completion,
// streaming no response body beyond the final outcome (progress is
// available over the Memory Sync Bus).
// POST /sessions/:id/plan/execute
func (h *Handler) ExecutePlan(c *gin.Context) {
	id := c.Param("id")
	plan, ok := h.recallPlan(id)
	if !ok {
		writeAppError(c, errors.NewBadRequest("no plan has been created for this session"))
		return
	}

	ctx := c.Request.Context()
	success, err := h.orchestrator.ExecutePlan(ctx, plan, nil)
	if err != nil {
		writeAppError(c, err)
		return
	}

	if err := h.sessions.UpdateStatus(id, statusForPlan(success)); err != nil {
		h.logger.Warn("failed to update session status after plan execution", zap.Error(err))
	}
	c.JSON(http.StatusOK, ExecutePlanResponse{Success: success, Status: plan.Status(), Plan: planToResponse(plan)})
}

func statusForPlan(success bool) session.Status {
	if success {
		return session.StatusCompleted
	}
	return session.StatusError
}

// ListMemory returns a session's stored memory records, most recent first.
// GET /sessions/:id/memory
func (h *Handler) ListMemory(c *gin.Context) {
	if h.store == nil {
		writeAppError(c, errors.NewStoreUnavailable("no memory store configured", nil))
		return
	}

	id := c.Param("id")
	limit := 50
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	records, err := h.store.BySession(ctx, id, "", limit)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, MemoryListResponse{Records: records, Total: len(records)})
}

// ResolveIntervention resolves a pending human intervention point.
// POST /interventions/:id/resolve
func (h *Handler) ResolveIntervention(c *gin.Context) {
	id := c.Param("id")
	var req ResolveInterventionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeAppError(c, errors.NewBadRequest("invalid request body: "+err.Error()))
		return
	}

	point, err := h.interventions.Resolve(id, req.Action, req.Message, req.ResolvedBy)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, interventionToResponse(point))
}

// HealthCheck reports liveness.
// GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}
