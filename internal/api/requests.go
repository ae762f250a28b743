// Package api provides the ambient HTTP surface over the orchestration
// core: sessions, agents, plans, memory search, and intervention
// resolution.
package api

import (
	"time"

	"github.com/memnexus/memnexus/internal/intervention"
	"github.com/memnexus/memnexus/internal/memory"
	"github.com/memnexus/memnexus/internal/orchestrator/engine"
	"github.com/memnexus/memnexus/internal/session"
)

// CreateSessionRequest creates a new orchestration session.
type CreateSessionRequest struct {
	Name        string           `json:"name" binding:"required"`
	Description string           `json:"description"`
	Strategy    session.Strategy `json:"strategy"`
	WorkDir     string           `json:"work_dir"`
}

// LaunchAgentRequest launches a new agent subprocess within a session.
type LaunchAgentRequest struct {
	Role       session.Role      `json:"role"`
	CLI        string            `json:"cli" binding:"required"`
	Name       string            `json:"name"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"env,omitempty"`
}

// TaskRequest describes one task of a plan being created.
type TaskRequest struct {
	ID           string       `json:"id" binding:"required"`
	Name         string       `json:"name" binding:"required"`
	Description  string       `json:"description"`
	Role         session.Role `json:"role"`
	Prompt       string       `json:"prompt"`
	Dependencies []string     `json:"dependencies,omitempty"`
	MaxRetries   int          `json:"max_retries,omitempty"`
	Priority     int          `json:"priority,omitempty"`
}

// CreatePlanRequest creates an Execution Plan for a session.
type CreatePlanRequest struct {
	Strategy session.Strategy `json:"strategy"`
	Tasks    []TaskRequest    `json:"tasks" binding:"required"`
}

// ResolveInterventionRequest resolves a pending intervention point.
type ResolveInterventionRequest struct {
	Action     intervention.Action `json:"action" binding:"required"`
	Message    string              `json:"message"`
	ResolvedBy string              `json:"resolved_by"`
}

// SessionResponse mirrors session.Session for the wire.
type SessionResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Status    session.Status   `json:"status"`
	Strategy  session.Strategy `json:"strategy"`
	WorkDir   string           `json:"work_dir"`
	AgentIDs  []string         `json:"agent_ids"`
	TaskIDs   []string         `json:"task_ids"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func sessionToResponse(s *session.Session) SessionResponse {
	return SessionResponse{
		ID: s.ID, Name: s.Name, Status: s.Status, Strategy: s.Strategy, WorkDir: s.WorkDir,
		AgentIDs: s.AgentIDs, TaskIDs: s.TaskIDs, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

// SessionsListResponse lists every tracked session.
type SessionsListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int                `json:"total"`
}

// PlanResponse mirrors engine.Plan for the wire, including each task's
// current state.
type PlanResponse struct {
	SessionID string           `json:"session_id"`
	Strategy  session.Strategy `json:"strategy"`
	Phases    [][]string       `json:"phases"`
	Tasks     []TaskResponse   `json:"tasks"`
}

// TaskResponse mirrors engine.Task for the wire.
type TaskResponse struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	State      engine.TaskState `json:"state"`
	Role       session.Role     `json:"role"`
	Priority   int              `json:"priority"`
	Result     string           `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
	RetryCount int              `json:"retry_count"`
}

func planToResponse(p *engine.Plan) PlanResponse {
	resp := PlanResponse{SessionID: p.SessionID, Strategy: p.Strategy, Phases: p.Phases}
	for _, t := range p.Tasks {
		resp.Tasks = append(resp.Tasks, TaskResponse{
			ID: t.ID, Name: t.Name, State: t.State, Role: t.Role, Priority: t.Priority,
			Result: t.Result, Error: t.Error, RetryCount: t.RetryCount,
		})
	}
	return resp
}

// ExecutePlanResponse reports the outcome of running a plan to completion.
type ExecutePlanResponse struct {
	Success bool         `json:"success"`
	Status  string       `json:"status"`
	Plan    PlanResponse `json:"plan"`
}

// MemoryListResponse lists a session's memory records.
type MemoryListResponse struct {
	Records []memory.Record `json:"records"`
	Total   int             `json:"total"`
}

// InterventionResponse mirrors intervention.Point for the wire.
type InterventionResponse struct {
	ID          string                 `json:"id"`
	Type        intervention.Type      `json:"type"`
	TaskID      string                 `json:"task_id"`
	SessionID   string                 `json:"session_id"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Status      intervention.Status    `json:"status"`
	Options     []intervention.Option  `json:"options,omitempty"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

func interventionToResponse(p *intervention.Point) InterventionResponse {
	return InterventionResponse{
		ID: p.ID, Type: p.Type, TaskID: p.TaskID, SessionID: p.SessionID,
		Title: p.Title, Description: p.Description, Status: p.Status,
		Options: p.Options, Context: p.Context,
	}
}

// HealthResponse reports liveness for the root health check.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}
