// Package session defines the Session and Agent data model (C8) and the
// Session Manager that owns their lifecycle.
package session

import "time"

// Status is a Session's lifecycle state.
type Status string

const (
	StatusCreated   Status = "created"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Strategy selects how an Execution Plan schedules its phases.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyReview     Strategy = "review"
	StrategyAuto       Strategy = "auto"
)

// Role is the kind of work an Agent is configured to perform.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleBackend   Role = "backend"
	RoleFrontend  Role = "frontend"
	RoleTester    Role = "tester"
	RoleReviewer  Role = "reviewer"
	RoleDevOps    Role = "devops"
)

// AgentStatus is an Agent's operational state, advancing idle ->
// planning/coding/reviewing -> idle on each task. error and offline are
// terminal for the current subprocess but recoverable by respawn.
type AgentStatus string

const (
	AgentIdle      AgentStatus = "idle"
	AgentPlanning  AgentStatus = "planning"
	AgentCoding    AgentStatus = "coding"
	AgentReviewing AgentStatus = "reviewing"
	AgentWaiting   AgentStatus = "waiting"
	AgentError     AgentStatus = "error"
	AgentOffline   AgentStatus = "offline"
)

// Session is a unit of orchestration: a collection of agents and tasks
// sharing a memory namespace, identified by an 8-char id.
type Session struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Status    Status   `json:"status"`
	Strategy  Strategy `json:"strategy"`
	WorkDir   string   `json:"work_dir"`
	AgentIDs  []string `json:"agent_ids"`
	TaskIDs   []string `json:"task_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Agent is a configured, possibly-running subprocess that executes tasks
// of a given Role within a Session.
type Agent struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Role       Role              `json:"role"`
	Command    string            `json:"command"` // command-line template
	WorkDir    string            `json:"work_dir"`
	Env        map[string]string `json:"env"`
	Status     AgentStatus       `json:"status"`
	PID        int               `json:"pid,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
