// Package engine implements the Orchestrator Engine (C7): it turns an
// Execution Plan into agent activity, dispatching to a strategy-specific
// handler, applying the retry policy, and emitting progress events.
package engine

import (
	"time"

	"github.com/memnexus/memnexus/internal/orchestrator/queue"
	"github.com/memnexus/memnexus/internal/session"
)

// TaskState is a Task's position in its execution lifecycle.
type TaskState string

const (
	StatePending             TaskState = "pending"
	StateWaitingForDeps      TaskState = "waiting_for_deps"
	StateReady               TaskState = "ready"
	StateAssigned            TaskState = "assigned"
	StateRunning             TaskState = "running"
	StateAwaitingReview      TaskState = "awaiting_review"
	StateAwaitingHuman       TaskState = "awaiting_human"
	StateCompleted           TaskState = "completed"
	StateFailed              TaskState = "failed"
	StateCancelled           TaskState = "cancelled"
	StateRetrying            TaskState = "retrying"
)

// Task is one unit of orchestrated work.
type Task struct {
	ID            string
	Name          string
	Description   string
	Role          session.Role
	Prompt        string
	Dependencies  []string
	Priority      int
	State         TaskState
	AssignedAgent string
	Result        string
	Error         string
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Metadata      map[string]interface{}
}

// NewTask returns a Task in the pending state with the default retry
// budget of 3.
func NewTask(id, name, description string, role session.Role, prompt string, dependencies []string) *Task {
	return &Task{
		ID:           id,
		Name:         name,
		Description:  description,
		Role:         role,
		Prompt:       prompt,
		Dependencies: dependencies,
		State:        StatePending,
		MaxRetries:   3,
		CreatedAt:    time.Now(),
		Metadata:     make(map[string]interface{}),
	}
}

// Plan is an execution plan for a session: a task set, the phases the
// Scheduler computed for it, and the strategy driving dispatch.
type Plan struct {
	SessionID string
	Strategy  session.Strategy
	Tasks     []*Task
	Phases    [][]string
	CreatedAt time.Time
}

// GetTask returns the task with the given id, or nil.
func (p *Plan) GetTask(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// ReadyTasks returns tasks currently in the ready state, highest Priority
// first so that when agents are scarce the most important work dispatches
// first.
func (p *Plan) ReadyTasks() []*Task {
	byID := make(map[string]*Task)
	pq := queue.New(0)
	for _, t := range p.Tasks {
		if t.State != StateReady {
			continue
		}
		byID[t.ID] = t
		pq.Enqueue(t.ID, t.Priority)
	}

	ready := make([]*Task, 0, len(byID))
	for item := pq.Dequeue(); item != nil; item = pq.Dequeue() {
		ready = append(ready, byID[item.ID])
	}
	return ready
}

// CompletedTasks returns tasks in the completed state.
func (p *Plan) CompletedTasks() []*Task {
	var completed []*Task
	for _, t := range p.Tasks {
		if t.State == StateCompleted {
			completed = append(completed, t)
		}
	}
	return completed
}

// Progress returns the fraction of tasks in a terminal state.
func (p *Plan) Progress() float64 {
	if len(p.Tasks) == 0 {
		return 0.0
	}
	done := 0
	for _, t := range p.Tasks {
		switch t.State {
		case StateCompleted, StateFailed, StateCancelled:
			done++
		}
	}
	return float64(done) / float64(len(p.Tasks))
}

// Status summarizes a finished plan: completed iff every task completed.
func (p *Plan) Status() string {
	for _, t := range p.Tasks {
		if t.State != StateCompleted {
			return "failed"
		}
	}
	return "completed"
}

// FirstFailure returns the first failed task's error, if any, for
// inclusion as the cause in a failed plan's status.
func (p *Plan) FirstFailure() (taskID string, cause string, found bool) {
	for _, t := range p.Tasks {
		if t.State == StateFailed {
			return t.ID, t.Error, true
		}
	}
	return "", "", false
}
