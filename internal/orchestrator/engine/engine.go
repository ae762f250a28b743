package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/memnexus/memnexus/internal/common/config"
	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/graph"
	"github.com/memnexus/memnexus/internal/memory"
	"github.com/memnexus/memnexus/internal/session"
	"go.uber.org/zap"
)

// AgentProvider locates an idle agent of a given role within a session. It
// returns ok=false when no idle agent of that role currently exists.
// ReleaseAgent returns a previously acquired agent to the idle pool so a
// later task can reuse it.
type AgentProvider interface {
	AcquireAgent(sessionID string, role session.Role) (conn AgentConnection, agentID string, ok bool)
	ReleaseAgent(sessionID, agentID string)
}

// MemoryStore is the subset of store.Store the engine writes task results
// through.
type MemoryStore interface {
	Add(ctx context.Context, record *memory.Record) (string, error)
}

// SyncPublisher is the subset of bus.Bus the engine fans task events out
// through.
type SyncPublisher interface {
	Publish(sessionID string, event memory.SyncEvent)
}

// Event is one orchestration-level notification delivered to a plan's
// onEvent subscriber.
type Event struct {
	Type      string
	SessionID string
	TaskID    string
	Data      map[string]interface{}
	Timestamp time.Time
}

// EventFunc receives orchestration events as they occur.
type EventFunc func(Event)

type sessionState struct {
	executor *TaskExecutor
	plan     *Plan
}

// Engine is the Orchestrator Engine (C7): per session it holds an
// executor and an execution plan, and dispatches ExecutePlan to a
// strategy-specific handler.
type Engine struct {
	agents AgentProvider
	store  MemoryStore
	bus    SyncPublisher
	cfg    config.SchedulerConfig
	log    *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState

	cbMu      sync.Mutex
	callbacks []taggedCallback
	nextCBID  int
}

type taggedCallback struct {
	id int
	fn EventFunc
}

// New returns an Engine wired to its collaborators. store and bus may be
// nil, in which case task results are not persisted or published.
func New(agents AgentProvider, store MemoryStore, bus SyncPublisher, cfg config.SchedulerConfig, log *logger.Logger) *Engine {
	return &Engine{
		agents:   agents,
		store:    store,
		bus:      bus,
		cfg:      cfg,
		log:      log.WithFields(zap.String("component", "orchestrator-engine")),
		sessions: make(map[string]*sessionState),
	}
}

// Initialize prepares the engine to run tasks for a session.
func (e *Engine) Initialize(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	executor := NewTaskExecutor(func(taskID string, data map[string]interface{}) {
		e.emit(Event{Type: "task_progress", SessionID: sessionID, TaskID: taskID, Data: data, Timestamp: time.Now()})
	}, e.log)

	e.sessions[sessionID] = &sessionState{executor: executor}
}

// CreatePlan computes phases for tasks and sets each task's initial state:
// tasks without dependencies become ready, others wait on their deps.
func (e *Engine) CreatePlan(sessionID string, strategy session.Strategy, tasks []*Task) (*Plan, error) {
	sched := graph.NewScheduler()
	for _, t := range tasks {
		sched.AddTask(graph.Node{ID: t.ID, Role: t.Role, Dependencies: t.Dependencies})
	}

	result, err := sched.CreateSchedule(sessionID, strategy, nil)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		SessionID: sessionID,
		Strategy:  strategy,
		Tasks:     tasks,
		Phases:    result.Phases,
		CreatedAt: time.Now(),
	}

	for _, t := range tasks {
		if len(t.Dependencies) == 0 {
			t.State = StateReady
		} else {
			t.State = StateWaitingForDeps
		}
	}

	e.mu.Lock()
	if st, ok := e.sessions[sessionID]; ok {
		st.plan = plan
	}
	e.mu.Unlock()

	return plan, nil
}

// ExecutePlan runs plan to completion (or failure) under its strategy.
func (e *Engine) ExecutePlan(ctx context.Context, plan *Plan, onEvent EventFunc) (bool, error) {
	if onEvent != nil {
		e.cbMu.Lock()
		e.nextCBID++
		cbID := e.nextCBID
		e.callbacks = append(e.callbacks, taggedCallback{id: cbID, fn: onEvent})
		e.cbMu.Unlock()
		defer func() {
			e.cbMu.Lock()
			for i, cb := range e.callbacks {
				if cb.id == cbID {
					e.callbacks = append(e.callbacks[:i], e.callbacks[i+1:]...)
					break
				}
			}
			e.cbMu.Unlock()
		}()
	}

	e.mu.RLock()
	st, ok := e.sessions[plan.SessionID]
	e.mu.RUnlock()
	if !ok {
		return false, errors.NewBadRequest(fmt.Sprintf("orchestrator not initialized for session %s", plan.SessionID))
	}

	var (
		success bool
		err     error
	)
	switch plan.Strategy {
	case session.StrategySequential:
		success, err = e.executeSequential(ctx, plan, st.executor)
	case session.StrategyParallel:
		success, err = e.executeParallel(ctx, plan, st.executor)
	case session.StrategyReview:
		success, err = e.executeWithReview(ctx, plan, st.executor)
	case session.StrategyAuto:
		if hasAnyDependency(plan.Tasks) {
			success, err = e.executeParallel(ctx, plan, st.executor)
		} else {
			success, err = e.executeSequential(ctx, plan, st.executor)
		}
	default:
		return false, errors.NewBadRequest("unknown execution strategy: " + string(plan.Strategy))
	}

	for _, t := range plan.CompletedTasks() {
		e.recordResult(ctx, plan.SessionID, t)
	}

	return success, err
}

func hasAnyDependency(tasks []*Task) bool {
	for _, t := range tasks {
		if len(t.Dependencies) > 0 {
			return true
		}
	}
	return false
}

func (e *Engine) executeSequential(ctx context.Context, plan *Plan, executor *TaskExecutor) (bool, error) {
	for _, task := range plan.Tasks {
		if !e.waitForDependencies(ctx, plan, task) {
			return false, nil
		}

		if err := e.runWithRetries(ctx, plan, executor, task); err != nil {
			return false, nil
		}
		if task.State == StateFailed {
			return false, nil
		}

		e.promoteDependents(plan, task)
	}
	return true, nil
}

func (e *Engine) executeParallel(ctx context.Context, plan *Plan, executor *TaskExecutor) (bool, error) {
	completed := make(map[string]struct{})
	failed := false

	for len(completed) < len(plan.Tasks) && !failed {
		ready := plan.ReadyTasks()
		var pending []*Task
		for _, t := range ready {
			if _, done := completed[t.ID]; !done {
				pending = append(pending, t)
			}
		}

		if len(pending) == 0 {
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		var wg sync.WaitGroup
		results := make([]bool, len(pending))
		for i, t := range pending {
			wg.Add(1)
			go func(i int, task *Task) {
				defer wg.Done()
				err := e.runWithRetries(ctx, plan, executor, task)
				if err == nil && task.State == StateCompleted {
					results[i] = true
				}
			}(i, t)
		}
		wg.Wait()

		for i, t := range pending {
			if results[i] {
				completed[t.ID] = struct{}{}
				e.promoteDependents(plan, t)
			} else if t.State == StateFailed {
				e.cascadeCancel(plan, t.ID)
				failed = true
			}
		}
	}

	return !failed, nil
}

func (e *Engine) executeWithReview(ctx context.Context, plan *Plan, executor *TaskExecutor) (bool, error) {
	ok, err := e.executeSequential(ctx, plan, executor)
	if !ok || err != nil {
		return ok, err
	}

	for _, task := range plan.Tasks {
		if task.State != StateCompleted {
			continue
		}
		reviewTask := NewTask("review_"+task.ID, "Review: "+task.Name, "Review task "+task.Name, session.RoleReviewer,
			"Review the following work:\n"+task.Result, nil)
		reviewTask.State = StateReady

		e.runWithRetries(ctx, plan, executor, reviewTask)
		plan.Tasks = append(plan.Tasks, reviewTask)
	}

	return true, nil
}

// waitForDependencies polls (every DependencyPollInterval) until task's
// dependencies are all completed, one of them fails (cancelling task), or
// the overall DependencyWaitTimeout elapses.
func (e *Engine) waitForDependencies(ctx context.Context, plan *Plan, task *Task) bool {
	if len(task.Dependencies) == 0 {
		return true
	}

	poll := e.cfg.DependencyPollIntervalDuration()
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	timeout := e.cfg.DependencyWaitTimeoutDuration()
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	start := time.Now()

	for {
		allDone := true
		for _, depID := range task.Dependencies {
			dep := plan.GetTask(depID)
			if dep == nil {
				return false
			}
			if dep.State == StateFailed {
				task.State = StateCancelled
				task.Error = "dependency failed: " + depID
				return false
			}
			if dep.State != StateCompleted {
				allDone = false
			}
		}
		if allDone {
			return true
		}

		if time.Since(start) > timeout {
			task.State = StateFailed
			task.Error = "timeout waiting for dependencies"
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(poll):
		}
	}
}

// runWithRetries executes task, applying the retry policy: on failure,
// increment RetryCount and retry while under MaxRetries; past the limit,
// mark failed with the error recorded. Each attempt acquires its own
// agent and releases it before the next attempt is tried, so a single
// agent of the task's role can service every retry instead of being held
// for the whole retry chain.
func (e *Engine) runWithRetries(ctx context.Context, plan *Plan, executor *TaskExecutor, task *Task) error {
	for {
		conn, agentID, ok := e.acquireAgentWithWarning(ctx, plan.SessionID, task)
		if !ok {
			task.State = StateFailed
			task.Error = fmt.Sprintf("no agent available for role: %s", task.Role)
			return errors.NewAgentUnavailable(string(task.Role))
		}

		task.AssignedAgent = agentID
		task.State = StateAssigned

		previous := e.previousResults(plan, task)
		success := executor.Execute(ctx, task, conn, previous)
		e.agents.ReleaseAgent(plan.SessionID, agentID)
		if success {
			return nil
		}

		task.RetryCount++
		if task.RetryCount < task.MaxRetries {
			task.State = StateRetrying
			continue
		}

		task.State = StateFailed
		completed := time.Now()
		task.CompletedAt = &completed
		e.emit(Event{Type: "task_progress", SessionID: plan.SessionID, TaskID: task.ID,
			Data: map[string]interface{}{"status": "failed", "error": task.Error}, Timestamp: time.Now()})
		return errors.NewTaskFailed(task.ID, task.Error)
	}
}

// acquireAgentWithWarning blocks briefly retrying AcquireAgent; after
// StarvationWarningAfter of no idle agent it logs a warning but keeps
// retrying until the context is done. A zero StarvationWarningAfter
// disables the warning (used by tests) without disabling the wait.
func (e *Engine) acquireAgentWithWarning(ctx context.Context, sessionID string, task *Task) (AgentConnection, string, bool) {
	if conn, id, ok := e.agents.AcquireAgent(sessionID, task.Role); ok {
		return conn, id, true
	}

	warnAfter := e.cfg.StarvationWarningDuration()
	start := time.Now()
	warned := false

	for {
		select {
		case <-ctx.Done():
			return nil, "", false
		case <-time.After(200 * time.Millisecond):
		}

		if conn, id, ok := e.agents.AcquireAgent(sessionID, task.Role); ok {
			return conn, id, true
		}

		if warnAfter > 0 && !warned && time.Since(start) > warnAfter {
			warned = true
			e.log.Warn("agent starvation", zap.String("role", string(task.Role)), zap.String("task_id", task.ID))
		}
	}
}

func (e *Engine) previousResults(plan *Plan, task *Task) map[string]string {
	if len(task.Dependencies) == 0 {
		return nil
	}
	results := make(map[string]string, len(task.Dependencies))
	for _, depID := range task.Dependencies {
		if dep := plan.GetTask(depID); dep != nil && dep.Result != "" {
			results[depID] = dep.Result
		}
	}
	return results
}

func (e *Engine) promoteDependents(plan *Plan, completedTask *Task) {
	for _, t := range plan.Tasks {
		if t.State != StateWaitingForDeps || !dependsOn(t, completedTask.ID) {
			continue
		}
		allComplete := true
		for _, depID := range t.Dependencies {
			if dep := plan.GetTask(depID); dep == nil || dep.State != StateCompleted {
				allComplete = false
				break
			}
		}
		if allComplete {
			t.State = StateReady
		}
	}
}

func dependsOn(t *Task, id string) bool {
	for _, d := range t.Dependencies {
		if d == id {
			return true
		}
	}
	return false
}

// cascadeCancel walks transitive dependents of a failed task and marks
// them cancelled.
func (e *Engine) cascadeCancel(plan *Plan, failedID string) {
	g := graph.New()
	for _, t := range plan.Tasks {
		g.AddTask(graph.Node{ID: t.ID, Dependencies: t.Dependencies})
	}
	for _, depID := range g.Dependents(failedID) {
		t := plan.GetTask(depID)
		if t == nil || t.State == StateCompleted || t.State == StateCancelled {
			continue
		}
		t.State = StateCancelled
		t.Error = "dependency failed: " + failedID
		e.cascadeCancel(plan, depID)
	}
}

func (e *Engine) recordResult(ctx context.Context, sessionID string, task *Task) {
	if e.store != nil {
		record := &memory.Record{
			Content:   task.Result,
			Source:    task.AssignedAgent,
			SessionID: sessionID,
			Type:      memory.TypeTaskResult,
			Metadata:  map[string]interface{}{"task_id": task.ID},
			Timestamp: time.Now(),
		}
		id, err := e.store.Add(ctx, record)
		if err != nil {
			e.log.Warn("failed to record task result", zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		record.ID = id
		if e.bus != nil {
			e.bus.Publish(sessionID, memory.SyncEvent{
				Type: memory.EventCreated, SessionID: sessionID, Memory: *record,
				Source: task.AssignedAgent, Timestamp: time.Now(),
			})
		}
	}
}

func (e *Engine) emit(evt Event) {
	e.cbMu.Lock()
	callbacks := append([]taggedCallback{}, e.callbacks...)
	e.cbMu.Unlock()
	for _, cb := range callbacks {
		cb.fn(evt)
	}
}

// Pause is currently a no-op, mirroring the original implementation.
func (e *Engine) Pause(sessionID string) {}

// Resume is currently a no-op, mirroring the original implementation.
func (e *Engine) Resume(sessionID string) {}

// Close tears down orchestrator state for a session.
func (e *Engine) Close(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}
