package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/memnexus/memnexus/internal/acp"
	"github.com/memnexus/memnexus/internal/common/config"
	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/session"
)

// fakeConn immediately streams a single message event and then finalizes.
type fakeConn struct {
	text string
	fail bool
}

func (c *fakeConn) SendPrompt(ctx context.Context, text string, promptContext json.RawMessage) (<-chan acp.PromptEvent, error) {
	ch := make(chan acp.PromptEvent, 2)
	if c.fail {
		ch <- acp.PromptEvent{Kind: acp.PromptEventError, Err: "boom", Final: true}
	} else {
		ch <- acp.PromptEvent{Kind: acp.PromptEventMessage, Text: c.text, Final: true}
	}
	close(ch)
	return ch, nil
}

// fakeProvider always has an idle agent for any role unless told otherwise.
type fakeProvider struct {
	available bool
	fail      bool
}

func (p *fakeProvider) AcquireAgent(sessionID string, role session.Role) (AgentConnection, string, bool) {
	if !p.available {
		return nil, "", false
	}
	return &fakeConn{text: "done:" + string(role), fail: p.fail}, "agent-" + string(role), true
}

func (p *fakeProvider) ReleaseAgent(sessionID, agentID string) {}

// flakyConn fails its first failuresBeforeSuccess calls, then succeeds.
type flakyConn struct {
	mu                    sync.Mutex
	attempts              int
	failuresBeforeSuccess int
}

func (c *flakyConn) SendPrompt(ctx context.Context, text string, promptContext json.RawMessage) (<-chan acp.PromptEvent, error) {
	c.mu.Lock()
	c.attempts++
	fail := c.attempts <= c.failuresBeforeSuccess
	c.mu.Unlock()

	ch := make(chan acp.PromptEvent, 2)
	if fail {
		ch <- acp.PromptEvent{Kind: acp.PromptEventError, Err: "transient failure", Final: true}
	} else {
		ch <- acp.PromptEvent{Kind: acp.PromptEventMessage, Text: "done", Final: true}
	}
	close(ch)
	return ch, nil
}

// singleAgentProvider models exactly one agent per role, tracking busy
// state the way session.Manager's AcquireIdleAgent/ReleaseAgent do: a task
// retry that never releases its agent would starve every subsequent
// acquisition attempt, including its own retries.
type singleAgentProvider struct {
	mu   sync.Mutex
	busy bool
	conn AgentConnection
}

func (p *singleAgentProvider) AcquireAgent(sessionID string, role session.Role) (AgentConnection, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy {
		return nil, "", false
	}
	p.busy = true
	return p.conn, "agent-" + string(role), true
}

func (p *singleAgentProvider) ReleaseAgent(sessionID, agentID string) {
	p.mu.Lock()
	p.busy = false
	p.mu.Unlock()
}

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		DependencyPollInterval: 1,
		DependencyWaitTimeout:  2,
		StarvationWarningAfter: 0,
		DefaultMaxRetries:      3,
	}
}

func TestCreatePlanSetsInitialStates(t *testing.T) {
	e := New(&fakeProvider{available: true}, nil, nil, testConfig(), logger.Default())
	e.Initialize("sess-1")

	a := NewTask("a", "A", "", session.RoleBackend, "do a", nil)
	b := NewTask("b", "B", "", session.RoleBackend, "do b", []string{"a"})

	plan, err := e.CreatePlan("sess-1", session.StrategySequential, []*Task{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.State != StateReady {
		t.Errorf("expected a ready, got %s", a.State)
	}
	if b.State != StateWaitingForDeps {
		t.Errorf("expected b waiting_for_deps, got %s", b.State)
	}
	if len(plan.Phases) != 2 {
		t.Errorf("expected 2 phases, got %v", plan.Phases)
	}
}

func TestExecutePlanSequentialCompletes(t *testing.T) {
	e := New(&fakeProvider{available: true}, nil, nil, testConfig(), logger.Default())
	e.Initialize("sess-1")

	a := NewTask("a", "A", "", session.RoleBackend, "do a", nil)
	b := NewTask("b", "B", "", session.RoleBackend, "do b", []string{"a"})
	plan, err := e.CreatePlan("sess-1", session.StrategySequential, []*Task{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := e.ExecutePlan(ctx, plan, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected plan to succeed")
	}
	if plan.Status() != "completed" {
		t.Errorf("expected completed status, got %s", plan.Status())
	}
	if b.Result == "" {
		t.Error("expected b to have a result")
	}
}

func TestExecutePlanParallelDiamond(t *testing.T) {
	e := New(&fakeProvider{available: true}, nil, nil, testConfig(), logger.Default())
	e.Initialize("sess-1")

	a := NewTask("a", "A", "", session.RoleBackend, "a", nil)
	b := NewTask("b", "B", "", session.RoleBackend, "b", []string{"a"})
	c := NewTask("c", "C", "", session.RoleBackend, "c", []string{"a"})
	d := NewTask("d", "D", "", session.RoleBackend, "d", []string{"b", "c"})

	plan, err := e.CreatePlan("sess-1", session.StrategyParallel, []*Task{a, b, c, d})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []Event
	ok, err := e.ExecutePlan(ctx, plan, func(evt Event) { events = append(events, evt) })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected plan to succeed")
	}
	if len(events) == 0 {
		t.Error("expected progress events to be emitted")
	}
}

func TestExecutePlanCascadesCancelOnFailure(t *testing.T) {
	e := New(&fakeProvider{available: true, fail: true}, nil, nil, testConfig(), logger.Default())
	e.Initialize("sess-1")

	a := NewTask("a", "A", "", session.RoleBackend, "a", nil)
	a.MaxRetries = 1
	b := NewTask("b", "B", "", session.RoleBackend, "b", []string{"a"})

	plan, err := e.CreatePlan("sess-1", session.StrategyParallel, []*Task{a, b})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, _ := e.ExecutePlan(ctx, plan, nil)
	if ok {
		t.Fatal("expected plan to fail")
	}
	if a.State != StateFailed {
		t.Errorf("expected a failed, got %s", a.State)
	}
	if b.State != StateCancelled {
		t.Errorf("expected b cancelled via cascade, got %s", b.State)
	}
}

// TestRunWithRetriesReleasesAgentBetweenAttempts proves a single agent of a
// role can service a task across multiple retries. A provider that refuses
// to hand out an already-held agent, paired with a connection that fails
// twice before succeeding, deadlocks unless the agent is released after
// each failed attempt and before the next is acquired.
func TestRunWithRetriesReleasesAgentBetweenAttempts(t *testing.T) {
	conn := &flakyConn{failuresBeforeSuccess: 2}
	provider := &singleAgentProvider{conn: conn}

	e := New(provider, nil, nil, testConfig(), logger.Default())
	e.Initialize("sess-1")

	a := NewTask("a", "A", "", session.RoleBackend, "a", nil)
	a.MaxRetries = 3
	plan, err := e.CreatePlan("sess-1", session.StrategySequential, []*Task{a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := e.ExecutePlan(ctx, plan, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected plan to succeed after retries, task state=%s error=%s", a.State, a.Error)
	}
	if a.State != StateCompleted {
		t.Errorf("expected task completed, got %s", a.State)
	}
	if a.RetryCount != 2 {
		t.Errorf("expected 2 retries before success, got %d", a.RetryCount)
	}
}

func TestRunWithRetriesFailsAfterMaxRetries(t *testing.T) {
	e := New(&fakeProvider{available: true, fail: true}, nil, nil, testConfig(), logger.Default())
	e.Initialize("sess-1")

	a := NewTask("a", "A", "", session.RoleBackend, "a", nil)
	a.MaxRetries = 2
	plan, err := e.CreatePlan("sess-1", session.StrategySequential, []*Task{a})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, _ := e.ExecutePlan(ctx, plan, nil)
	if ok {
		t.Fatal("expected plan to fail")
	}
	if a.RetryCount != a.MaxRetries {
		t.Errorf("expected retry count to reach max (%d), got %d", a.MaxRetries, a.RetryCount)
	}
}
