package session

import (
	"context"
	"testing"
	"time"

	"github.com/memnexus/memnexus/internal/common/logger"
	"github.com/memnexus/memnexus/internal/supervisor"
)

func newTestManager() *Manager {
	return NewManager(supervisor.NewProcessSupervisor(logger.Default()), nil, nil, logger.Default())
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager()
	s := m.Create("demo", "a demo session", StrategySequential, "/tmp")

	got, ok := m.Get(s.ID)
	if !ok {
		t.Fatal("expected session to be retrievable")
	}
	if got.Status != StatusCreated {
		t.Errorf("expected created status, got %s", got.Status)
	}
}

func TestListAllAndUpdateStatus(t *testing.T) {
	m := newTestManager()
	s1 := m.Create("one", "", StrategySequential, "")
	m.Create("two", "", StrategySequential, "")

	if len(m.ListAll()) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(m.ListAll()))
	}

	if err := m.UpdateStatus(s1.ID, StatusRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, _ := m.Get(s1.ID)
	if got.Status != StatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
}

func TestUpdateStatusUnknownSessionErrors(t *testing.T) {
	m := newTestManager()
	if err := m.UpdateStatus("does-not-exist", StatusRunning); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestDeleteUnknownSessionErrors(t *testing.T) {
	m := newTestManager()
	if err := m.Delete(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestDeleteStopsLaunchedAgent(t *testing.T) {
	m := newTestManager()
	s := m.Create("demo", "", StrategySequential, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := m.supervisor.Spawn(ctx, supervisor.AgentConfig{
		AgentID: "agent-1", SessionID: s.ID, AgentName: "sleeper", Command: "sleep", Args: []string{"30"},
	}, func(supervisor.OutputLine) {})
	if err != nil {
		t.Fatalf("failed to spawn sleeper: %v", err)
	}

	m.mu.Lock()
	s.AgentIDs = append(s.AgentIDs, "agent-1")
	m.agents[s.ID] = append(m.agents[s.ID], &runtimeAgent{
		agent:  &Agent{ID: "agent-1", SessionID: s.ID, Status: AgentIdle},
		handle: handle,
	})
	m.mu.Unlock()

	if err := m.Delete(ctx, s.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := m.Get(s.ID); ok {
		t.Error("expected session to be gone after delete")
	}

	exitCtx, exitCancel := context.WithTimeout(context.Background(), time.Second)
	defer exitCancel()
	info := handle.Wait(exitCtx)
	// Delete stops the agent before returning, so Wait reports the reaped
	// process at once instead of running into its own 1s deadline.
	if info.Err != nil {
		t.Errorf("expected the agent to have exited after delete, got %v", info.Err)
	}
}

func TestAcquireAndReleaseIdleAgent(t *testing.T) {
	m := newTestManager()
	s := m.Create("demo", "", StrategySequential, "")

	m.mu.Lock()
	m.agents[s.ID] = append(m.agents[s.ID], &runtimeAgent{
		agent: &Agent{ID: "agent-1", SessionID: s.ID, Role: RoleBackend, Status: AgentIdle},
	})
	m.mu.Unlock()

	_, id, ok := m.AcquireIdleAgent(s.ID, RoleBackend)
	if !ok || id != "agent-1" {
		t.Fatalf("expected to acquire agent-1, got id=%q ok=%v", id, ok)
	}

	if _, _, ok := m.AcquireIdleAgent(s.ID, RoleBackend); ok {
		t.Fatal("expected agent to be unavailable once assigned")
	}

	m.ReleaseAgent(s.ID, "agent-1")
	if _, _, ok := m.AcquireIdleAgent(s.ID, RoleBackend); !ok {
		t.Fatal("expected agent to be idle again after release")
	}
}

func TestLaunchAgentUnknownSessionReturnsError(t *testing.T) {
	m := newTestManager()
	result := m.LaunchAgent(context.Background(), "missing", LaunchAgentRequest{CLI: "claude-code", Name: "a"})
	if result.Error == "" {
		t.Fatal("expected an error for an unknown session")
	}
}

func TestLaunchAgentSpawnFailureReturnsError(t *testing.T) {
	m := newTestManager()
	s := m.Create("demo", "", StrategySequential, "")

	result := m.LaunchAgent(context.Background(), s.ID, LaunchAgentRequest{CLI: "definitely-not-a-real-binary", Name: "a"})
	if result.Error == "" {
		t.Fatal("expected an error for an unresolvable command")
	}
}
