package supervisor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/memnexus/memnexus/internal/common/logger"
)

func testConfig(agentID, command string, args ...string) AgentConfig {
	return AgentConfig{
		AgentID:   agentID,
		SessionID: "session-1",
		AgentName: "tester",
		Command:   command,
		Args:      args,
	}
}

func TestProcessSupervisorCapturesOutput(t *testing.T) {
	sup := NewProcessSupervisor(logger.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var lines []string
	got := make(chan struct{}, 1)

	handle, err := sup.Spawn(ctx, testConfig("agent-1", "sh", "-c", "echo hello-world"), func(line OutputLine) {
		mu.Lock()
		lines = append(lines, line.Line)
		mu.Unlock()
		select {
		case got <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for output")
	}

	mu.Lock()
	combined := strings.Join(lines, "\n")
	mu.Unlock()
	if !strings.Contains(combined, "hello-world") {
		t.Fatalf("expected output to contain hello-world, got %q", combined)
	}

	exit := handle.Wait(ctx)
	if exit.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", exit.ExitCode)
	}
}

func TestProcessSupervisorSendWritesToStdin(t *testing.T) {
	sup := NewProcessSupervisor(logger.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 1)
	handle, err := sup.Spawn(ctx, testConfig("agent-2", "cat"), func(line OutputLine) {
		got <- line.Line
	})
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	if err := handle.Send(ctx, "echo-me"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	select {
	case line := <-got:
		if line != "echo-me" {
			t.Errorf("expected echoed line %q, got %q", "echo-me", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed stdin")
	}

	if err := handle.Stop(ctx, time.Second); err != nil {
		t.Errorf("stop failed: %v", err)
	}
}

func TestProcessSupervisorStopKillsProcessGroup(t *testing.T) {
	sup := NewProcessSupervisor(logger.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := sup.Spawn(ctx, testConfig("agent-3", "sleep", "30"), nil)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	stopped := make(chan struct{})
	go func() {
		_ = handle.Stop(ctx, 200*time.Millisecond)
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("expected Stop to terminate a long-sleeping process within the grace window")
	}

	exit := handle.Wait(ctx)
	if exit.ExitCode == 0 {
		t.Error("expected a non-zero exit code for a signal-terminated process")
	}
}

func TestProcessSupervisorGetAndShutdown(t *testing.T) {
	sup := NewProcessSupervisor(logger.Default())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handle, err := sup.Spawn(ctx, testConfig("agent-4", "sleep", "30"), nil)
	if err != nil {
		t.Fatalf("spawn failed: %v", err)
	}

	got, ok := sup.Get("agent-4")
	if !ok || got.AgentID() != handle.AgentID() {
		t.Fatal("expected Get to return the spawned handle")
	}

	if _, ok := sup.Get("nonexistent"); ok {
		t.Error("expected Get to report not-found for an untracked agent")
	}

	done := make(chan struct{})
	go func() {
		sup.Shutdown(ctx, 200*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected Shutdown to return once all agents are stopped")
	}
}

func TestProcessSupervisorSpawnUnknownCommand(t *testing.T) {
	sup := NewProcessSupervisor(logger.Default())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := sup.Spawn(ctx, testConfig("agent-5", "definitely-not-a-real-binary-xyz"), nil)
	if err == nil {
		t.Fatal("expected spawn to fail for an unresolvable command")
	}
}
