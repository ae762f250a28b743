package graph

import (
	"testing"
	"time"

	"github.com/memnexus/memnexus/internal/session"
)

func diamond() *Graph {
	g := New()
	g.AddTask(Node{ID: "a"})
	g.AddTask(Node{ID: "b", Dependencies: []string{"a"}})
	g.AddTask(Node{ID: "c", Dependencies: []string{"a"}})
	g.AddTask(Node{ID: "d", Dependencies: []string{"b", "c"}})
	return g
}

func TestPhasesDiamond(t *testing.T) {
	g := diamond()
	phases := g.Phases()
	if len(phases) != 3 {
		t.Fatalf("expected 3 phases, got %d: %v", len(phases), phases)
	}
	if len(phases[0]) != 1 || phases[0][0] != "a" {
		t.Errorf("expected phase 0 = [a], got %v", phases[0])
	}
	if len(phases[1]) != 2 {
		t.Errorf("expected phase 1 to have b and c, got %v", phases[1])
	}
	if len(phases[2]) != 1 || phases[2][0] != "d" {
		t.Errorf("expected phase 2 = [d], got %v", phases[2])
	}
}

func TestTopologicalSortRespectsDependencies(t *testing.T) {
	g := diamond()
	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["a"] > pos["c"] || pos["b"] > pos["d"] || pos["c"] > pos["d"] {
		t.Errorf("topological order violates dependencies: %v", order)
	}
}

func TestDetectCyclesFindsCycle(t *testing.T) {
	g := New()
	g.AddTask(Node{ID: "x", Dependencies: []string{"y"}})
	g.AddTask(Node{ID: "y", Dependencies: []string{"z"}})
	g.AddTask(Node{ID: "z", Dependencies: []string{"x"}})

	cycle, found := g.DetectCycles()
	if !found {
		t.Fatal("expected a cycle to be detected")
	}
	if len(cycle) < 3 {
		t.Errorf("expected cycle of at least 3 nodes, got %v", cycle)
	}
}

func TestTopologicalSortReturnsCycleDetectedOnCycle(t *testing.T) {
	g := New()
	g.AddTask(Node{ID: "x", Dependencies: []string{"y"}})
	g.AddTask(Node{ID: "y", Dependencies: []string{"x"}})

	if _, err := g.TopologicalSort(); err == nil {
		t.Fatal("expected topological sort to fail on a cyclic graph")
	}
}

func TestCriticalPathDiamond(t *testing.T) {
	g := diamond()
	path := g.CriticalPath()
	if len(path) != 3 {
		t.Fatalf("expected critical path of length 3, got %v", path)
	}
	if path[0] != "a" || path[len(path)-1] != "d" {
		t.Errorf("expected path from a to d, got %v", path)
	}
}

func TestRemoveTaskScrubsAdjacency(t *testing.T) {
	g := diamond()
	g.RemoveTask("a")

	if deps := g.Dependencies("b"); len(deps) != 0 {
		t.Errorf("expected b's dependency on removed a to be scrubbed, got %v", deps)
	}
	if _, ok := g.Node("a"); ok {
		t.Error("expected a to be gone from the graph")
	}
}

func TestSchedulerSequentialStrategy(t *testing.T) {
	s := NewScheduler()
	s.AddTask(Node{ID: "a"})
	s.AddTask(Node{ID: "b", Dependencies: []string{"a"}})

	sched, err := s.CreateSchedule("sess-1", session.StrategySequential, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sched.Phases) != 2 || len(sched.Phases[0]) != 1 {
		t.Fatalf("expected 2 singleton phases, got %v", sched.Phases)
	}
}

func TestSchedulerReviewStrategyAppendsReviewPhase(t *testing.T) {
	s := NewScheduler()
	s.AddTask(Node{ID: "a"})

	sched, err := s.CreateSchedule("sess-1", session.StrategyReview, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last := sched.Phases[len(sched.Phases)-1]
	if len(last) != 1 || last[0] != "review_a" {
		t.Fatalf("expected trailing review phase, got %v", sched.Phases)
	}
}

func TestSchedulerAutoPacksByRoleCapacity(t *testing.T) {
	s := NewScheduler()
	s.AddTask(Node{ID: "a1", Role: session.RoleBackend})
	s.AddTask(Node{ID: "a2", Role: session.RoleBackend})
	s.AddTask(Node{ID: "a3", Role: session.RoleBackend})

	sched, err := s.CreateSchedule("sess-1", session.StrategyAuto, map[session.Role]int{session.RoleBackend: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sched.Phases[0]) != 2 {
		t.Fatalf("expected first phase to admit only 2 backend tasks, got %v", sched.Phases[0])
	}
	if len(sched.Phases) != 2 {
		t.Fatalf("expected overflow task in a second phase, got %v", sched.Phases)
	}
}

func TestSchedulerDetectsCycleBeforeScheduling(t *testing.T) {
	s := NewScheduler()
	s.AddTask(Node{ID: "a", Dependencies: []string{"b"}})
	s.AddTask(Node{ID: "b", Dependencies: []string{"a"}})

	if _, err := s.CreateSchedule("sess-1", session.StrategyParallel, nil); err == nil {
		t.Fatal("expected cycle detection to fail schedule creation")
	}
}

func TestEstimateDurationIsTwoMinutesPerTask(t *testing.T) {
	s := NewScheduler()
	s.AddTask(Node{ID: "a"})
	s.AddTask(Node{ID: "b", Dependencies: []string{"a"}})

	sched, err := s.CreateSchedule("sess-1", session.StrategySequential, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sched.EstimatedDuration != 4*time.Minute {
		t.Errorf("expected 4 minutes total, got %v", sched.EstimatedDuration)
	}
}

func TestAnalyzeBottlenecksFindsHighFanout(t *testing.T) {
	s := NewScheduler()
	s.AddTask(Node{ID: "root"})
	for _, id := range []string{"d1", "d2", "d3", "d4"} {
		s.AddTask(Node{ID: id, Dependencies: []string{"root"}})
	}

	bottlenecks := s.AnalyzeBottlenecks()
	found := false
	for _, b := range bottlenecks {
		if b.Type == "high_fanout" && b.TaskID == "root" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected high_fanout bottleneck for root, got %v", bottlenecks)
	}
}
