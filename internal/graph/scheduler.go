package graph

import (
	"sort"
	"time"

	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/session"
)

// minutesPerTask is the original's flat duration heuristic: every task,
// regardless of role or content, is assumed to take this long.
const minutesPerTask = 2 * time.Minute

// ResourceAllocation records where and when a task is expected to run.
type ResourceAllocation struct {
	TaskID        string
	AgentID       string
	Role          session.Role
	EstimatedStart time.Time
	EstimatedEnd   time.Time
	Priority       int
}

// Schedule is the output of the Scheduler: tasks grouped into ordered
// phases under a chosen strategy, plus a duration estimate.
type Schedule struct {
	SessionID           string
	Strategy            session.Strategy
	Phases              [][]string
	EstimatedDuration   time.Duration
	ResourceAllocations []ResourceAllocation
}

// CurrentPhase returns the index of the first phase not fully contained in
// completed, or len(phases) if every phase is done.
func (s *Schedule) CurrentPhase(completed map[string]struct{}) int {
	for i, phase := range s.Phases {
		for _, id := range phase {
			if _, ok := completed[id]; !ok {
				return i
			}
		}
	}
	return len(s.Phases)
}

// ParallelizationFactor reports how parallel the schedule is: 0.0 is fully
// sequential, approaching 1.0 is fully parallel.
func (s *Schedule) ParallelizationFactor() float64 {
	if len(s.Phases) == 0 {
		return 0.0
	}
	total := 0
	for _, phase := range s.Phases {
		total += len(phase)
	}
	if total <= 1 {
		return 0.0
	}
	avgPerPhase := float64(total) / float64(len(s.Phases))
	return (avgPerPhase - 1) / (float64(total) - 1)
}

// Bottleneck describes a structural weak point identified in a schedule.
type Bottleneck struct {
	Type        string
	TaskID      string
	Dependents  int
	PathLength  int
	Path        []string
	Description string
}

// Suggestion is a proposed schedule optimization.
type Suggestion struct {
	Type        string
	Role        session.Role
	Count       int
	Description string
}

// Scheduler wraps a Graph and produces Schedules from it under a chosen
// ExecutionStrategy, with role-aware packing for the auto strategy.
type Scheduler struct {
	Graph *Graph
}

// NewScheduler returns a Scheduler over an empty Graph.
func NewScheduler() *Scheduler {
	return &Scheduler{Graph: New()}
}

// AddTask inserts a task into the graph with the dependency list it
// already carries.
func (s *Scheduler) AddTask(n Node) {
	s.Graph.AddTask(n)
}

// RemoveTask removes a task from the graph.
func (s *Scheduler) RemoveTask(id string) {
	s.Graph.RemoveTask(id)
}

// CreateSchedule builds an optimized execution schedule for strategy.
// availableAgents, when non-nil, maps role to concurrently available
// agent count and is consulted only under StrategyAuto.
func (s *Scheduler) CreateSchedule(sessionID string, strategy session.Strategy, availableAgents map[session.Role]int) (*Schedule, error) {
	if cycle, found := s.Graph.DetectCycles(); found {
		return nil, errors.NewCycleDetected(cycle)
	}

	phases, err := s.calculatePhases(strategy, availableAgents)
	if err != nil {
		return nil, err
	}

	return &Schedule{
		SessionID:         sessionID,
		Strategy:          strategy,
		Phases:            phases,
		EstimatedDuration: estimateDuration(phases),
	}, nil
}

func (s *Scheduler) calculatePhases(strategy session.Strategy, availableAgents map[session.Role]int) ([][]string, error) {
	switch strategy {
	case session.StrategySequential:
		order, err := s.Graph.TopologicalSort()
		if err != nil {
			return nil, err
		}
		phases := make([][]string, len(order))
		for i, id := range order {
			phases[i] = []string{id}
		}
		return phases, nil

	case session.StrategyParallel:
		return s.Graph.Phases(), nil

	case session.StrategyReview:
		phases := s.Graph.Phases()
		review := make([]string, 0, len(s.Graph.nodes))
		for _, id := range s.Graph.sortedIDs() {
			review = append(review, "review_"+id)
		}
		return append(phases, review), nil

	case session.StrategyAuto:
		if availableAgents == nil {
			return s.Graph.Phases(), nil
		}
		return s.optimizePhases(availableAgents), nil

	default:
		return nil, errors.NewBadRequest("unknown execution strategy: " + string(strategy))
	}
}

// optimizePhases packs tasks into phases respecting per-role agent limits:
// within each phase, tasks are considered in ascending-dependency-count
// order and admitted only while phase_role_count[role] < available[role];
// overflow rolls into the next phase.
func (s *Scheduler) optimizePhases(availableAgents map[session.Role]int) [][]string {
	remaining := make(map[string]struct{}, len(s.Graph.nodes))
	for id := range s.Graph.nodes {
		remaining[id] = struct{}{}
	}
	completed := make(map[string]struct{})

	var phases [][]string
	for len(remaining) > 0 {
		ids := make([]string, 0, len(remaining))
		for id := range remaining {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			di, dj := len(s.Graph.deps[ids[i]]), len(s.Graph.deps[ids[j]])
			if di != dj {
				return di < dj
			}
			return ids[i] < ids[j]
		})

		var phase []string
		roleUsage := make(map[session.Role]int)
		for _, id := range ids {
			node, ok := s.Graph.Node(id)
			if !ok || !allSatisfied(s.Graph.deps[id], completed) {
				continue
			}

			available := 1
			if n, ok := availableAgents[node.Role]; ok {
				available = n
			}
			if roleUsage[node.Role] < available {
				phase = append(phase, id)
				roleUsage[node.Role]++
			}
		}

		if len(phase) == 0 {
			break
		}
		sort.Strings(phase)
		phases = append(phases, phase)
		for _, id := range phase {
			completed[id] = struct{}{}
			delete(remaining, id)
		}
	}
	return phases
}

func estimateDuration(phases [][]string) time.Duration {
	total := 0
	for _, phase := range phases {
		total += len(phase)
	}
	return time.Duration(total) * minutesPerTask
}

// TaskOrder returns tasks in topological execution order.
func (s *Scheduler) TaskOrder() ([]string, error) {
	return s.Graph.TopologicalSort()
}

// ParallelGroups returns tasks grouped by parallel execution phase.
func (s *Scheduler) ParallelGroups() [][]string {
	return s.Graph.Phases()
}

// AnalyzeBottlenecks flags tasks with more than three dependents as
// high-fanout, and a critical path longer than five tasks as a long chain.
func (s *Scheduler) AnalyzeBottlenecks() []Bottleneck {
	var bottlenecks []Bottleneck

	for _, id := range s.Graph.sortedIDs() {
		n := len(s.Graph.Dependents(id))
		if n > 3 {
			bottlenecks = append(bottlenecks, Bottleneck{
				Type:        "high_fanout",
				TaskID:      id,
				Dependents:  n,
				Description: "task " + id + " has many dependent tasks",
			})
		}
	}

	critical := s.Graph.CriticalPath()
	if len(critical) > 5 {
		bottlenecks = append(bottlenecks, Bottleneck{
			Type:        "long_chain",
			PathLength:  len(critical),
			Path:        critical,
			Description: "critical path is long",
		})
	}

	return bottlenecks
}

// SuggestOptimizations proposes schedule improvements: increased
// parallelism when phase count is high relative to task count, and agent
// scaling when a phase packs more than two tasks of the same role.
func (s *Scheduler) SuggestOptimizations() []Suggestion {
	var suggestions []Suggestion

	phases := s.ParallelGroups()
	taskCount := len(s.Graph.nodes)
	if taskCount > 0 && float64(len(phases)) > float64(taskCount)/2 {
		suggestions = append(suggestions, Suggestion{
			Type:        "increase_parallelism",
			Description: "consider breaking down dependencies to increase parallelism",
		})
	}

	for _, phase := range phases {
		roleCounts := make(map[session.Role]int)
		for _, id := range phase {
			if n, ok := s.Graph.Node(id); ok {
				roleCounts[n.Role]++
			}
		}
		for role, count := range roleCounts {
			if count > 2 {
				suggestions = append(suggestions, Suggestion{
					Type:        "agent_scaling",
					Role:        role,
					Count:       count,
					Description: "consider adding more " + string(role) + " agents for this phase",
				})
			}
		}
	}

	return suggestions
}
