// Package graph implements the Dependency Graph & Scheduler (C6): a task
// DAG with cycle detection, topological ordering, critical-path analysis,
// and phase layering, plus a Scheduler that turns a graph into a Schedule
// under a chosen ExecutionStrategy.
package graph

import (
	"sort"

	"github.com/memnexus/memnexus/internal/common/errors"
	"github.com/memnexus/memnexus/internal/session"
)

// Node is one task vertex tracked by the graph: an id, its role (used by
// the scheduler's role-aware packing), and its direct dependency ids.
type Node struct {
	ID           string
	Role         session.Role
	Dependencies []string
}

// Graph maintains forward (task -> deps) and reverse (task -> dependents)
// adjacency so that dependent lookups on completion are O(dependents)
// rather than a full scan.
type Graph struct {
	nodes      map[string]Node
	deps       map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
}

// New returns an empty Graph.
func New() *Graph {
	return &Graph{
		nodes:      make(map[string]Node),
		deps:       make(map[string]map[string]struct{}),
		dependents: make(map[string]map[string]struct{}),
	}
}

// AddTask inserts or replaces a node and rewires dependent adjacency.
func (g *Graph) AddTask(n Node) {
	g.nodes[n.ID] = n

	set := make(map[string]struct{}, len(n.Dependencies))
	for _, dep := range n.Dependencies {
		set[dep] = struct{}{}
		if g.dependents[dep] == nil {
			g.dependents[dep] = make(map[string]struct{})
		}
		g.dependents[dep][n.ID] = struct{}{}
	}
	g.deps[n.ID] = set
}

// RemoveTask deletes a node and scrubs it from every other node's
// dependency and dependent sets.
func (g *Graph) RemoveTask(id string) {
	delete(g.nodes, id)
	delete(g.deps, id)
	delete(g.dependents, id)

	for _, set := range g.deps {
		delete(set, id)
	}
	for _, set := range g.dependents {
		delete(set, id)
	}
}

// Dependencies returns the direct dependency ids of id.
func (g *Graph) Dependencies(id string) []string {
	return setToSortedSlice(g.deps[id])
}

// Dependents returns the ids of tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	return setToSortedSlice(g.dependents[id])
}

// AllDependencies returns every transitive dependency of id.
func (g *Graph) AllDependencies(id string) []string {
	seen := make(map[string]struct{})
	stack := g.Dependencies(id)
	for len(stack) > 0 {
		dep := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		stack = append(stack, g.Dependencies(dep)...)
	}
	return setToSortedSlice(seen)
}

const (
	white = 0
	gray  = 1
	black = 2
)

// DetectCycles runs a three-coloured DFS and returns the first cycle found
// as the path of ids from the cycle's entry point back to itself.
func (g *Graph) DetectCycles() (cyclePath []string, found bool) {
	color := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		color[id] = white
	}

	var path []string
	var dfs func(id string) []string
	dfs = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		for dep := range g.deps[id] {
			if _, ok := color[dep]; !ok {
				continue
			}
			if color[dep] == gray {
				start := indexOf(path, dep)
				cycle := append(append([]string{}, path[start:]...), dep)
				return cycle
			}
			if color[dep] == white {
				if cycle := dfs(dep); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.sortedIDs() {
		if color[id] == white {
			if cycle := dfs(id); cycle != nil {
				return cycle, true
			}
		}
	}
	return nil, false
}

func indexOf(path []string, id string) int {
	for i, v := range path {
		if v == id {
			return i
		}
	}
	return -1
}

// TopologicalSort returns task ids in dependency order using Kahn's
// algorithm. It returns CycleDetected if the graph is not a DAG.
func (g *Graph) TopologicalSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id, deps := range g.deps {
		inDegree[id] = len(deps)
	}

	var ready []string
	for _, id := range g.sortedIDs() {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	result := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)

		next := setToSortedSlice(g.dependents[id])
		for _, dependent := range next {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}

	if len(result) != len(g.nodes) {
		cycle, _ := g.DetectCycles()
		return nil, errors.NewCycleDetected(cycle)
	}
	return result, nil
}

func insertSorted(s []string, v string) []string {
	i := sort.SearchStrings(s, v)
	s = append(s, "")
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// CriticalPath returns the longest dependency chain by node count, memoised
// per vertex, with ties broken by lexicographic id order for reproducible
// results.
func (g *Graph) CriticalPath() []string {
	memo := make(map[string][]string)

	var longest func(id string) []string
	longest = func(id string) []string {
		if p, ok := memo[id]; ok {
			return p
		}
		deps := g.Dependencies(id)
		if len(deps) == 0 {
			memo[id] = []string{id}
			return memo[id]
		}

		var best []string
		for _, dep := range deps {
			p := longest(dep)
			if len(p) > len(best) || (len(p) == len(best) && lessSlice(p, best)) {
				best = p
			}
		}
		result := append(append([]string{}, best...), id)
		memo[id] = result
		return result
	}

	var critical []string
	for _, id := range g.sortedIDs() {
		p := longest(id)
		if len(p) > len(critical) || (len(p) == len(critical) && lessSlice(p, critical)) {
			critical = p
		}
	}
	return critical
}

func lessSlice(a, b []string) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

// Phases performs greedy layering: phase 0 contains every task with no
// pending dependencies; each subsequent phase admits tasks whose
// dependencies are entirely satisfied by prior phases.
func (g *Graph) Phases() [][]string {
	if len(g.nodes) == 0 {
		return nil
	}

	var phases [][]string
	remaining := make(map[string]struct{}, len(g.nodes))
	for id := range g.nodes {
		remaining[id] = struct{}{}
	}
	completed := make(map[string]struct{})

	for len(remaining) > 0 {
		var ready []string
		for id := range remaining {
			if allSatisfied(g.deps[id], completed) {
				ready = append(ready, id)
			}
		}
		if len(ready) == 0 {
			break // residual ids form a cycle; caller should DetectCycles separately
		}
		sort.Strings(ready)
		phases = append(phases, ready)
		for _, id := range ready {
			completed[id] = struct{}{}
			delete(remaining, id)
		}
	}
	return phases
}

func allSatisfied(deps map[string]struct{}, completed map[string]struct{}) bool {
	for dep := range deps {
		if _, ok := completed[dep]; !ok {
			return false
		}
	}
	return true
}

// Node returns the node stored for id, if any.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func setToSortedSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
