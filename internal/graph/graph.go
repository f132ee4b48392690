// Package graph builds the depends_on graph of a set of tasks.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// CycleError names the tasks forming a cycle, in dependency order.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycleDetected }

// DependencyGraph maps task IDs to the IDs they depend on. Dependencies on
// IDs outside the graph are kept as external edges; they can never close a
// cycle.
type DependencyGraph struct {
	nodes map[string]*models.Task
	edges map[string][]string
}

// New creates an empty graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.Task),
		edges: make(map[string][]string),
	}
}

// Build adds tasks to the graph and fails with a *CycleError if their
// depends_on edges form a cycle.
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	for _, t := range tasks {
		g.nodes[t.ID] = t
		g.edges[t.ID] = append([]string(nil), t.Metadata.DependsOn...)
	}
	if path := g.Cycle(); path != nil {
		return &CycleError{Path: path}
	}
	return nil
}

// ids returns the node IDs sorted, so traversals are deterministic.
func (g *DependencyGraph) ids() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Cycle returns one cycle as a path that starts and ends on the same ID,
// or nil if the graph is acyclic.
func (g *DependencyGraph) Cycle() []string {
	// 0 = unvisited, 1 = on the current path, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = 1
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			if _, internal := g.nodes[dep]; !internal {
				continue
			}
			switch colors[dep] {
			case 1:
				for i, s := range stack {
					if s == dep {
						return append(append([]string(nil), stack[i:]...), dep)
					}
				}
			case 0:
				if path := visit(dep); path != nil {
					return path
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = 2
		return nil
	}

	for _, id := range g.ids() {
		if colors[id] == 0 {
			if path := visit(id); path != nil {
				return path
			}
		}
	}
	return nil
}

// TopologicalSort returns the node IDs with every dependency before its
// dependents. It returns ErrCycleDetected for a cyclic graph.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	if path := g.Cycle(); path != nil {
		return nil, &CycleError{Path: path}
	}
	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			if _, internal := g.nodes[dep]; internal {
				visit(dep)
			}
		}
		result = append(result, id)
	}
	for _, id := range g.ids() {
		visit(id)
	}
	return result, nil
}

// External returns the dependencies that name no task in the graph.
func (g *DependencyGraph) External() []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range g.ids() {
		for _, dep := range g.edges[id] {
			if _, internal := g.nodes[dep]; !internal && !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
	}
	return out
}

// Dependencies returns the IDs the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	return g.edges[taskID]
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	var out []string
	for _, id := range g.ids() {
		for _, dep := range g.edges[id] {
			if dep == taskID {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	return len(g.nodes)
}
