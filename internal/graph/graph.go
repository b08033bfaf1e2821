// Package graph provides the dependency DAG the task manager schedules
// from. Tasks are nodes; edges point at the tasks they are blocked by.
package graph

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCycleDetected indicates a circular dependency was found.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of task dependencies.
// It tracks only structure and completion; task records live with the
// manager.
type DependencyGraph struct {
	mu sync.RWMutex
	// edges maps task ID to the IDs it depends on (is blocked by).
	edges map[string][]string
	// completed tracks which tasks have reached a satisfied terminal state.
	completed map[string]bool
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
		debugLog:  func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Add registers a task and its dependencies. Every dependency must
// already be present: tasks may only depend on tasks created before
// them, which keeps the graph acyclic by construction. An unknown
// dependency, a duplicate ID, or an edge set that would close a cycle
// is rejected and the graph is left unchanged.
func (g *DependencyGraph) Add(id string, dependsOn []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.edges[id]; exists {
		return fmt.Errorf("task %s already in graph", id)
	}
	for _, depID := range dependsOn {
		if _, exists := g.edges[depID]; !exists {
			return fmt.Errorf("task %s depends on unknown task %s", id, depID)
		}
	}

	g.edges[id] = append([]string(nil), dependsOn...)
	if g.hasCycleLocked() {
		delete(g.edges, id)
		return ErrCycleDetected
	}
	g.debugLog("[graph.Add] added %s depends_on=%v", id, dependsOn)
	return nil
}

// Remove drops a task from the graph. Used when archiving.
func (g *DependencyGraph) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.edges, id)
	delete(g.completed, id)
}

// MarkComplete records that a task no longer blocks its dependents.
func (g *DependencyGraph) MarkComplete(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[id] = true
}

// IsComplete reports whether a task has been marked complete.
func (g *DependencyGraph) IsComplete(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.completed[id]
}

// DepsSatisfied reports whether every dependency of id is complete.
func (g *DependencyGraph) DepsSatisfied(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, depID := range g.edges[id] {
		if !g.completed[depID] {
			return false
		}
	}
	return true
}

// Dependents returns the IDs of tasks that directly depend on id.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for node, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				out = append(out, node)
				break
			}
		}
	}
	return out
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hasCycleLocked()
}

// hasCycleLocked detects back edges with a depth-first coloring walk.
// Assumes the lock is held.
func (g *DependencyGraph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.edges))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for id := range g.edges {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns task IDs with dependencies before dependents.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.edges))
	var result []string
	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}
	for id := range g.edges {
		visit(id)
	}
	return result, nil
}

// Ready returns the IDs of tasks that are not complete and whose
// dependencies are all complete. These can run in parallel.
func (g *DependencyGraph) Ready() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, deps := range g.edges {
		if g.completed[id] {
			continue
		}
		satisfied := true
		for _, depID := range deps {
			if !g.completed[depID] {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, id)
		}
	}
	g.debugLog("[graph.Ready] %d of %d tasks ready", len(ready), len(g.edges))
	return ready
}
