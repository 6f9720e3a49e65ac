package workflow

import (
	"fmt"
	"strings"
)

// Graph is the validated dependency graph of one workflow. It is immutable
// after construction; the scheduler queries it repeatedly as state evolves.
type Graph struct {
	// tasks maps task names to their definitions.
	tasks map[string]*Task

	// order preserves workflow insertion order for dispatch tie-breaks.
	order []string

	// dependencies maps a task to the tasks it depends on.
	dependencies map[string][]string

	// dependents maps a task to the tasks that depend on it.
	dependents map[string][]string
}

// dfs colors for cycle detection.
const (
	colorUnvisited = iota
	colorInProgress
	colorDone
)

// BuildGraph validates a workflow's dependency relation and builds its
// directed acyclic graph. Duplicate task names, unknown dependency names,
// self-dependencies, and cycles are rejected.
func BuildGraph(w *Workflow) (*Graph, error) {
	g := &Graph{
		tasks:        make(map[string]*Task, len(w.Tasks)),
		order:        make([]string, 0, len(w.Tasks)),
		dependencies: make(map[string][]string, len(w.Tasks)),
		dependents:   make(map[string][]string, len(w.Tasks)),
	}

	for i := range w.Tasks {
		t := &w.Tasks[i]
		if t.Name == "" {
			return nil, NewPermanentError("task has empty name", nil).
				WithCode(CodeInvalidParam).WithWorkflow(w.Name)
		}
		if _, exists := g.tasks[t.Name]; exists {
			return nil, errAlreadyExists("task", t.Name).WithWorkflow(w.Name)
		}
		g.tasks[t.Name] = t
		g.order = append(g.order, t.Name)
	}

	for _, name := range g.order {
		t := g.tasks[name]
		for _, dep := range t.DependsOn {
			if dep == name {
				return nil, NewPermanentError(
					fmt.Sprintf("task %q depends on itself", name), nil).
					WithCode(CodeInvalidParam).WithWorkflow(w.Name).WithTask(name)
			}
			if _, exists := g.tasks[dep]; !exists {
				return nil, NewPermanentError(
					fmt.Sprintf("task %q depends on unknown task %q", name, dep), nil).
					WithCode(CodeInvalidParam).WithWorkflow(w.Name).WithTask(name)
			}
			g.dependencies[name] = append(g.dependencies[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	if cycle := g.findCycle(); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil).
			WithCode(CodeInvalidParam).WithWorkflow(w.Name)
	}

	return g, nil
}

// findCycle runs a depth-first traversal with three-color marking. Any edge
// into an in-progress node is a cycle; the full cycle path is returned.
func (g *Graph) findCycle() []string {
	colors := make(map[string]int, len(g.order))
	var path []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		colors[name] = colorInProgress
		path = append(path, name)

		for _, dep := range g.dependencies[name] {
			switch colors[dep] {
			case colorInProgress:
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, path[start:]...), dep)
				return true
			case colorUnvisited:
				if visit(dep) {
					return true
				}
			}
		}

		path = path[:len(path)-1]
		colors[name] = colorDone
		return false
	}

	for _, name := range g.order {
		if colors[name] == colorUnvisited {
			if visit(name) {
				return cycle
			}
		}
	}
	return nil
}

// Len returns the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

// TaskNames returns all task names in workflow insertion order.
func (g *Graph) TaskNames() []string {
	return append([]string(nil), g.order...)
}

// Task returns the task definition for the given name.
func (g *Graph) Task(name string) (*Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// Dependencies returns the declared dependencies of a task.
func (g *Graph) Dependencies(name string) []string {
	return g.dependencies[name]
}

// Dependents returns the tasks directly depending on the given task.
func (g *Graph) Dependents(name string) []string {
	return g.dependents[name]
}

// TransitiveDependents returns every task reachable through dependent edges
// from the given task, in workflow insertion order.
func (g *Graph) TransitiveDependents(name string) []string {
	reached := make(map[string]bool)
	var walk func(n string)
	walk = func(n string) {
		for _, d := range g.dependents[n] {
			if !reached[d] {
				reached[d] = true
				walk(d)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(reached))
	for _, n := range g.order {
		if reached[n] {
			out = append(out, n)
		}
	}
	return out
}

// ReadySet returns, in workflow insertion order, every task in the pending
// set whose declared dependencies are all satisfied. It is a pure function
// with no side effects; the scheduler calls it repeatedly as state evolves.
func (g *Graph) ReadySet(satisfied, pending map[string]bool) []string {
	var ready []string
	for _, name := range g.order {
		if !pending[name] {
			continue
		}
		ok := true
		for _, dep := range g.dependencies[name] {
			if !satisfied[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, name)
		}
	}
	return ready
}
