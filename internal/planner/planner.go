// Package planner turns the task declarations contributed by modules into
// an immutable, cycle-checked execution plan with a deterministic
// topological order.
package planner

import (
	"fmt"
	"strings"
)

const (
	// StageTokenPrefix marks tokens gathered behind the stage barrier.
	StageTokenPrefix = "stage:"
	// StageBarrierID is the synthesized barrier task id.
	StageBarrierID = "core.barrier.stage"
	// StageDoneToken is provided by the barrier once all stage
	// producers finished.
	StageDoneToken = "stage:done"
)

// Task is a unit of work declared by a module. After entries reference
// either a task id or a provided token; a trailing '?' makes the
// reference optional. Provides tokens may be provided by several tasks.
type Task struct {
	ID       string
	Label    string
	Module   string
	Phase    string
	After    []string
	Provides []string
}

// Set accumulates task declarations in registration order.
type Set struct {
	tasks []Task
	seen  map[string]struct{}
}

// NewSet returns an empty task set.
func NewSet() *Set {
	return &Set{seen: map[string]struct{}{}}
}

// Add appends a task, rejecting duplicate ids.
func (s *Set) Add(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("planner: task with empty id")
	}
	if _, dup := s.seen[t.ID]; dup {
		return &DuplicateTaskError{ID: t.ID}
	}
	s.seen[t.ID] = struct{}{}
	s.tasks = append(s.tasks, t)
	return nil
}

// Tasks returns the declarations in registration order.
func (s *Set) Tasks() []Task {
	return s.tasks
}

// Plan is the frozen result of Build: tasks, resolved dependency edges
// and a deterministic topological order.
type Plan struct {
	tasks      map[string]*Task
	order      []string
	deps       map[string][]string
	dependents map[string][]string
}

// Build resolves references, injects the stage barrier, rejects cycles
// and computes the topological order. The input slice is not retained.
func Build(tasks []Task) (*Plan, error) {
	all := make([]Task, len(tasks))
	copy(all, tasks)
	all = append(all, synthesizeStageBarrier(all))

	byID := make(map[string]*Task, len(all))
	providers := map[string][]string{}
	for i := range all {
		t := &all[i]
		if _, dup := byID[t.ID]; dup {
			return nil, &DuplicateTaskError{ID: t.ID}
		}
		byID[t.ID] = t
		for _, token := range t.Provides {
			providers[token] = append(providers[token], t.ID)
		}
	}

	p := &Plan{
		tasks:      byID,
		deps:       make(map[string][]string, len(all)),
		dependents: map[string][]string{},
	}

	for i := range all {
		t := &all[i]
		seen := map[string]struct{}{}
		for _, ref := range t.After {
			name, optional := strings.CutSuffix(ref, "?")
			var targets []string
			if _, ok := byID[name]; ok {
				// A task id match takes precedence over a token match.
				targets = []string{name}
			} else if provs, ok := providers[name]; ok {
				targets = provs
			} else if optional {
				continue
			} else {
				return nil, &UnresolvedDependencyError{Task: t.ID, Ref: ref}
			}
			for _, dep := range targets {
				if _, dup := seen[dep]; dup {
					continue
				}
				seen[dep] = struct{}{}
				p.deps[t.ID] = append(p.deps[t.ID], dep)
				p.dependents[dep] = append(p.dependents[dep], t.ID)
			}
		}
	}

	if err := p.detectCycles(all); err != nil {
		return nil, err
	}
	p.order = topoOrder(all, p.deps)
	return p, nil
}

// synthesizeStageBarrier builds the barrier task gating everything that
// waits for stage:done behind every stage:* producer. It exists even when
// no task stages anything.
func synthesizeStageBarrier(tasks []Task) Task {
	barrier := Task{
		ID:       StageBarrierID,
		Label:    "stage barrier",
		Module:   "core",
		Phase:    "stage",
		Provides: []string{StageDoneToken},
	}
	for _, t := range tasks {
		for _, token := range t.Provides {
			if strings.HasPrefix(token, StageTokenPrefix) {
				barrier.After = append(barrier.After, t.ID)
				break
			}
		}
	}
	return barrier
}

// detectCycles runs a three-color depth-first search over the dependency
// edges. White nodes are unvisited, gray nodes are on the current path,
// black nodes are fully explored.
func (p *Plan) detectCycles(tasks []Task) error {
	const (
		white = iota
		gray
		black
	)
	colors := make(map[string]int, len(tasks))
	var stack []string

	var visit func(id string) *CycleError
	visit = func(id string) *CycleError {
		colors[id] = gray
		stack = append(stack, id)
		for _, dep := range p.deps[id] {
			switch colors[dep] {
			case gray:
				// Trim the stack down to the first occurrence of
				// dep so the reported path is just the cycle.
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append(append([]string{}, stack[start:]...), dep)
				return &CycleError{Path: path}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[id] = black
		return nil
	}

	for _, t := range tasks {
		if colors[t.ID] == white {
			if err := visit(t.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// topoOrder runs Kahn's algorithm. Among ready tasks the one registered
// first wins, which keeps the order stable across runs.
func topoOrder(tasks []Task, deps map[string][]string) []string {
	regIndex := make(map[string]int, len(tasks))
	indegree := make(map[string]int, len(tasks))
	for i, t := range tasks {
		regIndex[t.ID] = i
		indegree[t.ID] = len(deps[t.ID])
	}

	dependents := map[string][]string{}
	for id, ds := range deps {
		for _, dep := range ds {
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var ready []string
	for _, t := range tasks {
		if indegree[t.ID] == 0 {
			ready = append(ready, t.ID)
		}
	}

	order := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		best := 0
		for i := 1; i < len(ready); i++ {
			if regIndex[ready[i]] < regIndex[ready[best]] {
				best = i
			}
		}
		id := ready[best]
		ready = append(ready[:best], ready[best+1:]...)
		order = append(order, id)
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	return order
}

// Task returns the task with the given id, or nil.
func (p *Plan) Task(id string) *Task {
	return p.tasks[id]
}

// Ordered returns the tasks in topological order.
func (p *Plan) Ordered() []*Task {
	out := make([]*Task, len(p.order))
	for i, id := range p.order {
		out[i] = p.tasks[id]
	}
	return out
}

// Deps returns the resolved dependency ids of a task.
func (p *Plan) Deps(id string) []string {
	return p.deps[id]
}

// Dependents returns the ids of tasks depending on the given task.
func (p *Plan) Dependents(id string) []string {
	return p.dependents[id]
}

// Len returns the number of tasks, barrier included.
func (p *Plan) Len() int {
	return len(p.tasks)
}
