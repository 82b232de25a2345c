// Package executor runs a planned task graph sequentially or with a
// bounded worker pool, consulting an optional checkpoint gate around
// anchor tasks.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/vk/forgeline/internal/config"
	"github.com/vk/forgeline/internal/workspace"
)

// Context carries the run-scoped state every task body sees: the merged
// configuration document, the resolved workspace, and a small key/value
// board tasks use to publish results for downstream tasks.
type Context struct {
	Doc *config.Document
	WS  *workspace.Paths

	mu       sync.Mutex
	values   map[string]string
	wouldRun []string
}

// NewContext returns a Context for one run.
func NewContext(doc *config.Document, ws *workspace.Paths) *Context {
	return &Context{
		Doc:    doc,
		WS:     ws,
		values: map[string]string{},
	}
}

// Publish stores a value for downstream tasks.
func (ec *Context) Publish(key, value string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.values[key] = value
}

// Value reads a value published by an upstream task.
func (ec *Context) Value(key string) (string, bool) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	v, ok := ec.values[key]
	return v, ok
}

// RecordWouldRun notes an action a dry-run would have performed.
func (ec *Context) RecordWouldRun(action string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.wouldRun = append(ec.wouldRun, action)
}

// WouldRun returns the recorded dry-run actions in order.
func (ec *Context) WouldRun() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make([]string, len(ec.wouldRun))
	copy(out, ec.wouldRun)
	return out
}

// TaskFunc is the body of a task. Implementations must honor ctx
// cancellation on anything long-running.
type TaskFunc func(ctx context.Context, ec *Context) error

// Registry maps task ids to their bodies. Tasks without a registered
// body (the stage barrier) are treated as no-ops by the executor.
type Registry struct {
	funcs map[string]TaskFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: map[string]TaskFunc{}}
}

// Register binds a body to a task id, rejecting duplicates.
func (r *Registry) Register(id string, fn TaskFunc) error {
	if _, dup := r.funcs[id]; dup {
		return fmt.Errorf("executor: duplicate task body for %q", id)
	}
	r.funcs[id] = fn
	return nil
}

// Lookup returns the body for a task id.
func (r *Registry) Lookup(id string) (TaskFunc, bool) {
	fn, ok := r.funcs[id]
	return fn, ok
}
