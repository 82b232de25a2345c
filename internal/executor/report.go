package executor

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vk/forgeline/internal/planner"
)

// Status is the terminal state of a task after a run.
type Status string

const (
	// StatusSuccess means the body ran and returned nil, or the task
	// was a dry-run would-run.
	StatusSuccess Status = "success"
	// StatusFailed means the body returned an error.
	StatusFailed Status = "failed"
	// StatusSkipped means an upstream dependency failed or was skipped.
	StatusSkipped Status = "skipped"
	// StatusRestored means a checkpoint restore satisfied the task.
	StatusRestored Status = "restored"
	// StatusNotRun means the task never started, typically after
	// cancellation.
	StatusNotRun Status = "not-run"
)

// TaskResult is one task's outcome.
type TaskResult struct {
	ID       string
	Status   Status
	Err      error
	Duration time.Duration
}

// Report collects a result for every task in the plan.
type Report struct {
	mu      sync.Mutex
	order   []string
	results map[string]*TaskResult
	DryRun  bool
}

func newReport(plan *planner.Plan, dryRun bool) *Report {
	r := &Report{
		results: make(map[string]*TaskResult, plan.Len()),
		DryRun:  dryRun,
	}
	for _, t := range plan.Ordered() {
		r.order = append(r.order, t.ID)
		r.results[t.ID] = &TaskResult{ID: t.ID, Status: StatusNotRun}
	}
	return r
}

func (r *Report) set(id string, status Status, err error, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.results[id]
	res.Status = status
	res.Err = err
	res.Duration = d
}

func (r *Report) status(id string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[id].Status
}

// Result returns the outcome for a task id, or nil for unknown ids.
func (r *Report) Result(id string) *TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[id]
}

// Results returns every outcome in plan order.
func (r *Report) Results() []*TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TaskResult, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.results[id])
	}
	return out
}

// Err summarizes the run: nil when no task failed, otherwise the first
// failure wrapped with every failed task id.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var failed []string
	var rootCause error
	for _, id := range r.order {
		res := r.results[id]
		if res.Status != StatusFailed {
			continue
		}
		if res.Err != nil && !errors.Is(res.Err, errUpstream) {
			failed = append(failed, id)
			if rootCause == nil {
				rootCause = res.Err
			}
		}
	}
	if rootCause != nil {
		return fmt.Errorf("execution failed for %s: %w", strings.Join(failed, ", "), rootCause)
	}
	return nil
}

// errUpstream marks results that are symptoms of another task's failure.
var errUpstream = errors.New("upstream dependency failed")
