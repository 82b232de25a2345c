package executor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/forgeline/internal/ctxlog"
	"github.com/vk/forgeline/internal/planner"
)

// CheckpointGate lets the executor consult pre-resolved checkpoint
// decisions around anchor tasks. Implementations resolve all decisions
// before the run starts, so WillRestore and CaptureDue never block.
type CheckpointGate interface {
	// WillRestore reports whether the task's checkpoint decision
	// resolved to a restore hit.
	WillRestore(taskID string) bool
	// Restore materializes the checkpoint payload in place of running
	// the task body.
	Restore(ctx context.Context, ec *Context, taskID string) error
	// CaptureDue reports whether a successful run of the task should
	// capture a fresh checkpoint.
	CaptureDue(taskID string) bool
	// Capture records a checkpoint after the task body succeeded.
	// Errors are logged, not fatal.
	Capture(ctx context.Context, ec *Context, taskID string) error
}

// Executor drives one run of a plan.
type Executor struct {
	plan   *planner.Plan
	reg    *Registry
	ec     *Context
	gate   CheckpointGate
	dryRun bool
}

// Option configures an Executor.
type Option func(*Executor)

// WithGate attaches a checkpoint gate.
func WithGate(g CheckpointGate) Option {
	return func(e *Executor) { e.gate = g }
}

// WithDryRun makes the run record would-run actions instead of invoking
// task bodies.
func WithDryRun(dryRun bool) Option {
	return func(e *Executor) { e.dryRun = dryRun }
}

// New wires an executor for one run.
func New(plan *planner.Plan, reg *Registry, ec *Context, opts ...Option) *Executor {
	e := &Executor{plan: plan, reg: reg, ec: ec}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runTask applies the shared per-task decision sequence and returns the
// terminal result. Dependency readiness is the caller's job.
func (e *Executor) runTask(ctx context.Context, t *planner.Task) (Status, error, time.Duration) {
	log := ctxlog.FromContext(ctx).With("taskID", t.ID)

	if e.gate != nil && e.gate.WillRestore(t.ID) {
		if e.dryRun {
			log.Info("DRY-RUN: would restore from checkpoint")
			e.ec.RecordWouldRun("restore " + t.ID)
			return StatusRestored, nil, 0
		}
		start := time.Now()
		if err := e.gate.Restore(ctx, e.ec, t.ID); err != nil {
			log.Warn("Checkpoint restore failed, running task body instead.", "error", err)
		} else {
			log.Info("Task satisfied by checkpoint restore.")
			return StatusRestored, nil, time.Since(start)
		}
	}

	if e.dryRun {
		log.Info("DRY-RUN: would run task")
		e.ec.RecordWouldRun("run " + t.ID)
		return StatusSuccess, nil, 0
	}

	fn, ok := e.reg.Lookup(t.ID)
	if !ok {
		// Barrier and other synthetic tasks have no body.
		return StatusSuccess, nil, 0
	}

	start := time.Now()
	if err := fn(ctx, e.ec); err != nil {
		return StatusFailed, err, time.Since(start)
	}

	if e.gate != nil && e.gate.CaptureDue(t.ID) {
		if err := e.gate.Capture(ctx, e.ec, t.ID); err != nil {
			log.Warn("Checkpoint capture failed.", "error", err)
		}
	}
	return StatusSuccess, nil, time.Since(start)
}

// RunSequential executes the plan in topological order. A failed task
// skips its dependents; unrelated branches keep running. Cancellation
// marks everything not yet started as not-run.
func (e *Executor) RunSequential(ctx context.Context) (*Report, error) {
	log := ctxlog.FromContext(ctx)
	report := newReport(e.plan, e.dryRun)

	for _, t := range e.plan.Ordered() {
		if ctx.Err() != nil {
			log.Warn("Run cancelled, remaining tasks not run.")
			break
		}

		blocked := false
		for _, dep := range e.plan.Deps(t.ID) {
			switch report.status(dep) {
			case StatusFailed, StatusSkipped, StatusNotRun:
				blocked = true
			}
		}
		if blocked {
			log.Warn("Skipping task due to upstream failure.", "taskID", t.ID)
			report.set(t.ID, StatusSkipped, errUpstream, 0)
			continue
		}

		status, err, d := e.runTask(ctx, t)
		report.set(t.ID, status, err, d)
		if status == StatusFailed {
			log.Error("Task failed.", "taskID", t.ID, "error", err)
		}
	}
	return report, report.Err()
}

// pnode wraps a task with the bookkeeping the worker pool needs.
type pnode struct {
	task       *planner.Task
	depCount   atomic.Int32
	settleOnce sync.Once
}

// RunParallel executes the plan with a worker pool of maxParallel
// workers (0 means runtime.NumCPU()). Dispatch order is deterministic:
// tasks enter the ready queue in topological order as their dependencies
// settle. A failed task only skips its dependents; siblings run to
// completion.
func (e *Executor) RunParallel(ctx context.Context, maxParallel int) (*Report, error) {
	log := ctxlog.FromContext(ctx)
	report := newReport(e.plan, e.dryRun)

	numWorkers := maxParallel
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	ordered := e.plan.Ordered()
	nodes := make(map[string]*pnode, len(ordered))
	for _, t := range ordered {
		n := &pnode{task: t}
		n.depCount.Store(int32(len(e.plan.Deps(t.ID))))
		nodes[t.ID] = n
	}

	readyChan := make(chan *pnode, len(nodes))
	var wg sync.WaitGroup
	wg.Add(len(nodes))

	rootCount := 0
	for _, t := range ordered {
		if n := nodes[t.ID]; n.depCount.Load() == 0 {
			readyChan <- n
			rootCount++
		}
	}
	log.Debug("Starting worker pool.", "workers", numWorkers, "roots", rootCount)

	var settleDependents func(n *pnode, status Status, cause error)
	settleDependents = func(n *pnode, status Status, cause error) {
		for _, depID := range e.plan.Dependents(n.task.ID) {
			dependent := nodes[depID]
			dependent.settleOnce.Do(func() {
				if status == StatusSkipped {
					log.Warn("Skipping task due to upstream failure.",
						"taskID", dependent.task.ID, "dependency", n.task.ID)
				}
				report.set(dependent.task.ID, status, cause, 0)
				wg.Done()
				settleDependents(dependent, status, cause)
			})
		}
	}

	worker := func(workerID int) {
		for n := range readyChan {
			if ctx.Err() != nil {
				n.settleOnce.Do(func() {
					report.set(n.task.ID, StatusNotRun, ctx.Err(), 0)
					wg.Done()
					settleDependents(n, StatusNotRun, ctx.Err())
				})
				continue
			}

			var status Status
			n.settleOnce.Do(func() {
				var err error
				var d time.Duration
				status, err, d = e.runTask(ctx, n.task)
				report.set(n.task.ID, status, err, d)
				wg.Done()
				if status == StatusFailed {
					log.Error("Task failed.", "taskID", n.task.ID, "workerID", workerID, "error", err)
					settleDependents(n, StatusSkipped, errUpstream)
				}
			})
			if status != StatusSuccess && status != StatusRestored {
				continue
			}

			for _, depID := range e.plan.Dependents(n.task.ID) {
				if dependent := nodes[depID]; dependent.depCount.Add(-1) == 0 {
					readyChan <- dependent
				}
			}
		}
	}

	for i := 0; i < numWorkers; i++ {
		go worker(i)
	}
	wg.Wait()
	close(readyChan)

	return report, report.Err()
}

// Validate checks that every non-synthetic task in the plan has a
// registered body. Called before a run so a wiring mistake fails fast.
func (e *Executor) Validate() error {
	for _, t := range e.plan.Ordered() {
		if t.ID == planner.StageBarrierID {
			continue
		}
		if _, ok := e.reg.Lookup(t.ID); !ok {
			return fmt.Errorf("executor: no body registered for task %q", t.ID)
		}
	}
	return nil
}
