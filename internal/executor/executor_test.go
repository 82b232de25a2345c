package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/forgeline/internal/planner"
	"github.com/vk/forgeline/internal/workspace"
)

func testContext(t *testing.T) *Context {
	t.Helper()
	ws, err := workspace.New(workspace.Config{RootDir: t.TempDir()})
	require.NoError(t, err)
	return NewContext(nil, ws)
}

// recorder tracks body invocations across goroutines.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) body(id string) TaskFunc {
	return func(ctx context.Context, ec *Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, id)
		return nil
	}
}

func (r *recorder) called() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func buildPlan(t *testing.T, tasks []planner.Task) *planner.Plan {
	t.Helper()
	plan, err := planner.Build(tasks)
	require.NoError(t, err)
	return plan
}

func TestRunSequentialOrder(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", rec.body("a")))
	require.NoError(t, reg.Register("b", rec.body("b")))
	require.NoError(t, reg.Register("c", rec.body("c")))

	plan := buildPlan(t, []planner.Task{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
		{ID: "c", After: []string{"b"}},
	})

	report, err := New(plan, reg, testContext(t)).RunSequential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, rec.called())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, StatusSuccess, report.Result(id).Status)
	}
}

func TestFailureSkipsDependentsOnly(t *testing.T) {
	// Diamond: a -> {b, c} -> d, with b failing. c still runs, d is skipped.
	rec := &recorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", rec.body("a")))
	require.NoError(t, reg.Register("b", func(ctx context.Context, ec *Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, reg.Register("c", rec.body("c")))
	require.NoError(t, reg.Register("d", rec.body("d")))

	tasks := []planner.Task{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
		{ID: "c", After: []string{"a"}},
		{ID: "d", After: []string{"b", "c"}},
	}

	for name, run := range map[string]func(e *Executor) (*Report, error){
		"sequential": func(e *Executor) (*Report, error) { return e.RunSequential(context.Background()) },
		"parallel":   func(e *Executor) (*Report, error) { return e.RunParallel(context.Background(), 4) },
	} {
		t.Run(name, func(t *testing.T) {
			report, err := run(New(buildPlan(t, tasks), reg, testContext(t)))
			require.Error(t, err)
			assert.ErrorContains(t, err, "execution failed for b")

			assert.Equal(t, StatusSuccess, report.Result("a").Status)
			assert.Equal(t, StatusFailed, report.Result("b").Status)
			assert.Equal(t, StatusSuccess, report.Result("c").Status)
			assert.Equal(t, StatusSkipped, report.Result("d").Status)
			assert.Contains(t, rec.called(), "c")
			assert.NotContains(t, rec.called(), "d")
		})
	}
}

func TestRunParallelDiamond(t *testing.T) {
	// b and c may overlap; d runs once both finished.
	var mu sync.Mutex
	running := 0
	maxRunning := 0
	slowBody := func(id string) TaskFunc {
		return func(ctx context.Context, ec *Context) error {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		}
	}

	rec := &recorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", rec.body("a")))
	require.NoError(t, reg.Register("b", slowBody("b")))
	require.NoError(t, reg.Register("c", slowBody("c")))
	require.NoError(t, reg.Register("d", rec.body("d")))

	plan := buildPlan(t, []planner.Task{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
		{ID: "c", After: []string{"a"}},
		{ID: "d", After: []string{"b", "c"}},
	})

	report, err := New(plan, reg, testContext(t)).RunParallel(context.Background(), 2)
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, StatusSuccess, report.Result(id).Status, id)
	}
	assert.Equal(t, []string{"a", "d"}, rec.called(), "d strictly after both parents")
}

func TestRunParallelBoundedWorkers(t *testing.T) {
	var mu sync.Mutex
	running, maxRunning := 0, 0
	body := func(ctx context.Context, ec *Context) error {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	reg := NewRegistry()
	tasks := []planner.Task{}
	for _, id := range []string{"t1", "t2", "t3", "t4", "t5"} {
		require.NoError(t, reg.Register(id, body))
		tasks = append(tasks, planner.Task{ID: id})
	}

	_, err := New(buildPlan(t, tasks), reg, testContext(t)).RunParallel(context.Background(), 2)
	require.NoError(t, err)
	assert.LessOrEqual(t, maxRunning, 2)
}

func TestDryRunChain(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", rec.body("a")))
	require.NoError(t, reg.Register("b", rec.body("b")))

	plan := buildPlan(t, []planner.Task{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
	})

	ec := testContext(t)
	report, err := New(plan, reg, ec, WithDryRun(true)).RunSequential(context.Background())
	require.NoError(t, err)

	assert.Empty(t, rec.called(), "dry-run must not invoke bodies")
	assert.Equal(t, StatusSuccess, report.Result("a").Status)
	assert.Equal(t, StatusSuccess, report.Result("b").Status)
	assert.Equal(t, []string{"run a", "run b"}, ec.WouldRun())
	assert.True(t, report.DryRun)
}

func TestCancellationMarksNotRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	reg := NewRegistry()
	require.NoError(t, reg.Register("a", func(ctx context.Context, ec *Context) error {
		cancel()
		return ctx.Err()
	}))
	require.NoError(t, reg.Register("b", func(ctx context.Context, ec *Context) error {
		return nil
	}))

	plan := buildPlan(t, []planner.Task{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
	})

	report, _ := New(plan, reg, testContext(t)).RunSequential(ctx)
	assert.Equal(t, StatusNotRun, report.Result("b").Status)
}

// fakeGate scripts checkpoint decisions for executor tests.
type fakeGate struct {
	restoreHit map[string]bool
	captureDue map[string]bool
	restoreErr error

	mu       sync.Mutex
	restored []string
	captured []string
}

func (g *fakeGate) WillRestore(taskID string) bool { return g.restoreHit[taskID] }

func (g *fakeGate) Restore(ctx context.Context, ec *Context, taskID string) error {
	if g.restoreErr != nil {
		return g.restoreErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.restored = append(g.restored, taskID)
	return nil
}

func (g *fakeGate) CaptureDue(taskID string) bool { return g.captureDue[taskID] }

func (g *fakeGate) Capture(ctx context.Context, ec *Context, taskID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captured = append(g.captured, taskID)
	return nil
}

func TestGateRestoreSkipsBody(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("anchor", rec.body("anchor")))
	require.NoError(t, reg.Register("after", rec.body("after")))

	plan := buildPlan(t, []planner.Task{
		{ID: "anchor", Provides: []string{"sys:built"}},
		{ID: "after", After: []string{"sys:built"}},
	})

	gate := &fakeGate{restoreHit: map[string]bool{"anchor": true}}
	report, err := New(plan, reg, testContext(t), WithGate(gate)).RunSequential(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusRestored, report.Result("anchor").Status)
	assert.Equal(t, StatusSuccess, report.Result("after").Status, "restored task satisfies dependents")
	assert.Equal(t, []string{"after"}, rec.called())
	assert.Equal(t, []string{"anchor"}, gate.restored)
}

func TestGateRestoreFailureFallsBackToBody(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("anchor", rec.body("anchor")))

	plan := buildPlan(t, []planner.Task{{ID: "anchor"}})
	gate := &fakeGate{
		restoreHit: map[string]bool{"anchor": true},
		restoreErr: errors.New("payload corrupt"),
	}

	report, err := New(plan, reg, testContext(t), WithGate(gate)).RunSequential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, report.Result("anchor").Status)
	assert.Equal(t, []string{"anchor"}, rec.called())
}

func TestGateCaptureAfterSuccess(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry()
	require.NoError(t, reg.Register("anchor", rec.body("anchor")))

	plan := buildPlan(t, []planner.Task{{ID: "anchor"}})
	gate := &fakeGate{captureDue: map[string]bool{"anchor": true}}

	_, err := New(plan, reg, testContext(t), WithGate(gate)).RunSequential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"anchor"}, gate.captured)
}

func TestValidate(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register("a", func(ctx context.Context, ec *Context) error { return nil }))

	plan := buildPlan(t, []planner.Task{{ID: "a"}, {ID: "b"}})
	err := New(plan, reg, testContext(t)).Validate()
	assert.ErrorContains(t, err, `no body registered for task "b"`)
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry()
	fn := func(ctx context.Context, ec *Context) error { return nil }
	require.NoError(t, reg.Register("a", fn))
	assert.ErrorContains(t, reg.Register("a", fn), "duplicate task body")
}

func TestRunCmd(t *testing.T) {
	ec := testContext(t)

	t.Run("success", func(t *testing.T) {
		err := ec.RunCmd(context.Background(), ec.WS.Root, "true", nil)
		assert.NoError(t, err)
	})

	t.Run("nonzero exit", func(t *testing.T) {
		err := ec.RunCmd(context.Background(), ec.WS.Root, "exit 3", nil)
		assert.ErrorContains(t, err, "exit status 3")
	})

	t.Run("env is passed through", func(t *testing.T) {
		err := ec.RunCmd(context.Background(), ec.WS.Root,
			`test "$FORGE_MARK" = "yes"`, map[string]string{"FORGE_MARK": "yes"})
		assert.NoError(t, err)
	})

	t.Run("cancellation kills the process group", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		start := time.Now()
		err := ec.RunCmd(ctx, ec.WS.Root, "sleep 30", nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), 10*time.Second)
	})
}
