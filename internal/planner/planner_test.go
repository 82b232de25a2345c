package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func orderIndex(t *testing.T, p *Plan) map[string]int {
	t.Helper()
	idx := map[string]int{}
	for i, task := range p.Ordered() {
		idx[task.ID] = i
	}
	return idx
}

func TestSetAdd(t *testing.T) {
	s := NewSet()
	require.NoError(t, s.Add(Task{ID: "a"}))
	require.NoError(t, s.Add(Task{ID: "b"}))

	err := s.Add(Task{ID: "a"})
	var dup *DuplicateTaskError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "a", dup.ID)

	assert.ErrorContains(t, s.Add(Task{}), "empty id")
}

func TestBuildTopologicalOrder(t *testing.T) {
	p, err := Build([]Task{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
		{ID: "c", After: []string{"b"}},
	})
	require.NoError(t, err)

	idx := orderIndex(t, p)
	assert.Less(t, idx["a"], idx["b"])
	assert.Less(t, idx["b"], idx["c"])
}

func TestBuildRegistrationOrderTieBreak(t *testing.T) {
	// Independent tasks keep registration order among themselves.
	p, err := Build([]Task{
		{ID: "z"},
		{ID: "m"},
		{ID: "a"},
	})
	require.NoError(t, err)

	idx := orderIndex(t, p)
	assert.Less(t, idx["z"], idx["m"])
	assert.Less(t, idx["m"], idx["a"])
}

func TestBuildTokenResolution(t *testing.T) {
	t.Run("token resolves to all providers", func(t *testing.T) {
		p, err := Build([]Task{
			{ID: "dl.kernel", Provides: []string{"sources:ready"}},
			{ID: "dl.rootfs", Provides: []string{"sources:ready"}},
			{ID: "build", After: []string{"sources:ready"}},
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"dl.kernel", "dl.rootfs"}, p.Deps("build"))
	})

	t.Run("task id match beats token match", func(t *testing.T) {
		// A task named like a token: the id wins.
		p, err := Build([]Task{
			{ID: "sources:ready"},
			{ID: "provider", Provides: []string{"sources:ready"}},
			{ID: "build", After: []string{"sources:ready"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"sources:ready"}, p.Deps("build"))
	})

	t.Run("unresolved required reference fails", func(t *testing.T) {
		_, err := Build([]Task{{ID: "a", After: []string{"ghost:token"}}})
		var unres *UnresolvedDependencyError
		require.ErrorAs(t, err, &unres)
		assert.Equal(t, "a", unres.Task)
		assert.Equal(t, "ghost:token", unres.Ref)
	})

	t.Run("unresolved optional reference is dropped", func(t *testing.T) {
		p, err := Build([]Task{{ID: "a", After: []string{"ghost:token?"}}})
		require.NoError(t, err)
		assert.Empty(t, p.Deps("a"))
	})

	t.Run("optional reference still binds when resolvable", func(t *testing.T) {
		p, err := Build([]Task{
			{ID: "stage.files", Provides: []string{"stage:content"}},
			{ID: "img", After: []string{"stage:content?"}},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"stage.files"}, p.Deps("img"))
	})
}

func TestBuildCycleDetection(t *testing.T) {
	_, err := Build([]Task{
		{ID: "a", After: []string{"c"}},
		{ID: "b", After: []string{"a"}},
		{ID: "c", After: []string{"b"}},
	})
	var cyc *CycleError
	require.ErrorAs(t, err, &cyc)
	assert.ErrorContains(t, err, "cycle detected")
	// Path ends where it starts.
	assert.Equal(t, cyc.Path[0], cyc.Path[len(cyc.Path)-1])
	assert.GreaterOrEqual(t, len(cyc.Path), 4)
}

func TestStageBarrier(t *testing.T) {
	t.Run("barrier depends on every stage producer", func(t *testing.T) {
		p, err := Build([]Task{
			{ID: "stage.files", Provides: []string{"stage:content"}},
			{ID: "stage.render", Provides: []string{"stage:content"}},
			{ID: "img", After: []string{"stage:done"}},
		})
		require.NoError(t, err)

		barrier := p.Task(StageBarrierID)
		require.NotNil(t, barrier)
		assert.ElementsMatch(t, []string{"stage.files", "stage.render"}, p.Deps(StageBarrierID))
		assert.Equal(t, []string{StageBarrierID}, p.Deps("img"))

		idx := orderIndex(t, p)
		assert.Less(t, idx["stage.files"], idx[StageBarrierID])
		assert.Less(t, idx["stage.render"], idx[StageBarrierID])
		assert.Less(t, idx[StageBarrierID], idx["img"])
	})

	t.Run("barrier exists with zero producers", func(t *testing.T) {
		p, err := Build([]Task{{ID: "solo"}})
		require.NoError(t, err)
		require.NotNil(t, p.Task(StageBarrierID))
		assert.Empty(t, p.Deps(StageBarrierID))
	})
}

func TestOrderedIsStable(t *testing.T) {
	tasks := []Task{
		{ID: "core.init", Provides: []string{"core:initialized"}},
		{ID: "stage.files", After: []string{"core.init"}, Provides: []string{"stage:content"}},
		{ID: "system.build", After: []string{"core.init"}, Provides: []string{"system:built"}},
		{ID: "image.assemble", After: []string{"system:built?", "stage:done?", "core.init"}},
	}

	first, err := Build(tasks)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		p, err := Build(tasks)
		require.NoError(t, err)
		assert.Equal(t, first.Ordered(), p.Ordered())
	}
}

func TestDependents(t *testing.T) {
	p, err := Build([]Task{
		{ID: "a"},
		{ID: "b", After: []string{"a"}},
		{ID: "c", After: []string{"a"}},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, p.Dependents("a"))
}
