package checkpoint

import (
	"context"
	"fmt"

	"github.com/vk/forgeline/internal/executor"
)

// Gate adapts the store to the executor's checkpoint hooks. All
// decisions are resolved once, up front, so the run itself only reads
// them.
type Gate struct {
	store     *Store
	decisions map[string]Decision // keyed by anchor task id
	points    map[string]PointConfig
}

// NewGate resolves every point's decision. A required point without a
// usable checkpoint fails here, before any task runs.
func NewGate(ctx context.Context, store *Store) (*Gate, error) {
	g := &Gate{
		store:     store,
		decisions: map[string]Decision{},
		points:    map[string]PointConfig{},
	}
	if !store.Enabled() {
		return g, nil
	}

	decisions, err := store.Decide(ctx)
	if err != nil {
		return nil, err
	}
	for _, point := range store.Config().Points {
		if prev, dup := g.points[point.AnchorTask]; dup {
			return nil, fmt.Errorf("checkpoint: points %q and %q share anchor task %q", prev.ID, point.ID, point.AnchorTask)
		}
		g.points[point.AnchorTask] = point
		g.decisions[point.AnchorTask] = decisions[point.ID]
	}
	return g, nil
}

// Decisions returns the resolved decisions keyed by point id.
func (g *Gate) Decisions() map[string]Decision {
	out := make(map[string]Decision, len(g.decisions))
	for _, d := range g.decisions {
		out[d.PointID] = d
	}
	return out
}

// WillRestore implements executor.CheckpointGate.
func (g *Gate) WillRestore(taskID string) bool {
	return g.decisions[taskID].Restore
}

// Restore implements executor.CheckpointGate.
func (g *Gate) Restore(ctx context.Context, ec *executor.Context, taskID string) error {
	d, ok := g.decisions[taskID]
	if !ok {
		return fmt.Errorf("checkpoint: no decision for task %q", taskID)
	}
	return g.store.Restore(ctx, d)
}

// CaptureDue implements executor.CheckpointGate: a point anchored at the
// task exists, checkpointing is on for it, and the run did not restore.
func (g *Gate) CaptureDue(taskID string) bool {
	point, ok := g.points[taskID]
	if !ok || point.UsePolicy == UseOff || !g.store.Config().Enabled {
		return false
	}
	return !g.decisions[taskID].Restore
}

// Capture implements executor.CheckpointGate.
func (g *Gate) Capture(ctx context.Context, ec *executor.Context, taskID string) error {
	point, ok := g.points[taskID]
	if !ok {
		return fmt.Errorf("checkpoint: no point anchored at task %q", taskID)
	}
	return g.store.Capture(ctx, point.ID)
}
