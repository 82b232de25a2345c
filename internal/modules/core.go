package modules

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/forgeline/internal/config"
	"github.com/vk/forgeline/internal/ctxlog"
	"github.com/vk/forgeline/internal/executor"
	"github.com/vk/forgeline/internal/planner"
)

// TaskCoreInit initializes the workspace before anything else runs.
const TaskCoreInit = "core.init"

// TokenCoreInitialized is provided once the workspace is ready.
const TokenCoreInitialized = "core:initialized"

// knownTables are the top-level config tables the built-ins understand.
var knownTables = map[string]struct{}{
	"workspace":   {},
	"inputs":      {},
	"checkpoints": {},
	"core":        {},
	"stage":       {},
	"system":      {},
	"image":       {},
}

// coreModule is always active. Its single task resolves and initializes
// the workspace and publishes the layout for downstream tasks.
type coreModule struct{}

func (m *coreModule) ID() string { return "core" }

func (m *coreModule) Detect(doc *config.Document) bool { return true }

func (m *coreModule) Plan(doc *config.Document, set *planner.Set) error {
	var unknown []string
	for _, key := range doc.TopLevelKeys() {
		if _, ok := knownTables[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("unsupported top-level config tables: %v", unknown)
	}

	return set.Add(planner.Task{
		ID:       TaskCoreInit,
		Label:    "initialize workspace",
		Module:   m.ID(),
		Phase:    "init",
		Provides: []string{TokenCoreInitialized},
	})
}

func (m *coreModule) Register(doc *config.Document, reg *executor.Registry) error {
	return reg.Register(TaskCoreInit, func(ctx context.Context, ec *executor.Context) error {
		if err := ec.WS.Init(ctx); err != nil {
			return err
		}
		ec.Publish("workspace.root", ec.WS.Root)
		ec.Publish("workspace.build", ec.WS.Build)
		ec.Publish("workspace.out", ec.WS.Out)
		ctxlog.FromContext(ctx).Debug("Workspace ready.", "root", ec.WS.Root)
		return nil
	})
}
