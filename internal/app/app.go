// Package app wires configuration loading, planning, and execution into
// the operations the CLI exposes.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/forgeline/internal/checkpoint"
	"github.com/vk/forgeline/internal/config"
	"github.com/vk/forgeline/internal/executor"
	"github.com/vk/forgeline/internal/modules"
	"github.com/vk/forgeline/internal/planner"
	"github.com/vk/forgeline/internal/workspace"
)

// App is one fully loaded invocation: merged document, resolved
// workspace, plan, task bodies, and checkpoint store.
type App struct {
	Doc      *config.Document
	WS       *workspace.Paths
	Plan     *planner.Plan
	Registry *executor.Registry
	Store    *checkpoint.Store
}

// Setup loads the configuration and derives everything a command needs.
func Setup(ctx context.Context, cfg *Config) (*App, error) {
	doc, err := config.Load(cfg.ConfigPath, cfg.Overrides)
	if err != nil {
		return nil, err
	}

	ws, err := resolveWorkspace(doc, cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	mods := modules.Builtins()
	plan, err := modules.BuildPlan(doc, mods)
	if err != nil {
		return nil, err
	}
	registry, err := modules.BuildRegistry(doc, mods)
	if err != nil {
		return nil, err
	}

	store, err := checkpoint.NewStore(doc, ws)
	if err != nil {
		return nil, err
	}

	return &App{
		Doc:      doc,
		WS:       ws,
		Plan:     plan,
		Registry: registry,
		Store:    store,
	}, nil
}

// resolveWorkspace decodes the workspace block. A relative root_dir is
// anchored at the config location, so invocations work from anywhere.
func resolveWorkspace(doc *config.Document, configPath string) (*workspace.Paths, error) {
	clean, err := workspace.ParseCleanMode(doc.StringOr("workspace.clean", ""))
	if err != nil {
		return nil, err
	}

	rootDir := doc.StringOr("workspace.root_dir", ".")
	if !filepath.IsAbs(rootDir) {
		base := configPath
		if info, err := os.Stat(configPath); err == nil && !info.IsDir() {
			base = filepath.Dir(configPath)
		}
		rootDir = filepath.Join(base, rootDir)
	}

	wcfg := workspace.Config{
		RootDir:  rootDir,
		BuildDir: doc.StringOr("workspace.build_dir", ""),
		OutDir:   doc.StringOr("workspace.out_dir", ""),
		Clean:    clean,
	}
	if named, ok := doc.GetStringMap("workspace.paths"); ok {
		wcfg.Named = named
	}
	return workspace.New(wcfg)
}

// RunOptions selects the execution mode for Run.
type RunOptions struct {
	DryRun      bool
	Sequential  bool
	MaxParallel int
}

// Run executes the plan with checkpoint gating. The string slice holds
// the would-run actions of a dry run, nil otherwise. The report is
// non-nil even when the run failed.
func (a *App) Run(ctx context.Context, opts RunOptions) (*executor.Report, []string, error) {
	gate, err := checkpoint.NewGate(ctx, a.Store)
	if err != nil {
		return nil, nil, err
	}

	ec := executor.NewContext(a.Doc, a.WS)
	exec := executor.New(a.Plan, a.Registry, ec,
		executor.WithGate(gate),
		executor.WithDryRun(opts.DryRun),
	)
	if err := exec.Validate(); err != nil {
		return nil, nil, err
	}

	var report *executor.Report
	if opts.Sequential {
		report, err = exec.RunSequential(ctx)
	} else {
		report, err = exec.RunParallel(ctx, opts.MaxParallel)
	}
	if opts.DryRun {
		return report, ec.WouldRun(), err
	}
	return report, nil, err
}

// Resolve looks up dotted key-paths in the merged document, returning
// plain Go values (nil for absent paths is an error).
func (a *App) Resolve(keyPaths []string) (map[string]any, error) {
	out := make(map[string]any, len(keyPaths))
	for _, keyPath := range keyPaths {
		v, ok := a.Doc.Lookup(keyPath)
		if !ok {
			return nil, fmt.Errorf("key-path %q not found in configuration", keyPath)
		}
		out[keyPath] = config.GoValue(v)
	}
	return out, nil
}
