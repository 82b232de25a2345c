package modules

import (
	"context"
	"fmt"
	"os"

	"github.com/vk/forgeline/internal/config"
	"github.com/vk/forgeline/internal/executor"
	"github.com/vk/forgeline/internal/planner"
)

// TaskSystemBuild runs the configured system build command. It is the
// canonical checkpoint anchor.
const TaskSystemBuild = "system.build"

// TokenSystemBuilt is provided once the system build output exists.
const TokenSystemBuilt = "system:built"

// ValueSystemBuildDir is the published key for the build output dir.
const ValueSystemBuildDir = "system.build_dir"

// systemModule drives the expensive system build.
//
//	system {
//	  build_command = "make -C src image"
//	  build_dir     = "build/system"
//	  version       = "2.4.1"
//	}
type systemModule struct{}

func (m *systemModule) ID() string { return "system" }

func (m *systemModule) Detect(doc *config.Document) bool { return enabled(doc, "system") }

func (m *systemModule) Plan(doc *config.Document, set *planner.Set) error {
	if doc.StringOr("system.build_command", "") == "" {
		return fmt.Errorf("build_command is required")
	}
	return set.Add(planner.Task{
		ID:       TaskSystemBuild,
		Label:    "build system",
		Module:   m.ID(),
		Phase:    "build",
		After:    []string{TaskCoreInit},
		Provides: []string{TokenSystemBuilt},
	})
}

func (m *systemModule) Register(doc *config.Document, reg *executor.Registry) error {
	return reg.Register(TaskSystemBuild, func(ctx context.Context, ec *executor.Context) error {
		buildDir, err := ec.WS.Resolve(ec.Doc.StringOr("system.build_dir", "build/system"))
		if err != nil {
			return err
		}
		if err := os.MkdirAll(buildDir, 0o755); err != nil {
			return fmt.Errorf("creating build dir: %w", err)
		}

		env := map[string]string{
			"FORGE_BUILD_DIR": buildDir,
			"FORGE_OUT_DIR":   ec.WS.Out,
		}
		if version := ec.Doc.StringOr("system.version", ""); version != "" {
			env["FORGE_VERSION"] = version
		}

		command := ec.Doc.StringOr("system.build_command", "")
		if err := ec.RunCmd(ctx, ec.WS.Root, command, env); err != nil {
			return err
		}
		ec.Publish(ValueSystemBuildDir, buildDir)
		return nil
	})
}
