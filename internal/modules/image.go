package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/forgeline/internal/config"
	"github.com/vk/forgeline/internal/ctxlog"
	"github.com/vk/forgeline/internal/executor"
	"github.com/vk/forgeline/internal/fsutil"
	"github.com/vk/forgeline/internal/planner"
)

// TaskImageAssemble collects build output and staged content into the
// final artifact tree.
const TaskImageAssemble = "image.assemble"

// imageModule assembles the deliverable under the out directory. Both
// upstream providers are optional: an image can be staged content only,
// or raw build output only.
//
//	image {
//	  name = "system"
//	}
type imageModule struct{}

func (m *imageModule) ID() string { return "image" }

func (m *imageModule) Detect(doc *config.Document) bool { return enabled(doc, "image") }

func (m *imageModule) Plan(doc *config.Document, set *planner.Set) error {
	return set.Add(planner.Task{
		ID:     TaskImageAssemble,
		Label:  "assemble image",
		Module: m.ID(),
		Phase:  "image",
		After: []string{
			TokenSystemBuilt + "?",
			planner.StageDoneToken + "?",
			TaskCoreInit,
		},
	})
}

func (m *imageModule) Register(doc *config.Document, reg *executor.Registry) error {
	return reg.Register(TaskImageAssemble, func(ctx context.Context, ec *executor.Context) error {
		log := ctxlog.FromContext(ctx)
		name := ec.Doc.StringOr("image.name", "image")

		// Assemble next to the final location, then swap, so out/
		// never holds a half-built artifact.
		dest := filepath.Join(ec.WS.Out, name)
		tmp, err := os.MkdirTemp(ec.WS.Out, "."+name+"-*")
		if err != nil {
			return fmt.Errorf("creating assembly dir: %w", err)
		}
		defer os.RemoveAll(tmp)

		assembled := false
		if buildDir, ok := ec.Value(ValueSystemBuildDir); ok {
			if err := fsutil.CopyTree(buildDir, tmp); err != nil {
				return fmt.Errorf("collecting build output: %w", err)
			}
			assembled = true
		} else if ec.Doc.Has("system") {
			buildDir := ec.Doc.StringOr("system.build_dir", "build/system")
			// A restored anchor publishes nothing; fall back to the
			// configured location when it exists on disk.
			abs, err := ec.WS.Resolve(buildDir)
			if err == nil {
				if _, statErr := os.Stat(abs); statErr == nil {
					if err := fsutil.CopyTree(abs, tmp); err != nil {
						return fmt.Errorf("collecting build output: %w", err)
					}
					assembled = true
				}
			}
		}

		if stageDir, ok := ec.Value(ValueStageDir); ok {
			if err := fsutil.CopyTree(stageDir, tmp); err != nil {
				return fmt.Errorf("overlaying staged content: %w", err)
			}
			assembled = true
		}

		if !assembled {
			return fmt.Errorf("nothing to assemble: no build output and no staged content")
		}

		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("clearing previous artifact: %w", err)
		}
		if err := os.Rename(tmp, dest); err != nil {
			return fmt.Errorf("publishing artifact: %w", err)
		}
		log.Info("Image assembled.", "artifact", dest)
		return nil
	})
}
