package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/forgeline/internal/config"
	"github.com/vk/forgeline/internal/ctxlog"
	"github.com/vk/forgeline/internal/executor"
	"github.com/vk/forgeline/internal/fsutil"
	"github.com/vk/forgeline/internal/planner"
)

// TaskStageOverlay assembles the staging tree.
const TaskStageOverlay = "stage.overlay"

// TokenStageContent marks staged content; the stage barrier collects
// every provider of stage:* tokens.
const TokenStageContent = "stage:content"

// ValueStageDir is the published key for the staging tree location.
const ValueStageDir = "stage.dir"

// stageModule copies and renders configured overlay entries into a
// staging tree under the build directory.
//
//	stage {
//	  dir = "build/stage"
//	  entry "motd" {
//	    dest    = "etc/motd"
//	    content = "welcome"
//	  }
//	  entry "configs" {
//	    source = "overlays/etc"
//	    dest   = "etc"
//	  }
//	}
type stageModule struct{}

func (m *stageModule) ID() string { return "stage" }

func (m *stageModule) Detect(doc *config.Document) bool { return enabled(doc, "stage") }

func (m *stageModule) Plan(doc *config.Document, set *planner.Set) error {
	for _, name := range doc.Keys("stage.entry") {
		base := "stage.entry." + name
		dest := doc.StringOr(base+".dest", "")
		if dest == "" {
			return fmt.Errorf("entry %q: dest is required", name)
		}
		_, hasSource := doc.GetString(base + ".source")
		_, hasContent := doc.GetString(base + ".content")
		if hasSource == hasContent {
			return fmt.Errorf("entry %q: exactly one of source or content is required", name)
		}
	}

	return set.Add(planner.Task{
		ID:       TaskStageOverlay,
		Label:    "stage overlay content",
		Module:   m.ID(),
		Phase:    "stage",
		After:    []string{TaskCoreInit},
		Provides: []string{TokenStageContent},
	})
}

func (m *stageModule) Register(doc *config.Document, reg *executor.Registry) error {
	return reg.Register(TaskStageOverlay, func(ctx context.Context, ec *executor.Context) error {
		log := ctxlog.FromContext(ctx)

		stageDir, err := ec.WS.Resolve(ec.Doc.StringOr("stage.dir", "build/stage"))
		if err != nil {
			return err
		}
		if err := os.RemoveAll(stageDir); err != nil {
			return fmt.Errorf("clearing staging tree: %w", err)
		}
		if err := os.MkdirAll(stageDir, 0o755); err != nil {
			return fmt.Errorf("creating staging tree: %w", err)
		}

		for _, name := range ec.Doc.Keys("stage.entry") {
			base := "stage.entry." + name
			dest := ec.Doc.StringOr(base+".dest", "")
			target := filepath.Join(stageDir, filepath.FromSlash(dest))
			if rel, err := filepath.Rel(stageDir, target); err != nil || strings.HasPrefix(rel, "..") {
				return fmt.Errorf("entry %q: dest %q escapes the staging tree", name, dest)
			}

			if content, ok := ec.Doc.GetString(base + ".content"); ok {
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					return fmt.Errorf("entry %q: %w", name, err)
				}
				if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
					return fmt.Errorf("entry %q: %w", name, err)
				}
				log.Debug("Staged rendered file.", "entry", name, "dest", dest)
				continue
			}

			src, err := ec.WS.Resolve(ec.Doc.StringOr(base+".source", ""))
			if err != nil {
				return fmt.Errorf("entry %q: %w", name, err)
			}
			if err := fsutil.CopyTree(src, target); err != nil {
				return fmt.Errorf("entry %q: %w", name, err)
			}
			log.Debug("Staged copied entry.", "entry", name, "dest", dest)
		}

		ec.Publish(ValueStageDir, stageDir)
		return nil
	})
}
