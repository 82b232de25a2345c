// Package workspace resolves and prepares the on-disk layout a build runs
// in: a root directory, a build directory for intermediate state, an out
// directory for final artifacts, and optional named path aliases.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/forgeline/internal/ctxlog"
)

// CleanMode selects which directories are wiped during Init.
type CleanMode string

const (
	CleanNone  CleanMode = "none"
	CleanBuild CleanMode = "build"
	CleanOut   CleanMode = "out"
	CleanAll   CleanMode = "all"
)

// ParseCleanMode validates a clean mode string from config.
func ParseCleanMode(s string) (CleanMode, error) {
	switch CleanMode(s) {
	case CleanNone, CleanBuild, CleanOut, CleanAll:
		return CleanMode(s), nil
	case "":
		return CleanNone, nil
	}
	return "", fmt.Errorf("workspace: unknown clean mode %q (want none, build, out, or all)", s)
}

// Config is the decoded workspace block. BuildDir, OutDir and the named
// paths are interpreted relative to RootDir unless absolute.
type Config struct {
	RootDir  string
	BuildDir string
	OutDir   string
	Clean    CleanMode
	Named    map[string]string
}

// Paths is the resolved, absolute workspace layout. Immutable after New.
type Paths struct {
	Root  string
	Build string
	Out   string
	clean CleanMode
	named map[string]string
}

// New resolves a Config into absolute paths. Every named alias must stay
// inside the workspace root.
func New(cfg Config) (*Paths, error) {
	rootDir := cfg.RootDir
	if rootDir == "" {
		rootDir = "."
	}
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving root dir: %w", err)
	}

	p := &Paths{
		Root:  root,
		Build: joinUnder(root, cfg.BuildDir, "build"),
		Out:   joinUnder(root, cfg.OutDir, "out"),
		clean: cfg.Clean,
		named: make(map[string]string, len(cfg.Named)),
	}
	if p.clean == "" {
		p.clean = CleanNone
	}

	for alias, dir := range cfg.Named {
		if alias == "" || strings.ContainsAny(alias, "/@") {
			return nil, fmt.Errorf("workspace: invalid path alias %q", alias)
		}
		abs := joinUnder(root, dir, "")
		if !contains(root, abs) {
			return nil, fmt.Errorf("workspace: path alias %q escapes the workspace root: %s", alias, dir)
		}
		p.named[alias] = abs
	}
	return p, nil
}

// joinUnder joins dir under root, keeping dir as-is when already absolute.
func joinUnder(root, dir, def string) string {
	if dir == "" {
		dir = def
	}
	if filepath.IsAbs(dir) {
		return filepath.Clean(dir)
	}
	return filepath.Join(root, dir)
}

// contains reports whether path is root itself or lies beneath it.
func contains(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != "..")
}

// Named returns the absolute directory for an alias.
func (p *Paths) Named(alias string) (string, bool) {
	dir, ok := p.named[alias]
	return dir, ok
}

// Resolve turns a config path reference into an absolute path. References
// of the form "@alias/rest" resolve against the named alias; everything
// else resolves relative to the workspace root. The result must not
// escape the workspace root.
func (p *Paths) Resolve(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("workspace: empty path reference")
	}

	var base, rest string
	if strings.HasPrefix(ref, "@") {
		alias, tail, _ := strings.Cut(ref[1:], "/")
		dir, ok := p.named[alias]
		if !ok {
			return "", fmt.Errorf("workspace: unknown path alias %q in %q", alias, ref)
		}
		base, rest = dir, tail
	} else if filepath.IsAbs(ref) {
		base, rest = filepath.Clean(ref), ""
	} else {
		base, rest = p.Root, ref
	}

	abs := base
	if rest != "" {
		abs = filepath.Join(base, rest)
	}
	if !contains(p.Root, abs) {
		return "", fmt.Errorf("workspace: path %q escapes the workspace root", ref)
	}
	return abs, nil
}

// Init applies the configured clean mode and creates the build and out
// directories.
func (p *Paths) Init(ctx context.Context) error {
	log := ctxlog.FromContext(ctx)

	var toClean []string
	switch p.clean {
	case CleanBuild:
		toClean = []string{p.Build}
	case CleanOut:
		toClean = []string{p.Out}
	case CleanAll:
		toClean = []string{p.Build, p.Out}
	}
	for _, dir := range toClean {
		log.Info("Cleaning workspace directory", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("workspace: cleaning %s: %w", dir, err)
		}
	}

	for _, dir := range []string{p.Root, p.Build, p.Out} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("workspace: creating %s: %w", dir, err)
		}
	}
	for _, dir := range p.named {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("workspace: creating %s: %w", dir, err)
		}
	}
	log.Debug("Workspace initialized", "root", p.Root, "build", p.Build, "out", p.Out)
	return nil
}
