// Package modules contains the built-in domain modules. A module is a
// pure function from the configuration document to task declarations
// plus their bodies; modules that do not detect themselves in the
// document contribute nothing.
package modules

import (
	"fmt"

	"github.com/vk/forgeline/internal/config"
	"github.com/vk/forgeline/internal/executor"
	"github.com/vk/forgeline/internal/planner"
)

// Module contributes tasks derived from the config document.
type Module interface {
	// ID is the module name, matching its top-level config table.
	ID() string
	// Detect reports whether the document activates the module.
	Detect(doc *config.Document) bool
	// Plan declares the module's tasks.
	Plan(doc *config.Document, set *planner.Set) error
	// Register binds the task bodies.
	Register(doc *config.Document, reg *executor.Registry) error
}

// Builtins returns the built-in modules in planning order.
func Builtins() []Module {
	return []Module{
		&coreModule{},
		&stageModule{},
		&systemModule{},
		&imageModule{},
	}
}

// BuildPlan runs detection and planning across mods and builds the
// final plan. Modules disabled in config contribute no tasks at all.
func BuildPlan(doc *config.Document, mods []Module) (*planner.Plan, error) {
	set := planner.NewSet()
	for _, m := range mods {
		if !m.Detect(doc) {
			continue
		}
		if err := m.Plan(doc, set); err != nil {
			return nil, fmt.Errorf("module %s: %w", m.ID(), err)
		}
	}
	return planner.Build(set.Tasks())
}

// BuildRegistry collects the task bodies of every detected module.
func BuildRegistry(doc *config.Document, mods []Module) (*executor.Registry, error) {
	reg := executor.NewRegistry()
	for _, m := range mods {
		if !m.Detect(doc) {
			continue
		}
		if err := m.Register(doc, reg); err != nil {
			return nil, fmt.Errorf("module %s: %w", m.ID(), err)
		}
	}
	return reg, nil
}

// enabled is the shared "<table>.enabled = false" opt-out check.
func enabled(doc *config.Document, table string) bool {
	return doc.Has(table) && doc.BoolOr(table+".enabled", true)
}
