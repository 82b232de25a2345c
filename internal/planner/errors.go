package planner

import (
	"fmt"
	"strings"
)

// DuplicateTaskError reports two registrations under the same task id.
type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("duplicate task id %q", e.ID)
}

// UnresolvedDependencyError reports a non-optional `after` reference that
// matched neither a task id nor a provided token.
type UnresolvedDependencyError struct {
	Task string
	Ref  string
}

func (e *UnresolvedDependencyError) Error() string {
	return fmt.Sprintf("task %q: unresolved dependency %q", e.Task, e.Ref)
}

// CycleError reports a dependency cycle. Path lists the task ids along
// the cycle, ending where it started.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}
