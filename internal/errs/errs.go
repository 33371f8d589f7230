// Package errs defines the typed failures surfaced by the coordination core.
// All of these are returned, never panicked; callers match them with the
// Is* predicates or errors.As.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// CapacityError reports a registry or session limit being exceeded.
type CapacityError struct {
	Resource string
	Limit    int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s capacity reached (limit %d)", e.Resource, e.Limit)
}

// NotFoundError reports an unknown agent/task/lock/conflict/rule/policy id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// LockConflictError reports an incompatible lock already held on a path.
type LockConflictError struct {
	Path     string
	HolderID string
	LockType string
}

func (e *LockConflictError) Error() string {
	return fmt.Sprintf("lock conflict on %s: %s lock held by agent %s", e.Path, e.LockType, e.HolderID)
}

// ConflictDetectedError rejects a file operation because the change history
// shows a conflicting recent change. It carries the classification produced
// by the conflict resolver.
type ConflictDetectedError struct {
	Path           string
	ConflictType   string
	InvolvedAgents []string
	Description    string
}

func (e *ConflictDetectedError) Error() string {
	return fmt.Sprintf("conflict detected on %s (%s, agents %s): %s",
		e.Path, e.ConflictType, strings.Join(e.InvolvedAgents, ","), e.Description)
}

// CycleError reports a dependency edge that would make the task graph cyclic.
type CycleError struct {
	TaskID    string
	DependsOn string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency %s -> %s would create a cycle", e.TaskID, e.DependsOn)
}

// ValidationError reports a malformed rule, policy, or config shape.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

func IsCapacity(err error) bool {
	var e *CapacityError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}

func IsLockConflict(err error) bool {
	var e *LockConflictError
	return errors.As(err, &e)
}

func IsConflictDetected(err error) bool {
	var e *ConflictDetectedError
	return errors.As(err, &e)
}

func IsCycle(err error) bool {
	var e *CycleError
	return errors.As(err, &e)
}

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}
