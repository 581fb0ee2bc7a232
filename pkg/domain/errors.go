package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing node, form or configuration target.
	ErrNotFound = errors.New("not found")
	// ErrVersion reports a write to a checked-in versionable node.
	ErrVersion = errors.New("node is checked in")
	// ErrConflict reports a duplicate node name or identifier.
	ErrConflict = errors.New("conflict")
	// ErrInvalidPath reports a malformed path or node name.
	ErrInvalidPath = errors.New("invalid path")
	// ErrProtected reports an attempt to write a store-maintained property.
	ErrProtected = errors.New("protected property")
)

// NotFoundError carries the kind and identifier of a missing item.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match typed lookups.
func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	if len(e.Result.Violations) == 0 {
		return "commit blocked by editors"
	}
	v := e.Result.Violations[0]
	return fmt.Sprintf("commit blocked by %s: %s", v.Editor, v.Message)
}
