package model

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input: empty identifiers, missing
// required fields, unsupported value types. Never retryable.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// NotFoundError reports a query for an entity, field, or source that
// does not exist. Never retryable.
type NotFoundError struct {
	Kind string // "entity", "field", "source"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// MergedError reports an operation against an entity that has been
// merged away. MergedInto carries the surviving entity id so callers
// can redirect.
type MergedError struct {
	EntityID   string
	MergedInto string
}

func (e *MergedError) Error() string {
	return fmt.Sprintf("entity %s has been merged into %s", e.EntityID, e.MergedInto)
}

// CycleError reports a rejected relationship that would create a cycle
// among edges of a strictly ordered type. Never retryable.
type CycleError struct {
	Type     RelationType
	SourceID string
	TargetID string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("relationship %s %s -> %s would create a cycle", e.Type, e.SourceID, e.TargetID)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsMerged reports whether err is a MergedError.
func IsMerged(err error) bool {
	var me *MergedError
	return errors.As(err, &me)
}

// IsCycle reports whether err is a CycleError.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}
