package engine

import (
	"errors"
	"fmt"

	"github.com/anneal-io/anneal/internal/resource"
)

// ConflictError reports a create-phase naming collision: the natural
// key already exists remotely and the props did not request adoption.
type ConflictError struct {
	Kind resource.Kind
	ID   string
	Key  string // natural key that collided
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("create conflict for %s %q: %q already exists remotely (set adopt to bind to it)",
		e.Kind, e.ID, e.Key)
}

// KindMismatchError reports an apply whose kind differs from the kind
// recorded for the logical id. Kinds never change for a given id.
type KindMismatchError struct {
	ID        string
	Recorded  resource.Kind
	Requested resource.Kind
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("kind mismatch for %q: recorded as %s, requested as %s",
		e.ID, e.Recorded, e.Requested)
}

// ProviderError reports a failed remote call during create or update.
// The prior output stays committed untouched.
type ProviderError struct {
	Kind       resource.Kind
	ID         string
	Op         resource.Phase
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider error during %s of %s %q", e.Op, e.Kind, e.ID)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NotFoundError reports a missing remote object. During delete it means
// success: the object is already gone.
type NotFoundError struct {
	Kind resource.Kind
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// TeardownError aggregates per-resource failures from a scope teardown.
// Teardown always runs to completion; this surfaces what it logged.
type TeardownError struct {
	Scope string
	Errs  []error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown of scope %q completed with %d error(s): %v",
		e.Scope, len(e.Errs), errors.Join(e.Errs...))
}

func (e *TeardownError) Unwrap() []error { return e.Errs }

// IsConflict reports whether err is a create-phase naming conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsKindMismatch reports whether err is a kind mismatch.
func IsKindMismatch(err error) bool {
	var ke *KindMismatchError
	return errors.As(err, &ke)
}

// IsNotFound reports whether err is a missing remote object.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
