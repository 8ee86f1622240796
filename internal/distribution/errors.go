package distribution

import (
	"errors"
	"fmt"
)

// ErrVersionConflict is returned when a write carried a stale version token.
var ErrVersionConflict = errors.New("distribution config version conflict")

// NotFoundError reports a missing control-plane resource.
type NotFoundError struct {
	Kind string
	ID   string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return e.Err }

// TransientError wraps a network or rate-limit failure that may succeed on retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ScopeViolationError is returned when a change would touch a behavior that
// must stay unmanaged. It is never retried.
type ScopeViolationError struct {
	BehaviorID string
	Reason     string
}

func (e *ScopeViolationError) Error() string {
	return fmt.Sprintf("behavior %q is outside the managed scope: %s", e.BehaviorID, e.Reason)
}

// CachePolicyConflictError is returned when a behavior already uses another
// cache policy. The existing policy shapes the cache key of production
// traffic, so it is only replaced on request.
type CachePolicyConflictError struct {
	BehaviorID string
	Current    string
	Want       string
}

func (e *CachePolicyConflictError) Error() string {
	return fmt.Sprintf("behavior %q uses cache policy %s, not %s; replacing it must be requested explicitly",
		e.BehaviorID, e.Current, e.Want)
}

// IsTransient reports whether err is, or wraps, a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
