package reconcile

import (
	"errors"
	"fmt"

	"github.com/co-cddo/ndx-canary/internal/distribution"
)

// Step names one stage of a reconcile run.
type Step string

const (
	StepAccessControl       Step = "access-control"
	StepCachePolicy         Step = "cache-policy"
	StepFunction            Step = "function"
	StepAccessGrant         Step = "access-grant"
	StepRead                Step = "read"
	StepOrigin              Step = "origin"
	StepCacheBehavior       Step = "cache-behavior"
	StepFunctionAssociation Step = "function-association"
	StepScope               Step = "scope"
	StepWrite               Step = "write"
)

// StepError carries the step a reconcile run failed in. Steps that completed
// before it are not rolled back; rerunning is safe.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("reconcile step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ConflictError is returned when every attempt to write the distribution
// config lost the race with another writer.
type ConflictError struct {
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("distribution config still conflicting after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Outcome labels err for metrics and exit codes.
func Outcome(err error, changed bool) string {
	var (
		conflict *ConflictError
		scope    *distribution.ScopeViolationError
		policy   *distribution.CachePolicyConflictError
	)
	switch {
	case err == nil && changed:
		return "reconciled"
	case err == nil:
		return "unchanged"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &scope):
		return "scope_violation"
	case errors.As(err, &policy):
		return "cache_policy_conflict"
	case distribution.IsNotFound(err):
		return "not_found"
	case distribution.IsTransient(err):
		return "transient"
	}
	return "error"
}
