package engine

import (
	"fmt"
	"strings"

	"phaseline/internal/repo"
)

// ValidationError reports malformed input, e.g. duplicate phase orders or an
// unrecognized artifact type.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

// NotFoundError reports a referenced id that does not exist.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

// Unwrap lets errors.Is(err, repo.ErrNotFound) keep working across layers.
func (e NotFoundError) Unwrap() error { return repo.ErrNotFound }

// ConflictError reports an operation that violates a uniqueness or
// terminal-state invariant (reapplying a template, closing twice).
type ConflictError struct {
	Msg string
}

func (e ConflictError) Error() string { return e.Msg }

// InvalidTransitionError reports a state move not permitted from the current state.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Entity, e.From, e.To)
}

// ClosureCheck is one entry of the closure checklist.
type ClosureCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// ClosureValidation is the derived checklist result; IsValid is the
// conjunction of all checks.
type ClosureValidation struct {
	Checks  []ClosureCheck `json:"checks"`
	IsValid bool           `json:"is_valid"`
}

// FailedChecks returns the checks that did not pass, in checklist order.
func (v ClosureValidation) FailedChecks() []ClosureCheck {
	var failed []ClosureCheck
	for _, c := range v.Checks {
		if !c.Passed {
			failed = append(failed, c)
		}
	}
	return failed
}

// ClosureBlockedError carries the failed checks of a rejected close.
type ClosureBlockedError struct {
	Failed []ClosureCheck
}

func (e ClosureBlockedError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for _, c := range e.Failed {
		names = append(names, c.Name)
	}
	return "closure blocked: " + strings.Join(names, "; ")
}
