// Package errors holds the error taxonomy shared by the approval engine and
// its transport: validation, conflict, dependency and structural failures.
package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrForbidden    = fmt.Errorf("forbidden")
	ErrDuplicateKey = fmt.Errorf("duplicate key")

	// Conflict: caller must re-fetch current state.
	ErrAlreadyDecided         = fmt.Errorf("step already decided")
	ErrNotActionable          = fmt.Errorf("step not actionable")
	ErrConcurrentModification = fmt.Errorf("concurrent modification")

	// Dependency failures: submission fails closed.
	ErrRateUnavailable = fmt.Errorf("exchange rate unavailable")
	ErrHierarchyLookup = fmt.Errorf("manager hierarchy lookup failed")

	// Structural failures.
	ErrManagerChainCycle = fmt.Errorf("manager chain cycle")
	ErrInvalidRuleConfig = fmt.Errorf("invalid approval rule configuration")
)

// ValidationError names the offending field of a rejected request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalidInput, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyDecided) ||
		errors.Is(err, ErrNotActionable) ||
		errors.Is(err, ErrConcurrentModification)
}

func IsDependency(err error) bool {
	return errors.Is(err, ErrRateUnavailable) || errors.Is(err, ErrHierarchyLookup)
}

// IsStructural reports failures that need administrator attention.
func IsStructural(err error) bool {
	return errors.Is(err, ErrManagerChainCycle) || errors.Is(err, ErrInvalidRuleConfig)
}
