package core

import (
	"errors"
	"fmt"
)

var (
	ErrValidation          = errors.New("invalid request")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrBlacklisted         = errors.New("visitor is blacklisted")
	ErrPersistence         = errors.New("persistence failure")
	ErrAssignmentExhausted = errors.New("no agent available")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrTenantMismatch      = errors.New("tenant mismatch")
)

// DeniedError is returned when an agent may not reply to a visitor.
type DeniedError struct {
	Reason   string
	Assignee *AgentInfo
}

func (e *DeniedError) Error() string {
	return "permission denied: " + e.Reason
}

func (e *DeniedError) Unwrap() error {
	return ErrPermissionDenied
}

// Invalid builds a validation error carrying a client-facing detail.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Persist marks err as a storage failure on the send path.
func Persist(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// IsDomain reports whether err is an expected outcome rather than an
// infrastructure fault.
func IsDomain(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) || errors.Is(err, ErrValidation)
}
