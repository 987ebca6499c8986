package structs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound wraps lookups of missing students, sections,
	// courses, or enrollments.
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyEnrolled is returned when an active enrollment for the
	// (student, section) pair already exists.
	ErrAlreadyEnrolled = errors.New("student already has an active enrollment in section")

	// ErrSectionFull is returned when both the section and its
	// waitlist are exhausted.
	ErrSectionFull = errors.New("section and waitlist are both full")

	// ErrLockTimeout is returned when a lease could not be acquired
	// within the caller's wait timeout.
	ErrLockTimeout = errors.New("timed out waiting for lock")

	// ErrNotLockHolder is returned on release by a non-owner.
	ErrNotLockHolder = errors.New("caller does not hold the lock")

	// ErrAuditFailure wraps audit chain write failures. Fatal for the
	// enclosing operation: the outcome must not be acknowledged.
	ErrAuditFailure = errors.New("audit chain write failed")

	// ErrInvalidTransition is returned by the enrollment aggregate
	// when an operation is not legal in the current state.
	ErrInvalidTransition = errors.New("invalid enrollment state transition")
)

// ConcurrencyError indicates a version fence failure on an event stream
// append. Recoverable: the caller refetches and retries.
type ConcurrencyError struct {
	StreamID string
	Expected uint64
	Actual   uint64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict on stream %s: expected %d, actual %d",
		e.StreamID, e.Expected, e.Actual)
}

// IsConcurrencyError reports whether err is (or wraps) a version fence
// failure.
func IsConcurrencyError(err error) bool {
	var ce *ConcurrencyError
	return errors.As(err, &ce)
}

// PolicyDeniedError carries the first failing policy's verdict.
// Terminal for the request: retrying against an unchanged context
// yields the same result.
type PolicyDeniedError struct {
	Reason        string
	ViolatedRules []string
	Metadata      map[string]interface{}
}

func (e *PolicyDeniedError) Error() string {
	if len(e.ViolatedRules) == 0 {
		return fmt.Sprintf("enrollment denied: %s", e.Reason)
	}
	return fmt.Sprintf("enrollment denied: %s (violated: %s)",
		e.Reason, strings.Join(e.ViolatedRules, ", "))
}

// IsPolicyDenied reports whether err is (or wraps) a policy denial.
func IsPolicyDenied(err error) bool {
	var pe *PolicyDeniedError
	return errors.As(err, &pe)
}

// ViolationType classifies global invariant violations.
type ViolationType string

const (
	ViolationTimeOverlap      ViolationType = "TIME_OVERLAP"
	ViolationCapacityExceeded ViolationType = "CAPACITY_EXCEEDED"
	ViolationDoubleEnrollment ViolationType = "DOUBLE_ENROLLMENT"
)

// InvariantViolationError is raised by the invariant monitor. It
// indicates a design bug, not a user error, and halts the operation
// that surfaced it.
type InvariantViolationError struct {
	Type   ViolationType
	Detail string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation (%s): %s", e.Type, e.Detail)
}
