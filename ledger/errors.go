/*
errors.go - Error kinds shared by the ledger and the workflow engines

PURPOSE:
  Every failure surfaced by a ledger operation or a workflow transition maps
  to one of a small, closed set of kinds. The HTTP layer turns the kind into
  a status code and a stable machine-readable code string.

ERROR CATEGORIES:
  1. Workflow errors - InvalidTransition, StaleVersion
  2. Balance errors - InsufficientBalance, AlreadyReleased
  3. Party errors - OrganizationNotRegistered, NotFound
  4. Input errors - Validation
  5. Integrity errors - InvariantViolation (always rolls back, always audited)
  6. Infrastructure - Unavailable (safe to retry)

USAGE:
  if errors.Is(err, ledger.ErrInsufficientBalance) {
      var ib *ledger.InsufficientBalanceError
      errors.As(err, &ib)
  }

SEE ALSO:
  - api/errors.go: kind to HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidTransition is returned when a workflow edge does not exist or
	// the actor may not take it.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrInsufficientBalance is returned when a reservation exceeds the
	// available balance of the sending organization.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrOrganizationNotRegistered is returned when a non-government ledger
	// effect targets an organization that is not Registered.
	ErrOrganizationNotRegistered = errors.New("organization not registered")

	// ErrAlreadyReleased is returned when a Reserved row already has its
	// Released counterpart.
	ErrAlreadyReleased = errors.New("reservation already released")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrStaleVersion is returned when an optimistic version check fails or a
	// supplemental report is based on a superseded version.
	ErrStaleVersion = errors.New("stale version")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation failed")

	// ErrInvariantViolation is returned when a ledger invariant would break.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrUnavailable is returned when the store cannot serve the request right
	// now (lock timeout, serialization failure, connection loss).
	ErrUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// TransitionError describes a rejected workflow transition.
type TransitionError struct {
	Kind   WorkflowKind
	ID     string
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s %s %s -> %s: %s", e.Kind, e.ID, e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// ConflictError carries the state observed when an optimistic check failed,
// so the caller can re-read and retry.
type ConflictError struct {
	Kind            WorkflowKind
	ID              string
	ExpectedVersion int
	ActualVersion   int
	ActualStatus    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale version: %s %s expected v%d, found v%d (%s)",
		e.Kind, e.ID, e.ExpectedVersion, e.ActualVersion, e.ActualStatus)
}

func (e *ConflictError) Unwrap() error {
	return ErrStaleVersion
}

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	OrganizationID OrganizationID
	Available      int64
	Requested      int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: organization %d available %d, requested %d, shortfall %d",
		e.OrganizationID, e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// OrganizationError names the organization that failed a registration guard.
type OrganizationError struct {
	OrganizationID OrganizationID
	Status         OrganizationStatus
}

func (e *OrganizationError) Error() string {
	return fmt.Sprintf("organization %d is %s", e.OrganizationID, e.Status)
}

func (e *OrganizationError) Unwrap() error {
	return ErrOrganizationNotRegistered
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// InvariantError is raised when a write would leave the ledger inconsistent.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: %s: %s", e.Invariant, e.Detail)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// Code returns the stable machine-readable code for an error kind.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrOrganizationNotRegistered):
		return "organization_not_registered"
	case errors.Is(err, ErrAlreadyReleased):
		return "already_released"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStaleVersion):
		return "stale_version"
	case errors.Is(err, ErrValidation):
		return "validation_failed"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleVersion) || errors.Is(err, ErrUnavailable)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrOrganizationNotRegistered) ||
		errors.Is(err, ErrAlreadyReleased) ||
		errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
