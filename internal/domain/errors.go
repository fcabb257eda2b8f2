package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ValidationError is a user-correctable input problem.
type ValidationError struct {
	Message string
}

func NewValidationError(msg string) *ValidationError { return &ValidationError{Message: msg} }

func (e *ValidationError) Error() string { return e.Message }

// ConflictError means the request collides with the current state, e.g. another
// payout is already in flight.
type ConflictError struct {
	Message string
}

func NewConflictError(msg string) *ConflictError { return &ConflictError{Message: msg} }

func (e *ConflictError) Error() string { return e.Message }

// InsufficientFundsError is returned when a debit exceeds the locked balance.
type InsufficientFundsError struct {
	Available decimal.Decimal
	Currency  string
}

func (e *InsufficientFundsError) Error() string {
	if e.Currency == "" {
		return fmt.Sprintf("Insufficient balance. Available: %s", e.Available.StringFixed(2))
	}
	return fmt.Sprintf("Insufficient balance. Available: %s %s", e.Available.StringFixed(2), e.Currency)
}

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string
	ID       string
}

func NewNotFoundError(resource string, id any) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: fmt.Sprint(id)}
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ServiceUnavailableError reports a degraded external dependency. Callers may
// retry after RetryAfter.
type ServiceUnavailableError struct {
	Service    string
	Reason     string
	RetryAfter time.Duration
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %s", e.Service, e.Reason)
}

// CalculationMismatchError is raised when two independent recomputations of a
// wallet balance disagree. It is never resolved automatically.
type CalculationMismatchError struct {
	Owner  WalletOwnerRef
	First  decimal.Decimal
	Second decimal.Decimal
}

func (e *CalculationMismatchError) Error() string {
	return fmt.Sprintf("balance recomputation mismatch for %s: %s != %s", e.Owner, e.First.String(), e.Second.String())
}
