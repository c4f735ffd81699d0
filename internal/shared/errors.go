package shared

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed caller input.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition indicates an operation applied from the wrong lifecycle state.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInsufficientStock indicates an allocation larger than the remaining produce.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrAmountMismatch indicates instrument amounts do not add up to the net payment.
	ErrAmountMismatch = errors.New("instrument amounts do not match net payment")
	// ErrAlreadyFinalized indicates a settlement step repeated on a settled entity.
	ErrAlreadyFinalized = errors.New("already finalized")
	// ErrCapacityExceeded indicates a shipment would exceed its declared capacity.
	ErrCapacityExceeded = errors.New("shipment capacity exceeded")
	// ErrInsufficientFunds indicates a wallet debit larger than its balance.
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	// ErrConcurrencyConflict indicates lock contention or a stale read at commit.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrPersistence indicates an underlying storage failure.
	ErrPersistence = errors.New("persistence failure")
)

// ErrorClass groups error kinds by what the caller should do next.
type ErrorClass string

const (
	// ClassInput means the caller must fix the request.
	ClassInput ErrorClass = "input"
	// ClassRetry means the whole operation may be retried.
	ClassRetry ErrorClass = "retry"
	// ClassSupport means the request failed for reasons outside the caller's control.
	ClassSupport ErrorClass = "support"
)

// ClassOf reports the message class for err.
func ClassOf(err error) ErrorClass {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConcurrencyConflict):
		return ClassRetry
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrValidation),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInsufficientStock),
		errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrAlreadyFinalized),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrInsufficientFunds):
		return ClassInput
	default:
		return ClassSupport
	}
}

// UserSafeMessage returns a message that can be shown to operators.
func UserSafeMessage(err error) string {
	switch ClassOf(err) {
	case "":
		return ""
	case ClassInput:
		return err.Error()
	case ClassRetry:
		return "The record was changed by someone else, please try again"
	default:
		return "Unexpected error, please contact support"
	}
}

// RetryOnConflict runs fn and runs it once more when it fails with ErrConcurrencyConflict.
func RetryOnConflict(ctx context.Context, fn func(context.Context) error) error {
	err := fn(ctx)
	if !errors.Is(err, ErrConcurrencyConflict) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return err
	}
	return fn(ctx)
}
