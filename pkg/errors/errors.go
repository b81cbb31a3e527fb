// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInsufficientBalance = errors.New("insufficient balance")

	// Posting errors
	ErrInvalidPosting     = errors.New("invalid posting")
	ErrUnbalancedPosting  = errors.New("posting entries do not balance")
	ErrDuplicateReference = errors.New("transaction reference already posted")

	// Reconciliation errors
	ErrRunNotFound             = errors.New("reconciliation run not found")
	ErrRunAlreadyCompleted     = errors.New("reconciliation run already completed")
	ErrMismatchNotFound        = errors.New("settlement mismatch not found")
	ErrMismatchAlreadyResolved = errors.New("settlement mismatch already resolved")

	// Queue and scheduling errors
	ErrUnknownJobType  = errors.New("unknown job type")
	ErrJobNotFound     = errors.New("job not found")
	ErrInvalidSchedule = errors.New("invalid schedule")

	// Access errors
	ErrScopeRequired = errors.New("execution scope required")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// Join returns an error that wraps the given errors, nil if all are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
