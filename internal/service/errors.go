package service

import (
	"errors"
	"fmt"
)

// ErrNotFound is wrapped by NotFoundError so callers can use errors.Is.
var ErrNotFound = errors.New("not found")

// ValidationError reports a request that violates a precondition. Nothing was
// written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(format string, args ...any) error {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// InvariantViolation means stored data is inconsistent with itself, e.g. a
// forecast vector whose length disagrees with the options ledger. The
// transaction is rolled back and the condition needs an operator.
type InvariantViolation struct {
	Message string
}

func (e *InvariantViolation) Error() string { return "invariant violation: " + e.Message }

func violation(format string, args ...any) error {
	return &InvariantViolation{Message: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsInvariantViolation(err error) bool {
	var v *InvariantViolation
	return errors.As(err, &v)
}
