package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrAuth              = errors.New("not authorized")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("already exists")
)

// ValidationError names the offending field. errors.Is(err, ErrValidation)
// holds for every ValidationError.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid is shorthand for &ValidationError{Field: field, Reason: reason}.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
