// Package services contains the domain services that own database access for
// reports and sessions. Handlers and workers go through these services, never
// through raw SQL of their own.
package services

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services.
var (
	// ErrNotFound indicates an unknown report/session id.
	ErrNotFound = errors.New("resource not found")

	// ErrImmutable indicates an attempt to modify an immutable field.
	ErrImmutable = errors.New("resource is immutable")
)

// ValidationError carries a field-level validation failure.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// Validf builds a ValidationError.
func Validf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
