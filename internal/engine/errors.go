package engine

import "fmt"

// ValidationError marks a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError marks an operation rejected by current entity state.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

func conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// TenantMismatchError marks access to another org's data.
type TenantMismatchError struct {
	OrgID string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf("access to org %s denied", e.OrgID)
}
