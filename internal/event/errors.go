package event

import (
	"errors"
	"fmt"
)

// ValidationCode categorizes submission validation failures.
type ValidationCode string

const (
	// CodeMissingField indicates a required submission field is absent.
	CodeMissingField ValidationCode = "MISSING_FIELD"

	// CodeUnknownKind indicates the kind is not registered by any adapter.
	CodeUnknownKind ValidationCode = "UNKNOWN_KIND"

	// CodeOversized indicates the canonical payload exceeds the ceiling.
	CodeOversized ValidationCode = "OVERSIZED"

	// CodeSchema indicates the payload does not satisfy the kind's schema.
	CodeSchema ValidationCode = "SCHEMA"

	// CodeBadValue indicates a field holds a value outside its enum.
	CodeBadValue ValidationCode = "BAD_VALUE"
)

// ValidationError reports a malformed submission. It is returned before
// any side effect: a submission failing validation is never queued, never
// redacted, never logged with content.
type ValidationError struct {
	Code    ValidationCode
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field=%s)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NewMissingFieldError creates a ValidationError for an absent field.
func NewMissingFieldError(field string) *ValidationError {
	return &ValidationError{
		Code:    CodeMissingField,
		Field:   field,
		Message: "required field is missing",
	}
}
