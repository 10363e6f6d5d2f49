package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrNotFound          = "NOT_FOUND"
	ErrForbidden         = "FORBIDDEN"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Engine-specific error codes.
const (
	ErrTaskOutOfDate       = "TASK_OUT_OF_DATE"
	ErrIllegalState        = "ILLEGAL_STATE"
	ErrInstanceNotActive   = "INSTANCE_NOT_ACTIVE"
	ErrCascadeLimit        = "CASCADE_LIMIT"
	ErrIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
)

// ErrorEnvelope is the error type returned by every engine operation.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode returns the code of the first ErrorEnvelope in err's chain, or
// an empty string when err carries none.
func ErrorCode(err error) string {
	var env *ErrorEnvelope
	if errors.As(err, &env) {
		return env.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("state %q is not a successor of %q", to, from),
	}
}

// NewTaskOutOfDateError returns a TASK_OUT_OF_DATE error.
func NewTaskOutOfDateError(subjectID string, got, current int64) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskOutOfDate,
		Message: fmt.Sprintf("subject %s: task version %d is stale, current version is %d", subjectID, got, current),
	}
}

// NewIllegalStateError returns an ILLEGAL_STATE error for structural
// inconsistencies between runtime data and the process model.
func NewIllegalStateError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrIllegalState, Message: msg}
}

// NewInstanceNotActiveError returns an INSTANCE_NOT_ACTIVE error.
func NewInstanceNotActiveError(instanceID string, state InstanceState) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInstanceNotActive,
		Message: fmt.Sprintf("process instance %s is %s", instanceID, state),
	}
}

// NewCascadeLimitError returns a CASCADE_LIMIT error.
func NewCascadeLimitError(limit int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrCascadeLimit,
		Message: fmt.Sprintf("state cascade exceeded %d steps", limit),
	}
}

// NewIdempotencyConflictError returns an IDEMPOTENCY_CONFLICT error.
func NewIdempotencyConflictError(key string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrIdempotencyConflict,
		Message: fmt.Sprintf("idempotency key %q was used with a different request", key),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}
