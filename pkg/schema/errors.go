package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeConfiguration     = "CONFIGURATION_ERROR"
	ErrCodeResolution        = "RESOLUTION_ERROR"
	ErrCodeRouting           = "ROUTING_ERROR"
	ErrCodeProcessor         = "PROCESSOR_ERROR"
	ErrCodeStepLimit         = "STEP_LIMIT_EXCEEDED"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// TagflowError is the structured error type for all tagflow operations.
type TagflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Tag     string         `json:"tag,omitempty"`
	Payload any            `json:"payload,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

func (e *TagflowError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("[%s] tag %s: %s", e.Code, e.Tag, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *TagflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new TagflowError.
func NewError(code, message string) *TagflowError {
	return &TagflowError{Code: code, Message: message}
}

// NewErrorf creates a new TagflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *TagflowError {
	return &TagflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithTag attaches the offending tag (stage) to the error.
func (e *TagflowError) WithTag(tag string) *TagflowError {
	e.Tag = tag
	return e
}

// WithPayload attaches the payload that triggered the error.
func (e *TagflowError) WithPayload(payload any) *TagflowError {
	e.Payload = payload
	return e
}

// WithCause attaches an underlying cause.
func (e *TagflowError) WithCause(err error) *TagflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *TagflowError) WithDetails(details map[string]any) *TagflowError {
	e.Details = details
	return e
}

// IsCode reports whether err (or anything it wraps) is a TagflowError with the given code.
func IsCode(err error, code string) bool {
	var te *TagflowError
	if !errors.As(err, &te) {
		return false
	}
	return te.Code == code
}

// CodeOf returns the code of the first TagflowError in err's chain, or "".
func CodeOf(err error) string {
	var te *TagflowError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}
