// Package apperrors defines the structured error taxonomy shared by all
// cellar components. Errors carry a stable code that the HTTP layer maps to
// an envelope, so internal packages never need to know about status codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation         Code = "VALIDATION_ERROR"
	CodeAuthentication     Code = "AUTHENTICATION_ERROR"
	CodeAuthorization      Code = "AUTHORIZATION_ERROR"
	CodeNotFound           Code = "NOT_FOUND"
	CodeConflict           Code = "CONFLICT_ERROR"
	CodeUnprocessable      Code = "UNPROCESSABLE_ENTITY"
	CodeAINotConfigured    Code = "AI_NOT_CONFIGURED"
	CodeServiceUnavailable Code = "SERVICE_UNAVAILABLE"
	CodeDatabase           Code = "DATABASE_ERROR"
	CodeInternal           Code = "INTERNAL_SERVER_ERROR"
)

// Error is a structured application error.
type Error struct {
	Code    Code
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches on code so callers can compare against sentinel constructors.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetail returns a copy of the error with an extra detail attached.
// Copying keeps the shared sentinels immutable.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	clone := *e
	clone.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

// HTTPStatus maps the code to an HTTP status for the response envelope.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeAuthentication:
		return http.StatusUnauthorized
	case CodeAuthorization:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeUnprocessable:
		return http.StatusUnprocessableEntity
	case CodeAINotConfigured, CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a new structured error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Validation is shorthand for a VALIDATION_ERROR.
func Validation(format string, args ...interface{}) *Error {
	return Newf(CodeValidation, format, args...)
}

// NotFound is shorthand for a NOT_FOUND error.
func NotFound(format string, args ...interface{}) *Error {
	return Newf(CodeNotFound, format, args...)
}

// Conflict is shorthand for a CONFLICT_ERROR.
func Conflict(format string, args ...interface{}) *Error {
	return Newf(CodeConflict, format, args...)
}

// Forbidden is shorthand for an AUTHORIZATION_ERROR.
func Forbidden(format string, args ...interface{}) *Error {
	return Newf(CodeAuthorization, format, args...)
}

// Database wraps a persistence failure.
func Database(message string, cause error) *Error {
	return Wrap(CodeDatabase, message, cause)
}

// CodeOf extracts the code from any error, defaulting to INTERNAL_SERVER_ERROR.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// AsError extracts a structured error, wrapping plain errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "internal error", err)
}

// Well-known sentinel errors used across components.
var (
	ErrInsufficientStock = Conflict("insufficient stock available")
	ErrDishRequired      = Validation("dish is required")
	ErrLowOCRConfidence  = New(CodeUnprocessable, "OCR confidence too low to parse document")
	ErrToolNotFound      = NotFound("tool not found")
	ErrConfirmRequired   = New(CodeAuthorization, "confirm must be true when dry_run is false")
	ErrIdempotencyKey    = New(CodeAuthorization, "idempotency_key of at least 16 characters is required")
	ErrAINotConfigured   = New(CodeAINotConfigured, "AI provider is not configured")
	ErrAIUnavailable     = New(CodeServiceUnavailable, "AI provider is unavailable")
	ErrExternalCallsOff  = New(CodeServiceUnavailable, "external calls are disabled")
	ErrCanceled          = New(CodeServiceUnavailable, "operation canceled")
)
