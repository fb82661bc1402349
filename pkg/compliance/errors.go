package compliance

import (
	"errors"
	"fmt"
)

// ErrorType represents the category of a compliance error
type ErrorType string

const (
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeUnauthorized  ErrorType = "unauthorized"
	ErrorTypeUnavailable   ErrorType = "unavailable"
	ErrorTypeDegradedWrite ErrorType = "degraded_write"
	ErrorTypeInvalidInput  ErrorType = "invalid_input"
)

// Error codes
const (
	ErrorCodeNotFound      = "CAC_404"
	ErrorCodeUnauthorized  = "CAC_401"
	ErrorCodeUnavailable   = "CAC_503"
	ErrorCodeDegradedWrite = "CAC_207"
	ErrorCodeInvalidInput  = "CAC_400"
)

// Error is a compliance error with typed context
type Error struct {
	Type    ErrorType `json:"type"`
	Code    string    `json:"code"`
	Message string    `json:"message"`
	UserID  string    `json:"user_id,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Cause   error     `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %s (caused by: %v)", e.Code, e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Type, e.Message)
}

// Unwrap returns the underlying cause of the error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new compliance error
func NewError(errorType ErrorType, code, message string) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
	}
}

// NewErrorWithCause creates a new compliance error wrapping an underlying cause
func NewErrorWithCause(errorType ErrorType, code, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WithContext adds actor and subject information to the error
func (e *Error) WithContext(userID, subject string) *Error {
	e.UserID = userID
	e.Subject = subject
	return e
}

// Predefined errors
var (
	ErrInvalidRole = NewError(
		ErrorTypeNotFound,
		ErrorCodeNotFound,
		"invalid or inactive role",
	)

	ErrConsentNotFound = NewError(
		ErrorTypeNotFound,
		ErrorCodeNotFound,
		"consent record does not exist",
	)

	ErrUnauthenticated = NewError(
		ErrorTypeUnauthorized,
		ErrorCodeUnauthorized,
		"no authenticated principal",
	)

	ErrStoreUnavailable = NewError(
		ErrorTypeUnavailable,
		ErrorCodeUnavailable,
		"document store is unavailable",
	)
)

// typeOf extracts the error type, or "" for foreign errors
func typeOf(err error) ErrorType {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ""
}

// IsNotFound reports whether the error is a NotFound compliance error
func IsNotFound(err error) bool {
	return typeOf(err) == ErrorTypeNotFound
}

// IsUnauthorized reports whether the error is an Unauthorized compliance error
func IsUnauthorized(err error) bool {
	return typeOf(err) == ErrorTypeUnauthorized
}

// IsUnavailable reports whether the error is an Unavailable compliance error
func IsUnavailable(err error) bool {
	return typeOf(err) == ErrorTypeUnavailable
}
