package apperrors

import (
	"errors"
	"fmt"
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Human-readable message
	Metadata map[string]string // Additional context (reason, ids)
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithMetadata creates a domain error carrying metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{Code: code, Message: message, Metadata: metadata}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Forbidden builds a FORBIDDEN error tagged with a reason.
func Forbidden(reason, message string) *Error {
	return WithMetadata(CodeForbidden, message, map[string]string{"reason": reason})
}

// Store wraps a persistence failure. Errors that already carry a code pass
// through untouched.
func Store(op string, cause error) error {
	if cause == nil {
		return nil
	}
	var appErr *Error
	if errors.As(cause, &appErr) {
		return cause
	}
	return Wrap(CodeStoreError, fmt.Sprintf("%s: %v", op, cause), cause)
}

// CodeOf extracts the code from err, or CodeUnknown.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode reports whether any error in the chain carries code.
func IsCode(err error, code Code) bool {
	return errors.Is(err, &Error{Code: code})
}

// Reason returns the "reason" metadata of a coded error.
func Reason(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Metadata != nil {
		return appErr.Metadata["reason"]
	}
	return ""
}

// MetadataOf returns the metadata of the outermost coded error.
func MetadataOf(err error) map[string]string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Metadata
	}
	return nil
}

// MessageOf returns the message of the outermost coded error, falling back
// to err.Error().
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Error()
	}
	return err.Error()
}
