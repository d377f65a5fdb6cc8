// Package apperrors provides the coded error taxonomy shared by the engine,
// the importer and the HTTP layer.
package apperrors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// CodeConflict is returned when a session already exists or a concurrent
	// writer changed the session first.
	CodeConflict Code = "CONFLICT"
	// CodeNotFound covers missing missions, sessions, characters and
	// unreachable choices.
	CodeNotFound Code = "NOT_FOUND"
	// CodeForbidden covers premature resolution and ownership violations.
	CodeForbidden Code = "FORBIDDEN"
	// CodeInvalid covers malformed input and authoring documents.
	CodeInvalid Code = "INVALID"
	// CodeUnavailable is returned when the stat provider cannot be reached.
	CodeUnavailable Code = "UNAVAILABLE"
	// CodeStoreError wraps persistence failures.
	CodeStoreError Code = "STORE_ERROR"
	// CodeConsistency flags an authoring defect found at resolution time.
	CodeConsistency Code = "CONSISTENCY_ERROR"
)

// Forbidden reasons, carried in the "reason" metadata key.
const (
	ReasonIncomplete      = "incomplete"
	ReasonNotOver         = "not-over"
	ReasonNotOwner        = "not-owner"
	ReasonMissionMismatch = "mission-mismatch"
	ReasonAdminOnly       = "admin-only"
)

// HTTPStatus maps a code to the HTTP status used by the API.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeConflict:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeInvalid:
		return http.StatusUnprocessableEntity
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether callers may retry with backoff.
func (c Code) Retryable() bool {
	return c == CodeUnavailable
}
