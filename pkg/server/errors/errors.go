// Package errors defines the error surface of the API layer. Handlers
// translate storage and pipeline failures into these before they cross the
// transport boundary, so internal error shapes never leak to clients.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bjmayor/finance-permission-system/internal/batch"
	"github.com/bjmayor/finance-permission-system/pkg/storage"
)

// Code is the machine-readable error class carried on the wire.
type Code string

const (
	CodeInvalidArgument     Code = "invalid_argument"
	CodeUserNotFound        Code = "user_not_found"
	CodeRebuildNotFound     Code = "rebuild_not_found"
	CodeSnapshotUnavailable Code = "snapshot_unavailable"
	CodeBatchFailure        Code = "batch_failure"
	CodePartialResult       Code = "partial_result"
	CodeInternal            Code = "internal_error"
)

// Error is an API-facing error with a stable code.
type Error struct {
	code    Code
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Code returns the machine-readable class.
func (e *Error) Code() Code {
	return e.code
}

// Message returns the client-safe description.
func (e *Error) Message() string {
	return e.message
}

// InvalidArgument reports a request that fails validation.
func InvalidArgument(format string, args ...any) *Error {
	return &Error{code: CodeInvalidArgument, message: fmt.Sprintf(format, args...)}
}

// UserNotFound reports an unknown user identity.
func UserNotFound(id uint64) *Error {
	return &Error{code: CodeUserNotFound, message: fmt.Sprintf("user %d not found", id)}
}

// RebuildNotFound reports an unknown rebuild id.
func RebuildNotFound(id string) *Error {
	return &Error{code: CodeRebuildNotFound, message: fmt.Sprintf("rebuild %s not found", id)}
}

// SnapshotUnavailable reports that no published snapshot exists yet.
func SnapshotUnavailable(cause error) *Error {
	return &Error{code: CodeSnapshotUnavailable, message: "no published snapshot", cause: cause}
}

// BatchFailure reports a resolution aborted by an exhausted batch.
func BatchFailure(cause error) *Error {
	return &Error{code: CodeBatchFailure, message: "resolution aborted: a batch lookup failed", cause: cause}
}

// PartialResult reports a resolution that completed with holes. The
// accumulated answer is withheld rather than presented as complete.
func PartialResult(cause error) *Error {
	return &Error{code: CodePartialResult, message: "resolution incomplete: some batches failed", cause: cause}
}

// Internal wraps an unexpected failure without exposing its detail.
func Internal(cause error) *Error {
	return &Error{code: CodeInternal, message: "internal error", cause: cause}
}

// FromResolution classifies an error coming out of the resolution engine.
func FromResolution(err error) *Error {
	var partial *batch.PartialError
	if errors.As(err, &partial) {
		return PartialResult(err)
	}
	var chunk *batch.ChunkError
	if errors.As(err, &chunk) {
		return BatchFailure(err)
	}
	if errors.Is(err, storage.ErrNoPublishedSnapshot) {
		return SnapshotUnavailable(err)
	}
	return Internal(err)
}

// HTTPStatus maps an error to the response status the transport writes.
func HTTPStatus(err error) int {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError
	}

	switch apiErr.code {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeUserNotFound, CodeRebuildNotFound:
		return http.StatusNotFound
	case CodeSnapshotUnavailable:
		return http.StatusPreconditionFailed
	case CodeBatchFailure, CodePartialResult:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
