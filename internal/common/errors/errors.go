// Package errors provides the application error type for codeplane.
// Every error that crosses the HTTP boundary carries a stable code and an
// HTTP status so handlers can render it without switching on error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants. These are part of the client contract.
const (
	ErrCodeInvalidArgument            = "INVALID_ARGUMENT"
	ErrCodeInvalidDecision            = "INVALID_DECISION"
	ErrCodeInvalidDecisionForKind     = "INVALID_DECISION_FOR_KIND"
	ErrCodeInvalidExecPolicyAmendment = "INVALID_EXEC_POLICY_AMENDMENT"
	ErrCodeUnauthenticated            = "UNAUTHENTICATED"
	ErrCodeNotFound                   = "NOT_FOUND"
	ErrCodeThreadBusy                 = "THREAD_BUSY"
	ErrCodeJobTerminal                = "JOB_TERMINAL"
	ErrCodeCursorExpired              = "CURSOR_EXPIRED"
	ErrCodeAgentUnavailable           = "AGENT_UNAVAILABLE"
	ErrCodeAgentDisconnected          = "AGENT_DISCONNECTED"
	ErrCodeRPCTimeout                 = "RPC_TIMEOUT"
	ErrCodeStorageError               = "STORAGE_ERROR"
	ErrCodeInternalError              = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidArgument creates an error for a malformed request field.
func InvalidArgument(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidArgument,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidDecision creates an error for an unknown approval decision value.
func InvalidDecision(decision string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidDecision,
		Message:    fmt.Sprintf("unknown approval decision '%s'", decision),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidDecisionForKind creates an error for a decision that is not legal
// for the approval's kind.
func InvalidDecisionForKind(decision, kind string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidDecisionForKind,
		Message:    fmt.Sprintf("decision '%s' is not valid for approval kind '%s'", decision, kind),
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidExecPolicyAmendment creates an error for a malformed exec-policy amendment.
func InvalidExecPolicyAmendment(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidExecPolicyAmendment,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthenticated creates an error for a missing or invalid bearer token.
func Unauthenticated(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthenticated,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// ThreadBusy creates an error for a startTurn on a thread that already has a
// non-terminal job.
func ThreadBusy(threadID string) *AppError {
	return &AppError{
		Code:       ErrCodeThreadBusy,
		Message:    fmt.Sprintf("thread '%s' already has an active turn", threadID),
		HTTPStatus: http.StatusConflict,
	}
}

// JobTerminal creates an error for a mutation attempted on a terminal job.
func JobTerminal(jobID string) *AppError {
	return &AppError{
		Code:       ErrCodeJobTerminal,
		Message:    fmt.Sprintf("job '%s' is in a terminal state", jobID),
		HTTPStatus: http.StatusConflict,
	}
}

// CursorExpired creates an error for a cursor that fell out of retention.
func CursorExpired(jobID string, cursor int64) *AppError {
	return &AppError{
		Code:       ErrCodeCursorExpired,
		Message:    fmt.Sprintf("cursor %d for job '%s' is out of retention", cursor, jobID),
		HTTPStatus: http.StatusConflict,
	}
}

// AgentUnavailable creates an error for calls while the agent subprocess is
// not running.
func AgentUnavailable() *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnavailable,
		Message:    "agent subprocess is not running",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// AgentDisconnected creates an error for calls interrupted by a subprocess exit.
func AgentDisconnected() *AppError {
	return &AppError{
		Code:       ErrCodeAgentDisconnected,
		Message:    "agent subprocess exited during the call",
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// RPCTimeout creates an error for an upstream call that exceeded its timeout.
func RPCTimeout(method string) *AppError {
	return &AppError{
		Code:       ErrCodeRPCTimeout,
		Message:    fmt.Sprintf("agent call '%s' timed out", method),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// StorageError creates an error for a persistence failure.
func StorageError(err error) *AppError {
	return &AppError{
		Code:       ErrCodeStorageError,
		Message:    "persistence failure",
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// InternalError creates a generic internal error with a wrapped cause.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If the error already is an AppError its code and status are preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Code returns the stable error code of err, or INTERNAL_ERROR for plain errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}

// Is reports whether err carries the given error code.
func Is(err error, code string) bool {
	return Code(err) == code
}
