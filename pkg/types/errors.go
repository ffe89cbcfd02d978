package types

import (
	"errors"
	"fmt"
)

// Code tags an Error with a machine-readable kind.
type Code string

const (
	// Validation errors: surfaced to the caller, never retried.
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeInvalidState      Code = "INVALID_STATE"
	CodeInvalidTransition Code = "INVALID_STATUS_TRANSITION"

	// Not found: surfaced, never retried.
	CodePodNotFound      Code = "POD_NOT_FOUND"
	CodePackNotFound     Code = "PACK_NOT_FOUND"
	CodeNodeNotFound     Code = "NODE_NOT_FOUND"
	CodeServiceNotFound  Code = "SERVICE_NOT_FOUND"
	CodeNamespaceMissing Code = "NAMESPACE_MISSING"
	CodeVersionNotFound  Code = "VERSION_NOT_FOUND"

	// Conflicts: surfaced, caller decides.
	CodeNameTaken     Code = "NAME_TAKEN"
	CodeVersionExists Code = "VERSION_EXISTS"
	CodeSameVersion   Code = "SAME_VERSION"

	// Capacity: retried with backoff by the reconciler.
	CodeNoCompatibleNodes     Code = "NO_COMPATIBLE_NODES"
	CodeInsufficientResources Code = "INSUFFICIENT_RESOURCES"
	CodeQuotaExceeded         Code = "QUOTA_EXCEEDED"
	CodeRuntimeMismatch       Code = "RUNTIME_MISMATCH"

	// Transient network: retried automatically at the connection and
	// distribution layers.
	CodeConnectionClosed  Code = "CONNECTION_CLOSED"
	CodeNotConnected      Code = "NOT_CONNECTED"
	CodeTimeout           Code = "TIMEOUT"
	CodeCancelled         Code = "CANCELLED"
	CodeBundleUnavailable Code = "BUNDLE_UNAVAILABLE"

	// Session and signaling errors.
	CodeAuthTimeout       Code = "AUTH_TIMEOUT"
	CodeAuthFailed        Code = "AUTH_FAILED"
	CodeTargetUnreachable Code = "TARGET_UNREACHABLE"
	CodeSourceSpoofed     Code = "SOURCE_SPOOFED"

	// Reconciler give-up reason after the placement attempt budget.
	CodeUnschedulable Code = "UNSCHEDULABLE"
	CodeNodeLost      Code = "NODE_LOST"
)

// Error is a tagged error value carried across component boundaries.
type Error struct {
	Code    Code              `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError creates a tagged error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a tagged error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetail attaches a key/value pair and returns the error.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// CodeOf extracts the Code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the error kind is worth retrying with
// backoff (capacity and transient network kinds).
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNoCompatibleNodes, CodeInsufficientResources, CodeQuotaExceeded,
		CodeConnectionClosed, CodeNotConnected, CodeTimeout, CodeBundleUnavailable:
		return true
	}
	return false
}
