// Package domainerrors provides coded errors for the service layer.
//
// Stores return sentinel errors (pkg/platform/sentinel); services translate
// them into coded domain errors here; transport maps codes onto HTTP statuses.
// Keeping the code on the error means handlers never inspect error strings.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error for transport mapping and retry decisions.
type Code string

const (
	CodeInvalidInput Code = "invalid_input"
	CodeNotFound     Code = "not_found"
	CodeConflict     Code = "conflict"
	// CodeInvalidState covers business-rule rejections: clocking out with
	// critical tasks open, correcting a never-accepted submission, etc.
	CodeInvalidState Code = "invalid_state"
	CodeUnauthorized Code = "unauthorized"
	// CodeUnavailable marks transient failures that are safe to retry.
	CodeUnavailable Code = "unavailable"
	// CodeIntegrity marks a tamper-evident hash mismatch. Never retried,
	// never auto-corrected.
	CodeIntegrity Code = "integrity_violation"
	CodeInternal  Code = "internal"
)

// Error is a coded domain error. Reason optionally carries a machine-readable
// rejection code (e.g. CRITICAL_TASKS_INCOMPLETE) alongside the human message.
type Error struct {
	Code    Code
	Message string
	Reason  string
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// New creates a coded error without a cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, wrapped: err}
}

// WithReason sets a machine-readable rejection reason and returns the error.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// ReasonOf extracts the machine-readable reason, if any.
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	return errors.As(err, &de) && de.Code == code
}

// Is allows errors.Is matching on code alone when the target has no message.
func (e *Error) Is(target error) bool {
	var de *Error
	if !errors.As(target, &de) {
		return false
	}
	return de.Code == e.Code && (de.Message == "" || de.Message == e.Message)
}
