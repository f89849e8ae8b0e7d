// Package apperrors defines the error taxonomy shared by the orchestrator,
// the rollout controller and the HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
)

// Code is a stable identifier callers can branch on.
type Code string

const (
	CodeValidation               Code = "VALIDATION_ERROR"
	CodeInvalidTransition        Code = "INVALID_TRANSITION"
	CodeLockContention           Code = "LOCK_CONTENTION"
	CodeTaskFailure              Code = "TASK_FAILURE"
	CodeInvalidPlatformOperation Code = "INVALID_PLATFORM_OPERATION"
	CodeDuplicateCompletion      Code = "DUPLICATE_COMPLETION_CONFLICT"
	CodeCycleAlreadyActive       Code = "CYCLE_ALREADY_ACTIVE"
	CodeNotFound                 Code = "NOT_FOUND"
	CodeConflict                 Code = "CONFLICT"
	CodeForbidden                Code = "FORBIDDEN"
	CodeUnauthorized             Code = "UNAUTHORIZED"
	CodeInternal                 Code = "INTERNAL"
)

// Error carries a Code plus a human readable message and optional metadata.
type Error struct {
	Code    Code
	Message string
	Err     error
	Meta    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithMeta attaches a metadata key. Do not call it on package-level sentinels.
func (e *Error) WithMeta(k string, v any) *Error {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[k] = v
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(err error, code Code, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{Code: code, Message: message, Err: err}
}

// IsCode reports whether any error in err's chain carries code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the first Code found in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// MetaOf returns the metadata of the first *Error in the chain.
func MetaOf(err error) map[string]any {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Meta
	}
	return nil
}

func Validation(format string, args ...any) *Error {
	return Newf(CodeValidation, format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return Newf(CodeInvalidTransition, format, args...)
}

func InvalidPlatformOperation(format string, args ...any) *Error {
	return Newf(CodeInvalidPlatformOperation, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return Newf(CodeForbidden, format, args...)
}
