// Package domainerrors carries the coded error taxonomy shared by every layer.
//
// Lower-level clients and stores attach a Code; only the processor decides
// whether a code means retry, unwind or dead-letter.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a failure.
type Code string

const (
	// CodeValidation marks a missing mandatory field. Never retried.
	CodeValidation Code = "validation"
	// CodeTransient marks connection loss or store unavailability. Retried with a bounded budget.
	CodeTransient Code = "transient"
	// CodeConflict marks a uniqueness or optimistic-version violation.
	CodeConflict Code = "conflict"
	// CodeNotFound marks a missing record.
	CodeNotFound Code = "not_found"

	CodeRegistrarUnavailable Code = "registrar_unavailable"
	CodeRegistrarAuthFailed  Code = "registrar_auth_failed"
	CodeRegistrarRejected    Code = "registrar_rejected"
	CodeRegistrarProtocol    Code = "registrar_protocol"

	// CodePartialBatch marks the failure of a statement shared by several items.
	CodePartialBatch Code = "partial_batch"
	CodeInternal     Code = "internal"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to err. Wrapping nil returns nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether any error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// IsRetryable reports whether the processor may retry the failed stage.
func IsRetryable(err error) bool {
	return HasCode(err, CodeTransient)
}
