// Package rpcerr implements the closed error taxonomy, identifier
// assignment, and redaction policy described in spec §4.11 and §7.
package rpcerr

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Code is one of the closed set of framework-level error codes.
type Code string

const (
	ValidationError       Code = "VALIDATION_ERROR"
	EdgeNotFound          Code = "EDGE_NOT_FOUND"
	MethodNotFound        Code = "METHOD_NOT_FOUND"
	EdgeError             Code = "EDGE_ERROR"
	GetError              Code = "GET_ERROR"
	DataError             Code = "DATA_ERROR"
	InvalidToken          Code = "INVALID_TOKEN"
	InvalidPath           Code = "INVALID_PATH"
	TokenLimitExceeded    Code = "TOKEN_LIMIT_EXCEEDED"
	OperationTimeout      Code = "OPERATION_TIMEOUT"
	ConnectionClosed      Code = "CONNECTION_CLOSED"
	ConnectionLost        Code = "CONNECTION_LOST"
	ClientClosed          Code = "CLIENT_CLOSED"
	InternalError         Code = "INTERNAL_ERROR"
)

// redactedMessage replaces a wrapped error's message when redaction is on.
const redactedMessage = "an internal error occurred"

// Error is the framework's error type. Framework errors and user-
// registered custom errors are never wrapped or redacted; only opaque
// thrown values wrapped by Wrap are subject to Redact.
type Error struct {
	Code       Code
	Message    string
	Identifier string
	// Cause is the original error, if any — kept for server-side logging
	// (the operationError event) even after the client-facing message is
	// redacted. Never serialized to the client when wrapped+redacted.
	Cause error
	// wrapped marks this Error as produced by Wrap (an opaque value the
	// dispatcher did not recognize) rather than constructed directly by
	// framework or user code; only wrapped errors are ever redacted.
	wrapped bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Wrapped reports whether this error was produced by Wrap rather than
// constructed directly via New.
func (e *Error) Wrapped() bool {
	return e != nil && e.wrapped
}

// New builds a framework error with a fresh identifier.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Identifier: newIdentifier()}
}

// Wrap turns an opaque error (one neither a framework *Error nor claimed
// by a user codec reducer) into a framework error carrying code, per the
// operation it occurred in. The original error is kept as Cause for
// logging and redaction decisions.
func Wrap(code Code, cause error) *Error {
	if cause == nil {
		return nil
	}
	var fe *Error
	if errors.As(cause, &fe) {
		// already a framework error; never re-wrap it (§7).
		return fe
	}
	return &Error{
		Code:       code,
		Message:    cause.Error(),
		Identifier: newIdentifier(),
		Cause:      cause,
		wrapped:    true,
	}
}

// Redact replaces a wrapped error's message with a fixed string, keeping
// the code and identifier, when redactErrors is enabled (§4.11). Framework
// errors constructed via New and user-registered custom errors (handled
// by a codec Reducer, never routed through Wrap) are never redacted.
func Redact(err *Error, enabled bool) *Error {
	if err == nil || !enabled || !err.wrapped {
		return err
	}
	return &Error{
		Code:       err.Code,
		Message:    redactedMessage,
		Identifier: err.Identifier,
		wrapped:    true,
	}
}

// PoisonedBy wraps cause (the root-cause error of a poisoned token) so
// that every dependent operation surfaces the same cause, attributed
// through a poisoned-token wrapper rather than retried (§4.4, §7).
func PoisonedBy(code Code, cause *Error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{
		Code:       code,
		Message:    "token is poisoned: " + cause.Message,
		Identifier: cause.Identifier,
		Cause:      cause,
		wrapped:    cause.wrapped,
	}
}

func newIdentifier() string {
	return uuid.NewString()
}
