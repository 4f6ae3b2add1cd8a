// Package domainerrors defines coded errors shared by every service in the ledger.
//
// Services return these so transports can map them to status codes without
// inspecting messages. Stores return sentinel errors instead; services translate.
package domainerrors

import (
	"errors"
)

// Code classifies a domain error.
type Code string

const (
	CodeBadRequest          Code = "bad_request"
	CodeValidation          Code = "validation_error"
	CodeInvalidInput        Code = "invalid_input"
	CodeInvariantViolation  Code = "invariant_violation"
	CodeUnauthorized        Code = "unauthorized"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeInvalidState        Code = "invalid_state"
	CodeRateLimitExceeded   Code = "rate_limit_exceeded"
	CodeAmountLimitExceeded Code = "amount_limit_exceeded"
	CodeReplay              Code = "replay_detected"
	CodeSignature           Code = "invalid_signature"
	CodeInsufficientFunds   Code = "insufficient_funds"
	CodeTimeout             Code = "timeout"
	CodeInternal            Code = "internal_error"
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message != "" {
		return e.Message + ": " + e.Err.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the outermost coded error in the chain.
// Errors without a code are reported as CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether the outermost coded error in the chain carries code.
func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Code == code
}

// Is is errors.Is, re-exported so callers need a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
