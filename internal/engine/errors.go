package engine

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why a decision could not be produced
type ErrorCode string

const (
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	CodeInternal         ErrorCode = "INTERNAL"
)

// Error is returned by Decide when no verdict could be reached.
// Callers must treat any Error as a denial.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

var (
	// ErrInvalidInput matches errors caused by a malformed context or operation
	ErrInvalidInput = &Error{Code: CodeInvalidInput}
	// ErrStoreUnavailable matches errors raised while reading policies or rules
	ErrStoreUnavailable = &Error{Code: CodeStoreUnavailable}
	// ErrInternal matches unexpected failures during evaluation
	ErrInternal = &Error{Code: CodeInternal}
)

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any engine error with the same code
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf extracts the error code, or CodeInternal for foreign errors
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
