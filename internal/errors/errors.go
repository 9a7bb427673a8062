// Package errors provides structured error types for the Timon engine.
// Every error carries a code from the engine's taxonomy so the string
// boundary can map it to a stable status without string matching.
package errors

import (
	"errors"
	"fmt"
)

// Code identifies an error class in the engine taxonomy.
type Code string

const (
	CodeNotFound             Code = "NOT_FOUND"
	CodeAlreadyExists        Code = "ALREADY_EXISTS"
	CodeInvalidName          Code = "INVALID_NAME"
	CodeInvalidPayload       Code = "INVALID_PAYLOAD"
	CodeInvalidRange         Code = "INVALID_RANGE"
	CodeSchemaConflict       Code = "SCHEMA_CONFLICT"
	CodeMissingTimestamp     Code = "MISSING_TIMESTAMP"
	CodeIoFailure            Code = "IO_FAILURE"
	CodeRemoteIoFailure      Code = "REMOTE_IO_FAILURE"
	CodeBucketNotInitialized Code = "BUCKET_NOT_INITIALIZED"
	CodeQueryError           Code = "QUERY_ERROR"
)

// TimonError is the structured error type used throughout the engine.
type TimonError struct {
	Code    Code
	Message string
	Cause   error
}

// Error returns a formatted error string.
func (e *TimonError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *TimonError) Unwrap() error {
	return e.Cause
}

// Is matches on code so sentinel-style comparisons work.
func (e *TimonError) Is(target error) bool {
	var t *TimonError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a TimonError with the given code.
func New(code Code, format string, args ...interface{}) *TimonError {
	return &TimonError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a TimonError wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...interface{}) *TimonError {
	return &TimonError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// GetCode extracts the code from an error chain. Unclassified errors map
// to IO_FAILURE so nothing escapes the taxonomy at the boundary.
func GetCode(err error) Code {
	var te *TimonError
	if errors.As(err, &te) {
		return te.Code
	}
	return CodeIoFailure
}

// HasCode reports whether the error chain carries the given code.
func HasCode(err error, code Code) bool {
	return GetCode(err) == code
}

// Status maps an error to the numeric status used by the JSON result
// envelope. nil maps to 200.
func Status(err error) int {
	if err == nil {
		return 200
	}
	switch GetCode(err) {
	case CodeNotFound:
		return 404
	case CodeAlreadyExists:
		return 409
	case CodeInvalidName, CodeInvalidPayload, CodeInvalidRange,
		CodeSchemaConflict, CodeMissingTimestamp,
		CodeBucketNotInitialized, CodeQueryError:
		return 400
	case CodeRemoteIoFailure:
		return 502
	default:
		return 500
	}
}
