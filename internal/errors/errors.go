package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a pipeline error code.
type ErrorCode string

const (
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"     // 400
	ErrNotFound           ErrorCode = "NOT_FOUND"           // 404
	ErrStaleStage         ErrorCode = "STALE_STAGE"         // 409
	ErrInvalidState       ErrorCode = "INVALID_STATE"       // 409
	ErrAlreadyExists      ErrorCode = "ALREADY_EXISTS"      // 409
	ErrCancelled          ErrorCode = "CANCELLED"           // 499
	ErrIO                 ErrorCode = "IO_ERROR"            // 500
	ErrInternal           ErrorCode = "INTERNAL"            // 500
	ErrTranscriptionError ErrorCode = "TRANSCRIPTION_ERROR" // 502
)

// Error represents a structured error with code, status, and details.
type Error struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any

	// Err is the underlying cause, if any. Never serialized.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *Error {
	return &Error{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewNotFound creates a 404 error for an unknown item id.
func NewNotFound(id string) *Error {
	return &Error{
		Code:    ErrNotFound,
		Status:  404,
		Message: fmt.Sprintf("item not found: %s", id),
		Details: map[string]any{"id": id},
	}
}

// NewStaleStage creates a 409 error for an optimistic-concurrency conflict:
// the item is no longer at the stage the caller expected.
func NewStaleStage(id, expected, actual string) *Error {
	return &Error{
		Code:    ErrStaleStage,
		Status:  409,
		Message: fmt.Sprintf("item %s is at stage %q, expected %q", id, actual, expected),
		Details: map[string]any{"id": id, "expected_stage": expected, "actual_stage": actual},
	}
}

// NewInvalidState creates a 409 error for an operation that is not valid for
// the item's current stage.
func NewInvalidState(id, stage, msg string) *Error {
	return &Error{
		Code:    ErrInvalidState,
		Status:  409,
		Message: msg,
		Details: map[string]any{"id": id, "stage": stage},
	}
}

// NewAlreadyExists creates a 409 error when an item id is already taken.
func NewAlreadyExists(id string) *Error {
	return &Error{
		Code:    ErrAlreadyExists,
		Status:  409,
		Message: fmt.Sprintf("item already exists: %s", id),
		Details: map[string]any{"id": id},
	}
}

// NewCancelled creates a 499 error when an operation was cancelled.
func NewCancelled(op string) *Error {
	return &Error{
		Code:    ErrCancelled,
		Status:  499,
		Message: fmt.Sprintf("%s cancelled", op),
	}
}

// NewIO creates a 500 error for a storage failure.
func NewIO(op string, err error) *Error {
	msg := op
	if err != nil {
		msg = fmt.Sprintf("%s: %v", op, err)
	}
	return &Error{
		Code:    ErrIO,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// NewTranscriptionError creates a 502 error for a failed or timed out
// transcription tool invocation.
func NewTranscriptionError(id string, err error) *Error {
	msg := "transcription failed"
	if err != nil {
		msg = fmt.Sprintf("transcription failed: %v", err)
	}
	return &Error{
		Code:    ErrTranscriptionError,
		Status:  502,
		Message: msg,
		Details: map[string]any{"id": id},
		Err:     err,
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *Error {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &Error{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
		Err:     err,
	}
}

// Is checks if err (or anything it wraps) is an *Error with the given code.
func Is(err error, code ErrorCode) bool {
	var pErr *Error
	if stderrors.As(err, &pErr) {
		return pErr.Code == code
	}
	return false
}

// CodeOf returns the code of err, or ErrInternal if err is not an *Error.
func CodeOf(err error) ErrorCode {
	var pErr *Error
	if stderrors.As(err, &pErr) {
		return pErr.Code
	}
	return ErrInternal
}
