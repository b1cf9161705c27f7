package errors

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable failure identifier. Callers branch on
// codes, never on message text.
type Code string

// Failure codes shared by every callmesh component.
const (
	CodeCallbackTimeout     Code = "CALLBACK_TIMEOUT"
	CodeCallStackExceeded   Code = "CALL_STACK_EXCEEDED"
	CodeQueueFull           Code = "QUEUE_FULL"
	CodeInvocationCancelled Code = "INVOCATION_CANCELLED"
	CodeManagerDisposed     Code = "MANAGER_DISPOSED"
	CodeWorkerError         Code = "WORKER_ERROR"
	CodeValidationFailed    Code = "VALIDATION_FAILED"
	CodeCircuitOpen         Code = "CIRCUIT_OPEN"
	CodeHandlerPanic        Code = "HANDLER_PANIC"
	CodeLockTimeout         Code = "LOCK_TIMEOUT"
	CodeNotLockHolder       Code = "NOT_LOCK_HOLDER"
	CodeInvalidArgument     Code = "INVALID_ARGUMENT"
)

// Error is the typed failure returned or used to reject futures by every
// component.
type Error struct {
	// Code identifies the failure class.
	Code Code

	// Op is the operation that failed (e.g. "scheduler.execute").
	Op string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause, if any.
	Err error
}

// New creates an Error with the given code.
func New(code Code, op, message string) *Error {
	return &Error{Code: code, Op: op, Message: message}
}

// Wrap creates an Error with the given code around a cause.
func Wrap(code Code, op string, err error) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Code: code, Op: op, Message: msg, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := string(e.Code)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Err != nil && e.Message == e.Err.Error() {
		return fmt.Sprintf("%s: %v", prefix, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
	return prefix
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
// This lets the sentinel values below be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrCallbackTimeout     = &Error{Code: CodeCallbackTimeout}
	ErrCallStackExceeded   = &Error{Code: CodeCallStackExceeded}
	ErrQueueFull           = &Error{Code: CodeQueueFull}
	ErrInvocationCancelled = &Error{Code: CodeInvocationCancelled}
	ErrManagerDisposed     = &Error{Code: CodeManagerDisposed}
	ErrWorkerError         = &Error{Code: CodeWorkerError}
	ErrValidationFailed    = &Error{Code: CodeValidationFailed}
	ErrCircuitOpen         = &Error{Code: CodeCircuitOpen}
	ErrHandlerPanic        = &Error{Code: CodeHandlerPanic}
	ErrLockTimeout         = &Error{Code: CodeLockTimeout}
	ErrNotLockHolder       = &Error{Code: CodeNotLockHolder}
	ErrInvalidArgument     = &Error{Code: CodeInvalidArgument}
)

// CodeOf extracts the code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// Disposed returns a ManagerDisposed error for the given operation.
func Disposed(op string) *Error {
	return New(CodeManagerDisposed, op, "manager disposed")
}

// Timeout returns a CallbackTimeout error describing the elapsed limit.
func Timeout(op string, limit fmt.Stringer) *Error {
	return New(CodeCallbackTimeout, op, "timed out after "+limit.String())
}

// PanicError captures a recovered panic from a handler.
type PanicError struct {
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
