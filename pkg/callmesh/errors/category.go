// Package errors is the callmesh failure model. Every component reports
// failures as *Error values carrying a stable Code; this package also
// decides which failures deserve another attempt, runs retry loops, keeps
// a circuit breaker per failing source, and dispatches recovery
// strategies registered per code.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category says whether another attempt could succeed.
type Category int

const (
	// CategoryTransient failures may clear up on their own: timeouts,
	// worker crashes, panics, full queues, and opaque handler errors.
	CategoryTransient Category = iota

	// CategoryPermanent failures will repeat: cancellation, disposal,
	// validation, bad arguments, lock ownership mistakes.
	CategoryPermanent
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	}
	return "unknown"
}

// CategorizedError pins a category on an error, overriding whatever its
// code would imply.
type CategorizedError struct {
	Err      error
	Category Category

	// Context names the operation, e.g. "retry cancelled".
	Context string
}

func (e *CategorizedError) Error() string {
	if e.Context == "" {
		return fmt.Sprintf("%v [%s]", e.Err, e.Category)
	}
	return fmt.Sprintf("%s: %v [%s]", e.Context, e.Err, e.Category)
}

func (e *CategorizedError) Unwrap() error { return e.Err }

// NewCategorized pins category on err.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{Err: err, Category: category, Context: context}
}

// Transient marks err as worth retrying.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent marks err as not worth retrying.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// transientCodes lists the codes worth retrying. Every other code is
// permanent.
var transientCodes = map[Code]bool{
	CodeCallbackTimeout: true,
	CodeWorkerError:     true,
	CodeLockTimeout:     true,
	CodeHandlerPanic:    true,
	CodeQueueFull:       true,
}

// Categorize decides how err should be handled. An explicit
// CategorizedError wins, then the error's code; uncoded errors are
// transient unless they are context cancellation.
func Categorize(err error) Category {
	var pinned *CategorizedError
	switch {
	case err == nil:
		return CategoryPermanent
	case errors.As(err, &pinned):
		return pinned.Category
	case CodeOf(err) != "":
		if transientCodes[CodeOf(err)] {
			return CategoryTransient
		}
		return CategoryPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, errors.ErrUnsupported):
		return CategoryPermanent
	}
	return CategoryTransient
}

// IsRetryable reports whether Categorize(err) is transient.
func IsRetryable(err error) bool {
	return Categorize(err) == CategoryTransient
}
