// Package fn holds the small generic toolkit the pipelines are built from:
// Result values, an ordered bounded-parallel map, traced stages and retry.
package fn

import "fmt"

// Result[T] is a generic result type for error handling.
type Result[T any] struct {
	val T
	err error
	ok  bool
}

// Ok creates a successful Result.
func Ok[T any](v T) Result[T] {
	return Result[T]{val: v, ok: true}
}

// Err creates a failed Result from an error.
func Err[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// IsOk returns true if the result is successful.
func (r Result[T]) IsOk() bool { return r.ok }

// IsErr returns true if the result is an error.
func (r Result[T]) IsErr() bool { return !r.ok }

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Error returns the error, nil when ok.
func (r Result[T]) Error() error { return r.err }

// Must returns the value or panics on error.
func (r Result[T]) Must() T {
	if !r.ok {
		panic(r.err)
	}
	return r.val
}

// PanicError is the error recorded when a function passed to Try panics.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Try runs f and converts a panic into an error Result.
func Try[T any](f func() Result[T]) (r Result[T]) {
	defer func() {
		if v := recover(); v != nil {
			r = Err[T](&PanicError{Value: v})
		}
	}()
	return f()
}
