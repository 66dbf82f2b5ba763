// Package result implements an explicit success/failure value carrier.
//
// Backend operations use Result instead of plain error returns so that
// expected failures (rejected credentials, missing files, network errors)
// travel through one channel and never escape as panics. Only programmer
// errors may panic, such as reading the value of a failed Result.
package result

import "fmt"

// Void is the value type for results which carry no payload.
type Void struct{}

// Result holds either a value or a failure message, never both.
type Result[T any] struct {
	ok    bool
	value T
	err   string
}

// Success returns a successful Result carrying value.
func Success[T any](value T) Result[T] {
	return Result[T]{ok: true, value: value}
}

// Done returns a successful Result with no payload.
func Done() Result[Void] {
	return Success(Void{})
}

// Failure returns a failed Result carrying the error text.
func Failure[T any](err string) Result[T] {
	return Result[T]{err: err}
}

// Failuref returns a failed Result with a formatted error text.
func Failuref[T any](format string, args ...interface{}) Result[T] {
	return Failure[T](fmt.Sprintf(format, args...))
}

// FromError returns a failed Result carrying err's text.
func FromError[T any](err error) Result[T] {
	return Failure[T](err.Error())
}

// IsSuccess reports whether the Result is a success.
func (r Result[T]) IsSuccess() bool {
	return r.ok
}

// Value returns the carried value. It panics if called on a failure,
// which is a programmer error.
func (r Result[T]) Value() T {
	if !r.ok {
		panic("result: Value called on failure: " + r.err)
	}
	return r.value
}

// Error returns the failure text, or "" for a success.
func (r Result[T]) Error() string {
	return r.err
}
