// Package errors provides the error taxonomy shared by the profile fitting
// engine and the service layer.
package errors

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an error by how the orchestration layer should react.
type Kind int

const (
	// KindUnknown is the zero value.
	KindUnknown Kind = iota
	// KindPrecondition marks caller misuse: mismatched lengths, a
	// non-monotonic grid, an unknown boundary condition. Not retried.
	KindPrecondition
	// KindConsistency marks a physically inconsistent generator or profile.
	// Every downstream computation is invalid once this happens.
	KindConsistency
	// KindNumerical marks a failure confined to one optimization run.
	KindNumerical
	// KindInterrupted marks a user-requested stop.
	KindInterrupted
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindPrecondition:
		return "precondition"
	case KindConsistency:
		return "consistency"
	case KindNumerical:
		return "numerical"
	case KindInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Error represents an error with context and stack trace.
type Error struct {
	// Kind classifies the failure.
	Kind Kind
	// The underlying error that was returned
	Err error
	// A human-readable message describing the error
	Message string
	// The operation that was being performed when the error occurred
	Operation string
	// The component or package where the error occurred
	Component string
	// The stack trace
	Stack []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	var builder strings.Builder

	if e.Component != "" {
		builder.WriteString(e.Component)
	}
	if e.Operation != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Operation)
	}
	if e.Message != "" {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Message)
	}
	if e.Err != nil {
		if builder.Len() > 0 {
			builder.WriteString(": ")
		}
		builder.WriteString(e.Err.Error())
	}

	return builder.String()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithOperation adds an operation to the error.
func (e *Error) WithOperation(op string) *Error {
	e.Operation = op
	return e
}

// WithComponent adds a component to the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// StackTrace returns the stack trace as a slice of strings.
func (e *Error) StackTrace() []string {
	return e.Stack
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{
		Kind:    kind,
		Message: msg,
		Stack:   getStackTrace(),
	}
}

// Errorf creates an error of the given kind with a formatted message.
func Errorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   getStackTrace(),
	}
}

// Precondition is shorthand for Errorf(KindPrecondition, ...).
func Precondition(op, format string, args ...interface{}) *Error {
	e := Errorf(KindPrecondition, format, args...)
	e.Operation = op
	return e
}

// Numerical wraps err as a run-local numerical failure.
func Numerical(op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      KindNumerical,
		Operation: op,
		Err:       err,
		Stack:     getStackTrace(),
	}
}

// Wrap wraps an error with additional context. The kind of an existing
// *Error in the chain is preserved.
func Wrap(err error, op string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      KindOf(err),
		Operation: op,
		Err:       err,
		Stack:     getStackTrace(),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, op, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	e := Wrap(err, op)
	e.Message = fmt.Sprintf(format, args...)
	return e
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var ce *ConsistencyError
	if stderrors.As(err, &ce) {
		return KindConsistency
	}
	var e *Error
	for stderrors.As(err, &e) {
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// getStackTrace returns the current stack trace as a slice of strings.
func getStackTrace() []string {
	const depth = 32
	var pcs [depth]uintptr
	n := runtime.Callers(3, pcs[:]) // Skip runtime.Callers, getStackTrace, and the constructor
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(pcs[:n])
	stack := make([]string, 0, n)

	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "runtime/") && !strings.Contains(frame.File, "internal/errors") {
			stack = append(stack, fmt.Sprintf("%s\n\t%s:%d", frame.Function, frame.File, frame.Line))
		}
		if !more {
			break
		}
	}

	return stack
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
