// Package skerr provides errors that include a stack trace of the call site,
// so that the origin of an error can be found without grepping for the
// message. Errors are wrapped as they cross package boundaries:
//
//	if err := doThing(); err != nil {
//	    return skerr.Wrapf(err, "doing thing for %s", id)
//	}
package skerr

import (
	"fmt"
	"runtime"
	"strings"
)

// StackTrace identifies a filename (base filename only) and line number.
type StackTrace struct {
	File string
	Line int
}

// String implements fmt.Stringer.
func (st StackTrace) String() string {
	return fmt.Sprintf("%s:%d", st.File, st.Line)
}

// CallStack returns a slice of StackTrace representing the current stack
// trace. The lines returned start at the depth specified by startAt: 0 means
// the call to CallStack, 1 means CallStack's caller, and so on. height means
// how many lines to include, counting deeper into the stack.
func CallStack(height int, startAt int) []StackTrace {
	stack := make([]StackTrace, 0, height)
	for i := 0; i < height; i++ {
		_, file, line, ok := runtime.Caller(startAt + i)
		if !ok {
			break
		}
		parts := strings.Split(file, "/")
		stack = append(stack, StackTrace{File: parts[len(parts)-1], Line: line})
	}
	return stack
}

// ErrorWithContext is an error that includes the stack of its creation site
// and an optional additional message.
type ErrorWithContext struct {
	// Wrapped is the original error, or nil if created by Fmt.
	Wrapped error
	// CallStack of the error's creation, innermost first.
	CallStack []StackTrace
	// Message is an additional description, or "".
	Message string
}

// Error implements the error interface.
func (err *ErrorWithContext) Error() string {
	var sb strings.Builder
	if err.Message != "" {
		sb.WriteString(err.Message)
	}
	if err.Wrapped != nil {
		if err.Message != "" {
			sb.WriteString(": ")
		}
		sb.WriteString(err.Wrapped.Error())
	}
	if len(err.CallStack) > 0 {
		sb.WriteString(". At")
		for _, st := range err.CallStack {
			sb.WriteString(" ")
			sb.WriteString(st.String())
		}
	}
	return sb.String()
}

// Unwrap supports errors.Is and errors.As.
func (err *ErrorWithContext) Unwrap() error {
	return err.Wrapped
}

const callStackHeight = 5

// Fmt creates a new error with a stack trace, formatting the message with
// fmt.Sprintf.
func Fmt(fmtStr string, args ...interface{}) error {
	return &ErrorWithContext{
		Message:   fmt.Sprintf(fmtStr, args...),
		CallStack: CallStack(callStackHeight, 2),
	}
}

// Wrap adds a stack trace to err. If err already carries one, it is returned
// unchanged so that repeated wrapping does not pile up stacks.
func Wrap(err error) error {
	if _, ok := err.(*ErrorWithContext); ok {
		return err
	}
	return &ErrorWithContext{
		Wrapped:   err,
		CallStack: CallStack(callStackHeight, 2),
	}
}

// Wrapf adds a stack trace and a formatted message to err.
func Wrapf(err error, fmtStr string, args ...interface{}) error {
	return &ErrorWithContext{
		Wrapped:   err,
		Message:   fmt.Sprintf(fmtStr, args...),
		CallStack: CallStack(callStackHeight, 2),
	}
}

// Unwrap returns the innermost error wrapped by err, or err itself if it does
// not wrap another error.
func Unwrap(err error) error {
	for {
		withContext, ok := err.(*ErrorWithContext)
		if !ok || withContext.Wrapped == nil {
			return err
		}
		err = withContext.Wrapped
	}
}
