// Package exception defines the error taxonomy shared by forge components and
// the top-level abort strategy that turns an error into a single report and an
// exit code.
package exception

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Kind classifies an Error.
type Kind int

const (
	// KindUnknown is reported for errors that carry no forge classification.
	KindUnknown Kind = iota
	// KindConfiguration covers malformed or missing constructor options and config.
	KindConfiguration
	// KindArgument covers malformed command arguments.
	KindArgument
	// KindRegistry covers transport failures talking to the package registry.
	KindRegistry
	// KindInstall covers failures of the installation mechanism.
	KindInstall
	// KindResolution covers unknown commands and missing entry points.
	KindResolution
	// KindExecution covers failures of the invoked command implementation.
	KindExecution
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "CONFIGURATION"
	case KindArgument:
		return "ARGUMENT"
	case KindRegistry:
		return "REGISTRY"
	case KindInstall:
		return "INSTALL"
	case KindResolution:
		return "RESOLUTION"
	case KindExecution:
		return "EXECUTION"
	default:
		return "UNKNOWN"
	}
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error is a classified forge error.
type Error struct {
	Kind    Kind
	Message string
	// Package is the registry package the failure relates to, if any.
	Package string
	// Code is the process exit code to report. Zero means "use the default".
	Code int
	// Stack is captured only for recovered panics.
	Stack []StackFrame
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)

	if e.Package != "" {
		fmt.Fprintf(&b, " (%s)", e.Package)
	}

	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}

	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithPackage sets the related package name and returns e.
func (e *Error) WithPackage(name string) *Error {
	e.Package = name
	return e
}

// WithCode sets the exit code and returns e.
func (e *Error) WithCode(code int) *Error {
	e.Code = code
	return e
}

// KindOf returns the kind of the outermost Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// Is reports whether err's chain contains an Error of the given kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}

		if e.Kind == kind {
			return true
		}

		err = e.Err
	}

	return false
}

// ExitCode maps err to a process exit code: 0 for nil, the recorded code of an
// execution failure when present, 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var e *Error
	if errors.As(err, &e) && e.Code > 0 {
		return e.Code
	}

	return 1
}

// FromPanic converts a recovered panic value into an execution Error.
func FromPanic(v any) *Error {
	e := &Error{Kind: KindExecution, Message: fmt.Sprintf("panic: %v", v), Stack: captureStackTrace(3)}
	if err, ok := v.(error); ok {
		e.Err = err
	}

	return e
}

func captureStackTrace(skip int) []StackFrame {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var out []StackFrame

	for {
		f, more := frames.Next()
		out = append(out, StackFrame{Function: f.Function, File: f.File, Line: f.Line})

		if !more {
			break
		}
	}

	return out
}
