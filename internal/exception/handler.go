package exception

import (
	"errors"
	"fmt"
	"io"
)

// Reporter receives the single user-facing line for a failed invocation.
type Reporter interface {
	Error(args ...any)
	Debugf(format string, args ...any)
}

// AbortHandler implements the abort strategy: report once, hand back the exit code.
type AbortHandler struct {
	Reporter       Reporter
	ShowStackTrace bool
	// Fallback is written to when Reporter is nil.
	Fallback io.Writer
}

// Handle reports err and returns the exit code the process should end with.
func (ah *AbortHandler) Handle(err error) int {
	if err == nil {
		return 0
	}

	if ah.Reporter != nil {
		ah.Reporter.Error(err.Error())
	} else if ah.Fallback != nil {
		fmt.Fprintf(ah.Fallback, "Error: %v\n", err)
	}

	if ah.ShowStackTrace && ah.Reporter != nil {
		var e *Error
		if errors.As(err, &e) {
			for i, frame := range e.Stack {
				ah.Reporter.Debugf("  %d: %s at %s:%d", i, frame.Function, frame.File, frame.Line)
			}
		}
	}

	return ExitCode(err)
}
