package cli

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/forge/internal/exception"
)

// HandleError reports err once through logger and returns the exit code.
// Stack frames of recovered panics are logged at debug level.
func HandleError(err error, logger logrus.FieldLogger) int {
	h := &exception.AbortHandler{Fallback: os.Stderr, ShowStackTrace: true}
	if logger != nil {
		h.Reporter = logger
	}

	return h.Handle(err)
}
