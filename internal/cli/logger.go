package cli

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/orizon-lang/forge/internal/config"
)

// Heading is attached to every log entry.
const Heading = "forge"

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	Level string
	// Debug forces the debug level.
	Debug bool
	// Out defaults to stderr.
	Out io.Writer
}

// NewLogger builds the process logger. Colours are only enabled when the
// output is a terminal.
func NewLogger(opts LoggerOptions) *logrus.Entry {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
		ForceColors:   isTerminal(out),
		DisableColors: !isTerminal(out),
	})

	lvl, err := config.ParseLevel(opts.Level)
	if err != nil {
		lvl = logrus.InfoLevel
	}

	if opts.Debug && lvl < logrus.DebugLevel {
		lvl = logrus.DebugLevel
	}

	l.SetLevel(lvl)

	return l.WithField("heading", Heading)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)

	return ok && term.IsTerminal(int(f.Fd()))
}
