package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/forge/internal/exception"
)

// PayloadEnv carries the JSON payload to script implementations.
const PayloadEnv = "FORGE_PAYLOAD"

// Entry identifies a resolved command implementation.
type Entry struct {
	// Path is the canonical entry file from the package descriptor.
	Path    string
	Package string
	Version string
	// Root is the installed package directory.
	Root string
}

// Runner invokes a loaded command implementation.
type Runner interface {
	Run(ctx context.Context, inv Invocation) error
}

// Loader turns an Entry into a Runner.
type Loader interface {
	Load(entry Entry) (Runner, error)
}

// DefaultLoader prefers a linked Go implementation of the package and
// otherwise runs the entry file as a script.
type DefaultLoader struct {
	Logger logrus.FieldLogger
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Load resolves entry. A missing entry file is a Resolution error.
func (l *DefaultLoader) Load(entry Entry) (Runner, error) {
	if entry.Path == "" {
		return nil, exception.New(exception.KindResolution, "no entry point").WithPackage(entry.Package)
	}

	if fn, ok := linked(entry.Package); ok {
		return &LinkedRunner{Func: fn, Root: entry.Root}, nil
	}

	info, err := os.Stat(entry.Path)
	if err != nil || info.IsDir() {
		return nil, exception.New(exception.KindResolution, "entry point %s not found", entry.Path).WithPackage(entry.Package)
	}

	return &ScriptRunner{
		Entry:       entry,
		Interpreter: interpreterFor(entry.Path),
		Stdin:       l.Stdin,
		Stdout:      l.Stdout,
		Stderr:      l.Stderr,
		logger:      l.Logger,
	}, nil
}

// LinkedRunner calls a Go implementation registered with Link.
type LinkedRunner struct {
	Func LinkedFunc
	Root string
}

func (r *LinkedRunner) Run(ctx context.Context, inv Invocation) error {
	return r.Func(ctx, r.Root, inv)
}

// ScriptRunner executes an entry file, positional args first and options as
// --key=value flags after them.
type ScriptRunner struct {
	Entry       Entry
	Interpreter []string
	Stdin       io.Reader
	Stdout      io.Writer
	Stderr      io.Writer

	logger logrus.FieldLogger
}

func interpreterFor(path string) []string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".js", ".cjs", ".mjs":
		return []string{"node"}
	case ".sh":
		return []string{"sh"}
	case ".py":
		return []string{"python3"}
	default:
		return nil
	}
}

func (r *ScriptRunner) Run(ctx context.Context, inv Invocation) error {
	opts := Sanitize(inv.Options)

	payload, err := json.Marshal(NewPayload(r.Entry, inv))
	if err != nil {
		return exception.Wrap(exception.KindExecution, err, "cannot encode payload").WithPackage(r.Entry.Package)
	}

	name := r.Entry.Path
	args := make([]string, 0, len(r.Interpreter)+len(inv.Args)+len(opts)+1)

	if len(r.Interpreter) > 0 {
		name = r.Interpreter[0]
		args = append(args, r.Interpreter[1:]...)
		args = append(args, r.Entry.Path)
	}

	args = append(args, inv.Args...)
	args = append(args, flagArgs(opts)...)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), PayloadEnv+"="+string(payload))
	cmd.Stdin = orDefault(r.Stdin, os.Stdin)
	cmd.Stdout = orDefaultWriter(r.Stdout, os.Stdout)
	cmd.Stderr = orDefaultWriter(r.Stderr, os.Stderr)

	if r.logger != nil {
		r.logger.WithFields(logrus.Fields{"entry": r.Entry.Path, "args": args}).Debug("running script")
	}

	return commandError(cmd.Run(), r.Entry.Package)
}

// commandError classifies the result of a child process. Non-zero exits keep
// their code; failures to start map to code 1.
func commandError(err error, pkg string) error {
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code <= 0 {
			code = 1
		}

		return exception.Wrap(exception.KindExecution, err, "command exited with code %d", code).WithPackage(pkg).WithCode(code)
	}

	return exception.Wrap(exception.KindExecution, err, "cannot start command").WithPackage(pkg).WithCode(1)
}

func orDefault(r, def io.Reader) io.Reader {
	if r == nil {
		return def
	}

	return r
}

func orDefaultWriter(w, def io.Writer) io.Writer {
	if w == nil {
		return def
	}

	return w
}
