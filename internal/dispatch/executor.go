package dispatch

import (
	"context"
	"io"
	"os"
	"os/exec"
	"slices"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/forge/internal/config"
	"github.com/orizon-lang/forge/internal/exception"
)

// BootstrapCommand is the hidden subcommand an isolated child is started with.
const BootstrapCommand = "__bootstrap"

// DefaultWaitDelay is how long a cancelled child gets between the interrupt
// and the kill.
const DefaultWaitDelay = 5 * time.Second

// Executor runs a loaded command.
type Executor interface {
	Execute(ctx context.Context, runner Runner, entry Entry, inv Invocation) error
}

// InProcess calls the runner on the current goroutine.
type InProcess struct{}

func (InProcess) Execute(ctx context.Context, runner Runner, entry Entry, inv Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = exception.FromPanic(r).WithPackage(entry.Package)
		}
	}()

	if inv.Options == nil {
		inv.Options = map[string]any{}
	}

	if err := runner.Run(ctx, inv); err != nil {
		if exception.KindOf(err) != exception.KindUnknown {
			return err
		}

		return exception.Wrap(exception.KindExecution, err, "command failed").WithPackage(entry.Package)
	}

	return nil
}

// Isolated runs the command in a child copy of the current executable. The
// child gets a sanitized payload file and inherits stdio; its exit code
// becomes the code of the returned error.
type Isolated struct {
	// Executable defaults to os.Executable().
	Executable string
	// Args builds the child's arguments. Defaults to BootstrapArgs.
	Args func(payloadPath string) []string
	// Env defaults to the parent environment.
	Env []string
	// LogLevel is exported to the child as FORGE_LOG_LEVEL when set.
	LogLevel string
	TempDir  string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// WaitDelay defaults to DefaultWaitDelay.
	WaitDelay time.Duration
	Logger    logrus.FieldLogger
}

// BootstrapArgs is the default child command line.
func BootstrapArgs(payloadPath string) []string {
	return []string{BootstrapCommand, "--payload", payloadPath}
}

func (x *Isolated) Execute(ctx context.Context, _ Runner, entry Entry, inv Invocation) error {
	exe := x.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return exception.Wrap(exception.KindExecution, err, "cannot locate executable").WithPackage(entry.Package).WithCode(1)
		}

		exe = self
	}

	path, err := WritePayload(x.TempDir, NewPayload(entry, inv))
	if err != nil {
		return err
	}
	defer os.Remove(path)

	argsFn := x.Args
	if argsFn == nil {
		argsFn = BootstrapArgs
	}

	cmd := exec.CommandContext(ctx, exe, argsFn(path)...)
	cmd.Env = x.Env
	if x.LogLevel != "" {
		env := x.Env
		if env == nil {
			env = os.Environ()
		}

		cmd.Env = append(slices.Clip(env), config.EnvLogLevel+"="+x.LogLevel)
	}
	cmd.Stdin = orDefault(x.Stdin, os.Stdin)
	cmd.Stdout = orDefaultWriter(x.Stdout, os.Stdout)
	cmd.Stderr = orDefaultWriter(x.Stderr, os.Stderr)

	cmd.WaitDelay = x.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = DefaultWaitDelay
	}

	configureChild(cmd)

	if x.Logger != nil {
		x.Logger.WithFields(logrus.Fields{"package": entry.Package, "payload": path}).Debug("starting isolated child")
	}

	return commandError(cmd.Run(), entry.Package)
}
