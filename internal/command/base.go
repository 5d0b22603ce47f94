// Package command defines the lifecycle shared by every dispatchable command:
// runtime check, argument split, initialization and execution.
package command

import (
	"context"
	"runtime"
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/forge/internal/exception"
)

// MinRuntimeVersion is the oldest Go runtime commands are run under.
const MinRuntimeVersion = "1.22.0"

// Options are the parsed flags of an invocation.
type Options map[string]any

// Bool returns the boolean option key, false when absent or not a bool.
func (o Options) Bool(key string) bool {
	v, _ := o[key].(bool)

	return v
}

// String returns the string option key, "" when absent or not a string.
func (o Options) String(key string) string {
	v, _ := o[key].(string)

	return v
}

// Command is implemented by every concrete command.
type Command interface {
	Init(ctx context.Context, b *Base) error
	Exec(ctx context.Context, b *Base) error
}

// Base carries the state of one command run.
type Base struct {
	Argv    []any
	Args    []string
	Options Options
	// Root is the directory of the package that provides the command.
	Root   string
	Logger logrus.FieldLogger

	goVersion string
}

// BaseOption configures a Base.
type BaseOption func(*Base)

// WithRoot sets the package root.
func WithRoot(root string) BaseOption {
	return func(b *Base) { b.Root = root }
}

// WithLogger sets the logger handed to the command.
func WithLogger(l logrus.FieldLogger) BaseOption {
	return func(b *Base) { b.Logger = l }
}

// WithGoVersion overrides the runtime version that is checked.
func WithGoVersion(v string) BaseOption {
	return func(b *Base) { b.goVersion = v }
}

// NewBase validates argv. The last element must be the Options.
func NewBase(argv []any, opts ...BaseOption) (*Base, error) {
	if len(argv) == 0 {
		return nil, exception.New(exception.KindArgument, "arguments must not be empty")
	}

	b := &Base{Argv: argv, goVersion: runtime.Version()}

	for _, opt := range opts {
		opt(b)
	}

	if b.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		b.Logger = l
	}

	return b, nil
}

// Run executes the lifecycle of cmd and stops at the first failure.
// Panics are recovered into Execution errors.
func Run(ctx context.Context, cmd Command, argv []any, opts ...BaseOption) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = exception.FromPanic(r)
		}
	}()

	b, err := NewBase(argv, opts...)
	if err != nil {
		return err
	}

	steps := []func() error{
		b.checkRuntimeVersion,
		b.initArgs,
		func() error { return cmd.Init(ctx, b) },
		func() error { return cmd.Exec(ctx, b) },
	}

	for _, step := range steps {
		if err := step(); err != nil {
			if exception.KindOf(err) != exception.KindUnknown {
				return err
			}

			return exception.Wrap(exception.KindExecution, err, "command failed")
		}
	}

	return nil
}

func (b *Base) checkRuntimeVersion() error {
	current, ok := goSemver(b.goVersion)
	if !ok {
		// Development toolchains carry no comparable version.
		return nil
	}

	if current.LessThan(semver.MustParse(MinRuntimeVersion)) {
		return exception.New(exception.KindConfiguration, "Go runtime v%s or newer is required, found %s", MinRuntimeVersion, b.goVersion)
	}

	return nil
}

func goSemver(v string) (*semver.Version, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "go")
	if i := strings.IndexAny(v, " +"); i >= 0 {
		v = v[:i]
	}

	sv, err := semver.NewVersion(v)
	if err != nil {
		return nil, false
	}

	return sv, true
}

// initArgs splits Argv into positional Args and the trailing Options.
func (b *Base) initArgs() error {
	last := b.Argv[len(b.Argv)-1]

	switch o := last.(type) {
	case Options:
		b.Options = o
	case map[string]any:
		b.Options = Options(o)
	default:
		return exception.New(exception.KindArgument, "last argument must be the options map, got %T", last)
	}

	if b.Options == nil {
		b.Options = Options{}
	}

	rest := b.Argv[:len(b.Argv)-1]
	b.Args = make([]string, 0, len(rest))

	for i, a := range rest {
		s, ok := a.(string)
		if !ok {
			return exception.New(exception.KindArgument, "argument %d must be a string, got %T", i, a)
		}

		b.Args = append(b.Args, s)
	}

	return nil
}

// BaseCommand provides the help text shared by command implementations.
type BaseCommand struct {
	description string
	usage       string
}

// NewBaseCommand creates a base command with the given description and usage.
func NewBaseCommand(description, usage string) *BaseCommand {
	return &BaseCommand{description: description, usage: usage}
}

// Description returns the human-readable description of the command.
func (c *BaseCommand) Description() string {
	return c.description
}

// Usage returns the usage information for the command.
func (c *BaseCommand) Usage() string {
	return c.usage
}
