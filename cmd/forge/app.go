package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/orizon-lang/forge/internal/cli"
	"github.com/orizon-lang/forge/internal/command"
	"github.com/orizon-lang/forge/internal/command/initcmd"
	"github.com/orizon-lang/forge/internal/config"
	"github.com/orizon-lang/forge/internal/dispatch"
	"github.com/orizon-lang/forge/internal/exception"
	"github.com/orizon-lang/forge/internal/watch"
)

const (
	toolName       = "forge"
	exitUsageError = 2
)

// usageError marks failures that exit with code 2.
type usageError struct{ error }

func (e usageError) Unwrap() error { return e.error }

type globalFlags struct {
	debug      bool
	targetPath string
	execMode   string
	registry   string
	official   bool
	watch      bool
	version    bool
	jsonOutput bool
}

type app struct {
	cfg    *config.Config
	flags  globalFlags
	logger *log.Entry
	stdout io.Writer
	stderr io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(config.LoadOptions{})
	if err != nil {
		return cli.HandleError(err, cli.NewLogger(cli.LoggerOptions{Out: stderr}))
	}

	a := &app{cfg: cfg, stdout: stdout, stderr: stderr}

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err = root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var ue usageError
	if errors.As(err, &ue) {
		fmt.Fprintf(stderr, "Error: %v\n", ue.error)

		return exitUsageError
	}

	logger := a.logger
	if logger == nil {
		logger = cli.NewLogger(cli.LoggerOptions{Out: stderr})
	}

	// The child process already reported its own failure.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		logger.WithError(err).Debug("command failed")

		return exception.ExitCode(err)
	}

	return cli.HandleError(err, logger)
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:               toolName + " <command> [args]",
		Short:             "Run project commands from versioned packages",
		SilenceUsage:      true,
		SilenceErrors:     true,
		Args:              cobra.ArbitraryArgs,
		PersistentPreRunE: func(*cobra.Command, []string) error { return a.setup() },
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.flags.version {
				return cli.PrintVersion(a.stdout, toolName, a.flags.jsonOutput)
			}

			if len(args) == 0 {
				return cmd.Help()
			}

			cli.PrintAvailable(a.stdout, toolName, availableCommands())

			return usageError{fmt.Errorf("unknown command %q", args[0])}
		},
	}

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	pf := root.PersistentFlags()
	pf.BoolVar(&a.flags.debug, "debug", false, "enable debug logging")
	pf.StringVar(&a.flags.targetPath, "target-path", "", "run the command from a local package tree")
	pf.StringVar(&a.flags.execMode, "exec-mode", "", "isolated or in-process")
	pf.StringVar(&a.flags.registry, "registry", "", "npm registry URL")
	pf.BoolVar(&a.flags.official, "official", false, "use the official npm registry")
	pf.BoolVar(&a.flags.watch, "watch", false, "re-run the command when the target path changes")

	root.Flags().BoolVarP(&a.flags.version, "version", "V", false, "print version information")
	root.Flags().BoolVar(&a.flags.jsonOutput, "json", false, "print version information as JSON")

	for _, rec := range dispatch.Commands() {
		root.AddCommand(a.dispatchCommand(rec))
	}

	root.AddCommand(a.bootstrapCommand())

	return root
}

// setup applies the global flags and builds the logger.
func (a *app) setup() error {
	a.cfg.SetTargetPath(a.flags.targetPath)

	if a.flags.execMode != "" {
		a.cfg.ExecMode = config.ExecMode(a.flags.execMode)
	}

	if a.flags.registry != "" {
		a.cfg.Registry = a.flags.registry
	}

	if a.flags.official {
		a.cfg.UseOfficialRegistry = true
	}

	a.logger = cli.NewLogger(cli.LoggerOptions{Level: a.cfg.LogLevel, Debug: a.flags.debug, Out: a.stderr})

	// Isolated children read the level from the environment.
	if a.flags.debug {
		a.cfg.LogLevel = a.logger.Logger.GetLevel().String()
	}

	if err := a.cfg.Validate(); err != nil {
		return err
	}

	dispatch.Link(initcmd.PackageName, a.runInit)

	return nil
}

func (a *app) runInit(ctx context.Context, root string, inv dispatch.Invocation) error {
	return command.Run(ctx, initcmd.New(), inv.Argv(), command.WithRoot(root), command.WithLogger(a.logger))
}

func availableCommands() []cli.CommandInfo {
	var out []cli.CommandInfo
	for _, rec := range dispatch.Commands() {
		out = append(out, cli.CommandInfo{Name: rec.Name, Description: rec.Description})
	}

	return out
}

// commandFlags declares the options of each dispatchable command.
var commandFlags = map[string]func(*cobra.Command){
	"init": func(c *cobra.Command) {
		help := initcmd.New()
		c.Use = strings.TrimPrefix(help.Usage(), "usage: "+toolName+" ")
		c.Short = help.Description()
		c.Args = usageArgs(cobra.MaximumNArgs(1))
		c.Flags().BoolP("force", "f", false, "initialize even if the directory is not empty")
	},
}

func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return usageError{err}
		}

		return nil
	}
}

func (a *app) dispatchCommand(rec dispatch.CommandRecord) *cobra.Command {
	c := &cobra.Command{
		Use:   rec.Name,
		Short: rec.Description,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.dispatch(cmd.Context(), rec.Name, dispatch.Invocation{Args: args, Options: options(cmd)})
		},
	}

	if declare, ok := commandFlags[rec.Name]; ok {
		declare(c)
	}

	return c
}

// options collects the command's local flags. Booleans stay booleans,
// everything else is passed as its string form when set.
func options(cmd *cobra.Command) command.Options {
	opts := command.Options{}

	cmd.LocalNonPersistentFlags().VisitAll(func(f *pflag.Flag) {
		if f.Name == "help" {
			return
		}

		if f.Value.Type() == "bool" {
			opts[f.Name] = f.Value.String() == "true"
			return
		}

		if f.Changed {
			opts[f.Name] = f.Value.String()
		}
	})

	return opts
}

func (a *app) dispatch(ctx context.Context, name string, inv dispatch.Invocation) error {
	d, err := dispatch.New(a.cfg, dispatch.WithLogger(a.logger))
	if err != nil {
		return err
	}

	if err := d.Preflight(ctx, cli.Version); err != nil {
		return err
	}

	if !a.flags.watch {
		return d.Dispatch(ctx, name, inv)
	}

	if a.cfg.TargetPath == "" {
		return exception.New(exception.KindConfiguration, "--watch requires --target-path")
	}

	w, err := watch.New(a.cfg.TargetPath, watch.Options{Logger: a.logger})
	if err != nil {
		return err
	}

	rerun := func(ctx context.Context) {
		if err := d.Dispatch(ctx, name, inv); err != nil {
			a.logger.WithError(err).Error("command failed")
		}
	}

	rerun(ctx)
	a.logger.WithField("targetPath", a.cfg.TargetPath).Info("watching for changes")

	return w.Run(ctx, func(ctx context.Context, paths []string) {
		a.logger.WithField("paths", paths).Info("change detected, re-running")
		rerun(ctx)
	})
}

func (a *app) bootstrapCommand() *cobra.Command {
	var payload string

	c := &cobra.Command{
		Use:    dispatch.BootstrapCommand,
		Hidden: true,
		Args:   usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader := &dispatch.DefaultLoader{Logger: a.logger}

			return dispatch.Bootstrap(cmd.Context(), payload, loader)
		},
	}

	c.Flags().StringVar(&payload, "payload", "", "payload file written by the parent process")

	return c
}
