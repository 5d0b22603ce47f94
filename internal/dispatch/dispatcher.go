// Package dispatch resolves a command name to its package, makes sure the
// package is installed and current, and runs its entry point.
package dispatch

import (
	"context"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/forge/internal/config"
	"github.com/orizon-lang/forge/internal/exception"
	pm "github.com/orizon-lang/forge/internal/packagemanager"
	"github.com/orizon-lang/forge/internal/pathfmt"
)

const (
	// CacheDir is the package cache below the forge home.
	CacheDir = "dependencies"
	// StoreDir is the install store below the cache.
	StoreDir = "node_modules"
	// CorePackage is the package the forge binary itself is published as.
	CorePackage = "@forge-cli/core"
)

// Package is the view of a command package the dispatcher needs.
type Package interface {
	Exists(ctx context.Context) (bool, error)
	Install(ctx context.Context) error
	Update(ctx context.Context) error
	RootDir() string
	RootFilePath() string
	ResolvedVersion() string
}

// PackageFactory builds the Package for one dispatch.
type PackageFactory func(opts *pm.Options) (Package, error)

// Dispatcher runs the lookup, install and execute pipeline.
type Dispatcher struct {
	cfg        *config.Config
	logger     logrus.FieldLogger
	registry   pm.Registry
	installer  pm.Installer
	newPackage PackageFactory
	loader     Loader
	executor   Executor
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithRegistry replaces the npm registry client.
func WithRegistry(r pm.Registry) Option {
	return func(d *Dispatcher) { d.registry = r }
}

func WithInstaller(i pm.Installer) Option {
	return func(d *Dispatcher) { d.installer = i }
}

// WithPackageFactory replaces packagemanager.NewPackage.
func WithPackageFactory(f PackageFactory) Option {
	return func(d *Dispatcher) { d.newPackage = f }
}

func WithLoader(l Loader) Option {
	return func(d *Dispatcher) { d.loader = l }
}

// WithExecutor overrides the executor chosen from the configured exec mode.
func WithExecutor(e Executor) Option {
	return func(d *Dispatcher) { d.executor = e }
}

// New builds a Dispatcher for cfg.
func New(cfg *config.Config, opts ...Option) (*Dispatcher, error) {
	if cfg == nil {
		return nil, exception.New(exception.KindConfiguration, "dispatcher requires a configuration")
	}

	d := &Dispatcher{cfg: cfg}

	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		d.logger = l
	}

	if d.registry == nil {
		ropts := []pm.RegistryOption{pm.WithRegistryLogger(d.logger)}
		if cfg.RegistryToken != "" {
			ropts = append(ropts, pm.WithToken(cfg.RegistryToken))
		}

		if cfg.RegistryHTTP3 {
			ropts = append(ropts, pm.WithHTTP3())
		}

		d.registry = pm.NewNPMRegistry(ropts...)
	}

	if d.installer == nil {
		d.installer = pm.NewTarballInstaller(d.registry, cfg.MaxConcurrency, d.logger)
	}

	if d.newPackage == nil {
		d.newPackage = func(o *pm.Options) (Package, error) {
			p, err := pm.NewPackage(o)
			if err != nil {
				return nil, err
			}

			return p, nil
		}
	}

	if d.loader == nil {
		d.loader = &DefaultLoader{Logger: d.logger}
	}

	if d.executor == nil {
		switch cfg.ExecMode {
		case config.ExecInProcess:
			d.executor = InProcess{}
		case config.ExecIsolated, "":
			d.executor = &Isolated{LogLevel: cfg.LogLevel, Logger: d.logger}
		default:
			return nil, exception.New(exception.KindConfiguration, "unknown exec mode %q", cfg.ExecMode)
		}
	}

	return d, nil
}

// RegistryURL is the configured registry, or the default for the
// official-registry switch.
func (d *Dispatcher) RegistryURL() string {
	if d.cfg.Registry != "" {
		return d.cfg.Registry
	}

	return pm.DefaultRegistry(d.cfg.UseOfficialRegistry)
}

// Preflight checks the home directory and, when enabled, refuses to run an
// outdated forge binary.
func (d *Dispatcher) Preflight(ctx context.Context, currentVersion string) error {
	if err := d.cfg.CheckHome(); err != nil {
		return err
	}

	if !d.cfg.CheckUpdate {
		return nil
	}

	newer, err := pm.LatestNewerVersion(ctx, d.registry, currentVersion, CorePackage, d.RegistryURL())
	if err != nil {
		return err
	}

	if newer != "" {
		return exception.New(exception.KindConfiguration,
			"forge %s is outdated, version %s is available", currentVersion, newer).WithPackage(CorePackage)
	}

	return nil
}

type dispatchState struct {
	name string
	inv  Invocation

	targetPath string
	storeDir   string
	record     CommandRecord
	version    string
	pinned     bool
	pkg        Package
	entry      Entry
}

// Dispatch runs the command called name with inv.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, inv Invocation) error {
	st := &dispatchState{name: name, inv: inv}

	steps := []func(context.Context, *dispatchState) error{
		d.resolveTarget,
		d.resolveIdentity,
		d.ensureAvailable,
		d.resolveEntry,
		d.execute,
	}

	for _, step := range steps {
		if err := step(ctx, st); err != nil {
			return err
		}
	}

	return nil
}

func (d *Dispatcher) resolveTarget(_ context.Context, st *dispatchState) error {
	if d.cfg.TargetPath != "" {
		st.targetPath = d.cfg.TargetPath
		return nil
	}

	if d.cfg.HomePath == "" {
		return exception.New(exception.KindConfiguration, "cannot determine the forge home directory")
	}

	st.targetPath = filepath.Join(d.cfg.HomePath, CacheDir)
	st.storeDir = filepath.Join(st.targetPath, StoreDir)

	return nil
}

func (d *Dispatcher) resolveIdentity(_ context.Context, st *dispatchState) error {
	rec, ok := Lookup(st.name)
	if !ok {
		return exception.New(exception.KindResolution, "unknown command %q", st.name)
	}

	st.record = rec
	st.version = d.cfg.PackageVersion
	st.pinned = st.version != "" && st.version != pm.LatestTag

	if st.version == "" {
		st.version = pm.LatestTag
	}

	d.logger.WithFields(logrus.Fields{
		"command":    st.name,
		"package":    rec.Package,
		"version":    st.version,
		"targetPath": pathfmt.Canonicalize(st.targetPath),
		"storeDir":   pathfmt.Canonicalize(st.storeDir),
	}).Debug("dispatching")

	return nil
}

func (d *Dispatcher) ensureAvailable(ctx context.Context, st *dispatchState) error {
	pkg, err := d.newPackage(&pm.Options{
		TargetPath: st.targetPath,
		StoreDir:   st.storeDir,
		Name:       st.record.Package,
		Version:    st.version,
		Registry:   d.RegistryURL(),
		Client:     d.registry,
		Installer:  d.installer,
		Logger:     d.logger,
	})
	if err != nil {
		return err
	}

	st.pkg = pkg

	// A local target path is used as is.
	if st.storeDir == "" {
		return nil
	}

	ok, err := pkg.Exists(ctx)
	if err != nil {
		return err
	}

	if !ok {
		return pkg.Install(ctx)
	}

	if st.pinned {
		return nil
	}

	return pkg.Update(ctx)
}

func (d *Dispatcher) resolveEntry(_ context.Context, st *dispatchState) error {
	path := st.pkg.RootFilePath()
	if path == "" {
		return exception.New(exception.KindResolution, "command implementation not found for %s", st.record.Package)
	}

	st.entry = Entry{
		Path:    path,
		Package: st.record.Package,
		Version: st.pkg.ResolvedVersion(),
		Root:    st.pkg.RootDir(),
	}

	return nil
}

func (d *Dispatcher) execute(ctx context.Context, st *dispatchState) error {
	runner, err := d.loader.Load(st.entry)
	if err != nil {
		return err
	}

	d.logger.WithFields(logrus.Fields{"entry": st.entry.Path, "version": st.entry.Version}).Debug("executing")

	return d.executor.Execute(ctx, runner, st.entry, st.inv)
}
