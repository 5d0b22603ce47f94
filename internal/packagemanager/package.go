package packagemanager

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	semver "github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/forge/internal/exception"
	"github.com/orizon-lang/forge/internal/pathfmt"
)

// Options configures a Package.
type Options struct {
	// TargetPath is the cache directory, or a local package tree when
	// StoreDir is empty.
	TargetPath string
	// StoreDir holds installed package versions. Empty means target-path mode.
	StoreDir string
	Name     string
	// Version is an exact version, a range or the latest tag. Defaults to latest.
	Version string
	// Registry is the registry base URL. Defaults to DefaultRegistry(false).
	Registry string
	// Client talks to the registry. Defaults to an NPMRegistry.
	Client Registry
	// Installer defaults to a TarballInstaller over Client.
	Installer Installer
	Logger    logrus.FieldLogger
}

// Package is one installable command package rooted at a cache directory.
type Package struct {
	TargetPath string
	StoreDir   string
	Name       string
	Version    string
	Registry   string

	client    Registry
	installer Installer
	logger    logrus.FieldLogger

	// latest is the newest published version seen by Exists.
	latest string
	// offline is set once Exists fell back to a cached version.
	offline bool
}

// NewPackage validates opts and fills in defaults.
func NewPackage(opts *Options) (*Package, error) {
	if opts == nil {
		return nil, exception.New(exception.KindConfiguration, "package options must not be nil")
	}

	if opts.Name == "" {
		return nil, exception.New(exception.KindConfiguration, "package name must not be empty")
	}

	if opts.TargetPath == "" {
		return nil, exception.New(exception.KindConfiguration, "package target path must not be empty").WithPackage(opts.Name)
	}

	if err := ValidatePackageName(opts.Name); err != nil {
		return nil, exception.Wrap(exception.KindConfiguration, err, "invalid package name").WithPackage(opts.Name)
	}

	p := &Package{
		TargetPath: canonicalAbs(opts.TargetPath),
		Name:       opts.Name,
		Version:    opts.Version,
		Registry:   opts.Registry,
		client:     opts.Client,
		installer:  opts.Installer,
		logger:     opts.Logger,
	}

	if opts.StoreDir != "" {
		p.StoreDir = canonicalAbs(opts.StoreDir)
	}

	if p.Version == "" {
		p.Version = LatestTag
	}

	if p.Registry == "" {
		p.Registry = DefaultRegistry(false)
	}

	if p.logger == nil {
		p.logger = discardLogger()
	}

	if p.client == nil {
		p.client = NewNPMRegistry(WithRegistryLogger(p.logger))
	}

	if p.installer == nil {
		p.installer = NewTarballInstaller(p.client, 0, p.logger)
	}

	return p, nil
}

func canonicalAbs(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		p = abs
	}

	return pathfmt.Canonicalize(p)
}

func (p *Package) log() logrus.FieldLogger {
	return p.logger.WithFields(logrus.Fields{"package": p.Name, "targetPath": p.TargetPath, "storeDir": p.StoreDir})
}

// prepare turns the latest tag or a range into a concrete version. It
// leaves Version untouched when the registry knows no matching version.
func (p *Package) prepare(ctx context.Context) error {
	if IsExactVersion(p.Version) {
		return nil
	}

	var (
		resolved string
		err      error
	)

	if p.Version == LatestTag {
		resolved, err = LatestVersion(ctx, p.client, p.Name, p.Registry)
	} else {
		resolved, err = MaxSatisfying(ctx, p.client, p.Name, p.Version, p.Registry)
	}

	if err != nil {
		return err
	}

	if resolved != "" {
		p.log().WithFields(logrus.Fields{"requested": p.Version, "resolved": resolved}).Debug("resolved version")
		p.Version = resolved
	}

	return nil
}

// Exists reports whether the package's entry point can be resolved.
// In store mode the version directory only counts when its install record
// matches. Without a usable registry answer it falls back to the newest
// cached version.
func (p *Package) Exists(ctx context.Context) (bool, error) {
	if p.StoreDir == "" {
		return p.RootFilePath() != "", nil
	}

	requested := p.Version

	err := p.prepare(ctx)
	if err != nil && !exception.Is(err, exception.KindRegistry) {
		return false, err
	}

	if err != nil || !IsExactVersion(p.Version) {
		cached := p.newestCachedVersion(requested)
		if cached == "" {
			if err != nil {
				return false, err
			}

			return false, nil
		}

		entry := p.log().WithField("version", cached)
		if err != nil {
			entry = entry.WithError(err)
		}

		entry.Warn("registry unavailable, using cached version")
		p.Version = cached
		p.offline = true
	} else if requested == LatestTag {
		p.latest = p.Version
	}

	return p.installed(p.Version) && p.RootFilePath() != "", nil
}

// installed reports whether version has a descriptor and an install record
// covering its whole dependency closure.
func (p *Package) installed(version string) bool {
	dir := p.SpecificCacheFilePath(version)
	if !hasDescriptor(dir) {
		return false
	}

	rec, err := ReadRecord(dir)
	if err != nil {
		return false
	}

	return rec.Matches(p.StoreDir, PackageID(p.Name), Version(version))
}

// Install installs the resolved version into the store.
func (p *Package) Install(ctx context.Context) error {
	if err := p.prepare(ctx); err != nil {
		return exception.Wrap(exception.KindInstall, err, "cannot resolve version %s", p.Version).WithPackage(p.Name)
	}

	if !IsExactVersion(p.Version) {
		return exception.New(exception.KindInstall, "no published version matches %s", p.Version).WithPackage(p.Name)
	}

	return p.installVersion(ctx, p.Version)
}

func (p *Package) installVersion(ctx context.Context, version string) error {
	if p.StoreDir == "" {
		return exception.New(exception.KindInstall, "no store directory configured").WithPackage(p.Name)
	}

	err := p.installer.Install(ctx, Request{
		Root:     p.TargetPath,
		StoreDir: p.StoreDir,
		Registry: p.Registry,
		Name:     p.Name,
		Version:  version,
	})
	if err != nil {
		if exception.Is(err, exception.KindInstall) {
			return err
		}

		return exception.Wrap(exception.KindInstall, err, "install failed").WithPackage(p.Name)
	}

	return nil
}

// Update moves the package to the latest published version. Registry
// failures only log a warning and keep the cached version. A latest
// version already seen by Exists is reused without asking the registry.
func (p *Package) Update(ctx context.Context) error {
	if p.offline {
		return nil
	}

	latest := p.latest
	p.latest = ""

	if latest == "" {
		var err error

		latest, err = LatestVersion(ctx, p.client, p.Name, p.Registry)
		if err != nil {
			p.log().WithError(err).Warn("cannot check for updates, keeping cached version")

			return nil
		}
	}

	if latest == "" || latest == p.Version {
		return nil
	}

	if p.installed(latest) {
		p.Version = latest

		return nil
	}

	p.log().WithFields(logrus.Fields{"from": p.Version, "to": latest}).Info("updating package")

	if err := p.installVersion(ctx, latest); err != nil {
		return err
	}

	p.Version = latest

	return nil
}

// ResolvedVersion returns the version the package currently points at.
func (p *Package) ResolvedVersion() string {
	return p.Version
}

// RootDir returns the directory holding the package descriptor, or "".
func (p *Package) RootDir() string {
	if p.StoreDir != "" {
		dir := p.CacheFilePath()
		if hasDescriptor(dir) {
			return pathfmt.Canonicalize(dir)
		}

		return ""
	}

	dir := findPackageDir(p.TargetPath)
	if dir == "" {
		dir = findDescendantPackageDir(p.TargetPath)
	}

	if dir == "" {
		return ""
	}

	return pathfmt.Canonicalize(dir)
}

// RootFilePath returns the canonical path of the descriptor's main entry,
// or "" when there is no readable descriptor with a main field.
func (p *Package) RootFilePath() string {
	dir := p.RootDir()
	if dir == "" {
		return ""
	}

	d, err := ReadDescriptor(dir)
	if err != nil || d.Main == "" {
		return ""
	}

	entry := d.Main
	if !filepath.IsAbs(entry) {
		entry = filepath.Join(dir, entry)
	}

	return pathfmt.Canonicalize(filepath.Clean(entry))
}

// CacheFilePath is the store directory of the current version.
func (p *Package) CacheFilePath() string {
	return p.SpecificCacheFilePath(p.Version)
}

// SpecificCacheFilePath is the store directory of version.
func (p *Package) SpecificCacheFilePath(version string) string {
	return pathfmt.Canonicalize(VersionDir(p.StoreDir, p.Name, version))
}

// newestCachedVersion scans the store for installed versions of the package
// that satisfy requested. The latest tag or an unparsable range accepts any.
func (p *Package) newestCachedVersion(requested string) string {
	entries, err := os.ReadDir(p.StoreDir)
	if err != nil {
		return ""
	}

	var constraint *semver.Constraints
	if requested != LatestTag && !IsExactVersion(requested) {
		if c, err := ParseRange(requested); err == nil {
			constraint = c
		}
	}

	prefix := "_" + strings.ReplaceAll(p.Name, "/", "_") + "@"

	var best *semver.Version

	bestRaw := ""

	for _, e := range entries {
		rest, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok || !e.IsDir() {
			continue
		}

		raw, _, ok := strings.Cut(rest, "@")
		if !ok {
			continue
		}

		sv, err := semver.StrictNewVersion(raw)
		if err != nil || (constraint != nil && !constraint.Check(sv)) || !p.installed(raw) {
			continue
		}

		if best == nil || sv.GreaterThan(best) {
			best, bestRaw = sv, raw
		}
	}

	return bestRaw
}
