package packagemanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/forge/internal/exception"
)

// Request names one package version to install into a store.
type Request struct {
	Root     string
	StoreDir string
	Registry string
	Name     string
	Version  string
}

// Installer installs a package and its dependency closure.
type Installer interface {
	Install(ctx context.Context, req Request) error
}

// TarballInstaller resolves a closure from registry metadata, downloads and
// verifies the tarballs and lays them out in the npminstall store layout.
type TarballInstaller struct {
	registry    Registry
	concurrency int
	logger      logrus.FieldLogger
}

// NewTarballInstaller creates an installer. A concurrency of 0 picks the default.
func NewTarballInstaller(reg Registry, concurrency int, logger logrus.FieldLogger) *TarballInstaller {
	if logger == nil {
		logger = discardLogger()
	}

	return &TarballInstaller{registry: reg, concurrency: ioConcurrency(concurrency), logger: logger}
}

// Install implements Installer. It is a no-op when a matching install
// record is present.
func (ti *TarballInstaller) Install(ctx context.Context, req Request) error {
	if req.StoreDir == "" || req.Name == "" || !IsExactVersion(req.Version) {
		return exception.New(exception.KindInstall, "invalid install request %s@%s", req.Name, req.Version).WithPackage(req.Name)
	}

	lock, err := AcquireStoreLock(ctx, req.StoreDir)
	if err != nil {
		return exception.Wrap(exception.KindInstall, err, "cannot lock store %s", req.StoreDir).WithPackage(req.Name)
	}
	defer lock.Release()

	name, version := PackageID(req.Name), Version(req.Version)
	top := VersionDir(req.StoreDir, req.Name, req.Version)
	log := ti.logger.WithFields(logrus.Fields{"package": req.Name, "version": req.Version, "storeDir": req.StoreDir})

	if rec, err := ReadRecord(top); err == nil && rec.Matches(req.StoreDir, name, version) {
		log.Debug("install record present, nothing to do")

		return nil
	}

	closure, err := NewManager(ti.registry, req.Registry, ti.concurrency).Resolve(ctx, name, req.Version)
	if err != nil {
		return exception.Wrap(exception.KindInstall, err, "cannot resolve dependencies").WithPackage(req.Name)
	}

	log.WithField("packages", len(closure)).Info("installing")

	if err := ti.fetchAll(ctx, req.StoreDir, closure); err != nil {
		return exception.Wrap(exception.KindInstall, err, "cannot fetch packages").WithPackage(req.Name)
	}

	if err := linkClosure(req.StoreDir, closure); err != nil {
		return exception.Wrap(exception.KindInstall, err, "cannot link dependencies").WithPackage(req.Name)
	}

	if err := relink(filepath.Join(req.StoreDir, filepath.FromSlash(req.Name)), top); err != nil {
		return exception.Wrap(exception.KindInstall, err, "cannot link %s", req.Name).WithPackage(req.Name)
	}

	if err := WriteRecord(top, NewInstallRecord(name, version, req.Registry, closure)); err != nil {
		return exception.Wrap(exception.KindInstall, err, "cannot write install record").WithPackage(req.Name)
	}

	log.Info("installed")

	return nil
}

// fetchAll downloads and extracts every pinned package not yet in the store.
func (ti *TarballInstaller) fetchAll(ctx context.Context, storeDir string, closure []Pinned) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ti.concurrency)

	for _, p := range closure {
		p := p

		g.Go(func() error {
			dest := VersionDir(storeDir, string(p.Name), string(p.Version))
			if hasDescriptor(dest) {
				return nil
			}

			if p.Meta.Dist.Tarball == "" {
				return fmt.Errorf("%s@%s: no tarball published", p.Name, p.Version)
			}

			ti.logger.WithFields(logrus.Fields{"package": p.Name, "version": p.Version}).Debug("downloading tarball")

			body, err := ti.registry.FetchTarball(gctx, p.Meta.Dist.Tarball)
			if err != nil {
				return fmt.Errorf("%s@%s: %w", p.Name, p.Version, err)
			}
			defer body.Close()

			if err := extractVerified(body, dest, p.Meta.Dist.Integrity, p.Meta.Dist.Shasum); err != nil {
				return fmt.Errorf("%s@%s: %w", p.Name, p.Version, err)
			}

			return nil
		})
	}

	return g.Wait()
}

// linkClosure gives every package directory a node_modules entry per dependency.
func linkClosure(storeDir string, closure []Pinned) error {
	pinned := make(map[PackageID]Version, len(closure))
	for _, p := range closure {
		pinned[p.Name] = p.Version
	}

	for _, p := range closure {
		dir := VersionDir(storeDir, string(p.Name), string(p.Version))

		for _, dep := range p.Meta.DependencyList() {
			ver, ok := pinned[dep.Name]
			if !ok {
				return fmt.Errorf("%s@%s: dependency %s was not resolved", p.Name, p.Version, dep.Name)
			}

			link := filepath.Join(dir, "node_modules", filepath.FromSlash(string(dep.Name)))
			if err := relink(link, VersionDir(storeDir, string(dep.Name), string(ver))); err != nil {
				return err
			}
		}
	}

	return nil
}

// relink points link at target, replacing an older symlink. A real
// directory at link is left alone.
func relink(link, target string) error {
	if fi, err := os.Lstat(link); err == nil {
		if fi.Mode()&os.ModeSymlink == 0 {
			return nil
		}

		if cur, err := os.Readlink(link); err == nil && cur == target {
			return nil
		}

		if err := os.Remove(link); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return err
	}

	return os.Symlink(target, link)
}
