package dispatch_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/orizon-lang/forge/internal/command"
	"github.com/orizon-lang/forge/internal/config"
	"github.com/orizon-lang/forge/internal/dispatch"
	"github.com/orizon-lang/forge/internal/exception"
	pm "github.com/orizon-lang/forge/internal/packagemanager"
	"github.com/orizon-lang/forge/internal/packagemanager/pmtest"
)

const initPackage = "@forge-cli/init"

type recorder struct {
	mu    sync.Mutex
	calls []dispatch.Invocation
	roots []string
}

func (r *recorder) run(_ context.Context, root string, inv dispatch.Invocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, inv)
	r.roots = append(r.roots, root)

	return nil
}

func (r *recorder) last(t *testing.T) (dispatch.Invocation, string) {
	t.Helper()

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.calls) == 0 {
		t.Fatalf("command was not run")
	}

	return r.calls[len(r.calls)-1], r.roots[len(r.roots)-1]
}

func linkRecorder(t *testing.T) *recorder {
	t.Helper()

	rec := &recorder{}
	dispatch.Link(initPackage, rec.run)
	t.Cleanup(func() { dispatch.Link(initPackage, nil) })

	return rec
}

func testConfig(t *testing.T, registryURL string) *config.Config {
	t.Helper()

	home := t.TempDir()
	cfg := config.Default()
	cfg.UserHome = home
	cfg.HomePath = filepath.Join(home, config.DefaultHome)
	cfg.Registry = registryURL
	cfg.ExecMode = config.ExecInProcess

	return cfg
}

func newDispatcher(t *testing.T, cfg *config.Config, opts ...dispatch.Option) *dispatch.Dispatcher {
	t.Helper()

	d, err := dispatch.New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return d
}

func initInvocation() dispatch.Invocation {
	return dispatch.Invocation{Args: []string{"myapp"}, Options: command.Options{"force": true}}
}

// failingRegistry fails the test on any registry access.
type failingRegistry struct{ t *testing.T }

func (r failingRegistry) FetchMetadata(context.Context, string, string) (*pm.Metadata, error) {
	r.t.Fatalf("unexpected metadata request")
	return nil, nil
}

func (r failingRegistry) FetchTarball(context.Context, string) (io.ReadCloser, error) {
	r.t.Fatalf("unexpected tarball request")
	return nil, nil
}

func TestDispatch_UnknownCommandDoesNoIO(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.HomePath = filepath.Join(t.TempDir(), "does-not-exist")

	d := newDispatcher(t, cfg,
		dispatch.WithRegistry(failingRegistry{t}),
		dispatch.WithPackageFactory(func(*pm.Options) (dispatch.Package, error) {
			t.Fatalf("package constructed for an unknown command")
			return nil, nil
		}),
	)

	err := d.Dispatch(context.Background(), "nope", dispatch.Invocation{})
	if !exception.Is(err, exception.KindResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}

	if _, err := os.Stat(cfg.HomePath); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("home directory was touched: %v", err)
	}
}

func TestDispatch_InstallsAndRuns(t *testing.T) {
	srv := pmtest.NewServer(t)
	srv.Publish(t, initPackage, "1.0.0", map[string]string{"index.js": ""}, nil)

	rec := linkRecorder(t)
	cfg := testConfig(t, srv.URL)
	d := newDispatcher(t, cfg)
	ctx := context.Background()

	if err := d.Dispatch(ctx, "init", initInvocation()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	inv, root := rec.last(t)
	if !reflect.DeepEqual(inv.Args, []string{"myapp"}) || !inv.Options.Bool("force") {
		t.Fatalf("unexpected invocation %+v", inv)
	}

	want := pm.VersionDir(filepath.Join(cfg.HomePath, dispatch.CacheDir, dispatch.StoreDir), initPackage, "1.0.0")
	if filepath.Clean(root) != filepath.Clean(want) {
		t.Fatalf("root = %s, want %s", root, want)
	}

	downloads := srv.TarballHits()

	if err := d.Dispatch(ctx, "init", initInvocation()); err != nil {
		t.Fatalf("second Dispatch: %v", err)
	}

	if srv.TarballHits() != downloads {
		t.Fatalf("cached dispatch downloaded again")
	}
}

func TestDispatch_UpdatesUnpinnedVersion(t *testing.T) {
	srv := pmtest.NewServer(t)
	srv.Publish(t, initPackage, "1.0.0", nil, nil)

	rec := linkRecorder(t)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	if err := newDispatcher(t, cfg).Dispatch(ctx, "init", initInvocation()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	srv.Publish(t, initPackage, "1.1.0", nil, nil)

	if err := newDispatcher(t, cfg).Dispatch(ctx, "init", initInvocation()); err != nil {
		t.Fatalf("Dispatch after publish: %v", err)
	}

	if _, root := rec.last(t); !strings.Contains(root, "@1.1.0@") {
		t.Fatalf("expected the updated version to run, root %s", root)
	}
}

func TestDispatch_PinnedVersionIsNotUpdated(t *testing.T) {
	srv := pmtest.NewServer(t)
	srv.Publish(t, initPackage, "1.0.0", nil, nil)
	srv.Publish(t, initPackage, "1.1.0", nil, nil)

	rec := linkRecorder(t)
	cfg := testConfig(t, srv.URL)
	cfg.PackageVersion = "1.0.0"

	if err := newDispatcher(t, cfg).Dispatch(context.Background(), "init", initInvocation()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if _, root := rec.last(t); !strings.Contains(root, "@1.0.0@") {
		t.Fatalf("pinned version not honoured, root %s", root)
	}

	if srv.TarballHits() != 1 {
		t.Fatalf("expected only the pinned version to be downloaded, got %d", srv.TarballHits())
	}
}

func TestDispatch_RegistryDownUsesCache(t *testing.T) {
	cases := []struct {
		name string
		down func(*pmtest.Server)
	}{
		{"unreachable", func(s *pmtest.Server) { s.Close() }},
		{"error status", func(s *pmtest.Server) { s.SetUnavailable(true) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := pmtest.NewServer(t)
			srv.Publish(t, initPackage, "1.0.0", nil, nil)

			rec := linkRecorder(t)
			cfg := testConfig(t, srv.URL)
			ctx := context.Background()

			if err := newDispatcher(t, cfg).Dispatch(ctx, "init", initInvocation()); err != nil {
				t.Fatalf("Dispatch: %v", err)
			}

			tc.down(srv)

			if err := newDispatcher(t, cfg).Dispatch(ctx, "init", initInvocation()); err != nil {
				t.Fatalf("offline Dispatch: %v", err)
			}

			if len(rec.calls) != 2 {
				t.Fatalf("expected two runs, got %d", len(rec.calls))
			}
		})
	}
}

func TestDispatch_ReinstallsIncompleteStore(t *testing.T) {
	srv := pmtest.NewServer(t)
	srv.Publish(t, initPackage, "1.0.0", map[string]string{"index.js": ""}, map[string]string{"kleur": "^4.0.0"})
	srv.Publish(t, "kleur", "4.1.5", map[string]string{"index.js": ""}, nil)

	rec := linkRecorder(t)
	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	if err := newDispatcher(t, cfg).Dispatch(ctx, "init", initInvocation()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	store := filepath.Join(cfg.HomePath, dispatch.CacheDir, dispatch.StoreDir)
	top := pm.VersionDir(store, initPackage, "1.0.0")
	dep := filepath.Join(top, "node_modules", "kleur")

	for _, path := range []string{filepath.Join(top, pm.RecordFile), dep, pm.VersionDir(store, "kleur", "4.1.5")} {
		if err := os.RemoveAll(path); err != nil {
			t.Fatal(err)
		}
	}

	if err := newDispatcher(t, cfg).Dispatch(ctx, "init", initInvocation()); err != nil {
		t.Fatalf("Dispatch over incomplete store: %v", err)
	}

	if len(rec.calls) != 2 {
		t.Fatalf("expected two runs, got %d", len(rec.calls))
	}

	if _, err := os.Stat(filepath.Join(dep, "package.json")); err != nil {
		t.Fatalf("dependency not reinstalled: %v", err)
	}

	if _, err := pm.ReadRecord(top); err != nil {
		t.Fatalf("install record not rewritten: %v", err)
	}
}

func TestDispatch_TargetPathMode(t *testing.T) {
	rec := linkRecorder(t)

	local := t.TempDir()
	if err := os.WriteFile(filepath.Join(local, "package.json"), []byte(`{"name":"@forge-cli/init","main":"index.js"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := testConfig(t, "")
	cfg.SetTargetPath(local)

	d := newDispatcher(t, cfg, dispatch.WithRegistry(failingRegistry{t}))

	if err := d.Dispatch(context.Background(), "init", initInvocation()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if _, root := rec.last(t); filepath.Clean(root) != filepath.Clean(local) {
		t.Fatalf("root = %s, want %s", root, local)
	}
}

func TestDispatch_MissingEntryPoint(t *testing.T) {
	linkRecorder(t)

	cfg := testConfig(t, "")
	cfg.SetTargetPath(t.TempDir())

	err := newDispatcher(t, cfg, dispatch.WithRegistry(failingRegistry{t})).
		Dispatch(context.Background(), "init", initInvocation())
	if !exception.Is(err, exception.KindResolution) {
		t.Fatalf("expected resolution error, got %v", err)
	}
}

func TestDispatch_UnknownPackageIsInstallError(t *testing.T) {
	srv := pmtest.NewServer(t)
	linkRecorder(t)

	err := newDispatcher(t, testConfig(t, srv.URL)).Dispatch(context.Background(), "init", initInvocation())
	if !exception.Is(err, exception.KindInstall) {
		t.Fatalf("expected install error, got %v", err)
	}
}

func TestDispatch_CommandErrorPropagates(t *testing.T) {
	srv := pmtest.NewServer(t)
	srv.Publish(t, initPackage, "1.0.0", nil, nil)

	boom := errors.New("boom")
	dispatch.Link(initPackage, func(context.Context, string, dispatch.Invocation) error { return boom })
	t.Cleanup(func() { dispatch.Link(initPackage, nil) })

	err := newDispatcher(t, testConfig(t, srv.URL)).Dispatch(context.Background(), "init", initInvocation())
	if !exception.Is(err, exception.KindExecution) || !errors.Is(err, boom) {
		t.Fatalf("expected execution error wrapping boom, got %v", err)
	}
}

func TestNew_RejectsBadExecMode(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.ExecMode = "sideways"

	if _, err := dispatch.New(cfg); !exception.Is(err, exception.KindConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	if _, err := dispatch.New(nil); !exception.Is(err, exception.KindConfiguration) {
		t.Fatalf("expected configuration error for nil config, got %v", err)
	}
}

func TestRegistryURL(t *testing.T) {
	cfg := testConfig(t, "")
	if got := newDispatcher(t, cfg).RegistryURL(); got != pm.MirrorRegistry {
		t.Fatalf("default registry = %s", got)
	}

	cfg.UseOfficialRegistry = true
	if got := newDispatcher(t, cfg).RegistryURL(); got != pm.OfficialRegistry {
		t.Fatalf("official registry = %s", got)
	}

	cfg.Registry = "https://npm.example.com"
	if got := newDispatcher(t, cfg).RegistryURL(); got != "https://npm.example.com" {
		t.Fatalf("explicit registry = %s", got)
	}
}

func TestPreflight(t *testing.T) {
	srv := pmtest.NewServer(t)
	srv.Publish(t, dispatch.CorePackage, "0.2.0", nil, nil)

	cfg := testConfig(t, srv.URL)
	ctx := context.Background()

	if err := newDispatcher(t, cfg).Preflight(ctx, "0.1.0"); err != nil {
		t.Fatalf("update check disabled: %v", err)
	}

	cfg.CheckUpdate = true

	if err := newDispatcher(t, cfg).Preflight(ctx, "0.1.0"); !exception.Is(err, exception.KindConfiguration) {
		t.Fatalf("expected outdated binary to be rejected, got %v", err)
	}

	if err := newDispatcher(t, cfg).Preflight(ctx, "0.2.0"); err != nil {
		t.Fatalf("current binary rejected: %v", err)
	}

	cfg.UserHome = ""
	if err := newDispatcher(t, cfg).Preflight(ctx, "0.2.0"); !exception.Is(err, exception.KindConfiguration) {
		t.Fatalf("expected missing home to be rejected, got %v", err)
	}
}

func TestLookup(t *testing.T) {
	rec, ok := dispatch.Lookup("init")
	if !ok || rec.Package != initPackage {
		t.Fatalf("Lookup(init) = %+v, %v", rec, ok)
	}

	if _, ok := dispatch.Lookup("Init"); ok {
		t.Fatalf("lookup must be case sensitive")
	}

	cmds := dispatch.Commands()
	cmds[0].Package = "mutated"

	if again, _ := dispatch.Lookup("init"); again.Package != initPackage {
		t.Fatalf("Commands exposed the internal table")
	}
}

type stubLoader struct {
	entries []dispatch.Entry
	runner  dispatch.Runner
}

func (l *stubLoader) Load(e dispatch.Entry) (dispatch.Runner, error) {
	l.entries = append(l.entries, e)
	return l.runner, nil
}

type countingInstaller struct {
	pm.Installer
	calls int
}

func (c *countingInstaller) Install(ctx context.Context, req pm.Request) error {
	c.calls++
	return c.Installer.Install(ctx, req)
}

func TestDispatch_CustomLoaderAndInstaller(t *testing.T) {
	srv := pmtest.NewServer(t)
	srv.Publish(t, initPackage, "2.3.4", nil, nil)

	rec := &recorder{}
	loader := &stubLoader{runner: &dispatch.LinkedRunner{Func: rec.run, Root: "stub"}}
	inst := &countingInstaller{Installer: pm.NewTarballInstaller(pm.NewNPMRegistry(), 0, nil)}

	d := newDispatcher(t, testConfig(t, srv.URL), dispatch.WithLoader(loader), dispatch.WithInstaller(inst))

	if err := d.Dispatch(context.Background(), "init", initInvocation()); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if inst.calls != 1 {
		t.Fatalf("installer called %d times", inst.calls)
	}

	if len(loader.entries) != 1 {
		t.Fatalf("loader called %d times", len(loader.entries))
	}

	e := loader.entries[0]
	if e.Package != initPackage || e.Version != "2.3.4" || !strings.HasSuffix(e.Path, "/index.js") || e.Root == "" {
		t.Fatalf("unexpected entry %+v", e)
	}

	if _, root := rec.last(t); root != "stub" {
		t.Fatalf("runner from the custom loader not used, root %s", root)
	}
}
