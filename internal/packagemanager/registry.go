package packagemanager

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"sync"

	semver "github.com/Masterminds/semver/v3"
)

// Metadata is the packument served by an npm-compatible registry for one package.
type Metadata struct {
	Name     string                 `json:"name"`
	DistTags map[string]string      `json:"dist-tags,omitempty"`
	Versions map[string]VersionMeta `json:"versions,omitempty"`
}

// VersionMeta is the manifest of one published version.
type VersionMeta struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Main         string            `json:"main,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Dist         Dist              `json:"dist"`
}

// Dist locates and authenticates a version's tarball.
type Dist struct {
	Tarball   string `json:"tarball"`
	Integrity string `json:"integrity,omitempty"`
	Shasum    string `json:"shasum,omitempty"`
}

// Empty reports whether the registry returned nothing usable for the package.
func (m *Metadata) Empty() bool {
	return m == nil || len(m.Versions) == 0
}

// DependencyList returns the declared dependencies sorted by name.
func (v VersionMeta) DependencyList() []Dependency {
	deps := make([]Dependency, 0, len(v.Dependencies))
	for name, rng := range v.Dependencies {
		deps = append(deps, Dependency{Name: PackageID(name), Range: rng})
	}

	sort.Slice(deps, func(i, j int) bool { return deps[i].Name < deps[j].Name })

	return deps
}

// Registry is the read side of an npm-compatible registry.
type Registry interface {
	// FetchMetadata returns the packument for name. Unknown packages yield an
	// empty Metadata and no error.
	FetchMetadata(ctx context.Context, name, registryURL string) (*Metadata, error)
	// FetchTarball opens the tarball at url.
	FetchTarball(ctx context.Context, url string) (io.ReadCloser, error)
}

// ErrNotFound is returned when a tarball cannot be found.
var ErrNotFound = errors.New("not found")

// StaticRegistry is a thread-safe in-memory Registry, used for offline
// installs and tests.
type StaticRegistry struct {
	mu       sync.RWMutex
	packages map[string]*Metadata
	tarballs map[string][]byte
}

// NewStaticRegistry constructs an empty registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{
		packages: make(map[string]*Metadata),
		tarballs: make(map[string][]byte),
	}
}

// Publish adds one version and its tarball. The first published version
// becomes the latest tag unless a higher one is published later.
func (r *StaticRegistry) Publish(meta VersionMeta, tarball []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.packages[meta.Name]
	if !ok {
		m = &Metadata{Name: meta.Name, DistTags: map[string]string{}, Versions: map[string]VersionMeta{}}
		r.packages[meta.Name] = m
	}

	m.Versions[meta.Version] = meta

	cur, err := semver.NewVersion(m.DistTags[LatestTag])
	if next, nerr := semver.NewVersion(meta.Version); nerr == nil && (err != nil || next.GreaterThan(cur)) {
		m.DistTags[LatestTag] = meta.Version
	}

	if meta.Dist.Tarball != "" && tarball != nil {
		r.tarballs[meta.Dist.Tarball] = tarball
	}
}

// Tag points a dist-tag at version.
func (r *StaticRegistry) Tag(name, tag, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.packages[name]; ok {
		m.DistTags[tag] = version
	}
}

// FetchMetadata implements Registry. The registry URL is ignored.
func (r *StaticRegistry) FetchMetadata(ctx context.Context, name, _ string) (*Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if name == "" {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.packages[name]
	if !ok {
		return &Metadata{}, nil
	}

	out := &Metadata{Name: m.Name, DistTags: make(map[string]string, len(m.DistTags)), Versions: make(map[string]VersionMeta, len(m.Versions))}
	for k, v := range m.DistTags {
		out.DistTags[k] = v
	}

	for k, v := range m.Versions {
		out.Versions[k] = v
	}

	return out, nil
}

// FetchTarball implements Registry.
func (r *StaticRegistry) FetchTarball(ctx context.Context, url string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	data, ok := r.tarballs[url]
	r.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}
