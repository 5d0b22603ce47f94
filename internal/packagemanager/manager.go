package packagemanager

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	semver "github.com/Masterminds/semver/v3"
	"golang.org/x/sync/errgroup"
)

// Pinned is one package of a resolved closure together with its manifest.
type Pinned struct {
	Name    PackageID
	Version Version
	Meta    VersionMeta
}

// Manager ties the Resolver to a Registry: it walks registry metadata to
// build an index and resolves the dependency closure of one package.
type Manager struct {
	registry    Registry
	registryURL string
	concurrency int
}

// NewManager constructs a Manager. A concurrency of 0 picks the default.
func NewManager(reg Registry, registryURL string, concurrency int) *Manager {
	return &Manager{registry: reg, registryURL: registryURL, concurrency: ioConcurrency(concurrency)}
}

// Resolve pins name (constrained by rng) and its transitive dependencies.
// The result is sorted by package name.
func (m *Manager) Resolve(ctx context.Context, name PackageID, rng string) ([]Pinned, error) {
	rootCon, err := ParseRange(rng)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	w := &walk{
		metas:    make(map[PackageID]*Metadata),
		cons:     map[PackageID][]*semver.Constraints{name: {rootCon}},
		expanded: make(map[PackageID]map[string]bool),
	}

	queue := []PackageID{name}
	requested := map[PackageID]bool{name: true}

	for len(queue) > 0 {
		if err := m.fetchBatch(ctx, queue, w.metas); err != nil {
			return nil, err
		}

		queue = queue[:0]

		for _, dep := range w.expand() {
			if !requested[dep] {
				requested[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	if w.metas[name].Empty() {
		return nil, &ConflictError{Package: name, Reason: "package not found in registry"}
	}

	res, err := NewResolver(w.index(), ResolveOptions{PreferHigher: true, AllowCycles: true}).
		Resolve([]Requirement{{Name: name, Range: rng}})
	if err != nil {
		return nil, err
	}

	out := make([]Pinned, 0, len(res))
	for id, ver := range res {
		out = append(out, Pinned{Name: id, Version: ver, Meta: w.metas[id].Versions[string(ver)]})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out, nil
}

// fetchBatch loads metadata for every name in batch with bounded concurrency.
func (m *Manager) fetchBatch(ctx context.Context, batch []PackageID, into map[PackageID]*Metadata) error {
	type listRes struct {
		name PackageID
		meta *Metadata
	}

	ch := make(chan listRes, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for _, name := range batch {
		n := name

		g.Go(func() error {
			meta, err := m.registry.FetchMetadata(gctx, string(n), m.registryURL)
			if err != nil {
				return err
			}

			if meta == nil {
				meta = &Metadata{}
			}

			ch <- listRes{name: n, meta: meta}

			return nil
		})
	}

	err := g.Wait()

	close(ch)

	for r := range ch {
		into[r.name] = r.meta
	}

	return err
}

// walk tracks which versions can be picked, so only their dependencies are
// fetched instead of the dependencies of every published version.
type walk struct {
	metas    map[PackageID]*Metadata
	cons     map[PackageID][]*semver.Constraints
	expanded map[PackageID]map[string]bool
}

// expand visits every loaded version that satisfies a known constraint and
// returns the dependency names that still need metadata.
func (w *walk) expand() []PackageID {
	var missing []PackageID

	seen := make(map[PackageID]bool)

	for changed := true; changed; {
		changed = false

		for name, meta := range w.metas {
			if meta.Empty() {
				continue
			}

			if w.expanded[name] == nil {
				w.expanded[name] = make(map[string]bool)
			}

			for raw, vm := range meta.Versions {
				if w.expanded[name][raw] {
					continue
				}

				sv, err := semver.StrictNewVersion(raw)
				if err != nil || !satisfiesAny(w.cons[name], sv) {
					continue
				}

				w.expanded[name][raw] = true
				changed = true

				for dep, rng := range vm.Dependencies {
					id := PackageID(dep)

					if c, err := ParseRange(rng); err == nil {
						w.cons[id] = append(w.cons[id], c)
					}

					if _, loaded := w.metas[id]; !loaded && !seen[id] {
						seen[id] = true
						missing = append(missing, id)
					}
				}
			}
		}
	}

	sort.Slice(missing, func(i, j int) bool { return missing[i] < missing[j] })

	return missing
}

func (w *walk) index() PackageIndex {
	idx := make(PackageIndex, len(w.metas))

	for name, meta := range w.metas {
		if meta.Empty() {
			continue
		}

		for raw, vm := range meta.Versions {
			if !w.expanded[name][raw] {
				continue
			}

			idx[name] = append(idx[name], PackageVersion{Name: name, Version: Version(raw), Dependencies: vm.DependencyList()})
		}
	}

	return idx
}

func satisfiesAny(cons []*semver.Constraints, v *semver.Version) bool {
	for _, c := range cons {
		if c.Check(v) {
			return true
		}
	}

	return false
}

// ioConcurrency returns the concurrency for I/O bound tasks. A positive
// configured value wins (capped at 1024), otherwise GOMAXPROCS*8 clamped
// to [4, 1024].
func ioConcurrency(configured int) int {
	if configured > 0 {
		if configured > 1024 {
			return 1024
		}

		return configured
	}

	c := runtime.GOMAXPROCS(0) * 8
	if c < 4 {
		c = 4
	}

	if c > 1024 {
		c = 1024
	}

	return c
}
