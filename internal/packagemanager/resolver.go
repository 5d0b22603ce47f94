package packagemanager

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	semver "github.com/Masterminds/semver/v3"
)

// PackageID is a registry package name.
type PackageID string

// Version is a concrete published version.
type Version string

// LatestTag is the dist-tag resolved when no version is requested.
const LatestTag = "latest"

// Dependency declares a range on another package, as written in package.json.
type Dependency struct {
	Name  PackageID `json:"name"`
	Range string    `json:"range"`
}

// PackageVersion is one published version and the ranges it depends on.
type PackageVersion struct {
	Name         PackageID
	Version      Version
	Dependencies []Dependency
}

// PackageIndex holds the candidate versions per package name.
type PackageIndex map[PackageID][]PackageVersion

// Requirement is a root range to resolve.
type Requirement struct {
	Name  PackageID
	Range string
}

// Resolution maps each package to its pinned version.
type Resolution map[PackageID]Version

// ResolveOptions controls resolution behavior.
type ResolveOptions struct {
	// PreferHigher tries the newest satisfying version first.
	PreferHigher bool
	// AllowCycles accepts a dependency edge back to a package that is still
	// being resolved, provided its pinned version satisfies the edge.
	AllowCycles bool
	// MaxDepth bounds the dependency depth. Zero means no bound.
	MaxDepth int
}

// ConflictError reports a package whose ranges cannot all be met.
type ConflictError struct {
	Package PackageID
	Reason  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot resolve %s: %s", e.Package, e.Reason)
}

// CycleError lists the packages on a rejected dependency cycle, sorted.
type CycleError struct {
	Stack []PackageID
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Stack))
	for i, p := range e.Stack {
		parts[i] = string(p)
	}

	return "dependency cycle: " + strings.Join(parts, " -> ")
}

// Resolver pins one version per package name so that every dependency range
// in the pinned set is satisfied. It backtracks over candidates in
// preference order.
type Resolver struct {
	index PackageIndex
	opts  ResolveOptions
}

func NewResolver(index PackageIndex, opts ResolveOptions) *Resolver {
	return &Resolver{index: index, opts: opts}
}

// Resolve pins the requirements and their transitive dependencies.
// Requirements naming the same package are intersected.
func (r *Resolver) Resolve(reqs []Requirement) (Resolution, error) {
	roots := make(map[PackageID]*semver.Constraints, len(reqs))

	for _, q := range reqs {
		c, err := ParseRange(q.Range)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", q.Name, err)
		}

		if prev, ok := roots[q.Name]; ok {
			if c, err = semver.NewConstraint(prev.String() + ", " + c.String()); err != nil {
				return nil, fmt.Errorf("%s: %w", q.Name, err)
			}
		}

		roots[q.Name] = c
	}

	names := make([]PackageID, 0, len(roots))
	for name := range roots {
		names = append(names, name)
	}

	slices.Sort(names)

	s := &search{r: r, pins: Resolution{}, active: map[PackageID]bool{}}

	for _, name := range names {
		if err := s.visit(name, roots[name], 0); err != nil {
			return nil, err
		}
	}

	return s.pins, nil
}

// search is the mutable state of one Resolve call.
type search struct {
	r      *Resolver
	pins   Resolution
	active map[PackageID]bool
}

func (s *search) visit(pkg PackageID, con *semver.Constraints, depth int) error {
	if limit := s.r.opts.MaxDepth; limit > 0 && depth > limit {
		return &ConflictError{Package: pkg, Reason: "max depth exceeded"}
	}

	if s.active[pkg] && !s.r.opts.AllowCycles {
		return s.cycle(pkg)
	}

	if v, ok := s.pins[pkg]; ok {
		return checkPinned(pkg, v, con)
	}

	cands := s.r.candidates(pkg)
	if len(cands) == 0 {
		return &ConflictError{Package: pkg, Reason: "no versions in index"}
	}

	for _, c := range cands {
		if con != nil && !con.Check(c.sv) {
			continue
		}

		saved := maps.Clone(s.pins)

		err := s.pin(pkg, c, depth)
		if err == nil {
			return nil
		}

		var cyc *CycleError
		if errors.As(err, &cyc) {
			return err
		}

		// Drop the candidate together with everything pinned below it.
		s.pins = saved
	}

	return &ConflictError{Package: pkg, Reason: fmt.Sprintf("no candidate satisfies %s", humanConstraint(con))}
}

// pin selects c for pkg and visits its dependencies.
func (s *search) pin(pkg PackageID, c candidate, depth int) error {
	s.pins[pkg] = c.pv.Version
	s.active[pkg] = true

	defer delete(s.active, pkg)

	for _, d := range c.pv.Dependencies {
		dc, err := ParseRange(d.Range)
		if err != nil {
			return &ConflictError{Package: d.Name, Reason: err.Error()}
		}

		if err := s.visit(d.Name, dc, depth+1); err != nil {
			return err
		}
	}

	return nil
}

func (s *search) cycle(pkg PackageID) *CycleError {
	stack := []PackageID{pkg}
	for name := range s.active {
		stack = append(stack, name)
	}

	slices.Sort(stack)

	return &CycleError{Stack: stack}
}

func checkPinned(pkg PackageID, v Version, con *semver.Constraints) error {
	sv, err := semver.NewVersion(string(v))
	if err != nil {
		return fmt.Errorf("%s pinned invalid version: %w", pkg, err)
	}

	if con != nil && !con.Check(sv) {
		return &ConflictError{Package: pkg, Reason: fmt.Sprintf("pinned %s violates %s", v, con)}
	}

	return nil
}

type candidate struct {
	pv PackageVersion
	sv *semver.Version
}

// candidates returns the parseable versions of pkg, preferred first.
func (r *Resolver) candidates(pkg PackageID) []candidate {
	out := make([]candidate, 0, len(r.index[pkg]))

	for _, pv := range r.index[pkg] {
		if sv, err := semver.NewVersion(string(pv.Version)); err == nil {
			out = append(out, candidate{pv: pv, sv: sv})
		}
	}

	slices.SortStableFunc(out, func(a, b candidate) int {
		if r.opts.PreferHigher {
			return b.sv.Compare(a.sv)
		}

		return a.sv.Compare(b.sv)
	})

	return out
}

// ParseRange parses an npm dependency range into semver constraints.
// The empty range, "*", "x" and the latest tag all mean any release.
func ParseRange(expr string) (*semver.Constraints, error) {
	e := strings.TrimSpace(expr)

	switch e {
	case "", "*", "x", "X", LatestTag:
		return semver.NewConstraint("*")
	}

	if strings.Contains(e, "://") || strings.HasPrefix(e, "file:") || strings.HasPrefix(e, "git") ||
		strings.HasPrefix(e, "npm:") || strings.HasPrefix(e, "link:") || strings.HasPrefix(e, "workspace:") {
		return nil, fmt.Errorf("unsupported dependency specifier %q", expr)
	}

	return semver.NewConstraint(e)
}

func humanConstraint(c *semver.Constraints) string {
	if c == nil {
		return "<any>"
	}

	return c.String()
}
