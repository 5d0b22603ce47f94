package packagemanager

import (
	"errors"
	"testing"

	semver "github.com/Masterminds/semver/v3"
)

func TestResolver_SimpleGraph(t *testing.T) {
	idx := PackageIndex{
		"A": {
			{Name: "A", Version: "1.0.0", Dependencies: []Dependency{{Name: "B", Range: ">=1.0.0 <2.0.0"}}},
			{Name: "A", Version: "1.1.0", Dependencies: []Dependency{{Name: "B", Range: "^1.1.0"}}},
		},
		"B": {
			{Name: "B", Version: "1.0.0"},
			{Name: "B", Version: "1.2.0"},
		},
	}
	r := NewResolver(idx, ResolveOptions{PreferHigher: true})

	res, err := r.Resolve([]Requirement{{Name: "A", Range: LatestTag}})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if res["A"] != "1.1.0" {
		t.Fatalf("expected A=1.1.0, got %s", res["A"])
	}

	if res["B"] != "1.2.0" {
		t.Fatalf("expected B=1.2.0, got %s", res["B"])
	}
}

func TestResolver_Conflict(t *testing.T) {
	idx := PackageIndex{
		"A": {{Name: "A", Version: "1.0.0", Dependencies: []Dependency{{Name: "B", Range: "~1.0.0"}}}},
		"B": {{Name: "B", Version: "2.0.0"}},
	}
	r := NewResolver(idx, ResolveOptions{})

	_, err := r.Resolve([]Requirement{{Name: "A", Range: ">=1.0.0"}})

	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestResolver_BacktracksDependencyPins(t *testing.T) {
	// A@2 needs C@2 which does not exist; the resolver must fall back to A@1
	// and must not leave the failed pin of B behind.
	idx := PackageIndex{
		"A": {
			{Name: "A", Version: "1.0.0", Dependencies: []Dependency{{Name: "B", Range: "1.0.0"}}},
			{Name: "A", Version: "2.0.0", Dependencies: []Dependency{{Name: "B", Range: "2.0.0"}, {Name: "C", Range: "^2.0.0"}}},
		},
		"B": {{Name: "B", Version: "1.0.0"}, {Name: "B", Version: "2.0.0"}},
		"C": {{Name: "C", Version: "1.0.0"}},
	}

	res, err := NewResolver(idx, ResolveOptions{PreferHigher: true}).Resolve([]Requirement{{Name: "A"}})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if res["A"] != "1.0.0" || res["B"] != "1.0.0" {
		t.Fatalf("unexpected resolution %v", res)
	}

	if _, ok := res["C"]; ok {
		t.Fatalf("C should not be pinned: %v", res)
	}
}

func TestResolver_Cycles(t *testing.T) {
	idx := PackageIndex{
		"a": {{Name: "a", Version: "1.0.0", Dependencies: []Dependency{{Name: "b", Range: "^1.0.0"}}}},
		"b": {{Name: "b", Version: "1.0.0", Dependencies: []Dependency{{Name: "a", Range: "*"}}}},
	}

	_, err := NewResolver(idx, ResolveOptions{PreferHigher: true}).Resolve([]Requirement{{Name: "a"}})

	var cyc *CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected cycle error, got %v", err)
	}

	res, err := NewResolver(idx, ResolveOptions{PreferHigher: true, AllowCycles: true}).Resolve([]Requirement{{Name: "a"}})
	if err != nil {
		t.Fatalf("resolve with cycles allowed: %v", err)
	}

	if res["a"] != "1.0.0" || res["b"] != "1.0.0" {
		t.Fatalf("unexpected resolution %v", res)
	}
}

func TestParseRange(t *testing.T) {
	cases := []struct {
		expr    string
		version string
		want    bool
		wantErr bool
	}{
		{expr: "", version: "3.1.4", want: true},
		{expr: "latest", version: "0.0.1", want: true},
		{expr: "*", version: "10.0.0", want: true},
		{expr: "^1.2.0", version: "1.9.9", want: true},
		{expr: "^1.2.0", version: "2.0.0", want: false},
		{expr: "~1.2.0", version: "1.3.0", want: false},
		{expr: "1.2.0", version: "1.2.0", want: true},
		{expr: ">=1.0.0 <2.0.0 || >=3.0.0", version: "3.5.0", want: true},
		{expr: "git+https://example.com/x.git", wantErr: true},
		{expr: "file:../local", wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			c, err := ParseRange(tc.expr)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.expr)
				}

				return
			}

			if err != nil {
				t.Fatalf("ParseRange(%q): %v", tc.expr, err)
			}

			if got := c.Check(mustVersion(t, tc.version)); got != tc.want {
				t.Fatalf("%q check %s = %v, want %v", tc.expr, tc.version, got, tc.want)
			}
		})
	}
}

func mustVersion(t *testing.T, s string) *semver.Version {
	t.Helper()

	v, err := semver.NewVersion(s)
	if err != nil {
		t.Fatalf("bad version %q: %v", s, err)
	}

	return v
}
