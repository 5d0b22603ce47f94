package dispatch

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/orizon-lang/forge/internal/command"
	"github.com/orizon-lang/forge/internal/exception"
)

type point struct {
	X      int    `json:"x"`
	Hidden string `json:"-"`
}

func TestSanitize(t *testing.T) {
	ch := make(chan int)

	got := Sanitize(map[string]any{
		"force":   true,
		"name":    "myapp",
		"count":   3,
		"_secret": "token",
		"parent":  map[string]any{"x": 1},
		"fn":      func() {},
		"ch":      ch,
		"cplx":    complex(1, 2),
		"nested": map[string]any{
			"keep":   "yes",
			"_drop":  1,
			"parent": "no",
			"fn":     func() {},
		},
		"list":  []any{"a", func() {}, 2.5},
		"point": point{X: 4, Hidden: "h"},
		"nil":   nil,
	})

	want := map[string]any{
		"force":  true,
		"name":   "myapp",
		"count":  int64(3),
		"nested": map[string]any{"keep": "yes"},
		"list":   []any{"a", 2.5},
		"point":  map[string]any{"x": 4.0},
		"nil":    nil,
	}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Sanitize =\n%#v\nwant\n%#v", got, want)
	}
}

func TestSanitize_SelfReference(t *testing.T) {
	loop := map[string]any{}
	loop["self"] = loop

	// Must terminate; the depth limit drops the innermost level.
	out := Sanitize(map[string]any{"loop": loop})
	if _, ok := out["loop"]; !ok {
		t.Fatalf("outer level should survive: %v", out)
	}
}

func TestPayload_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	entry := Entry{Path: "/cache/init/index.js", Package: "@forge-cli/init", Version: "1.0.0", Root: "/cache/init"}
	inv := Invocation{Args: []string{"myapp"}, Options: command.Options{"force": true, "_internal": 1}}

	path, err := WritePayload(dir, NewPayload(entry, inv))
	if err != nil {
		t.Fatalf("WritePayload: %v", err)
	}

	if filepath.Dir(path) != dir {
		t.Fatalf("payload written outside %s: %s", dir, path)
	}

	p, err := ReadPayload(path)
	if err != nil {
		t.Fatalf("ReadPayload: %v", err)
	}

	if p.entry() != entry {
		t.Fatalf("entry = %+v", p.entry())
	}

	got := p.Invocation()
	if !reflect.DeepEqual(got.Args, inv.Args) || !got.Options.Bool("force") {
		t.Fatalf("invocation = %+v", got)
	}

	if _, ok := got.Options["_internal"]; ok {
		t.Fatalf("private option crossed the process boundary")
	}
}

func TestReadPayload_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":        "{",
		"unknown field":   `{"entry":"a","package":"b","args":[],"options":{},"extra":1}`,
		"missing entry":   `{"package":"b","args":[],"options":{}}`,
		"missing package": `{"entry":"a","args":[],"options":{}}`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "p.json")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatal(err)
			}

			if _, err := ReadPayload(path); !exception.Is(err, exception.KindArgument) {
				t.Fatalf("expected argument error, got %v", err)
			}
		})
	}

	if _, err := ReadPayload(filepath.Join(t.TempDir(), "missing.json")); !exception.Is(err, exception.KindArgument) {
		t.Fatalf("expected argument error for a missing file, got %v", err)
	}
}

func TestFlagArgs(t *testing.T) {
	got := flagArgs(map[string]any{
		"force":   true,
		"dry":     false,
		"name":    "x y",
		"depth":   int64(2),
		"tags":    []any{"a"},
		"nothing": nil,
	})

	want := []string{"--depth=2", "--force", "--name=x y", "--tags=[\"a\"]"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("flagArgs = %q, want %q", got, want)
	}
}

func TestInvocationArgv(t *testing.T) {
	argv := Invocation{Args: []string{"a", "b"}}.Argv()
	if len(argv) != 3 || argv[0] != "a" || argv[1] != "b" {
		t.Fatalf("Argv = %v", argv)
	}

	if _, ok := argv[2].(command.Options); !ok {
		t.Fatalf("last element should be the options, got %T", argv[2])
	}
}
