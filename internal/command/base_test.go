package command

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/orizon-lang/forge/internal/exception"
)

type recorder struct {
	steps   []string
	base    *Base
	initErr error
	execErr error
	panics  bool
}

func (r *recorder) Init(_ context.Context, b *Base) error {
	r.steps = append(r.steps, "init")
	r.base = b

	return r.initErr
}

func (r *recorder) Exec(_ context.Context, _ *Base) error {
	r.steps = append(r.steps, "exec")

	if r.panics {
		panic("boom")
	}

	return r.execErr
}

func TestRun_SplitsArgsAndOptions(t *testing.T) {
	rec := &recorder{}

	err := Run(context.Background(), rec, []any{"myapp", Options{"force": true}}, WithRoot("/pkg"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !reflect.DeepEqual(rec.steps, []string{"init", "exec"}) {
		t.Fatalf("steps = %v", rec.steps)
	}

	if !reflect.DeepEqual(rec.base.Args, []string{"myapp"}) || !rec.base.Options.Bool("force") || rec.base.Root != "/pkg" {
		t.Fatalf("unexpected base %+v", rec.base)
	}
}

func TestRun_PlainMapOptions(t *testing.T) {
	rec := &recorder{}

	if err := Run(context.Background(), rec, []any{map[string]any{"name": "x"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(rec.base.Args) != 0 || rec.base.Options.String("name") != "x" {
		t.Fatalf("unexpected base %+v", rec.base)
	}
}

func TestRun_ArgumentErrors(t *testing.T) {
	cases := []struct {
		name string
		argv []any
	}{
		{"nil", nil},
		{"empty", []any{}},
		{"options not last", []any{Options{}, "myapp"}},
		{"non-string arg", []any{42, Options{}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}

			err := Run(context.Background(), rec, tc.argv)
			if !exception.Is(err, exception.KindArgument) {
				t.Fatalf("expected argument error, got %v", err)
			}

			if len(rec.steps) != 0 {
				t.Fatalf("command must not run, steps = %v", rec.steps)
			}
		})
	}
}

func TestRun_RuntimeVersion(t *testing.T) {
	cases := []struct {
		version string
		ok      bool
	}{
		{"go1.22.0", true},
		{"go1.23.4", true},
		{"go1.24rc1", true},
		{"devel go1.25-abcdef Tue", true},
		{"go1.21.9", false},
		{"go1.18", false},
	}

	for _, tc := range cases {
		t.Run(tc.version, func(t *testing.T) {
			rec := &recorder{}

			err := Run(context.Background(), rec, []any{Options{}}, WithGoVersion(tc.version))
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !tc.ok && !exception.Is(err, exception.KindConfiguration) {
				t.Fatalf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	rec := &recorder{initErr: errors.New("bad init")}

	err := Run(context.Background(), rec, []any{Options{}})
	if !exception.Is(err, exception.KindExecution) {
		t.Fatalf("plain errors become execution errors, got %v", err)
	}

	if !reflect.DeepEqual(rec.steps, []string{"init"}) {
		t.Fatalf("exec must not run after a failed init, steps = %v", rec.steps)
	}

	typed := exception.New(exception.KindArgument, "target exists")
	rec = &recorder{execErr: typed}

	if err := Run(context.Background(), rec, []any{Options{}}); !errors.Is(err, typed) {
		t.Fatalf("typed errors pass through, got %v", err)
	}
}

func TestRun_RecoversPanics(t *testing.T) {
	err := Run(context.Background(), &recorder{panics: true}, []any{Options{}})
	if !exception.Is(err, exception.KindExecution) {
		t.Fatalf("expected execution error, got %v", err)
	}
}

func TestBaseCommand(t *testing.T) {
	c := NewBaseCommand("Create a project", "forge init [projectName]")
	if c.Description() != "Create a project" || c.Usage() != "forge init [projectName]" {
		t.Fatalf("unexpected help text")
	}
}
