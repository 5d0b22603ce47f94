package pathfmt

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestCanonicalizeSep(t *testing.T) {
	tests := []struct {
		name string
		in   string
		sep  rune
		want string
	}{
		{name: "posix unchanged", in: "/home/u/.forge/dependencies", sep: '/', want: "/home/u/.forge/dependencies"},
		{name: "posix keeps backslash", in: `/tmp/a\b`, sep: '/', want: `/tmp/a\b`},
		{name: "windows drive", in: `C:\Users\u\.forge\dependencies`, sep: '\\', want: "C:/Users/u/.forge/dependencies"},
		{name: "windows mixed", in: `C:\a/b\c`, sep: '\\', want: "C:/a/b/c"},
		{name: "empty", in: "", sep: '\\', want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanonicalizeSep(tt.in, tt.sep); got != tt.want {
				t.Fatalf("CanonicalizeSep(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalizeSep_NoNativeSeparatorLeft(t *testing.T) {
	inputs := []string{`a\b\c`, `\\server\share\x`, `no-separators`, `trailing\`}
	for _, in := range inputs {
		got := CanonicalizeSep(in, '\\')
		if strings.ContainsRune(got, '\\') {
			t.Fatalf("%q still contains a backslash: %q", in, got)
		}
		if strings.ReplaceAll(in, `\`, "/") != got {
			t.Fatalf("%q translated to %q, characters changed", in, got)
		}
	}
}

func TestCanonicalize_Native(t *testing.T) {
	p := filepath.Join("a", "b", "c")
	if got := Canonicalize(p); got != "a/b/c" {
		t.Fatalf("Canonicalize(%q) = %q", p, got)
	}
}
