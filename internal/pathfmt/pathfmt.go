// Package pathfmt normalizes filesystem paths to forward slashes so that paths
// embedded in payloads and log fields look the same on every platform.
package pathfmt

import (
	"path/filepath"
	"strings"
)

// Canonicalize replaces the native path separator with '/'.
// On platforms whose separator already is '/', p is returned unchanged.
func Canonicalize(p string) string {
	return CanonicalizeSep(p, filepath.Separator)
}

// CanonicalizeSep is Canonicalize with an explicit native separator.
func CanonicalizeSep(p string, sep rune) string {
	if sep == '/' {
		return p
	}

	return strings.ReplaceAll(p, string(sep), "/")
}
