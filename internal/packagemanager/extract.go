package packagemanager

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrIntegrity is returned when a tarball does not match its published digest.
var ErrIntegrity = errors.New("integrity check failed")

// digest verifies one SRI string ("sha512-<base64>") or a hex sha1 shasum.
type digest struct {
	algo string
	want []byte
	h    hash.Hash
}

var sriStrength = map[string]int{"sha1": 1, "sha256": 2, "sha512": 3}

// newDigest picks the strongest supported hash from integrity, falling back
// to shasum. It returns nil when the version publishes neither.
func newDigest(integrity, shasum string) (*digest, error) {
	var best *digest

	for _, part := range strings.Fields(integrity) {
		algo, b64, ok := strings.Cut(part, "-")
		if !ok || sriStrength[algo] == 0 {
			continue
		}

		// Options after '?' are ignored, as SRI allows.
		b64, _, _ = strings.Cut(b64, "?")

		want, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, fmt.Errorf("malformed integrity %q: %w", part, err)
		}

		if best == nil || sriStrength[algo] > sriStrength[best.algo] {
			best = &digest{algo: algo, want: want}
		}
	}

	if best == nil && shasum != "" {
		want, err := hex.DecodeString(shasum)
		if err != nil {
			return nil, fmt.Errorf("malformed shasum %q: %w", shasum, err)
		}

		best = &digest{algo: "sha1", want: want}
	}

	if best == nil {
		return nil, nil
	}

	switch best.algo {
	case "sha512":
		best.h = sha512.New()
	case "sha256":
		best.h = sha256.New()
	default:
		best.h = sha1.New()
	}

	return best, nil
}

func (d *digest) verify() error {
	got := d.h.Sum(nil)
	if string(got) != string(d.want) {
		return fmt.Errorf("%w: %s mismatch", ErrIntegrity, d.algo)
	}

	return nil
}

// extractVerified unpacks a gzipped npm tarball into dest while hashing the
// compressed stream. dest must not exist; on any failure it is not created.
func extractVerified(r io.Reader, dest, integrity, shasum string) error {
	dg, err := newDigest(integrity, shasum)
	if err != nil {
		return err
	}

	if dg != nil {
		r = io.TeeReader(r, dg.h)
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}

	tmp, err := os.MkdirTemp(parent, ".extract-*")
	if err != nil {
		return err
	}

	defer os.RemoveAll(tmp)

	if err := extractTarGz(r, tmp); err != nil {
		return err
	}

	// Drain trailing padding so the digest covers the whole download.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return err
	}

	if dg != nil {
		if err := dg.verify(); err != nil {
			return err
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		if hasDescriptor(dest) {
			// Another process finished the same version first.
			return nil
		}

		return err
	}

	return nil
}

// extractTarGz writes the regular files and directories of an npm tarball
// into dest, stripping the leading path component ("package/").
func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}

		rel, err := entryPath(hdr.Name)
		if err != nil {
			return err
		}

		if rel == "" {
			continue
		}

		target := filepath.Join(dest, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeEntry(tr, target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		default:
			// Links and devices are not part of a package.
		}
	}
}

// entryPath strips the first component of name and rejects paths that
// would land outside the extraction root.
func entryPath(name string) (string, error) {
	clean := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(clean, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", fmt.Errorf("tar entry %q has an absolute path", name)
	}

	for _, part := range strings.Split(clean, "/") {
		if part == ".." {
			return "", fmt.Errorf("tar entry %q escapes the package root", name)
		}
	}

	_, rest, ok := strings.Cut(strings.TrimPrefix(clean, "./"), "/")
	if !ok {
		return "", nil
	}

	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", nil
	}

	return filepath.FromSlash(rest), nil
}

func writeEntry(src io.Reader, target string, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	// Registry tarballs often carry 0o000 or 0o666; normalize like npm does.
	mode := os.FileMode(0o644)
	if perm&0o111 != 0 {
		mode = 0o755
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, src); err != nil {
		f.Close()

		return err
	}

	return f.Close()
}
