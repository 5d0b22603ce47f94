// Package pmtest serves an in-memory npm registry over HTTP for tests.
package pmtest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/orizon-lang/forge/internal/packagemanager"
)

// Server is an httptest registry backed by a StaticRegistry.
type Server struct {
	*httptest.Server
	Registry *packagemanager.StaticRegistry

	mu           sync.Mutex
	metadataHits map[string]int
	tarballHits  int
	unavailable  bool
}

// NewServer starts a registry that is closed with the test.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	s := &Server{Registry: packagemanager.NewStaticRegistry(), metadataHits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	tb.Cleanup(s.Close)

	return s
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	down := s.unavailable
	s.mu.Unlock()

	if down {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	if strings.HasPrefix(r.URL.Path, "/-/") {
		s.mu.Lock()
		s.tarballHits++
		s.mu.Unlock()

		body, err := s.Registry.FetchTarball(r.Context(), s.URL+r.URL.Path)
		if err != nil {
			http.NotFound(w, r)
			return
		}
		defer body.Close()

		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.Copy(w, body)

		return
	}

	name, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.metadataHits[name]++
	s.mu.Unlock()

	meta, err := s.Registry.FetchMetadata(r.Context(), name, "")
	if err != nil || meta.Empty() {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meta)
}

// SetUnavailable makes every request fail with 503 until reset.
func (s *Server) SetUnavailable(down bool) {
	s.mu.Lock()
	s.unavailable = down
	s.mu.Unlock()
}

// MetadataHits returns how often the packument of name was requested.
func (s *Server) MetadataHits(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.metadataHits[name]
}

// TarballHits returns the number of tarball downloads.
func (s *Server) TarballHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tarballHits
}

// Publish adds name@version with the given files and dependencies. A
// package.json with main "index.js" is generated unless files carries one.
func (s *Server) Publish(tb testing.TB, name, version string, files map[string]string, deps map[string]string) packagemanager.VersionMeta {
	tb.Helper()

	all := make(map[string]string, len(files)+1)
	for k, v := range files {
		all[k] = v
	}

	main := "index.js"

	if raw, ok := all["package.json"]; ok {
		var d packagemanager.Descriptor
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			tb.Fatalf("bad package.json for %s: %v", name, err)
		}

		main = d.Main
	} else {
		b, err := json.Marshal(packagemanager.Descriptor{Name: name, Version: version, Main: main, Dependencies: deps})
		if err != nil {
			tb.Fatalf("marshal package.json: %v", err)
		}

		all["package.json"] = string(b)
	}

	data := Tarball(tb, all)
	meta := packagemanager.VersionMeta{
		Name:         name,
		Version:      version,
		Main:         main,
		Dependencies: deps,
		Dist: packagemanager.Dist{
			Tarball:   s.TarballURL(name, version),
			Integrity: Integrity(data),
		},
	}

	s.Registry.Publish(meta, data)

	return meta
}

// PublishRaw adds a version with caller-controlled metadata and tarball.
func (s *Server) PublishRaw(meta packagemanager.VersionMeta, tarball []byte) {
	s.Registry.Publish(meta, tarball)
}

// TarballURL is where Publish serves the tarball of name@version.
func (s *Server) TarballURL(name, version string) string {
	base := name
	if i := strings.LastIndex(name, "/"); i >= 0 {
		base = name[i+1:]
	}

	return s.URL + "/-/" + strings.ReplaceAll(name, "/", "_") + "/" + base + "-" + version + ".tgz"
}

// Tarball builds a gzipped npm tarball with every file under package/.
func Tarball(tb testing.TB, files map[string]string) []byte {
	tb.Helper()

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}

	sort.Strings(names)

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, n := range names {
		body := files[n]
		hdr := &tar.Header{Name: "package/" + n, Mode: 0o644, Size: int64(len(body)), Typeflag: tar.TypeReg}

		if err := tw.WriteHeader(hdr); err != nil {
			tb.Fatalf("tar header %s: %v", n, err)
		}

		if _, err := tw.Write([]byte(body)); err != nil {
			tb.Fatalf("tar write %s: %v", n, err)
		}
	}

	if err := tw.Close(); err != nil {
		tb.Fatalf("tar close: %v", err)
	}

	if err := gz.Close(); err != nil {
		tb.Fatalf("gzip close: %v", err)
	}

	return buf.Bytes()
}

// Integrity returns the sha512 SRI string of data.
func Integrity(data []byte) string {
	sum := sha512.Sum512(data)

	return "sha512-" + base64.StdEncoding.EncodeToString(sum[:])
}
