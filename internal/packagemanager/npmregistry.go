package packagemanager

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	semver "github.com/Masterminds/semver/v3"
	http3 "github.com/quic-go/quic-go/http3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/orizon-lang/forge/internal/exception"
)

const (
	// MirrorRegistry is used unless the official registry is requested.
	MirrorRegistry = "https://registry.npmmirror.com"
	// OfficialRegistry is the public npm registry.
	OfficialRegistry = "https://registry.npmjs.org"
)

// DefaultRegistry returns the registry base URL for the given preference.
func DefaultRegistry(useOfficial bool) string {
	if useOfficial {
		return OfficialRegistry
	}

	return MirrorRegistry
}

// NPMRegistry talks to an npm-compatible registry over HTTP. Requests are
// never retried.
type NPMRegistry struct {
	client *http.Client
	token  string
	logger logrus.FieldLogger
	sf     singleflight.Group
}

// RegistryOption configures an NPMRegistry.
type RegistryOption func(*NPMRegistry)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) RegistryOption {
	return func(r *NPMRegistry) { r.client = c }
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) RegistryOption {
	return func(r *NPMRegistry) { r.token = strings.TrimSpace(token) }
}

// WithHTTP3 switches the transport to HTTP/3 over QUIC.
func WithHTTP3() RegistryOption {
	return func(r *NPMRegistry) {
		r.client = &http.Client{
			Transport: &http3.RoundTripper{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}},
			Timeout:   60 * time.Second,
		}
	}
}

// WithRegistryLogger sets the logger used for debug tracing.
func WithRegistryLogger(l logrus.FieldLogger) RegistryOption {
	return func(r *NPMRegistry) { r.logger = l }
}

// NewNPMRegistry creates a client with a transport tuned for many small
// metadata requests against one host.
func NewNPMRegistry(opts ...RegistryOption) *NPMRegistry {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          512,
		MaxIdleConnsPerHost:   256,
		IdleConnTimeout:       120 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	r := &NPMRegistry{
		client: &http.Client{Transport: tr, Timeout: 60 * time.Second},
		logger: discardLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// MetadataURL returns the packument URL for name. The scope separator is
// escaped the way npm clients do it.
func MetadataURL(registryURL, name string) string {
	if registryURL == "" {
		registryURL = DefaultRegistry(false)
	}

	return strings.TrimRight(registryURL, "/") + "/" + strings.ReplaceAll(name, "/", "%2f")
}

// FetchMetadata implements Registry. Non-2xx statuses return empty metadata.
func (r *NPMRegistry) FetchMetadata(ctx context.Context, name, registryURL string) (*Metadata, error) {
	if name == "" {
		return nil, nil
	}

	u := MetadataURL(registryURL, name)

	v, err, _ := r.sf.Do(u, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
		if err != nil {
			return nil, exception.Wrap(exception.KindRegistry, err, "invalid registry URL %s", u).WithPackage(name)
		}

		req.Header.Set("Accept", "application/json")

		if r.token != "" {
			req.Header.Set("Authorization", "Bearer "+r.token)
		}

		r.logger.WithFields(logrus.Fields{"package": name, "url": u}).Debug("fetching metadata")

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, exception.Wrap(exception.KindRegistry, err, "registry request failed").WithPackage(name)
		}

		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_, _ = io.Copy(io.Discard, resp.Body)

			r.logger.WithFields(logrus.Fields{"package": name, "status": resp.StatusCode}).Debug("registry returned no metadata")

			return &Metadata{}, nil
		}

		var out Metadata
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, exception.Wrap(exception.KindRegistry, err, "cannot decode registry response").WithPackage(name)
		}

		return &out, nil
	})
	if err != nil {
		return nil, err
	}

	return v.(*Metadata), nil
}

// FetchTarball implements Registry.
func (r *NPMRegistry) FetchTarball(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, exception.Wrap(exception.KindRegistry, err, "invalid tarball URL %s", url)
	}

	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, exception.Wrap(exception.KindRegistry, err, "tarball download failed")
	}

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
		}

		return nil, exception.New(exception.KindRegistry, "tarball download %s: status %d", url, resp.StatusCode)
	}

	return resp.Body, nil
}

// ListVersions returns every published version of name.
func (r *NPMRegistry) ListVersions(ctx context.Context, name, registryURL string) ([]string, error) {
	return ListVersions(ctx, r, name, registryURL)
}

// LatestNewerVersion returns the newest published version above baseline, or "".
func (r *NPMRegistry) LatestNewerVersion(ctx context.Context, baseline, name, registryURL string) (string, error) {
	return LatestNewerVersion(ctx, r, baseline, name, registryURL)
}

// LatestVersion returns the version the latest tag points at.
func (r *NPMRegistry) LatestVersion(ctx context.Context, name, registryURL string) (string, error) {
	return LatestVersion(ctx, r, name, registryURL)
}

// ListVersions returns the versions of name in ascending semver order.
// Keys that are not valid semver sort last in string order.
func ListVersions(ctx context.Context, reg Registry, name, registryURL string) ([]string, error) {
	meta, err := reg.FetchMetadata(ctx, name, registryURL)
	if err != nil {
		return nil, err
	}

	if meta.Empty() {
		return []string{}, nil
	}

	out := make([]string, 0, len(meta.Versions))
	for v := range meta.Versions {
		out = append(out, v)
	}

	sort.Slice(out, func(i, j int) bool {
		vi, ei := semver.StrictNewVersion(out[i])
		vj, ej := semver.StrictNewVersion(out[j])

		switch {
		case ei == nil && ej == nil:
			if vi.Equal(vj) {
				return out[i] < out[j]
			}

			return vi.LessThan(vj)
		case ei == nil:
			return true
		case ej == nil:
			return false
		default:
			return out[i] < out[j]
		}
	})

	return out, nil
}

// NewerVersions keeps the valid versions strictly greater than baseline,
// newest first. An invalid baseline yields an empty result.
func NewerVersions(baseline string, versions []string) []string {
	base, err := semver.NewVersion(baseline)
	if err != nil {
		return []string{}
	}

	type entry struct {
		raw string
		sv  *semver.Version
	}

	seen := make(map[string]bool, len(versions))
	newer := make([]entry, 0, len(versions))

	for _, raw := range versions {
		sv, err := semver.StrictNewVersion(raw)
		if err != nil || !sv.GreaterThan(base) || seen[sv.String()] {
			continue
		}

		seen[sv.String()] = true
		newer = append(newer, entry{raw: raw, sv: sv})
	}

	sort.SliceStable(newer, func(i, j int) bool { return newer[i].sv.GreaterThan(newer[j].sv) })

	out := make([]string, len(newer))
	for i, e := range newer {
		out[i] = e.raw
	}

	return out
}

// LatestNewerVersion returns the newest published version above baseline, or "".
func LatestNewerVersion(ctx context.Context, reg Registry, baseline, name, registryURL string) (string, error) {
	versions, err := ListVersions(ctx, reg, name, registryURL)
	if err != nil {
		return "", err
	}

	if newer := NewerVersions(baseline, versions); len(newer) > 0 {
		return newer[0], nil
	}

	return "", nil
}

// LatestVersion returns the latest dist-tag when it is valid, else the
// highest valid version, else "".
func LatestVersion(ctx context.Context, reg Registry, name, registryURL string) (string, error) {
	meta, err := reg.FetchMetadata(ctx, name, registryURL)
	if err != nil {
		return "", err
	}

	if meta.Empty() {
		return "", nil
	}

	if tag := meta.DistTags[LatestTag]; tag != "" {
		if _, err := semver.StrictNewVersion(tag); err == nil {
			return tag, nil
		}
	}

	var best *semver.Version

	bestRaw := ""

	for raw := range meta.Versions {
		sv, err := semver.StrictNewVersion(raw)
		if err != nil {
			continue
		}

		if best == nil || sv.GreaterThan(best) {
			best, bestRaw = sv, raw
		}
	}

	return bestRaw, nil
}

// MaxSatisfying returns the highest version of name matching rng, or "".
func MaxSatisfying(ctx context.Context, reg Registry, name, rng, registryURL string) (string, error) {
	c, err := ParseRange(rng)
	if err != nil {
		return "", exception.Wrap(exception.KindResolution, err, "invalid version range").WithPackage(name)
	}

	versions, err := ListVersions(ctx, reg, name, registryURL)
	if err != nil {
		return "", err
	}

	for i := len(versions) - 1; i >= 0; i-- {
		sv, err := semver.StrictNewVersion(versions[i])
		if err == nil && c.Check(sv) {
			return versions[i], nil
		}
	}

	return "", nil
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)

	return l
}
