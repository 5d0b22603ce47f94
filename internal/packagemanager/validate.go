package packagemanager

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	semver "github.com/Masterminds/semver/v3"
)

const maxNameLength = 214

var (
	scopedNamePattern = regexp.MustCompile(`^@([a-z0-9][a-z0-9._~-]*)/([a-z0-9][a-z0-9._~-]*)$`)
	plainNamePattern  = regexp.MustCompile(`^[a-z0-9][a-z0-9._~-]*$`)
)

// ValidatePackageName applies the npm naming rules for new packages.
func ValidatePackageName(name string) error {
	if name == "" {
		return fmt.Errorf("package name cannot be empty")
	}

	if !utf8.ValidString(name) {
		return fmt.Errorf("package name is not valid UTF-8")
	}

	if len(name) > maxNameLength {
		return fmt.Errorf("package name too long: %d characters (max: %d)", len(name), maxNameLength)
	}

	if strings.TrimSpace(name) != name {
		return fmt.Errorf("package name cannot contain leading or trailing spaces: %q", name)
	}

	if strings.Contains(name, "..") {
		return fmt.Errorf("package name cannot contain '..': %s", name)
	}

	if strings.HasPrefix(name, "@") {
		if !scopedNamePattern.MatchString(name) {
			return fmt.Errorf("invalid scoped package name: %s", name)
		}

		return nil
	}

	if !plainNamePattern.MatchString(name) {
		return fmt.Errorf("package name contains invalid characters: %s", name)
	}

	if name == "node_modules" || name == "favicon.ico" {
		return fmt.Errorf("package name is reserved: %s", name)
	}

	return nil
}

// ValidateRegistryURL accepts absolute http(s) URLs.
func ValidateRegistryURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("URL parse error: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("disallowed URL scheme: %q", u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("empty host in URL")
	}

	return u, nil
}

// IsExactVersion reports whether v names a single published version
// rather than a tag or range.
func IsExactVersion(v string) bool {
	_, err := semver.StrictNewVersion(v)

	return err == nil
}
