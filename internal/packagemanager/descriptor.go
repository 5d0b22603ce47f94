package packagemanager

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DescriptorFile is the package descriptor name.
const DescriptorFile = "package.json"

const descriptorPattern = "**/" + DescriptorFile

// descendantIgnore lists directories never searched for a descriptor.
var descendantIgnore = []string{"**/node_modules", "**/.git"}

// Descriptor is the subset of package.json forge reads.
type Descriptor struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Main         string            `json:"main"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// ReadDescriptor parses the descriptor in dir.
func ReadDescriptor(dir string) (*Descriptor, error) {
	b, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return nil, err
	}

	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, err
	}

	return &d, nil
}

func hasDescriptor(dir string) bool {
	if dir == "" {
		return false
	}

	fi, err := os.Stat(filepath.Join(dir, DescriptorFile))

	return err == nil && fi.Mode().IsRegular()
}

// VersionDir returns the npminstall-style directory of name@version inside
// storeDir: _<name with / replaced by _>@<version>@<name>.
func VersionDir(storeDir, name, version string) string {
	prefix := strings.ReplaceAll(name, "/", "_")

	return filepath.Join(storeDir, "_"+prefix+"@"+version+"@"+filepath.FromSlash(name))
}

// findPackageDir returns the nearest directory at or above start holding a
// descriptor, or "".
func findPackageDir(start string) string {
	dir := filepath.Clean(start)

	for {
		if hasDescriptor(dir) {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}

		dir = parent
	}
}

// findDescendantPackageDir returns the shallowest directory below root
// holding a descriptor, or "". Ties go to the lexically first path.
func findDescendantPackageDir(root string) string {
	best := ""
	bestDepth := -1

	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}

			return nil
		}

		rel, rerr := filepath.Rel(root, p)
		if rerr != nil || rel == "." {
			return nil
		}

		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			for _, pat := range descendantIgnore {
				if ok, _ := doublestar.Match(pat, rel); ok {
					return fs.SkipDir
				}
			}

			if bestDepth >= 0 && strings.Count(rel, "/") >= bestDepth {
				return fs.SkipDir
			}

			return nil
		}

		if ok, _ := doublestar.Match(descriptorPattern, rel); !ok || !d.Type().IsRegular() {
			return nil
		}

		depth := strings.Count(rel, "/")
		if bestDepth < 0 || depth < bestDepth {
			best, bestDepth = filepath.Dir(p), depth
		}

		return nil
	})

	return best
}
