package packagemanager

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
)

// RecordFile is written into a package directory once its install completed.
const RecordFile = ".forge-install.json"

// RecordEntry pins one package of an installed closure.
type RecordEntry struct {
	Name         PackageID    `json:"name"`
	Version      Version      `json:"version"`
	Tarball      string       `json:"tarball"`
	Integrity    string       `json:"integrity,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
}

// InstallRecord describes a completed install of Name@Version.
type InstallRecord struct {
	Name     PackageID     `json:"name"`
	Version  Version       `json:"version"`
	Registry string        `json:"registry,omitempty"`
	Entries  []RecordEntry `json:"entries"`
}

// NewInstallRecord builds a deterministic record from a resolved closure.
func NewInstallRecord(name PackageID, version Version, registryURL string, closure []Pinned) InstallRecord {
	entries := make([]RecordEntry, 0, len(closure))

	for _, p := range closure {
		integrity := p.Meta.Dist.Integrity
		if integrity == "" && p.Meta.Dist.Shasum != "" {
			integrity = "sha1:" + p.Meta.Dist.Shasum
		}

		entries = append(entries, RecordEntry{
			Name:         p.Name,
			Version:      p.Version,
			Tarball:      p.Meta.Dist.Tarball,
			Integrity:    integrity,
			Dependencies: p.Meta.DependencyList(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	return InstallRecord{Name: name, Version: version, Registry: registryURL, Entries: entries}
}

// Resolution reconstructs the pinned versions from the record.
func (r InstallRecord) Resolution() Resolution {
	out := make(Resolution, len(r.Entries))
	for _, e := range r.Entries {
		out[e.Name] = e.Version
	}

	return out
}

// WriteRecord stores rec in dir. The file is written through a temp file
// and a rename so a reader never sees a partial record.
func WriteRecord(dir string, rec InstallRecord) error {
	if !isSortedRecord(rec) {
		return errors.New("install record not sorted by name")
	}

	b, err := marshalCanonicalJSON(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, RecordFile+".*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), filepath.Join(dir, RecordFile))
}

// ReadRecord loads the record in dir. A missing record is reported with
// an error satisfying errors.Is(err, os.ErrNotExist).
func ReadRecord(dir string) (InstallRecord, error) {
	b, err := os.ReadFile(filepath.Join(dir, RecordFile))
	if err != nil {
		return InstallRecord{}, err
	}

	var rec InstallRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return InstallRecord{}, err
	}

	return rec, nil
}

// Matches reports whether the record describes a complete install of
// name@version whose package directories are all still present in storeDir.
func (r InstallRecord) Matches(storeDir string, name PackageID, version Version) bool {
	if r.Name != name || r.Version != version || len(r.Entries) == 0 {
		return false
	}

	for _, e := range r.Entries {
		if !hasDescriptor(VersionDir(storeDir, string(e.Name), string(e.Version))) {
			return false
		}
	}

	return true
}

func marshalCanonicalJSON(v any) ([]byte, error) {
	// encoding/json is deterministic for struct fields; slices must be pre-sorted.
	return json.MarshalIndent(v, "", "  ")
}

func isSortedRecord(rec InstallRecord) bool {
	return sort.SliceIsSorted(rec.Entries, func(i, j int) bool { return rec.Entries[i].Name < rec.Entries[j].Name })
}
