// Package manifest parses overlay.ini, the declarative per-application
// manifest shipped inside the application squashfs image.
package manifest

import "fmt"

// PersistentEntry is one [PersistentMemory.<name>] section: the four paths
// of a PersistentOverlay, as named by the manifest file.
type PersistentEntry struct {
	Name     string
	LowerDir string
	UpperDir string
	WorkDir  string
	MergeDir string
}

// Valid reports whether every path in the entry is non-empty (spec §3
// invariant: every path in a manifest record is non-empty).
func (e PersistentEntry) Valid() bool {
	return e.LowerDir != "" && e.UpperDir != "" && e.WorkDir != "" && e.MergeDir != ""
}

// Manifest is the parsed overlay.ini: an ordered list of application-folder
// merge paths, and zero or more persistent-memory records.
type Manifest struct {
	ApplicationFolders []string
	PersistentMemories []PersistentEntry
}

// Minimal is the built-in fallback manifest used when the real one can't
// be parsed, or when the orchestrator sheds overlays after a stacking-depth
// failure (spec §4.5, §7): a single application folder, "/etc".
func Minimal() Manifest {
	return Manifest{ApplicationFolders: []string{"/etc"}}
}

// UnknownSection is returned for a manifest section that is neither
// "ApplicationFolder" nor "PersistentMemory.<name>".
type UnknownSection struct {
	Section string
}

func (e *UnknownSection) Error() string {
	return fmt.Sprintf("manifest: unknown section %q", e.Section)
}

// UnknownKey is returned for a key inside a known section that isn't one
// of the keys that section defines.
type UnknownKey struct {
	Section string
	Key     string
}

func (e *UnknownKey) Error() string {
	return fmt.Sprintf("manifest: unknown entry %q in section %q", e.Key, e.Section)
}
