package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.ini")

	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestParseApplicationFoldersAndPersistentMemory(t *testing.T) {
	path := writeManifest(t, `
[ApplicationFolder]
"/etc"
"/usr/bin"

[PersistentMemory.data]
lowerdir = /rw_fs/root/application/current/data
upperdir = /rw_fs/root/data/upper
workdir = /rw_fs/root/data/work
mergedir = /data
`)

	m, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(m.ApplicationFolders) != 2 || m.ApplicationFolders[0] != "/etc" || m.ApplicationFolders[1] != "/usr/bin" {
		t.Fatalf("ApplicationFolders = %v", m.ApplicationFolders)
	}

	if len(m.PersistentMemories) != 1 {
		t.Fatalf("PersistentMemories = %v", m.PersistentMemories)
	}

	entry := m.PersistentMemories[0]
	if entry.Name != "data" || !entry.Valid() {
		t.Fatalf("entry = %+v, want valid entry named data", entry)
	}
}

// TestScenarioS4UnknownManifestKey is spec §8 scenario S4.
func TestScenarioS4UnknownManifestKey(t *testing.T) {
	path := writeManifest(t, `
[PersistentMemory.foo]
weirddir = /x
`)

	_, err := Parse(path)
	if err == nil {
		t.Fatal("expected error for unknown key")
	}

	uk, ok := err.(*UnknownKey)
	if !ok {
		t.Fatalf("error = %T(%v), want *UnknownKey", err, err)
	}

	if uk.Section != "PersistentMemory.foo" || uk.Key != "weirddir" {
		t.Fatalf("got %+v", uk)
	}
}

func TestParseUnknownSection(t *testing.T) {
	path := writeManifest(t, `
[Bogus]
foo = bar
`)

	_, err := Parse(path)
	if err == nil {
		t.Fatal("expected error for unknown section")
	}

	if _, ok := err.(*UnknownSection); !ok {
		t.Fatalf("error = %T(%v), want *UnknownSection", err, err)
	}
}
