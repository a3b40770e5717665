package orchestrator

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/getsolus/fsstack/manifest"
	"github.com/getsolus/fsstack/mount"
)

func noopLoop(string, string) error                        { return nil }
func noopPersistent(mount.PersistentOverlay, string) error { return nil }
func noopUnmount(string) error                             { return nil }
func noopIsMounted(string) bool                            { return false }
func unlimitedFreeSpace(string) (uint64, error)             { return 1 << 20, nil }

func writeOverlayINI(t *testing.T, dir string, body string) {
	t.Helper()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(dir, "overlay.ini"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestApplicationFolderLowerDedup exercises §8 invariant 5: the lower list
// for a mounted ReadOnlyOverlay never contains duplicate paths.
func TestApplicationFolderLowerDedup(t *testing.T) {
	root := t.TempDir()
	mountDir := filepath.Join(root, "current")
	etcInImage := filepath.Join(mountDir, "etc")
	etcOnSystem := filepath.Join(root, "etc")

	if err := os.MkdirAll(etcInImage, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(etcOnSystem, 0o755); err != nil {
		t.Fatal(err)
	}

	writeOverlayINI(t, mountDir, `[ApplicationFolder]
"`+etcOnSystem+`"
`)

	var mountedLowers []string

	mountRO := func(o mount.ReadOnlyOverlay) error {
		mountedLowers = append(mountedLowers, o.Lower)
		return nil
	}

	o := NewWithBackend(8, noopLoop, mountRO, noopPersistent, noopUnmount, noopIsMounted, unlimitedFreeSpace)

	_, err := o.Run(filepath.Join(root, "app_a.squashfs"), mountDir, "overlay.ini", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(mountedLowers) != 1 {
		t.Fatalf("mounted %d overlays, want 1", len(mountedLowers))
	}

	parts := strings.Split(mountedLowers[0], ":")

	seen := make(map[string]bool)
	for _, p := range parts {
		if seen[p] {
			t.Fatalf("lower %q contains duplicate path %q", mountedLowers[0], p)
		}

		seen[p] = true
	}
}

// TestRamdiskAdditionPropagatesFailure exercises spec §4.5 step 4 / §7: a
// failure mounting an externally injected overlay is not tolerated.
func TestRamdiskAdditionPropagatesFailure(t *testing.T) {
	root := t.TempDir()
	mountDir := filepath.Join(root, "current")
	writeOverlayINI(t, mountDir, "")

	mountRO := func(o mount.ReadOnlyOverlay) error {
		return errors.New("synthetic ramdisk mount failure")
	}

	o := NewWithBackend(8, noopLoop, mountRO, noopPersistent, noopUnmount, noopIsMounted, unlimitedFreeSpace)

	injected := []mount.ReadOnlyOverlay{{Lower: filepath.Join(root, "scratch"), Merge: filepath.Join(root, "etc")}}

	_, err := o.Run(filepath.Join(root, "app_a.squashfs"), mountDir, "overlay.ini", injected)
	if err == nil {
		t.Fatal("expected Run to propagate the ramdisk-addition failure")
	}
}

// TestStackingDepthExceededShedsAndRetries exercises S5: the fourth of ten
// application-folder entries fails with the kernel's stacking-depth error;
// the orchestrator sheds to the minimal manifest and retries once,
// finishing with exit-equivalent success.
func TestStackingDepthExceededShedsAndRetries(t *testing.T) {
	root := t.TempDir()
	mountDir := filepath.Join(root, "current")

	var sections strings.Builder

	sections.WriteString("[ApplicationFolder]\n")

	for i := 0; i < 10; i++ {
		dir := filepath.Join(root, "folder", string(rune('a'+i)))
		if err := os.MkdirAll(filepath.Join(mountDir, "folder", string(rune('a'+i))), 0o755); err != nil {
			t.Fatal(err)
		}

		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}

		sections.WriteString(`"` + dir + "\"\n")
	}

	writeOverlayINI(t, mountDir, sections.String())

	if err := os.MkdirAll(filepath.Join(mountDir, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(filepath.Join(root, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}

	calls := 0

	mountRO := func(o mount.ReadOnlyOverlay) error {
		calls++
		if calls == 4 {
			return errors.New("mount: maximum fs stacking depth exceeded")
		}

		return nil
	}

	o := NewWithBackend(8, noopLoop, mountRO, noopPersistent, noopUnmount, noopIsMounted, unlimitedFreeSpace)

	result, err := o.Run(filepath.Join(root, "app_a.squashfs"), mountDir, "overlay.ini", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.ShedToMinimal {
		t.Fatal("expected ShedToMinimal after stacking-depth-exceeded error")
	}
}

// TestPersistentOverlaySkipsNonApplicationFolderMergePoint exercises spec
// §4.5 step 5's "otherwise skip and log" case: a merge point that is
// already mounted but is not one of the manifest's ApplicationFolder
// entries must be left alone, not double-overlaid.
func TestPersistentOverlaySkipsNonApplicationFolderMergePoint(t *testing.T) {
	root := t.TempDir()
	merge := filepath.Join(root, "data")

	for _, d := range []string{merge, filepath.Join(root, "upper"), filepath.Join(root, "work"), filepath.Join(root, "lower")} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	mounted := false

	isMounted := func(p string) bool { return p == merge }
	mountPersistent := func(mount.PersistentOverlay, string) error {
		mounted = true
		return nil
	}

	o := NewWithBackend(8, noopLoop, nil, mountPersistent, noopUnmount, isMounted, unlimitedFreeSpace)

	man := manifest.Manifest{
		PersistentMemories: []manifest.PersistentEntry{
			{Name: "data", LowerDir: filepath.Join(root, "lower"), UpperDir: filepath.Join(root, "upper"), WorkDir: filepath.Join(root, "work"), MergeDir: merge},
		},
	}

	ok := o.applyPersistentOverlays(man, root)

	if ok != 0 {
		t.Fatalf("applyPersistentOverlays ok = %d, want 0", ok)
	}

	if mounted {
		t.Fatal("expected persistent overlay mount to be skipped for an already-mounted non-application-folder merge point")
	}
}

func TestAlreadyConstructedInvariant(t *testing.T) {
	constructed.Store(false)
	defer constructed.Store(false)

	if _, err := New(8); err != nil {
		t.Fatalf("first New: %v", err)
	}

	if _, err := New(8); err == nil {
		t.Fatal("expected second New to fail with AlreadyConstructed")
	}
}
