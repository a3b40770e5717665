// Package orchestrator composes the full overlay graph for one boot: the
// application image, the manifest-declared application-folder overlays, any
// externally injected read-only overlays (scratch config, secure store),
// and the manifest's persistent overlays. It tolerates partial failure in
// everything except the injected overlays, which a caller relies on to
// exist.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/getsolus/fsstack/ledger"
	"github.com/getsolus/fsstack/manifest"
	"github.com/getsolus/fsstack/mount"
)

// constructed enforces the single-orchestrator-per-process invariant that
// replaces the teacher's module-level "already running" flag (spec §9).
var constructed atomic.Bool

// Result summarizes one orchestration run, for diagnostics and tests.
type Result struct {
	ApplicationImageMounted bool
	ApplicationFoldersOK    int
	PersistentOverlaysOK    int
	ShedToMinimal           bool
}

// Orchestrator owns the mount ledger for one process run.
type Orchestrator struct {
	ledger     *ledger.Ledger
	stackLimit int

	loopMount       func(imagePath, target string) error
	mountReadOnly   func(mount.ReadOnlyOverlay) error
	mountPersistent func(mount.PersistentOverlay, systemDir string) error
	unmount         func(target string) error
	isMounted       func(path string) bool
	freeSpace       func(path string) (uint64, error)
}

// New constructs an Orchestrator bound to the real mount(2)/overlay/loop
// backend. It fails with AlreadyConstructed if called more than once in
// this process.
func New(stackLimit int) (*Orchestrator, error) {
	if !constructed.CompareAndSwap(false, true) {
		return nil, &AlreadyConstructed{}
	}

	return NewWithBackend(stackLimit,
		mount.MountLoop,
		mount.MountOverlayReadOnly,
		mount.MountOverlayPersistent,
		mount.Unmount,
		mount.IsMounted,
		statfsFree,
	), nil
}

// NewWithBackend is New with every kernel-facing operation injectable, used
// by tests to exercise stacking/dedup/propagation behavior without a real
// mount namespace. Unlike New, it carries no single-construction guard, so
// a test binary can build as many Orchestrators as it needs.
func NewWithBackend(
	stackLimit int,
	loopMount func(imagePath, target string) error,
	mountReadOnly func(mount.ReadOnlyOverlay) error,
	mountPersistent func(mount.PersistentOverlay, systemDir string) error,
	unmount func(target string) error,
	isMounted func(path string) bool,
	freeSpace func(path string) (uint64, error),
) *Orchestrator {
	return &Orchestrator{
		ledger:          ledger.New(),
		stackLimit:      stackLimit,
		loopMount:       loopMount,
		mountReadOnly:   mountReadOnly,
		mountPersistent: mountPersistent,
		unmount:         unmount,
		isMounted:       isMounted,
		freeSpace:       freeSpace,
	}
}

func statfsFree(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}

	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// Staged returns the mountpoints this orchestrator currently owns.
func (o *Orchestrator) Staged() []string {
	return o.ledger.Targets()
}

// Run drives the full stage sequence described in spec §4.5 against the
// application image at imagePath, mounted at mountDir, with manifestRelPath
// (typically "overlay.ini") read relative to mountDir, plus any externally
// injected read-only overlays (scratch-config, secure-store).
func (o *Orchestrator) Run(imagePath, mountDir, manifestRelPath string, injected []mount.ReadOnlyOverlay) (*Result, error) {
	imageDir := filepath.Dir(imagePath)
	removeTmpApp(imageDir)

	result := &Result{}

	if err := o.loopMount(imagePath, mountDir); err != nil {
		slog.Warn("orchestrator: application image mount failed, proceeding best-effort", "image", imagePath, "error", err)
	} else {
		result.ApplicationImageMounted = true
		o.ledger.Record(ledger.Entry{Target: mountDir, Unmount: func() error { return o.unmount(mountDir) }})
	}

	man, err := manifest.Parse(filepath.Join(mountDir, manifestRelPath))
	if err != nil {
		slog.Warn("orchestrator: manifest parse failed, using minimal manifest", "error", err)
		man = manifest.Minimal()
	}

	consumed, mounted, ok, err := o.applyApplicationFolders(mountDir, man, injected)
	if err != nil {
		var sde *StackingDepthExceeded
		if !errors.As(err, &sde) {
			return nil, err
		}

		slog.Warn("orchestrator: stacking depth exceeded, shedding to minimal manifest", "error", err)

		for i := len(mounted) - 1; i >= 0; i-- {
			if uerr := o.ledger.Remove(mounted[i]); uerr != nil {
				slog.Warn("orchestrator: failed to unwind application-folder mount while shedding", "merge", mounted[i], "error", uerr)
			}
		}

		result.ShedToMinimal = true
		man = manifest.Minimal()
		consumed, _, ok, err = o.applyApplicationFolders(mountDir, man, injected)

		if err != nil {
			return nil, fmt.Errorf("orchestrator: stacking depth exceeded again after shedding to minimal manifest: %w", err)
		}
	}

	result.ApplicationFoldersOK = ok

	if err := o.applyRamdiskAdditions(injected, consumed); err != nil {
		return nil, fmt.Errorf("orchestrator: ramdisk addition failed: %w", err)
	}

	result.PersistentOverlaysOK = o.applyPersistentOverlays(man, mountDir)

	if err := removeTmpApp(imageDir); err != nil {
		slog.Warn("orchestrator: failed to remove tmp.app on exit", "error", err)
	}

	return result, nil
}

// applyApplicationFolders mounts one ReadOnlyOverlay per manifest
// ApplicationFolder entry. consumed records which injected overlays were
// folded into an application-folder mount, so step 4 doesn't double-mount
// them. mounted is the merge paths successfully mounted, in mount order, so
// a stacking-depth shed can unwind exactly them. ok is the count of
// successful mounts.
func (o *Orchestrator) applyApplicationFolders(mountDir string, man manifest.Manifest, injected []mount.ReadOnlyOverlay) (consumed map[string]bool, mounted []string, ok int, err error) {
	consumed = make(map[string]bool)

	for _, m := range man.ApplicationFolders {
		if ok >= o.stackLimit {
			slog.Warn("orchestrator: application-folder stack limit reached, skipping remaining entries", "limit", o.stackLimit)
			break
		}

		lower, valid := buildApplicationFolderLower(mountDir, m, injected)
		if !valid {
			slog.Debug("orchestrator: skipping application folder with invalid lower set", "merge", m)
			continue
		}

		if err := os.MkdirAll(m, 0o755); err != nil {
			slog.Warn("orchestrator: cannot create application-folder merge dir, skipping", "merge", m, "error", err)
			continue
		}

		overlay := mount.ReadOnlyOverlay{Lower: strings.Join(lower, ":"), Merge: m}

		merr := o.mountReadOnly(overlay)
		if merr == nil {
			ok++
			mounted = append(mounted, m)

			target := m
			o.ledger.Record(ledger.Entry{Target: target, Unmount: func() error { return o.unmount(target) }})

			for _, inj := range injected {
				if inj.Merge == m {
					consumed[inj.Merge] = true
				}
			}

			continue
		}

		if strings.Contains(merr.Error(), stackingDepthSubstring) {
			return consumed, mounted, ok, &StackingDepthExceeded{Merge: m, Cause: merr}
		}

		if errors.Is(merr, unix.EBUSY) {
			slog.Debug("orchestrator: application folder already provided", "merge", m)

			for _, inj := range injected {
				if inj.Merge == m {
					consumed[inj.Merge] = true
				}
			}

			continue
		}

		slog.Warn("orchestrator: application-folder overlay mount failed, skipping", "merge", m, "error", merr)
	}

	return consumed, mounted, ok, nil
}

// buildApplicationFolderLower constructs the colon-joined lower list for
// one ApplicationFolder merge path, per spec §4.5 step 3: the
// application-image copy of m, m itself if it differs and exists, then any
// injected overlay's lower whose Merge equals m. Adjacent duplicates are
// removed; if the result still contains a duplicate path, or any path
// doesn't exist, the entry is invalid.
func buildApplicationFolderLower(mountDir, m string, injected []mount.ReadOnlyOverlay) ([]string, bool) {
	var raw []string

	appPath := filepath.Join(mountDir, m)
	if pathExists(appPath) {
		raw = append(raw, appPath)
	}

	if pathExists(m) && m != appPath {
		raw = append(raw, m)
	}

	for _, inj := range injected {
		if inj.Merge == m {
			raw = append(raw, strings.Split(inj.Lower, ":")...)
		}
	}

	if len(raw) == 0 {
		return nil, false
	}

	deduped := make([]string, 0, len(raw))

	for _, p := range raw {
		if len(deduped) > 0 && deduped[len(deduped)-1] == p {
			continue
		}

		deduped = append(deduped, p)
	}

	seen := make(map[string]bool, len(deduped))

	for _, p := range deduped {
		if seen[p] {
			return nil, false
		}

		seen[p] = true

		if !pathExists(p) {
			return nil, false
		}
	}

	return deduped, true
}

// applyRamdiskAdditions mounts every injected overlay not already folded
// into an application-folder mount. Unlike every other stage, failure here
// propagates: these overlays carry generated config the rest of boot
// depends on (spec §4.5 step 4, §7).
func (o *Orchestrator) applyRamdiskAdditions(injected []mount.ReadOnlyOverlay, consumed map[string]bool) error {
	for _, inj := range injected {
		if consumed[inj.Merge] {
			continue
		}

		if err := os.MkdirAll(inj.Merge, 0o755); err != nil {
			return err
		}

		overlay := mount.ReadOnlyOverlay{Lower: inj.Lower + ":" + inj.Merge, Merge: inj.Merge}

		if err := o.mountReadOnly(overlay); err != nil {
			return err
		}

		target := inj.Merge
		o.ledger.Record(ledger.Entry{Target: target, Unmount: func() error { return o.unmount(target) }})
	}

	return nil
}

// applyPersistentOverlays mounts every manifest PersistentMemory entry,
// tolerating individual failures (spec §4.5 step 5).
func (o *Orchestrator) applyPersistentOverlays(man manifest.Manifest, mountDir string) int {
	appFolders := make(map[string]bool, len(man.ApplicationFolders))
	for _, m := range man.ApplicationFolders {
		appFolders[m] = true
	}

	ok := 0

	for _, entry := range man.PersistentMemories {
		if !entry.Valid() {
			slog.Warn("orchestrator: persistent overlay entry has empty path, skipping", "name", entry.Name)
			continue
		}

		dirsOK := true

		for _, d := range []string{entry.UpperDir, entry.WorkDir, entry.MergeDir} {
			if err := os.MkdirAll(d, 0o755); err != nil {
				slog.Warn("orchestrator: cannot create persistent overlay directory, skipping", "name", entry.Name, "dir", d, "error", err)

				dirsOK = false

				break
			}
		}

		if !dirsOK {
			continue
		}

		if free, err := o.freeSpace(entry.UpperDir); err != nil || free == 0 {
			slog.Warn("orchestrator: persistent overlay backing filesystem has no free space, skipping", "name", entry.Name, "error", err)
			continue
		}

		lower := entry.LowerDir
		mergeIsAppFolder := appFolders[entry.MergeDir]

		if o.isMounted(entry.MergeDir) && !mergeIsAppFolder {
			slog.Warn("orchestrator: merge point already mounted and not an application folder, skipping", "name", entry.Name, "merge", entry.MergeDir)
			continue
		}

		if o.isMounted(entry.MergeDir) && mergeIsAppFolder {
			if err := o.unmount(entry.MergeDir); err != nil {
				slog.Warn("orchestrator: failed to unmount prior overlay before persistent remount, skipping", "name", entry.Name, "error", err)
				continue
			}

			lower = filepath.Join(mountDir, entry.MergeDir) + ":" + lower
		}

		overlay := mount.PersistentOverlay{Lower: lower, Upper: entry.UpperDir, Work: entry.WorkDir, Merge: entry.MergeDir}

		systemDir := lastColonField(lower)

		if err := o.mountPersistent(overlay, systemDir); err != nil {
			slog.Warn("orchestrator: persistent overlay mount failed, skipping", "name", entry.Name, "error", err)
			continue
		}

		ok++

		target := entry.MergeDir
		o.ledger.Record(ledger.Entry{Target: target, Unmount: func() error { return o.unmount(target) }})
	}

	return ok
}

func pathExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func lastColonField(s string) string {
	parts := strings.Split(s, ":")
	return parts[len(parts)-1]
}

// removeTmpApp clears the residue of an interrupted firmware update: a
// leftover tmp.app file in the application-image directory (spec §4.5
// hygiene). Its absence is not an error.
func removeTmpApp(imageDir string) error {
	err := os.Remove(filepath.Join(imageDir, "tmp.app"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}
