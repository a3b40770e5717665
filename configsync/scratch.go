package configsync

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/getsolus/fsstack/mount"
)

// ScratchOverlay prepares and seals a tmpfs-backed overlay over a read-only
// directory that something needs to write through for the duration of this
// boot (spec §4.6): the config materializer uses it over /etc, and the
// secure-store extractor reuses the same pattern over /adu.
type ScratchOverlay struct {
	mountFn func(source, target, fstype string, flags uintptr, options string) error
}

// NewScratchOverlay returns a ScratchOverlay bound to the real mount(2)
// syscall.
func NewScratchOverlay() *ScratchOverlay {
	return NewScratchOverlayWithBackend(mount.Mount)
}

// NewScratchOverlayWithBackend is NewScratchOverlay with an injectable
// mount backend, used by tests.
func NewScratchOverlayWithBackend(mountFn func(source, target, fstype string, flags uintptr, options string) error) *ScratchOverlay {
	return &ScratchOverlay{mountFn: mountFn}
}

// Prepare mounts a tmpfs of the given size at ramdiskRoot, then an overlay
// of lower=target, upper=<ramdiskRoot>/upper<target>,
// work=<ramdiskRoot>/work<target>, merge=target, so writes to target land
// in the tmpfs. It returns the ReadOnlyOverlay view of the scratch layer
// for later injection into the orchestrator; target remains writable until
// Seal is called.
func (s *ScratchOverlay) Prepare(ramdiskRoot, size, target string) (mount.ReadOnlyOverlay, error) {
	upper := filepath.Join(ramdiskRoot, "upper", target)
	work := filepath.Join(ramdiskRoot, "work", target)

	if err := os.MkdirAll(ramdiskRoot, 0o755); err != nil {
		return mount.ReadOnlyOverlay{}, err
	}

	if err := s.mountFn("tmpfs", ramdiskRoot, "tmpfs", 0, fmt.Sprintf("size=%s,mode=0755", size)); err != nil {
		return mount.ReadOnlyOverlay{}, err
	}

	// upper and work are created after the tmpfs is mounted so they live
	// inside it rather than being hidden underneath it.
	for _, d := range []string{upper, work} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return mount.ReadOnlyOverlay{}, err
		}
	}

	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s,index=on,xino=auto", target, upper, work)
	if err := s.mountFn("overlay", target, "overlay", 0, options); err != nil {
		return mount.ReadOnlyOverlay{}, err
	}

	return mount.ReadOnlyOverlay{Lower: upper, Merge: target}, nil
}

// Seal remounts the backing tmpfs read-only, so the overlay injected into
// the orchestrator can no longer be written through (spec §5 ordering
// guarantee 4: the scratch-config overlay is sealed before injection).
func (s *ScratchOverlay) Seal(ramdiskRoot string) error {
	return s.mountFn("", ramdiskRoot, "tmpfs", unix.MS_REMOUNT|unix.MS_RDONLY, "")
}
