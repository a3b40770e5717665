package mount

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sys/unix"
)

// PersistentOverlay describes an overlay with a writable upper layer.
// Lower is an already colon-joined, ordered list of source directories;
// the rightmost entry is the lowest-priority (system) layer.
type PersistentOverlay struct {
	Lower string
	Upper string
	Work  string
	Merge string
}

// ReadOnlyOverlay describes an overlay with no upper/work layer; writes
// through Merge fail.
type ReadOnlyOverlay struct {
	Lower string
	Merge string
}

// MountOverlayPersistent creates missing upper/work directories, aligns
// upper's mode/uid/gid/xattrs with the system directory (the rightmost
// entry of Lower) if they differ, then mounts the overlay.
func MountOverlayPersistent(o PersistentOverlay, systemDir string) error {
	for _, d := range []string{o.Upper, o.Work} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return &OverlayMountFailed{Kind: KindPersistent, Merge: o.Merge, Errno: errnoOf(err)}
		}
	}

	if systemDir != "" {
		if err := alignFileProps(systemDir, o.Upper); err != nil {
			slog.Warn("overlay: failed to align upper dir properties with system layer",
				"upper", o.Upper, "system", systemDir, "error", err)
		}
	}

	options := fmt.Sprintf("upperdir=%s,workdir=%s,lowerdir=%s,index=on,xino=auto", o.Upper, o.Work, o.Lower)
	if err := Mount("overlay", o.Merge, "overlay", 0, options); err != nil {
		var mf *MountFailed
		if errors.As(err, &mf) {
			return &OverlayMountFailed{Kind: KindPersistent, Merge: o.Merge, Errno: mf.Errno}
		}

		return err
	}

	return nil
}

// MountOverlayReadOnly unmounts any pre-existing overlay at o.Merge (logging
// and proceeding through EBUSY), then mounts a read-only overlay.
func MountOverlayReadOnly(o ReadOnlyOverlay) error {
	if IsMounted(o.Merge) {
		if err := Unmount(o.Merge); err != nil {
			var uf *UmountFailed
			if errors.As(err, &uf) && uf.Errno == unix.EBUSY {
				slog.Warn("overlay: prior mount busy, proceeding anyway", "merge", o.Merge)
			} else {
				return err
			}
		}
	}

	options := fmt.Sprintf("lowerdir=%s,xino=auto", o.Lower)
	if err := Mount("overlay", o.Merge, "overlay", unix.MS_RDONLY, options); err != nil {
		var mf *MountFailed
		if errors.As(err, &mf) {
			return &OverlayMountFailed{Kind: KindReadOnly, Merge: o.Merge, Errno: mf.Errno}
		}

		return err
	}

	return nil
}
