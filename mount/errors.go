package mount

import (
	"fmt"
	"syscall"
)

// MountFailed is returned when the mount(2) syscall itself fails.
type MountFailed struct {
	Target string
	Errno  syscall.Errno
}

func (e *MountFailed) Error() string {
	return fmt.Sprintf("mount: failed to mount at %q: %s", e.Target, e.Errno)
}

func (e *MountFailed) Unwrap() error { return e.Errno }

// UmountFailed is returned when the umount(2) syscall fails.
type UmountFailed struct {
	Target string
	Errno  syscall.Errno
}

func (e *UmountFailed) Error() string {
	return fmt.Sprintf("mount: failed to unmount %q: %s", e.Target, e.Errno)
}

func (e *UmountFailed) Unwrap() error { return e.Errno }

// LoopSetupFailed is returned when any step of the loop-device attach
// sequence fails; Step names the step that failed (e.g. "LOOP_CTL_GET_FREE",
// "open backing file", "LOOP_SET_FD").
type LoopSetupFailed struct {
	Step  string
	Errno syscall.Errno
}

func (e *LoopSetupFailed) Error() string {
	return fmt.Sprintf("mount: loop device setup failed at step %q: %s", e.Step, e.Errno)
}

func (e *LoopSetupFailed) Unwrap() error { return e.Errno }

// OverlayKind distinguishes the two overlay flavors for error reporting.
type OverlayKind string

const (
	// KindPersistent marks an overlay with an upper/work writable layer.
	KindPersistent OverlayKind = "persistent"
	// KindReadOnly marks an overlay with no upper/work layer.
	KindReadOnly OverlayKind = "ro"
)

// OverlayMountFailed is returned when an overlay mount(2) call fails, for
// either overlay flavor.
type OverlayMountFailed struct {
	Kind   OverlayKind
	Merge  string
	Errno  syscall.Errno
}

func (e *OverlayMountFailed) Error() string {
	return fmt.Sprintf("mount: %s overlay mount failed at %q: %s", e.Kind, e.Merge, e.Errno)
}

func (e *OverlayMountFailed) Unwrap() error { return e.Errno }
