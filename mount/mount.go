// Package mount is a thin, typed wrapper over the kernel mount primitives:
// mount(2), umount(2), the loop-control ioctls, and the /proc/mounts scan
// used for already-mounted detection. Every error carries the offending path
// and errno so the caller (the preinit stager or the overlay orchestrator)
// can decide what to do. The only logging is in the overlay helpers, which
// warn and carry on when aligning an upper directory fails or when a prior
// overlay is busy.
package mount

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// Mount wraps mount(2). An empty options string means "pass no data
// argument", matching the syscall's own convention.
func Mount(source, target, fstype string, flags uintptr, options string) error {
	if err := unix.Mount(source, target, fstype, flags, options); err != nil {
		return &MountFailed{Target: target, Errno: err.(unix.Errno)}
	}

	return nil
}

// Unmount wraps umount(2).
func Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return &UmountFailed{Target: target, Errno: err.(unix.Errno)}
	}

	return nil
}

// UnmountLazy wraps umount(2) with MNT_DETACH, for a caller that has
// already decided EBUSY is tolerable. Nothing in this module calls it; the
// overlay re-mount path uses Unmount.
func UnmountLazy(target string) error {
	if err := unix.Unmount(target, unix.MNT_DETACH); err != nil {
		return &UmountFailed{Target: target, Errno: err.(unix.Errno)}
	}

	return nil
}

// IsMounted does a text-scan of /proc/mounts looking for a line whose
// mountpoint field equals path and whose fstype field is "overlay". This
// intentionally does not consult the ledger: it's meant to catch mounts
// this process didn't make itself (e.g. a prior incarnation, or one set up
// by the kernel command line).
func IsMounted(path string) bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()

	return scanMountsFor(f, path, "overlay")
}

// IsMountedFS is IsMounted generalized to an arbitrary fstype (e.g. whether
// the persistent partition is already mounted). Nothing in this module
// calls it; the preinit stager mounts its queue without checking.
func IsMountedFS(path, fstype string) bool {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return false
	}
	defer f.Close()

	return scanMountsFor(f, path, fstype)
}

func scanMountsFor(f *os.File, path, fstype string) bool {
	needle := fmt.Sprintf(" %s ", path)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, needle) {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}

		if fields[2] == fstype {
			return true
		}
	}

	return false
}
