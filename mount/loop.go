package mount

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const (
	loopControlPath = "/dev/loop-control"
	loopDevFmt       = "/dev/loop%d"
)

// ioctl request numbers for the loop driver, absent from older
// golang.org/x/sys/unix builds on some architectures, so defined locally
// the way the kernel's <linux/loop.h> does.
const (
	loopCtlGetFree = 0x4C82
	loopSetFd      = 0x4C00
	loopClrFd      = 0x4C01
)

// MountLoop atomically attaches imagePath to a free loop device and mounts
// it as squashfs at target. On any mid-step failure every resource acquired
// so far is released in reverse order and the loop minor, if bound, is
// returned to the kernel with LOOP_CLR_FD.
func MountLoop(imagePath, target string) (err error) {
	ctl, err := os.OpenFile(loopControlPath, os.O_RDWR, 0)
	if err != nil {
		return &LoopSetupFailed{Step: "open /dev/loop-control", Errno: errnoOf(err)}
	}
	defer ctl.Close()

	minor, _, errno := unix.Syscall(unix.SYS_IOCTL, ctl.Fd(), uintptr(loopCtlGetFree), 0)
	if errno != 0 {
		return &LoopSetupFailed{Step: "LOOP_CTL_GET_FREE", Errno: errno}
	}

	loopDev := fmt.Sprintf(loopDevFmt, int(minor))

	loopFile, err := os.OpenFile(loopDev, os.O_RDWR, 0)
	if err != nil {
		return &LoopSetupFailed{Step: "open loop device", Errno: errnoOf(err)}
	}
	defer loopFile.Close()

	backFile, err := os.OpenFile(imagePath, os.O_RDONLY, 0)
	if err != nil {
		return &LoopSetupFailed{Step: "open backing file", Errno: errnoOf(err)}
	}
	defer backFile.Close()

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, loopFile.Fd(), uintptr(loopSetFd), backFile.Fd()); errno != 0 {
		return &LoopSetupFailed{Step: "LOOP_SET_FD", Errno: errno}
	}

	// From here on, any failure must clear the bound fd before returning so
	// the minor goes back to the free pool instead of leaking.
	defer func() {
		if err != nil {
			unix.Syscall(unix.SYS_IOCTL, loopFile.Fd(), uintptr(loopClrFd), 0)
		}
	}()

	if merr := Mount(loopDev, target, "squashfs", unix.MS_RDONLY, ""); merr != nil {
		err = merr
		return err
	}

	return nil
}

func errnoOf(err error) unix.Errno {
	if errno, ok := err.(*os.PathError); ok {
		if e, ok := errno.Err.(unix.Errno); ok {
			return e
		}
	}

	if e, ok := err.(unix.Errno); ok {
		return e
	}

	return unix.EIO
}
