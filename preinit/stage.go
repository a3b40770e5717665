// Package preinit stages the pseudo-filesystems (/proc, /sys) and the
// device-specific persistent partition that every later component depends
// on, with rollback of everything already mounted if any step fails.
package preinit

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/getsolus/fsstack/ledger"
	"github.com/getsolus/fsstack/mount"
)

// MountArgs is one queued mount(2) call.
type MountArgs struct {
	Source  string
	Target  string
	FSType  string
	Flags   uintptr
	Options string
}

// Stager holds an ordered queue of mounts and a ledger of what has
// succeeded so far, so a mid-queue failure can be unwound.
type Stager struct {
	queue     []MountArgs
	ledger    *ledger.Ledger
	mountFn   func(source, target, fstype string, flags uintptr, options string) error
	unmountFn func(target string) error
}

// New returns a Stager with the mandatory first-stage mounts already
// queued: /proc (nosuid,noexec,nodev) and /sys (same flags). Callers queue
// additional stage-two mounts (the persistent partition) with Queue before
// calling Prepare.
func New() *Stager {
	return NewWithBackend(mount.Mount, mount.Unmount)
}

// NewWithBackend is New with an injectable mount/unmount backend, used by
// tests to exercise the rollback property (§8 invariant 3) without touching
// the real kernel mount namespace.
func NewWithBackend(
	mountFn func(source, target, fstype string, flags uintptr, options string) error,
	unmountFn func(target string) error,
) *Stager {
	const firstStageFlags = unix.MS_NOSUID | unix.MS_NOEXEC | unix.MS_NODEV

	s := &Stager{ledger: ledger.New(), mountFn: mountFn, unmountFn: unmountFn}
	s.Queue(MountArgs{Source: "proc", Target: "/proc", FSType: "proc", Flags: firstStageFlags})
	s.Queue(MountArgs{Source: "sysfs", Target: "/sys", FSType: "sysfs", Flags: firstStageFlags})

	return s
}

// Queue appends a mount to the end of the pending queue.
func (s *Stager) Queue(m MountArgs) {
	s.queue = append(s.queue, m)
}

// Prepare drives the queue in order, recording each success in the ledger.
// On the first failure it unmounts everything already staged, in reverse
// order, and returns the original error.
func (s *Stager) Prepare() error {
	for _, m := range s.queue {
		target := m.Target

		if err := s.mountFn(m.Source, m.Target, m.FSType, m.Flags, m.Options); err != nil {
			if unwindErrs := s.ledger.UnwindAll(); len(unwindErrs) > 0 {
				return fmt.Errorf("preinit: mount %q failed (%w); additionally failed to roll back %d prior mount(s): %v",
					target, err, len(unwindErrs), unwindErrs)
			}

			return fmt.Errorf("preinit: mount %q failed: %w", target, err)
		}

		s.ledger.Record(ledger.Entry{
			Target: target,
			Unmount: func() error {
				return s.unmountFn(target)
			},
		})
	}

	s.queue = nil

	return nil
}

// Remove unmounts target and drops it from the ledger. Removing a target
// that was never staged is a logic error and panics, mirroring the
// ledger's own invariant.
func (s *Stager) Remove(target string) error {
	return s.ledger.Remove(target)
}

// Staged reports the mountpoints currently recorded as active.
func (s *Stager) Staged() []string {
	return s.ledger.Targets()
}
