package preinit

import (
	"errors"
	"testing"
)

// TestPrepareRollsBackOnNthFailure exercises §8 invariant 3: if the N-th
// mount in the queue fails, exactly the first N-1 mounts are active before
// the error is observed, and none are active after.
func TestPrepareRollsBackOnNthFailure(t *testing.T) {
	var mounted []string

	mountFn := func(source, target, fstype string, flags uintptr, options string) error {
		if target == "/fail" {
			return errors.New("synthetic mount failure")
		}

		mounted = append(mounted, target)

		return nil
	}

	var unmounted []string

	unmountFn := func(target string) error {
		unmounted = append(unmounted, target)

		// Simulate successful unwind: drop from the active set.
		for i, m := range mounted {
			if m == target {
				mounted = append(mounted[:i], mounted[i+1:]...)
				break
			}
		}

		return nil
	}

	s := NewWithBackend(mountFn, unmountFn)
	// New() already queued /proc and /sys (the first two); add a third
	// that succeeds and a fourth that fails.
	s.Queue(MountArgs{Target: "/rw_fs/root", FSType: "ext4"})
	s.Queue(MountArgs{Target: "/fail", FSType: "ext4"})

	err := s.Prepare()
	if err == nil {
		t.Fatal("expected Prepare to fail at /fail")
	}

	if len(mounted) != 0 {
		t.Fatalf("expected all mounts unwound after failure, got active: %v", mounted)
	}

	wantUnwound := []string{"/rw_fs/root", "/sys", "/proc"}
	if len(unmounted) != len(wantUnwound) {
		t.Fatalf("unwound %v, want %v", unmounted, wantUnwound)
	}

	for i, w := range wantUnwound {
		if unmounted[i] != w {
			t.Fatalf("unwind order[%d] = %q, want %q (must be reverse of mount order)", i, unmounted[i], w)
		}
	}
}

func TestPrepareSucceedsClearsQueue(t *testing.T) {
	calls := 0
	mountFn := func(source, target, fstype string, flags uintptr, options string) error {
		calls++
		return nil
	}

	s := NewWithBackend(mountFn, func(string) error { return nil })

	if err := s.Prepare(); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected 2 mandatory first-stage mounts, got %d calls", calls)
	}

	if got := s.Staged(); len(got) != 2 || got[0] != "/proc" || got[1] != "/sys" {
		t.Fatalf("Staged() = %v, want [/proc /sys]", got)
	}

	if err := s.Prepare(); err != nil {
		t.Fatalf("second Prepare: %v", err)
	}

	if calls != 2 {
		t.Fatalf("second Prepare made %d more mount calls, want 0 (queue not cleared)", calls-2)
	}
}

func TestRemoveUntrackedPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic removing an untracked target")
		}
	}()

	s := NewWithBackend(func(string, string, string, uintptr, string) error { return nil }, func(string) error { return nil })
	_ = s.Remove("/never/staged")
}
