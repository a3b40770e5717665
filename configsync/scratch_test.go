package configsync

import (
	"path/filepath"
	"testing"
)

func TestScratchOverlayPrepareThenSeal(t *testing.T) {
	var calls []string

	mountFn := func(source, target, fstype string, flags uintptr, options string) error {
		calls = append(calls, target)
		return nil
	}

	s := NewScratchOverlayWithBackend(mountFn)

	ramdisk := filepath.Join(t.TempDir(), "ramdisk")

	overlay, err := s.Prepare(ramdisk, "16M", "/etc")
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	if overlay.Merge != "/etc" {
		t.Fatalf("Merge = %q, want /etc", overlay.Merge)
	}

	if err := s.Seal(ramdisk); err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if len(calls) != 3 {
		t.Fatalf("mount calls = %v, want 3 (tmpfs, overlay, remount)", calls)
	}
}
