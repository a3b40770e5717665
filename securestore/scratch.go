package securestore

import (
	"github.com/getsolus/fsstack/configsync"
	"github.com/getsolus/fsstack/mount"
)

// aduTarget is the directory the secure-store payload is expanded under.
const aduTarget = "/adu"

// SealedOverlay prepares a tmpfs scratch overlay wrapping /adu, populates
// it via fn (the extraction + optional x509 rewrite), then seals it
// read-only before returning the ReadOnlyOverlay for injection into the
// orchestrator (spec §4.7 closing paragraph, reusing the §4.6 pattern).
func SealedOverlay(scratch *configsync.ScratchOverlay, ramdiskRoot, size string, fn func() error) (mount.ReadOnlyOverlay, error) {
	overlay, err := scratch.Prepare(ramdiskRoot, size, aduTarget)
	if err != nil {
		return mount.ReadOnlyOverlay{}, err
	}

	if err := fn(); err != nil {
		return mount.ReadOnlyOverlay{}, err
	}

	if err := scratch.Seal(ramdiskRoot); err != nil {
		return mount.ReadOnlyOverlay{}, err
	}

	return overlay, nil
}
