package memdetect

import (
	"os"
	"path/filepath"
	"testing"
)

// TestPersistentNANDPathUBILabelLookup is spec §8 scenario S6.
func TestPersistentNANDPathUBILabelLookup(t *testing.T) {
	root := t.TempDir()
	ubiDir := filepath.Join(root, "ubi0", "ubi0_2")

	if err := os.MkdirAll(ubiDir, 0o755); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(ubiDir, "name"), []byte("data\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Point persistentNANDPath at a fixture laid out like
	// /sys/class/ubi rather than reading the real sysfs tree.
	orig := ubiSysfsRoot
	ubiSysfsRoot = root

	defer func() { ubiSysfsRoot = orig }()

	found, err := persistentNANDPath("ubiblock0_0", "data")
	if err != nil {
		t.Fatalf("persistentNANDPath: %v", err)
	}

	if found != "/dev/ubi0_2" {
		t.Fatalf("got %q, want /dev/ubi0_2", found)
	}
}

func TestMemoryTypeFSType(t *testing.T) {
	if EMMC.FSType() != "ext4" {
		t.Fatalf("eMMC FSType = %q, want ext4", EMMC.FSType())
	}

	if NAND.FSType() != "ubifs" {
		t.Fatalf("NAND FSType = %q, want ubifs", NAND.FSType())
	}
}

func TestCmdlineClassification(t *testing.T) {
	cases := []struct {
		cmdline    string
		wantType   MemoryType
		wantDevice string
	}{
		{"console=ttyS0 root=/dev/mmcblk0p2 rw", EMMC, "mmcblk0"},
		{"console=ttyS0 root=/dev/ubiblock0_0 rw", NAND, "ubiblock0_0"},
	}

	for _, c := range cases {
		d := &Detector{}

		if m := mmcRootRE.FindStringSubmatch(c.cmdline); m != nil {
			d.memType = EMMC
			d.bootDevice = m[1]
		} else if m := ubiRootRE.FindStringSubmatch(c.cmdline); m != nil {
			d.memType = NAND
			d.bootDevice = m[1]
		}

		if d.memType != c.wantType || d.bootDevice != c.wantDevice {
			t.Fatalf("cmdline %q: got (%v, %v), want (%v, %v)", c.cmdline, d.memType, d.bootDevice, c.wantType, c.wantDevice)
		}
	}
}
