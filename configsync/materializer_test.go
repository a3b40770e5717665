package configsync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/getsolus/fsstack/memdetect"
)

// TestIdempotentRewrite exercises §8 invariant 6: a second materialize run
// with identical inputs performs no writes.
func TestIdempotentRewrite(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "system.conf.emmc")
	dest := filepath.Join(dir, "system.conf")

	if err := os.WriteFile(template, []byte("device=/dev/mmcblk0p2\nother=line\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := MaterializeSystemConf(template, dest, memdetect.EMMC, "mmcblk1"); err != nil {
		t.Fatalf("first materialize: %v", err)
	}

	first, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(string(first), "/dev/mmcblk1p2") {
		t.Fatalf("rewritten content = %q, want mmcblk1 substitution", first)
	}

	info1, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}

	if err := MaterializeSystemConf(template, dest, memdetect.EMMC, "mmcblk1"); err != nil {
		t.Fatalf("second materialize: %v", err)
	}

	second, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}

	if string(first) != string(second) {
		t.Fatalf("second run changed content:\nfirst:  %q\nsecond: %q", first, second)
	}

	info2, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}

	if info1.ModTime() != info2.ModTime() {
		t.Fatal("second run rewrote the file; expected no write once bootDevice is already present")
	}
}

func TestMaterializeFwEnvConfigNANDRewrite(t *testing.T) {
	dir := t.TempDir()
	template := filepath.Join(dir, "fw_env.config.nand")
	dest := filepath.Join(dir, "fw_env.config")
	procMtd := filepath.Join(dir, "mtd")

	if err := os.WriteFile(template, []byte("/dev/mtd0 0x0000 0x4000 0x20000\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(procMtd, []byte("dev:    size   erasesize  name\nmtd0: 00040000 00020000 \"u-boot\"\nmtd3: 00100000 00020000 \"UBootEnv\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := MaterializeFwEnvConfig(template, dest, memdetect.NAND, "ubiblock0_0", "UBootEnv", procMtd); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	out, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.Contains(string(out), "/dev/mtd3") {
		t.Fatalf("rewritten content = %q, want /dev/mtd3", out)
	}
}

// TestWriteAtomicUsesTempThenRename exercises §8 invariant 8: the
// destination file is written via a temp file in the same directory,
// renamed into place, never truncated in place.
func TestWriteAtomicUsesTempThenRename(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "fw_env.config")

	if err := os.WriteFile(dest, []byte("stale content that must not be seen truncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := writeAtomic(dest, []byte("fresh content\n")); err != nil {
		t.Fatalf("writeAtomic: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".tmp-") {
			t.Fatalf("leftover temp file %q after writeAtomic", e.Name())
		}
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}

	if string(got) != "fresh content\n" {
		t.Fatalf("dest content = %q, want %q", got, "fresh content\n")
	}
}
