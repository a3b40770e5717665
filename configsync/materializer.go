// Package configsync materializes the updater's system.conf and the
// boot-env tool's fw_env.config from per-memory-type templates, rewriting
// the device strings they embed to match the platform actually detected at
// boot, and prepares the tmpfs scratch overlay that makes /etc writable
// long enough to do so.
package configsync

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/getsolus/fsstack/memdetect"
)

var (
	mmcDeviceRE = regexp.MustCompile(`(device=)?/dev/mmcblk\d+(p\d+|boot\d+)`)
	mtdDeviceRE = regexp.MustCompile(`/dev/mtd\d+`)
	mtdEntryRE  = regexp.MustCompile(`^(mtd\d+):\s+\S+\s+\S+\s+"([^"]+)"`)
)

// MaterializeSystemConf writes destPath from templatePath, rewriting every
// /dev/mmcblkN(pK|bootK) occurrence to bootDevice when memType is eMMC
// (spec §4.6). It is a no-op if destPath already mentions bootDevice.
func MaterializeSystemConf(templatePath, destPath string, memType memdetect.MemoryType, bootDevice string) error {
	return materialize(templatePath, destPath, bootDevice, func(line string) string {
		if memType != memdetect.EMMC {
			return line
		}

		return mmcDeviceRE.ReplaceAllString(line, "${1}/dev/"+bootDevice+"${2}")
	})
}

// MaterializeFwEnvConfig writes destPath from templatePath with the same
// /dev/mmcblkN(pK|bootK) rewrite as MaterializeSystemConf when memType is
// eMMC, and when memType is NAND rewrites /dev/mtdN entries to the MTD
// device whose /proc/mtd label equals mtdLabel ("UBootEnv") (spec §4.6).
func MaterializeFwEnvConfig(templatePath, destPath string, memType memdetect.MemoryType, bootDevice, mtdLabel, procMtdPath string) error {
	var mtdDevice string

	if memType == memdetect.NAND {
		dev, err := findMTDDeviceByLabel(procMtdPath, mtdLabel)
		if err == nil {
			mtdDevice = dev
		}
	}

	return materialize(templatePath, destPath, bootDevice, func(line string) string {
		if memType == memdetect.EMMC {
			return mmcDeviceRE.ReplaceAllString(line, "${1}/dev/"+bootDevice+"${2}")
		}

		if memType != memdetect.NAND || mtdDevice == "" {
			return line
		}

		return mtdDeviceRE.ReplaceAllString(line, "/dev/"+mtdDevice)
	})
}

// materialize implements the shared copy-or-rewrite mechanism: idempotency
// check, then write-temp-then-atomic-rename with fsync/sync (spec §4.6,
// §8 invariants 6 and 8).
func materialize(templatePath, destPath, bootDevice string, rewriteLine func(string) string) error {
	if existing, err := os.ReadFile(destPath); err == nil {
		if strings.Contains(string(existing), "/dev/"+bootDevice) {
			return nil
		}
	}

	template, err := os.Open(templatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &TemplateMissing{Path: templatePath}
		}

		return &RewriteFailed{Path: templatePath, Op: "open template", Err: err}
	}
	defer template.Close()

	var out bytes.Buffer

	scanner := bufio.NewScanner(template)
	for scanner.Scan() {
		out.WriteString(rewriteLine(scanner.Text()))
		out.WriteByte('\n')
	}

	if err := scanner.Err(); err != nil {
		return &RewriteFailed{Path: templatePath, Op: "read template", Err: err}
	}

	return writeAtomic(destPath, out.Bytes())
}

// writeAtomic writes data to a temp file in destPath's directory, fsyncs
// it, renames it over destPath, then fsyncs the containing directory so
// the rename itself is durable.
func writeAtomic(destPath string, data []byte) error {
	dir := filepath.Dir(destPath)

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(destPath)+"-*")
	if err != nil {
		return &RewriteFailed{Path: destPath, Op: "create temp file", Err: err}
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return &RewriteFailed{Path: destPath, Op: "write temp file", Err: err}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return &RewriteFailed{Path: destPath, Op: "fsync temp file", Err: err}
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return &RewriteFailed{Path: destPath, Op: "close temp file", Err: err}
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return &RewriteFailed{Path: destPath, Op: "rename", Err: err}
	}

	dirFile, err := os.Open(dir)
	if err != nil {
		return &RewriteFailed{Path: destPath, Op: "open containing directory", Err: err}
	}
	defer dirFile.Close()

	if err := dirFile.Sync(); err != nil {
		return &RewriteFailed{Path: destPath, Op: "fsync containing directory", Err: err}
	}

	return nil
}

// findMTDDeviceByLabel scans /proc/mtd for an entry whose quoted name
// equals label, returning its device name ("mtd3").
func findMTDDeviceByLabel(procMtdPath, label string) (string, error) {
	f, err := os.Open(procMtdPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		m := mtdEntryRE.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}

		if m[2] == label {
			return m[1], nil
		}
	}

	return "", fmt.Errorf("configsync: no /proc/mtd entry labeled %q", label)
}
