package memdetect

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// persistentEMMCPath consults the kernel-maintained block-ID cache
// (/dev/disk/by-label, populated by udev from the same superblock scan
// libblkid itself performs) for a device node carrying LABEL == label.
// There is no pure-Go libblkid binding in wide use; the by-label symlink
// tree is the same data without one.
func persistentEMMCPath(label string) (string, error) {
	linkPath := filepath.Join("/dev/disk/by-label", label)

	target, err := os.Readlink(linkPath)
	if err != nil {
		return "", &PersistentMemoryNotFound{Label: label}
	}

	if filepath.IsAbs(target) {
		return target, nil
	}

	return filepath.Clean(filepath.Join(filepath.Dir(linkPath), target)), nil
}

var ubiDeviceNumRE = regexp.MustCompile(`ubiblock(\d+)_\d+`)

// ubiSysfsRoot is the sysfs directory persistentNANDPath scans; tests point
// it at a fixture tree.
var ubiSysfsRoot = "/sys/class/ubi"

// persistentNANDPath derives the UBI device number from bootDevice
// (ubiblockX_Y -> ubiX) and iterates
// /sys/class/ubi/ubi<N>/ubi<N>_<k>/name looking for one equal to label.
func persistentNANDPath(bootDevice, label string) (string, error) {
	m := ubiDeviceNumRE.FindStringSubmatch(bootDevice)
	if m == nil {
		return "", &PlatformProbeFailed{Reason: fmt.Sprintf("cannot derive UBI device number from boot device %q", bootDevice)}
	}

	ubiN := m[1]
	ubiDir := filepath.Join(ubiSysfsRoot, "ubi"+ubiN)

	entries, err := os.ReadDir(ubiDir)
	if err != nil {
		return "", &PersistentMemoryNotFound{Label: label}
	}

	prefix := fmt.Sprintf("ubi%s_", ubiN)

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}

		nameFile := filepath.Join(ubiDir, entry.Name(), "name")

		b, err := os.ReadFile(nameFile)
		if err != nil {
			continue
		}

		if strings.TrimSpace(string(b)) == label {
			return "/dev/" + entry.Name(), nil
		}
	}

	return "", &PersistentMemoryNotFound{Label: label}
}
