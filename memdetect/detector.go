// Package memdetect classifies the platform's persistent-memory topology
// (raw NAND with UBI/UBIFS, or eMMC with ext4) and locates the named
// persistent data partition/volume on it.
package memdetect

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/getsolus/fsstack/bootenv"
)

// MemoryType is the platform's persistent-memory topology.
type MemoryType string

const (
	EMMC MemoryType = "eMMC"
	NAND MemoryType = "NAND"
)

// FSType returns the filesystem type mounted at the persistent partition
// for this memory type.
func (m MemoryType) FSType() string {
	if m == NAND {
		return "ubifs"
	}

	return "ext4"
}

// PersistentMemoryNotFound is returned when no partition/volume on the
// platform carries the configured label.
type PersistentMemoryNotFound struct {
	Label string
}

func (e *PersistentMemoryNotFound) Error() string {
	return fmt.Sprintf("memdetect: no partition/volume found with label %q", e.Label)
}

// PlatformProbeFailed covers every other way classification can fail:
// an unreadable /proc/cmdline, an unrecognized boot_dev token, or a
// cmdline that matches neither root= form.
type PlatformProbeFailed struct {
	Reason string
}

func (e *PlatformProbeFailed) Error() string {
	return fmt.Sprintf("memdetect: %s", e.Reason)
}

const (
	bootDevSysfsNode = "/sys/bdinfo/boot_dev"
	cmdlinePath      = "/proc/cmdline"
	defaultMountpoint = "/rw_fs/root"
)

var (
	mmcRootRE = regexp.MustCompile(`root=/dev/(mmcblk\d)`)
	ubiRootRE = regexp.MustCompile(`root=/dev/(ubiblock\d+_\d+)`)
)

// Detector holds the classification result for this boot.
type Detector struct {
	memType    MemoryType
	bootDevice string
	mountpoint string
	label      string
}

// New classifies the platform. /sys must already be mounted (preinit
// stage one) before this is called, since the sysfs probe path depends on
// it; the /proc/cmdline fallback similarly needs /proc mounted.
func New(label, mountpoint string) (*Detector, error) {
	d := &Detector{mountpoint: mountpoint, label: label}

	if err := d.classifyFromSysfs(); err == nil {
		return d, nil
	}

	if err := d.classifyFromCmdline(); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Detector) classifyFromSysfs() error {
	f, err := os.Open(bootDevSysfsNode)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return &PlatformProbeFailed{Reason: fmt.Sprintf("%s is empty", bootDevSysfsNode)}
	}

	token := strings.ToLower(strings.TrimSpace(scanner.Text()))

	switch token {
	case "nand":
		d.memType = NAND

		// boot_dev only tells us the topology is NAND, not which UBI
		// device the rootfs is on; fall through to /proc/cmdline for the
		// real ubiblockX_Y token (original_source/src/persistent_mem_detector.cpp:53-58).
		m := ubiRootRE.FindStringSubmatch(cmdlineOrEmpty())
		if m == nil {
			return &PlatformProbeFailed{Reason: "boot_dev reports nand but cmdline has no ubiblockX_Y root= token"}
		}

		d.bootDevice = m[1]
	case "mmc1":
		d.memType = EMMC
		d.bootDevice = "mmcblk0"
	case "mmc2":
		d.memType = EMMC
		d.bootDevice = "mmcblk1"
	case "mmc3":
		d.memType = EMMC
		d.bootDevice = "mmcblk2"
	default:
		return &PlatformProbeFailed{Reason: fmt.Sprintf("unrecognized boot_dev token %q", token)}
	}

	return nil
}

// cmdlineOrEmpty reads /proc/cmdline, returning "" if it can't be read so
// callers that already have a different fallback path can just fail their
// own regex match instead of juggling a second error.
func cmdlineOrEmpty() string {
	b, err := os.ReadFile(cmdlinePath)
	if err != nil {
		return ""
	}

	return string(b)
}

func (d *Detector) classifyFromCmdline() error {
	cmdline := cmdlineOrEmpty()
	if cmdline == "" {
		return &PlatformProbeFailed{Reason: fmt.Sprintf("cannot open %s", cmdlinePath)}
	}

	if m := mmcRootRE.FindStringSubmatch(cmdline); m != nil {
		d.memType = EMMC
		d.bootDevice = m[1]

		return nil
	}

	if m := ubiRootRE.FindStringSubmatch(cmdline); m != nil {
		d.memType = NAND
		d.bootDevice = m[1]

		return nil
	}

	return &PlatformProbeFailed{Reason: "cmdline matches neither mmcblkN nor ubiblockX_Y root= form"}
}

// MemoryType returns the classified persistent-memory topology.
func (d *Detector) MemoryType() MemoryType { return d.memType }

// BootDevice returns the device token captured during classification
// (e.g. "mmcblk0" or "ubiblock0_0").
func (d *Detector) BootDevice() string { return d.bootDevice }

// Mountpoint returns the configured mountpoint for the persistent
// partition (e.g. /rw_fs/root).
func (d *Detector) Mountpoint() string { return d.mountpoint }

// PersistentDevicePath performs the label lookup described in spec §4.3:
// for eMMC, a block-ID cache scan for the configured LABEL; for NAND, an
// iteration of /sys/class/ubi/ubi<N>/ubi<N>_<k>/name. env is not read: the
// label lookup does not depend on any boot-env variable.
func (d *Detector) PersistentDevicePath(env bootenv.Reader) (string, error) {
	if d.memType == EMMC {
		return persistentEMMCPath(d.label)
	}

	return persistentNANDPath(d.bootDevice, d.label)
}
