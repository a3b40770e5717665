//
// Copyright © 2016-2021 Solus Project <copyright@getsol.us>
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Command fsstack assembles the device's runtime filesystem view once,
// immediately after kernel handoff, then exits. It takes no flags, reads no
// environment variables, and has no stdin; every input comes from the
// boot-env area, /proc, /sys, and the configuration files under
// config.ConfigPaths.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/getsolus/fsstack/bootenv"
	"github.com/getsolus/fsstack/config"
	"github.com/getsolus/fsstack/configsync"
	"github.com/getsolus/fsstack/log"
	"github.com/getsolus/fsstack/memdetect"
	"github.com/getsolus/fsstack/mount"
	"github.com/getsolus/fsstack/orchestrator"
	"github.com/getsolus/fsstack/preinit"
	"github.com/getsolus/fsstack/securestore"
)

func main() {
	log.SetLogger()

	if err := run(); err != nil {
		slog.Error("fsstack: fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	stager := preinit.New()
	if err := stager.Prepare(); err != nil {
		return fmt.Errorf("staging pseudo-filesystems: %w", err)
	}

	detector, err := memdetect.New(cfg.PersistentLabel, cfg.PersistentRoot)
	if err != nil {
		return fmt.Errorf("classifying persistent-memory topology: %w", err)
	}

	envReader := bootenv.NewShellEnv()

	devicePath, err := detector.PersistentDevicePath(envReader)
	if err != nil {
		return fmt.Errorf("locating persistent partition: %w", err)
	}

	stager.Queue(preinit.MountArgs{
		Source: devicePath,
		Target: detector.Mountpoint(),
		FSType: detector.MemoryType().FSType(),
	})

	if err := stager.Prepare(); err != nil {
		return fmt.Errorf("mounting persistent partition: %w", err)
	}

	inputs, err := bootenv.Read(envReader)
	if err != nil {
		return fmt.Errorf("reading boot-env slot state: %w", err)
	}

	image := bootenv.ResolveImage(inputs)
	imagePath := filepath.Join(cfg.ApplicationRoot, string(image))
	mountDir := filepath.Join(cfg.ApplicationRoot, "current")

	scratch := configsync.NewScratchOverlay()

	configOverlay, err := materializeConfig(cfg, detector, scratch)
	if err != nil {
		return fmt.Errorf("materializing config files: %w", err)
	}

	injected := []mount.ReadOnlyOverlay{configOverlay}

	if overlay, ok, err := extractSecureStore(cfg, detector); err != nil {
		slog.Warn("fsstack: secure-store extraction failed, proceeding without it", "error", err)
	} else if ok {
		injected = append(injected, overlay)
	}

	orch, err := orchestrator.New(cfg.StackLimit)
	if err != nil {
		return fmt.Errorf("constructing overlay orchestrator: %w", err)
	}

	result, err := orch.Run(imagePath, mountDir, "overlay.ini", injected)
	if err != nil {
		return fmt.Errorf("running overlay orchestrator: %w", err)
	}

	slog.Info("fsstack: boot assembly complete",
		"image", image,
		"application_image_mounted", result.ApplicationImageMounted,
		"application_folders_ok", result.ApplicationFoldersOK,
		"persistent_overlays_ok", result.PersistentOverlaysOK,
		"shed_to_minimal", result.ShedToMinimal,
	)

	return nil
}

// materializeConfig writes system.conf and fw_env.config into a sealed
// tmpfs scratch overlay over /etc (spec §4.6), returning the resulting
// ReadOnlyOverlay for injection into the orchestrator.
func materializeConfig(cfg *config.Config, detector *memdetect.Detector, scratch *configsync.ScratchOverlay) (mount.ReadOnlyOverlay, error) {
	ramdiskRoot := filepath.Join(cfg.RamdiskRoot, "etc")

	overlay, err := scratch.Prepare(ramdiskRoot, cfg.ScratchTmpfsSize, "/etc")
	if err != nil {
		return mount.ReadOnlyOverlay{}, err
	}

	memType := detector.MemoryType()
	bootDevice := detector.BootDevice()
	templateDir := filepath.Join(cfg.PersistentRoot, "conf")
	suffix := "emmc"

	if memType == memdetect.NAND {
		suffix = "nand"
	}

	systemConfTemplate := filepath.Join(templateDir, fmt.Sprintf("system.conf.%s", suffix))
	fwEnvTemplate := filepath.Join(templateDir, fmt.Sprintf("fw_env.config.%s", suffix))

	if err := configsync.MaterializeSystemConf(systemConfTemplate, "/etc/system.conf", memType, bootDevice); err != nil {
		slog.Warn("fsstack: system.conf materialization failed", "error", err)
	}

	if err := configsync.MaterializeFwEnvConfig(fwEnvTemplate, "/etc/fw_env.config", memType, bootDevice, "UBootEnv", "/proc/mtd"); err != nil {
		slog.Warn("fsstack: fw_env.config materialization failed", "error", err)
	}

	if err := scratch.Seal(ramdiskRoot); err != nil {
		return mount.ReadOnlyOverlay{}, err
	}

	return overlay, nil
}

// extractSecureStore runs the MTD or eMMC secure-store variant depending on
// the detected memory topology, returning ok=true with the sealed overlay
// on success. Every failure, including a device that ships no secure-store
// image, is returned as an error; run logs it and boots without the overlay.
func extractSecureStore(cfg *config.Config, detector *memdetect.Detector) (mount.ReadOnlyOverlay, bool, error) {
	scratch := configsync.NewScratchOverlay()
	ramdiskRoot := filepath.Join(cfg.RamdiskRoot, "adu")

	extract := func() error {
		var err error

		switch detector.MemoryType() {
		case memdetect.NAND:
			err = securestore.ExtractMTD("/proc/mtd", cfg.SecureMTDLabel, "/rw_fs/root/secure.img", "/adu", ramdiskRoot)
		default:
			devicePath := filepath.Join("/dev", detector.BootDevice())
			err = securestore.ExtractMMC(devicePath, cfg.SecureEMMCSector, "/adu", ramdiskRoot)
		}

		if err != nil {
			return err
		}

		// The rewrite runs before the scratch overlay is sealed, while /adu
		// is still writable. ExtractMTD does not report whether it read the
		// "Secure" partition or the default archive, so the rewrite is
		// flushed on every eMMC boot and never on a NAND boot.
		rewriteX509IfPresent("/adu/adu-conf.json", detector.MemoryType() != memdetect.NAND)

		return nil
	}

	overlay, err := securestore.SealedOverlay(scratch, ramdiskRoot, cfg.ScratchTmpfsSize, extract)
	if err != nil {
		return mount.ReadOnlyOverlay{}, false, err
	}

	return overlay, true, nil
}

// rewriteX509IfPresent rewrites the ADU agent's x509 fields to the
// canonical secure-store certificate locations once extraction has
// populated /adu (spec §4.7). It is best-effort: not every image ships an
// ADU agent config.
func rewriteX509IfPresent(path string, flush bool) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	if err := securestore.RewriteX509Config(path, flush); err != nil {
		slog.Warn("fsstack: x509 config rewrite failed", "path", path, "error", err)
	}
}
