// Package config holds the handful of field-tunable knobs fsstack needs:
// the persistent-data label, the application mount root, the overlay
// stacking cap, the scratch tmpfs size, and the MTD secure-partition label.
// Everything else about an overlay stack comes from the manifest shipped
// inside the application image (package manifest), not from this file.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is the merged system configuration.
type Config struct {
	PersistentLabel string `toml:"persistent_label"` // LABEL of the persistent data partition/volume
	ApplicationRoot  string `toml:"application_root"`  // dir holding app_a.squashfs / app_b.squashfs
	PersistentRoot   string `toml:"persistent_root"`   // mountpoint of the persistent partition
	RamdiskRoot      string `toml:"ramdisk_root"`      // parent of the scratch tmpfs mountpoints (<root>/etc, <root>/adu)
	StackLimit       int    `toml:"stack_limit"`       // max application-folder overlays mounted
	ScratchTmpfsSize string `toml:"scratch_tmpfs_size"`
	SecureMTDLabel   string `toml:"secure_mtd_label"` // substring matched against /proc/mtd entries
	SecureEMMCSector int64  `toml:"secure_emmc_sector"`
}

// ConfigPaths are the locations searched for *.conf files, highest
// precedence first: New loads them back to front, so /etc wins.
var ConfigPaths = []string{
	"/etc/fsstack",
	"/usr/share/fsstack",
}

// ConfigSuffix is the extension a file must have to be glob-loaded.
const ConfigSuffix = ".conf"

// defaults returns the built-in configuration, used when no config file
// exists and as the base onto which config files are layered.
func defaults() *Config {
	return &Config{
		PersistentLabel:  "data",
		ApplicationRoot:  "/rw_fs/root/application",
		PersistentRoot:   "/rw_fs/root",
		RamdiskRoot:      "/ramdisk",
		StackLimit:       8,
		ScratchTmpfsSize: "16M",
		SecureMTDLabel:   "Secure",
		SecureEMMCSector: 1 << 17, // EMMC_SECURE_PART_BLK_NR, passed to securestore.ExtractMMC
	}
}

// New reads all vendor config files (/usr/share) and then the system config
// files (/etc), layering them onto the built-in defaults. Missing config directories are
// not an error: the defaults are enough to boot.
func New() (*Config, error) {
	cfg := defaults()

	// Reverse because /etc takes precedence over /usr/share.
	for i := len(ConfigPaths) - 1; i >= 0; i-- {
		globPat := filepath.Join(ConfigPaths[i], fmt.Sprintf("*%s", ConfigSuffix))

		matches, err := filepath.Glob(globPat)
		if err != nil {
			return nil, fmt.Errorf("config: bad glob pattern %q: %w", globPat, err)
		}

		for _, p := range matches {
			if err := mergeFile(cfg, p); err != nil {
				return nil, err
			}
		}
	}

	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	fi, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer fi.Close()

	b, err := io.ReadAll(fi)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(b), cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	return nil
}
