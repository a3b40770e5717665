package securestore

import (
	"encoding/json"
	"os"
)

// Canonical rewrite targets for the three x509 identity fields (spec §2 of
// the expanded specification; named constants per the original's ADU
// agent layout).
const (
	CanonicalX509Cert      = "/adu/certs/device.crt"
	CanonicalX509Key       = "/adu/certs/device.key"
	CanonicalX509Container = "/adu/certs/container.p12"
)

// connectionSource mirrors the one shape this module reads out of the
// agent JSON config: the connection type and the three x509 fields.
type connectionSource struct {
	ConnectionType string `json:"connectionType"`
	X509Cert       string `json:"x509_cert"`
	X509Key        string `json:"x509_key"`
	X509Container  string `json:"x509_container"`
}

type agentConfig struct {
	ConnectionSource connectionSource `json:"connectionSource"`
}

type aduConfig struct {
	Agents []agentConfig `json:"agents"`
}

// RewriteX509Config reads the ADU agent JSON config at path, validates that
// its first agent's connection type is x509, and rewrites its x509_cert,
// x509_key, and x509_container fields to the canonical paths if they
// differ. flush controls whether the result is written back; main.go
// passes true on eMMC boots and false on every NAND boot, whether the MTD
// "Secure" partition or the default archive was read.
func RewriteX509Config(path string, flush bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var cfg aduConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}

	if len(cfg.Agents) == 0 {
		return &NotX509{Got: ""}
	}

	src := &cfg.Agents[0].ConnectionSource
	if src.ConnectionType != "x509" {
		return &NotX509{Got: src.ConnectionType}
	}

	changed := false

	if src.X509Cert != CanonicalX509Cert {
		src.X509Cert = CanonicalX509Cert
		changed = true
	}

	if src.X509Key != CanonicalX509Key {
		src.X509Key = CanonicalX509Key
		changed = true
	}

	if src.X509Container != CanonicalX509Container {
		src.X509Container = CanonicalX509Container
		changed = true
	}

	if !flush || !changed {
		return nil
	}

	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, out, 0o644)
}
