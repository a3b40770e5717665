package bootenv

import (
	"fmt"
	"os/exec"
	"strings"
)

// ShellEnv is a Reader backed by shelling out to fw_printenv, the fallback
// path the original C++ source's u-boot.cpp takes when the boot-env
// library itself isn't linkable (see SPEC_FULL.md "Supplemented features").
// main.go uses ShellEnv: the boot-env library proper is a vendor-specific
// black box outside this module's reach (spec §6), and fw_printenv is the
// portable userspace tool that talks to the same U-Boot environment area.
// Env remains available for platforms that do link the real library.
type ShellEnv struct {
	// runner is injectable so tests don't need fw_printenv on PATH.
	runner func(name string) (string, error)
}

// NewShellEnv returns a ShellEnv that shells out to fw_printenv.
func NewShellEnv() *ShellEnv {
	return &ShellEnv{runner: runFwPrintenv}
}

func runFwPrintenv(name string) (string, error) {
	out, err := exec.Command("fw_printenv", "-n", name).Output()
	if err != nil {
		return "", fmt.Errorf("bootenv: fw_printenv %s: %w", name, err)
	}

	return strings.TrimRight(string(out), "\n"), nil
}

func (s *ShellEnv) GetString(name string) (string, error) {
	v, err := s.runner(name)
	if err != nil {
		return "", &EnvVarMissing{Name: name}
	}

	return v, nil
}

func (s *ShellEnv) GetAllowedString(name string, allowed []string) (string, error) {
	v, err := s.GetString(name)
	if err != nil {
		return "", err
	}

	return checkAllowedString(name, v, allowed)
}

func (s *ShellEnv) GetAllowedUint8(name string, allowed []uint8) (uint8, error) {
	v, err := s.GetString(name)
	if err != nil {
		return 0, err
	}

	return checkAllowedUint8(name, v, allowed)
}

func (s *ShellEnv) GetAllowedRune(name string, allowed []rune) (rune, error) {
	v, err := s.GetString(name)
	if err != nil {
		return 0, err
	}

	if len(v) != 1 {
		return 0, &EnvVarNotAllowed{Name: name, Got: v}
	}

	r := rune(v[0])
	for _, a := range allowed {
		if r == a {
			return r, nil
		}
	}

	return 0, &EnvVarNotAllowed{Name: name, Got: v}
}
