// Package bootenv wraps the boot-loader environment as a narrow, typed
// key/value store. The environment itself (reading/writing the U-Boot/RAUC
// env area) is an external black box per spec §6; this package only
// constrains the shapes values are allowed to take.
package bootenv

import (
	"fmt"
	"strconv"
	"strings"
)

// Reader is the external boot-env library's black-box interface, reduced to
// the handful of typed lookups fsstack needs. Implementations: Env (backed
// by the real library) and ShellEnv (backed by fw_printenv, the one main.go
// uses, for wherever the library isn't linkable — see original_source's
// u-boot.cpp fallback).
type Reader interface {
	// GetString returns an unconstrained string value.
	GetString(name string) (string, error)
	// GetAllowedString returns a string value, erroring if it is not one of
	// allowed.
	GetAllowedString(name string, allowed []string) (string, error)
	// GetAllowedUint8 returns a uint8 value, erroring if it is not one of
	// allowed.
	GetAllowedUint8(name string, allowed []uint8) (uint8, error)
	// GetAllowedRune returns a single-character value, erroring if it is
	// not one of allowed.
	GetAllowedRune(name string, allowed []rune) (rune, error)
}

// EnvVarNotAllowed is returned when a boot-env value exists but falls
// outside its allowed set.
type EnvVarNotAllowed struct {
	Name    string
	Got     string
	Allowed []string
}

func (e *EnvVarNotAllowed) Error() string {
	return fmt.Sprintf("bootenv: variable %q has disallowed value %q (allowed: %s)",
		e.Name, e.Got, strings.Join(e.Allowed, ", "))
}

// EnvVarMissing is returned when a boot-env variable is absent entirely.
type EnvVarMissing struct {
	Name string
}

func (e *EnvVarMissing) Error() string {
	return fmt.Sprintf("bootenv: variable %q is not set", e.Name)
}

// checkAllowedString validates v is a member of allowed.
func checkAllowedString(name, v string, allowed []string) (string, error) {
	for _, a := range allowed {
		if v == a {
			return v, nil
		}
	}

	return "", &EnvVarNotAllowed{Name: name, Got: v, Allowed: allowed}
}

// checkAllowedUint8 parses v as a uint8 and validates membership in allowed.
func checkAllowedUint8(name, v string, allowed []uint8) (uint8, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 8)
	if err != nil {
		return 0, fmt.Errorf("bootenv: variable %q value %q is not a valid uint8: %w", name, v, err)
	}

	for _, a := range allowed {
		if uint8(n) == a {
			return uint8(n), nil
		}
	}

	allowedStrs := make([]string, len(allowed))
	for i, a := range allowed {
		allowedStrs[i] = strconv.Itoa(int(a))
	}

	return 0, &EnvVarNotAllowed{Name: name, Got: v, Allowed: allowedStrs}
}
