// Package engineerr names the fatal startup-error categories shared by
// cmd/gbemu and cmd/cpurunner, so callers can branch with errors.Is instead
// of matching error strings.
package engineerr

import "errors"

var (
	// ErrUnsupportedMBC is returned when a ROM header names a cartridge
	// type this engine has no banking implementation for.
	ErrUnsupportedMBC = errors.New("unsupported cartridge (MBC) type")

	// ErrCorruptROM is returned when a ROM image is too small to contain a
	// valid header or otherwise fails basic sanity checks.
	ErrCorruptROM = errors.New("corrupt or truncated ROM image")

	// ErrBadBootROMSize is returned when a boot ROM file doesn't match
	// either the DMG (256 byte) or CGB (2304 byte) boot ROM size.
	ErrBadBootROMSize = errors.New("boot ROM has an unexpected size")

	// ErrNoROMInArchive is returned when a .zip was given but it contains
	// no .gb/.gbc entry.
	ErrNoROMInArchive = errors.New("zip archive contains no .gb/.gbc ROM")
)
