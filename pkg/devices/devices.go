// Package devices locates Axon controllers over USB, in either of
// their two populations: boards already enumerated as the STM32 ROM
// bootloader (DfuSe), and boards running application firmware, which
// are reached through the application's own channel.
package devices

import (
	"context"
	"errors"

	"github.com/google/gousb"

	"github.com/axonmotion/axflash/pkg/hwver"
)

// Description is a USB identity a bootloader-mode board enumerates
// with.
type Description struct {
	VID, PID gousb.ID
}

// Bootloader is the STM32 ROM bootloader identity. All supported
// boards share it; individual boards are told apart by serial number.
var Bootloader = Description{VID: 0x0483, PID: 0xdf11}

// ErrObjectLost is reported by application channels when the device
// drops mid-command. Commands that reboot the device (entering
// bootloader mode) are expected to end this way.
var ErrObjectLost = errors.New("device object lost")

// AppDevice is a controller running application firmware, reached
// through the application's enumeration channel. That channel is an
// external collaborator; the update engine only consumes this surface.
type AppDevice interface {
	// SerialNumber returns the device serial as printed on the board,
	// upper-case hex.
	SerialNumber() string

	// HardwareVersion reports the board identity, when the firmware
	// exposes it.
	HardwareVersion() (hwver.Version, bool)

	// FirmwareVersion reports the running firmware's semantic version,
	// when exposed.
	FirmwareVersion() (major, minor, revision uint8, ok bool)

	// BootloaderVersion reports the installed bootloader version, or
	// ok=false on boards without one.
	BootloaderVersion() (uint32, bool)

	// EnterDFUMode commands a reboot into the ROM bootloader. The
	// device reboots on success, so ErrObjectLost is the usual outcome.
	// ErrUnsupported means the firmware predates soft DFU entry.
	EnterDFUMode() error

	Close() error
}

// ErrUnsupported is returned by EnterDFUMode when the running firmware
// cannot soft-enter bootloader mode.
var ErrUnsupported = errors.New("not supported by device firmware")

// DelegatedInstaller is implemented by application devices whose
// installed bootloader can run the whole installation itself. Probed
// by the orchestrator; never assumed.
type DelegatedInstaller interface {
	// RunInstallation streams the firmware to the device's bootloader,
	// which performs erase/write/verify on its own, reporting progress
	// back.
	RunInstallation(image []byte, eraseAll bool, progress func(newGroup bool, action string, index, total int)) error
}

// AppFinder locates a device in the application population, blocking
// until one matching the serial (or any, when serial is empty)
// appears or ctx ends. Implementations poll their own enumeration
// channel.
type AppFinder interface {
	Find(ctx context.Context, serial string) (AppDevice, error)
}
