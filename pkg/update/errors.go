package update

import (
	"errors"
	"fmt"

	"github.com/axonmotion/axflash/pkg/dfu"
	"github.com/axonmotion/axflash/pkg/firmware"
	"github.com/axonmotion/axflash/pkg/hwver"
)

// Category classifies a failed session for callers that branch on the
// failure kind rather than the message.
type Category int

const (
	CategoryIO Category = iota
	CategoryImageFormat
	CategoryHardwareMismatch
	CategoryUnsupportedDevice
	CategoryProtocol
	CategoryVerification
)

func (c Category) String() string {
	switch c {
	case CategoryIO:
		return "io"
	case CategoryImageFormat:
		return "image-format"
	case CategoryHardwareMismatch:
		return "hardware-mismatch"
	case CategoryUnsupportedDevice:
		return "unsupported-device"
	case CategoryProtocol:
		return "protocol"
	case CategoryVerification:
		return "verification"
	}
	return "unknown"
}

// Classify maps any error returned by Session.Run onto its category.
func Classify(err error) Category {
	var (
		ferr *firmware.FormatError
		herr *HardwareMismatchError
		uerr *UnsupportedDeviceError
		derr *dfu.Error
		verr *VerificationError
	)
	switch {
	case errors.As(err, &ferr):
		return CategoryImageFormat
	case errors.As(err, &herr):
		return CategoryHardwareMismatch
	case errors.As(err, &uerr):
		return CategoryUnsupportedDevice
	case errors.As(err, &derr):
		return CategoryProtocol
	case errors.As(err, &verr):
		return CategoryVerification
	}
	return CategoryIO
}

// HardwareMismatchError: the device's identity could not be
// established, or it disagrees with the hardware the firmware image
// targets.
type HardwareMismatchError struct {
	Device   hwver.Version
	Firmware hwver.Version
	Reason   string
}

func (e *HardwareMismatchError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf(
		"firmware targets %s (%s) but the device is %s (%s)",
		e.Firmware.DisplayName(), e.Firmware, e.Device.DisplayName(), e.Device,
	)
}

// UnsupportedDeviceError: the running firmware cannot soft-enter
// bootloader mode. The message names the manual recovery procedure so
// the user can act without consulting documentation.
type UnsupportedDeviceError struct {
	Serial string
}

func (e *UnsupportedDeviceError) Error() string {
	return fmt.Sprintf(
		"the firmware on device %s cannot soft-enter bootloader mode; "+
			"remove power, set the hardware DFU switch to DFU, apply power again, then retry",
		e.Serial,
	)
}

// VerificationError: post-write readback disagrees with the planned
// sector contents. Expected and Observed are the 16-byte-aligned
// windows around the first divergence.
type VerificationError struct {
	Addr     uint32
	Expected []byte
	Observed []byte
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf(
		"verification failed around address 0x%08x:\n  expected: % 02X\n  observed: % 02X",
		e.Addr, e.Expected, e.Observed,
	)
}
