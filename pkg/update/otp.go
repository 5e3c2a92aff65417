package update

import (
	"fmt"
	"log/slog"

	"github.com/axonmotion/axflash/pkg/dfu"
	"github.com/axonmotion/axflash/pkg/hwver"
)

const (
	otpMemoryName = "OTP Memory"
	otpDataAddr   = 0x1fff7800
	otpLockAddr   = 0x1fff7a00

	// otpMagic is the first byte of a programmed OTP record. Without it
	// the decoded triplet is not trusted.
	otpMagic = 0xfe
)

// readOTPVersion reads the hardware identity burned into the OTP
// region. Returns ok=false when the device has no OTP region at the
// expected address; a present but unprogrammed region yields the
// zero Version.
func readOTPVersion(t *dfu.Transport) (v hwver.Version, ok bool, err error) {
	mem := t.FindMemory(otpMemoryName)
	if mem == nil || mem.Sectors[0].Addr != otpDataAddr {
		return hwver.Version{}, false, nil
	}
	sector := mem.FindSector(otpDataAddr)
	if sector == nil {
		return hwver.Version{}, false, nil
	}

	if err := t.SelectMemory(otpMemoryName); err != nil {
		return hwver.Version{}, false, err
	}
	if err := t.ClearStatus(); err != nil {
		return hwver.Version{}, false, err
	}
	data, err := t.ReadSector(*sector)
	if err != nil {
		return hwver.Version{}, false, fmt.Errorf("could not read OTP: %w", err)
	}
	slog.Debug("OTP data", "bytes", fmt.Sprintf("% 02X", data[:32]))
	if lock := mem.FindSector(otpLockAddr); lock != nil {
		if lockData, err := t.ReadSector(*lock); err == nil {
			slog.Debug("OTP lock bytes", "bytes", fmt.Sprintf("% 02X", lockData))
		}
	}

	// Records are written in 16-byte slots; a zeroed first slot means
	// the record was superseded by the next one.
	if data[0] == 0 {
		data = data[16:]
	}
	if data[0] != otpMagic {
		return hwver.Version{}, true, nil
	}
	return hwver.Version{ProductLine: data[3], Version: data[4], Variant: data[5]}, true, nil
}
