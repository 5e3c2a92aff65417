package update

import (
	"context"
	"log/slog"

	"github.com/axonmotion/axflash/pkg/devices"
	"github.com/axonmotion/axflash/pkg/dfu"
)

// minDelegatedBootloader is the lowest bootloader version whose
// on-device installer is trusted with the whole update.
const minDelegatedBootloader = 0x00010000

// installer runs one update path. The orchestration above it (locate,
// classify) is shared; only the flashing mechanism differs.
type installer interface {
	install(ctx context.Context, s *Session, target *devices.Target) error
}

// pickInstaller selects the delegated path when the application
// device advertises a new enough bootloader, the legacy host-driven
// path otherwise.
func pickInstaller(target *devices.Target) installer {
	if target.App != nil {
		if del, ok := target.App.(devices.DelegatedInstaller); ok {
			if v, ok := target.App.BootloaderVersion(); ok && v >= minDelegatedBootloader {
				return &delegatedInstaller{dev: del}
			}
		}
	}
	return &legacyInstaller{}
}

// legacyInstaller drives the bootloader over raw DFU from the host:
// reboot into DFU mode if needed, then erase, write and verify each
// sector.
type legacyInstaller struct{}

func (legacyInstaller) install(ctx context.Context, s *Session, target *devices.Target) error {
	var boot dfu.Device
	if target.App != nil {
		var err error
		boot, err = s.enterBootloader(ctx, target.App)
		if err != nil {
			return err
		}
	} else {
		boot = target.Boot
	}
	s.handles.add(boot)

	opts := []dfu.Option{}
	if bd, ok := boot.(*devices.BootloaderDevice); ok {
		opts = append(opts, dfu.WithInterface(uint16(bd.InterfaceNumber())))
	}
	return s.flash(dfu.New(boot, opts...))
}

// delegatedInstaller hands the raw image to the device's own
// bootloader, which performs erase, write and verification itself and
// streams progress back.
type delegatedInstaller struct {
	dev devices.DelegatedInstaller
}

func (d *delegatedInstaller) install(ctx context.Context, s *Session, target *devices.Target) error {
	s.handles.add(target.App)
	slog.Info("Delegating installation to device bootloader", "serial", target.App.SerialNumber())
	return d.dev.RunInstallation(s.raw, s.opts.EraseAll, s.progress)
}
