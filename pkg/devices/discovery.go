package devices

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/hashicorp/go-multierror"

	"github.com/axonmotion/axflash/pkg/dfu"
)

// rediscoverInterval bounds how often the bootloader population is
// re-enumerated while waiting for a device to (re)appear. USB
// re-enumeration is not synchronous with the command that caused it.
var rediscoverInterval = time.Second

// Discovery owns one USB context and locates target devices. One
// Discovery serves one update session; Close releases the context.
type Discovery struct {
	ctx  *gousb.Context
	desc Description

	// openAll is swapped out by tests.
	openAll func() ([]*BootloaderDevice, error)
}

// New opens a USB context for discovery of the standard bootloader
// identity.
func New() (*Discovery, error) {
	return NewWithDescription(Bootloader)
}

// NewWithDescription discovers bootloader devices with a non-standard
// VID/PID pair.
func NewWithDescription(desc Description) (*Discovery, error) {
	ctx, err := newContext()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize USB: %w", err)
	}
	d := &Discovery{ctx: ctx, desc: desc}
	d.openAll = d.openAllUSB
	return d, nil
}

// newContext initializes gousb, recovering from the panic it raises
// when no usable libusb backend exists.
func newContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			ctx, err = nil, fmt.Errorf("%v", r)
		}
	}()
	return gousb.NewContext(), nil
}

func (d *Discovery) Close() error {
	return d.ctx.Close()
}

func (d *Discovery) openAllUSB() ([]*BootloaderDevice, error) {
	devs, err := d.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == d.desc.VID && desc.Product == d.desc.PID
	})
	// OpenDevices can return both opened devices and an error for the
	// ones it could not open.
	var errs error
	if err != nil {
		errs = multierror.Append(errs, err)
	}

	var out []*BootloaderDevice
	for _, dev := range devs {
		bd, err := openBootloader(dev)
		if err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		out = append(out, bd)
	}
	if len(out) > 0 {
		// Some devices opened; per-device failures are logged, not
		// fatal.
		if errs != nil {
			slog.Debug("Some bootloader devices could not be opened", "err", errs)
		}
		return out, nil
	}
	return nil, errs
}

// OpenBootloader enumerates the bootloader population once and
// returns the device matching serial, or the first device when serial
// is empty. Returns nil without error when nothing matches.
func (d *Discovery) OpenBootloader(serial string) (*BootloaderDevice, error) {
	devs, err := d.openAll()
	if err != nil {
		return nil, err
	}
	var match *BootloaderDevice
	for _, dev := range devs {
		if match == nil && (serial == "" || dev.SerialNumber() == serial) {
			match = dev
			continue
		}
		dev.Close()
	}
	return match, nil
}

// WaitBootloader polls the bootloader population until a match
// appears or ctx ends. Used both for initial discovery and for
// re-discovery after the device was commanded to reset.
func (d *Discovery) WaitBootloader(ctx context.Context, serial string) (*BootloaderDevice, error) {
	for {
		dev, err := d.OpenBootloader(serial)
		if err != nil {
			return nil, err
		}
		if dev != nil {
			slog.Debug("Found bootloader device", "serial", dev.SerialNumber())
			return dev, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(rediscoverInterval):
		}
	}
}

// Target is the outcome of discovery: exactly one of Boot or App is
// set.
type Target struct {
	Boot       dfu.Device
	BootSerial string
	App        AppDevice
}

// Close releases whichever handle the target holds.
func (t *Target) Close() error {
	if t.Boot != nil {
		return t.Boot.Close()
	}
	if t.App != nil {
		return t.App.Close()
	}
	return nil
}

// Race waits for the device in either population, whichever is found
// first, and cancels the other lookup. The loser's handle is closed
// before Race returns; the winner's handle is owned by the returned
// Target. With a nil AppFinder only the bootloader population is
// searched.
func (d *Discovery) Race(ctx context.Context, serial string, apps AppFinder) (*Target, error) {
	if apps == nil {
		dev, err := d.WaitBootloader(ctx, serial)
		if err != nil {
			return nil, err
		}
		return &Target{Boot: dev, BootSerial: dev.SerialNumber()}, nil
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		target *Target
		err    error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		dev, err := d.WaitBootloader(rctx, serial)
		if err != nil {
			results <- result{err: err}
			return
		}
		results <- result{target: &Target{Boot: dev, BootSerial: dev.SerialNumber()}}
	}()
	go func() {
		defer wg.Done()
		dev, err := apps.Find(rctx, serial)
		if err != nil {
			results <- result{err: err}
			return
		}
		results <- result{target: &Target{App: dev}}
	}()

	var winner *Target
	var errs error
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			if rctx.Err() == nil {
				errs = multierror.Append(errs, res.err)
			}
			continue
		}
		if winner == nil {
			winner = res.target
			// Cancel the other population's lookup; its result (if
			// any) is drained and closed by the next iteration.
			cancel()
			continue
		}
		res.target.Close()
	}
	wg.Wait()

	if winner == nil {
		if errs != nil {
			return nil, errs
		}
		return nil, ctx.Err()
	}
	return winner, nil
}
