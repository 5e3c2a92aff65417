package devices

import (
	"errors"
	"fmt"

	"github.com/google/gousb"

	"github.com/axonmotion/axflash/pkg/dfu"
	"github.com/axonmotion/axflash/pkg/flash"
)

// usbClassDFU identifies a DFU interface setting (class 0xFE
// "application specific", subclass 1).
const (
	usbClassDFU    = 0xfe
	usbSubclassDFU = 1
)

// BootloaderDevice is one physical board enumerated as the ROM
// bootloader, with its DFU interface claimed. It implements
// dfu.Device. Exclusive: one session owns it until Close.
type BootloaderDevice struct {
	usb     *gousb.Device
	cfg     *gousb.Config
	intf    *gousb.Interface
	intfNum int
	serial  string
	mems    []*flash.Memory
}

// openBootloader wraps an already-opened gousb device, reads its
// serial, parses the declared memory map and claims the DFU
// interface. Takes ownership of usb; on error usb is closed.
func openBootloader(usb *gousb.Device) (*BootloaderDevice, error) {
	d := &BootloaderDevice{usb: usb, intfNum: -1}
	if err := d.init(); err != nil {
		usb.Close()
		return nil, err
	}
	return d, nil
}

func (d *BootloaderDevice) init() error {
	serial, err := d.usb.SerialNumber()
	if err != nil {
		return fmt.Errorf("could not read serial number: %w", err)
	}
	d.serial = serial

	if err := d.usb.SetAutoDetach(true); err != nil {
		return fmt.Errorf("could not enable auto-detach: %w", err)
	}

	cfgNum, err := d.usb.ActiveConfigNum()
	if err != nil {
		return fmt.Errorf("could not get active config: %w", err)
	}
	cfgDesc, ok := d.usb.Desc.Configs[cfgNum]
	if !ok {
		return fmt.Errorf("no descriptor for config %d", cfgNum)
	}

	// Each memory region is an alternate setting of the DFU interface,
	// described by a layout string.
	for _, id := range cfgDesc.Interfaces {
		for _, alt := range id.AltSettings {
			if alt.Class != usbClassDFU || alt.SubClass != usbSubclassDFU {
				continue
			}
			name, err := d.usb.InterfaceDescription(cfgNum, id.Number, alt.Alternate)
			if err != nil {
				return fmt.Errorf("could not read interface description: %w", err)
			}
			mem, err := flash.ParseMemoryLayout(name)
			if err != nil {
				return fmt.Errorf("interface %d alt %d: %w", id.Number, alt.Alternate, err)
			}
			mem.Alt = alt.Alternate
			d.mems = append(d.mems, mem)
			d.intfNum = id.Number
		}
	}
	if len(d.mems) == 0 {
		return fmt.Errorf("device declares no DFU memories")
	}

	cfg, err := d.usb.Config(cfgNum)
	if err != nil {
		return fmt.Errorf("could not claim config %d: %w", cfgNum, err)
	}
	d.cfg = cfg
	return d.SelectAltSetting(d.mems[0].Alt)
}

// SerialNumber returns the device serial from its string descriptors.
func (d *BootloaderDevice) SerialNumber() string {
	return d.serial
}

// InterfaceNumber returns the claimed DFU interface number, used as
// wIndex on control transfers.
func (d *BootloaderDevice) InterfaceNumber() int {
	return d.intfNum
}

func (d *BootloaderDevice) Memories() []*flash.Memory {
	return d.mems
}

func (d *BootloaderDevice) SelectAltSetting(alt int) error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	intf, err := d.cfg.Interface(d.intfNum, alt)
	if err != nil {
		return fmt.Errorf("could not claim interface %d alt %d: %w", d.intfNum, alt, usbErr(err))
	}
	d.intf = intf
	return nil
}

func (d *BootloaderDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := d.usb.Control(rType, request, val, idx, data)
	if err != nil {
		return n, usbErr(err)
	}
	return n, nil
}

func (d *BootloaderDevice) StringDescriptor(idx int) (string, error) {
	s, err := d.usb.GetStringDescriptor(idx)
	if err != nil {
		return "", usbErr(err)
	}
	return s, nil
}

// Close releases the interface claim and the device. The handle is
// dead afterwards.
func (d *BootloaderDevice) Close() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.cfg != nil {
		d.cfg.Close()
		d.cfg = nil
	}
	if d.usb == nil {
		return nil
	}
	return d.usb.Close()
}

// usbErr maps a gone-device transfer error onto dfu.ErrDisconnected so
// callers can tell an expected reboot from a broken transfer.
func usbErr(err error) error {
	if errors.Is(err, gousb.ErrorNoDevice) {
		return fmt.Errorf("%w: %v", dfu.ErrDisconnected, err)
	}
	return err
}
