// Package dfutest provides an in-process simulated DfuSe bootloader
// for tests: a software device that implements dfu.Device, keeps
// backing stores for its declared memories and walks the same state
// machine a real STM32 ROM bootloader does.
package dfutest

import (
	"errors"
	"fmt"
	"time"

	"github.com/axonmotion/axflash/pkg/dfu"
	"github.com/axonmotion/axflash/pkg/flash"
)

// LayoutF405 is the internal flash layout of the boards the real tool
// most often meets.
const LayoutF405 = "@Internal Flash  /0x08000000/04*016Kg,01*064Kg,07*128Kg"

// LayoutOTP is the one-time-programmable region holding the hardware
// identity.
const LayoutOTP = "@OTP Memory /0x1FFF7800/01*512 e,01*016 e"

// Device is a simulated DfuSe device. Configure it, hand it to
// dfu.New, and drive the transport as if a board were attached.
// The zero value is not usable; use New.
type Device struct {
	mems   []*flash.Memory
	stores [][]byte

	alt     int
	state   dfu.State
	status  dfu.Status
	addr    uint32
	pending func()

	// PollTimeout is reported in every GETSTATUS reply.
	PollTimeout time.Duration
	// DisconnectOnManifest makes the device drop off the bus when it
	// reaches dfuMANIFEST, like boards that reset immediately.
	DisconnectOnManifest bool

	// Requests records every request code received, in order.
	Requests []dfu.Request

	disconnected bool
	closed       bool
}

// New builds a device from DfuSe layout strings; each becomes one
// memory region behind its own alternate setting, with its backing
// store initialized to the erase value.
func New(layouts ...string) (*Device, error) {
	if len(layouts) == 0 {
		layouts = []string{LayoutF405, LayoutOTP}
	}
	d := &Device{state: dfu.StateIdle}
	for alt, l := range layouts {
		mem, err := flash.ParseMemoryLayout(l)
		if err != nil {
			return nil, err
		}
		mem.Alt = alt
		var size uint32
		for _, s := range mem.Sectors {
			size += s.Len
		}
		store := make([]byte, size)
		for i := range store {
			store[i] = flash.EraseValue
		}
		d.mems = append(d.mems, mem)
		d.stores = append(d.stores, store)
	}
	return d, nil
}

// MustNew is New for tests that configure static layouts.
func MustNew(layouts ...string) *Device {
	d, err := New(layouts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Store returns the backing store of the named memory for inspection
// or fault injection. Offset 0 is the region's base address.
func (d *Device) Store(name string) []byte {
	for i, m := range d.mems {
		if m.Name == name {
			return d.stores[i]
		}
	}
	return nil
}

// SetState forces the device into a state/status pair, e.g. dfuERROR
// left over from a previous session.
func (d *Device) SetState(state dfu.State, status dfu.Status) {
	d.state = state
	d.status = status
}

// State returns the device's current DFU state.
func (d *Device) State() dfu.State { return d.state }

// Closed reports whether Close was called.
func (d *Device) Closed() bool { return d.closed }

// Count returns how many requests with the given code were received.
func (d *Device) Count(req dfu.Request) int {
	n := 0
	for _, r := range d.Requests {
		if r == req {
			n++
		}
	}
	return n
}

func (d *Device) Memories() []*flash.Memory { return d.mems }

func (d *Device) SelectAltSetting(alt int) error {
	if alt < 0 || alt >= len(d.mems) {
		return fmt.Errorf("no alternate setting %d", alt)
	}
	d.alt = alt
	return nil
}

func (d *Device) StringDescriptor(idx int) (string, error) {
	return "", nil
}

func (d *Device) Close() error {
	d.closed = true
	return nil
}

func (d *Device) mem() *flash.Memory { return d.mems[d.alt] }

func (d *Device) base() uint32 { return d.mems[d.alt].Sectors[0].Addr }

func (d *Device) end() uint32 {
	secs := d.mems[d.alt].Sectors
	return secs[len(secs)-1].End()
}

func (d *Device) fail(status dfu.Status) {
	d.state = dfu.StateError
	d.status = status
}

func (d *Device) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if d.disconnected {
		return 0, dfu.ErrDisconnected
	}
	req := dfu.Request(request)
	d.Requests = append(d.Requests, req)

	switch req {
	case dfu.RequestGetState:
		data[0] = uint8(d.state)
		return 1, nil

	case dfu.RequestGetStatus:
		poll := uint32(d.PollTimeout / time.Millisecond)
		data[0] = uint8(d.status)
		data[1] = byte(poll)
		data[2] = byte(poll >> 8)
		data[3] = byte(poll >> 16)
		data[4] = uint8(d.state)
		data[5] = 0
		if d.pending != nil {
			p := d.pending
			d.pending = nil
			p()
		}
		return 6, nil

	case dfu.RequestClrStatus:
		if d.state == dfu.StateError {
			d.state = dfu.StateIdle
			d.status = dfu.StatusOK
		}
		return 0, nil

	case dfu.RequestAbort:
		d.state = dfu.StateIdle
		return 0, nil

	case dfu.RequestDetach:
		return 0, nil

	case dfu.RequestDnload:
		return d.dnload(val, data)

	case dfu.RequestUpload:
		return d.upload(val, data)
	}
	return 0, fmt.Errorf("unsupported request %d", request)
}

func (d *Device) dnload(block uint16, data []byte) (int, error) {
	if d.state != dfu.StateIdle && d.state != dfu.StateDnloadIdle {
		d.fail(dfu.StatusErrStalled)
		return 0, errors.New("DNLOAD stalled")
	}

	// Zero-length download: leave DFU mode via the manifest phase.
	if len(data) == 0 {
		d.state = dfu.StateManifestSync
		d.pending = func() {
			if d.DisconnectOnManifest {
				d.disconnected = true
				return
			}
			d.state = dfu.StateManifest
		}
		return 0, nil
	}

	if block == 0 {
		return len(data), d.vendorCommand(data)
	}
	if block < 2 {
		d.fail(dfu.StatusErrStalled)
		return 0, errors.New("DNLOAD stalled")
	}

	addr := d.addr + uint32(block-2)*uint32(len(data))
	chunk := append([]byte(nil), data...)
	d.state = dfu.StateDnBusy
	d.pending = func() {
		if addr < d.base() || addr+uint32(len(chunk)) > d.end() {
			d.fail(dfu.StatusErrAddress)
			return
		}
		copy(d.stores[d.alt][addr-d.base():], chunk)
		d.state = dfu.StateDnloadIdle
	}
	return len(data), nil
}

func (d *Device) vendorCommand(data []byte) error {
	switch data[0] {
	case 0x21: // set address pointer
		if len(data) != 5 {
			d.fail(dfu.StatusErrStalled)
			return errors.New("malformed SET_ADDRESS_POINTER")
		}
		addr := leAddr(data[1:])
		d.state = dfu.StateDnBusy
		d.pending = func() {
			if addr < d.base() || addr >= d.end() {
				d.fail(dfu.StatusErrAddress)
				return
			}
			d.addr = addr
			d.state = dfu.StateDnloadIdle
		}

	case 0x41: // erase
		if len(data) != 5 {
			d.fail(dfu.StatusErrStalled)
			return errors.New("malformed ERASE")
		}
		addr := leAddr(data[1:])
		d.state = dfu.StateDnBusy
		d.pending = func() {
			sec := d.mem().FindSector(addr)
			if sec == nil {
				d.fail(dfu.StatusErrAddress)
				return
			}
			store := d.stores[d.alt]
			for i := sec.Addr - d.base(); i < sec.End()-d.base(); i++ {
				store[i] = flash.EraseValue
			}
			d.state = dfu.StateDnloadIdle
		}

	case 0x92: // read unprotect: mass erase, then back to idle
		d.state = dfu.StateDnBusy
		d.pending = func() {
			for _, store := range d.stores {
				for i := range store {
					store[i] = flash.EraseValue
				}
			}
			d.state = dfu.StateDnloadIdle
		}

	default:
		d.fail(dfu.StatusErrVendor)
		return fmt.Errorf("unknown vendor command %02x", data[0])
	}
	return nil
}

func (d *Device) upload(block uint16, data []byte) (int, error) {
	if d.state != dfu.StateIdle && d.state != dfu.StateUploadIdle {
		d.fail(dfu.StatusErrStalled)
		return 0, errors.New("UPLOAD stalled")
	}
	if block < 2 {
		d.fail(dfu.StatusErrStalled)
		return 0, errors.New("UPLOAD stalled")
	}
	addr := d.addr + uint32(block-2)*uint32(len(data))
	if addr < d.base() || addr+uint32(len(data)) > d.end() {
		d.fail(dfu.StatusErrAddress)
		return 0, errors.New("UPLOAD stalled")
	}
	copy(data, d.stores[d.alt][addr-d.base():])
	d.state = dfu.StateUploadIdle
	return len(data), nil
}

func leAddr(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
