package dfu

import (
	"errors"
	"fmt"
	"time"

	"github.com/axonmotion/axflash/pkg/flash"
)

// MaxTransferSize caps the payload of a single DNLOAD/UPLOAD transfer.
// The bootloader advertises its own limit in the DFU functional
// descriptor; everything in the field fits under this.
const MaxTransferSize = 2048

// maxPollTimeout bounds the poll interval a device may request. Beyond
// this the device is considered broken and the operation fails rather
// than retries.
const maxPollTimeout = 10 * time.Second

// DeviceStatus is one GETSTATUS reply.
type DeviceStatus struct {
	Status      Status
	State       State
	PollTimeout time.Duration
	Text        string
}

// Transport drives the DFU state machine of one device. It refuses to
// issue operations that are invalid for the device's current state.
// Not safe for concurrent use; a session owns its transport.
type Transport struct {
	dev         Device
	intf        uint16
	maxTransfer uint32
	mem         *flash.Memory

	sleep func(time.Duration)
}

type Option func(*Transport)

// WithMaxTransferSize lowers the per-block transfer size below
// MaxTransferSize, e.g. when the functional descriptor advertises a
// smaller limit.
func WithMaxTransferSize(n uint32) Option {
	return func(t *Transport) {
		if n > 0 && n < MaxTransferSize {
			t.maxTransfer = n
		}
	}
}

// WithInterface sets the wIndex used on control transfers when the DFU
// interface is not interface 0.
func WithInterface(intf uint16) Option {
	return func(t *Transport) { t.intf = intf }
}

func New(dev Device, opts ...Option) *Transport {
	t := &Transport{
		dev:         dev,
		maxTransfer: MaxTransferSize,
		sleep:       time.Sleep,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Memories lists the device's declared memory regions.
func (t *Transport) Memories() []*flash.Memory {
	return t.dev.Memories()
}

// FindMemory returns the named memory region, or nil.
func (t *Transport) FindMemory(name string) *flash.Memory {
	for _, m := range t.dev.Memories() {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// SelectMemory makes the named region the target of subsequent
// erase/write/read operations by switching to its alternate setting.
func (t *Transport) SelectMemory(name string) error {
	mem := t.FindMemory(name)
	if mem == nil {
		return fmt.Errorf("device has no %q memory", name)
	}
	if err := t.dev.SelectAltSetting(mem.Alt); err != nil {
		return fmt.Errorf("could not select %q: %w", name, err)
	}
	t.mem = mem
	return nil
}

// Memory returns the selected region, or nil.
func (t *Transport) Memory() *flash.Memory {
	return t.mem
}

func (t *Transport) send(req Request, val uint16, data []byte) error {
	if _, err := t.dev.Control(reqTypeSend, uint8(req), val, t.intf, data); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	return nil
}

func (t *Transport) recv(req Request, val uint16, buf []byte) (int, error) {
	n, err := t.dev.Control(reqTypeReceive, uint8(req), val, t.intf, buf)
	if err != nil {
		return n, fmt.Errorf("control: %w", err)
	}
	return n, nil
}

// GetState issues GETSTATE. Unlike GetStatus this does not advance the
// device's state machine.
func (t *Transport) GetState() (State, error) {
	buf := make([]byte, 1)
	n, err := t.recv(RequestGetState, 0, buf)
	if err != nil {
		return StateError, err
	}
	if n != 1 {
		return StateError, fmt.Errorf("state returned %d bytes", n)
	}
	return State(buf[0]), nil
}

// GetStatus issues GETSTATUS and then sleeps for the device-reported
// poll interval, as the protocol requires before the next poll. A poll
// interval over 10 seconds fails fatally.
func (t *Transport) GetStatus() (*DeviceStatus, error) {
	buf := make([]byte, 6)
	n, err := t.recv(RequestGetStatus, 0, buf)
	if err != nil {
		return nil, err
	}
	if n != 6 {
		return nil, fmt.Errorf("status returned %d bytes", n)
	}

	st := &DeviceStatus{
		Status:      Status(buf[0]),
		State:       State(buf[4]),
		PollTimeout: time.Duration(uint32(buf[1])|uint32(buf[2])<<8|uint32(buf[3])<<16) * time.Millisecond,
	}
	if buf[5] != 0 {
		// Status text is best-effort; some bootloaders point at
		// descriptors they never populate.
		st.Text, _ = t.dev.StringDescriptor(int(buf[5]))
	}
	if st.PollTimeout > maxPollTimeout {
		return nil, &Error{
			What:   fmt.Sprintf("Device requested an unreasonable poll interval (%v).", st.PollTimeout),
			Status: st.Status,
			State:  st.State,
			Text:   st.Text,
		}
	}
	t.sleep(st.PollTimeout)
	return st, nil
}

// ClearStatus takes the device out of dfuERROR. It is a no-op in any
// other state, so it is safe to call before starting an operation.
func (t *Transport) ClearStatus() error {
	state, err := t.GetState()
	if err != nil {
		return err
	}
	if state != StateError {
		return nil
	}
	return t.send(RequestClrStatus, 0, nil)
}

// Abort returns the device to dfuIDLE from any of the idle states.
func (t *Transport) Abort() error {
	return t.send(RequestAbort, 0, nil)
}

// Detach asks an application-mode DFU interface to detach within the
// given timeout. Unused by the bootloader flow but part of the class
// protocol.
func (t *Transport) Detach(timeout time.Duration) error {
	return t.send(RequestDetach, uint16(timeout/time.Millisecond), nil)
}

// expectState polls GETSTATUS until the device reaches one of the
// target states. Any observed state outside busy and target fails with
// an *Error carrying the device's status, state and text.
func (t *Transport) expectState(busy, targets []State, what string) error {
	for {
		st, err := t.GetStatus()
		if err != nil {
			return err
		}
		for _, s := range targets {
			if st.State == s {
				return nil
			}
		}
		ok := false
		for _, s := range busy {
			if st.State == s {
				ok = true
			}
		}
		if !ok {
			return &Error{What: what, Status: st.Status, State: st.State, Text: st.Text}
		}
	}
}

// dnload issues a DNLOAD for the given block number. Block 0 carries
// vendor commands; data blocks start at 2.
func (t *Transport) dnload(block uint16, data []byte) error {
	return t.send(RequestDnload, block, data)
}

// upload issues an UPLOAD for the given block number and fills buf
// exactly.
func (t *Transport) upload(block uint16, buf []byte) error {
	n, err := t.recv(RequestUpload, block, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("upload block %d returned %d bytes, wanted %d", block, n, len(buf))
	}
	return nil
}

// command sends a DfuSe vendor command to block 0 and waits out the
// DNBUSY phase.
func (t *Transport) command(what string, cmd ...byte) error {
	if err := t.dnload(0, cmd); err != nil {
		return err
	}
	return t.expectState([]State{StateDnBusy}, []State{StateDnloadIdle}, what)
}

func le32(addr uint32) []byte {
	return []byte{byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24)}
}

// SetAddress points the device's address pointer at addr. Subsequent
// data blocks land at addr + (block-2)*transferSize.
func (t *Transport) SetAddress(addr uint32) error {
	cmd := append([]byte{cmdSetAddressPointer}, le32(addr)...)
	return t.command(fmt.Sprintf("Failed to set address 0x%08x.", addr), cmd...)
}

// Unprotect lifts read protection. The device mass-erases flash and
// resets afterwards; the reset is reported as success.
func (t *Transport) Unprotect() error {
	err := t.command("Failed to read-unprotect.", cmdReadUnprotect)
	if errors.Is(err, ErrDisconnected) {
		return nil
	}
	return err
}

// EraseSector erases the sector starting at sector.Addr. The device
// must be idle; a device sitting in dfuERROR fails the gate before any
// command is issued.
func (t *Transport) EraseSector(sector flash.Sector) error {
	if err := t.expectState(nil, []State{StateIdle, StateDnloadIdle}, "Cannot erase sector."); err != nil {
		return err
	}
	cmd := append([]byte{cmdErase}, le32(sector.Addr)...)
	return t.command(fmt.Sprintf("Failed to erase sector at 0x%08x.", sector.Addr), cmd...)
}

// TransferSize returns the per-block transfer size for a sector:
// gcd(sector length, max transfer size), which evenly divides the
// sector with no remainder block.
func (t *Transport) TransferSize(sector flash.Sector) uint32 {
	return gcd(sector.Len, t.maxTransfer)
}

// WriteSector downloads data (exactly sector.Len bytes) into the
// sector, block by block.
func (t *Transport) WriteSector(sector flash.Sector, data []byte) error {
	if uint32(len(data)) != sector.Len {
		return fmt.Errorf("sector at 0x%08x is %d bytes, got %d bytes of data", sector.Addr, sector.Len, len(data))
	}
	if err := t.expectState(nil, []State{StateIdle, StateDnloadIdle}, "Cannot write sector."); err != nil {
		return err
	}
	if err := t.SetAddress(sector.Addr); err != nil {
		return err
	}

	ts := t.TransferSize(sector)
	for block := uint32(0); block < sector.Len/ts; block++ {
		chunk := data[block*ts : (block+1)*ts]
		if err := t.dnload(uint16(block)+2, chunk); err != nil {
			return fmt.Errorf("block %d: %w", block, err)
		}
		if err := t.expectState(
			[]State{StateDnBusy}, []State{StateDnloadIdle},
			fmt.Sprintf("Failed to write sector at 0x%08x, block %d.", sector.Addr, block),
		); err != nil {
			return err
		}
	}
	return nil
}

// ReadSector uploads the sector's full contents.
func (t *Transport) ReadSector(sector flash.Sector) ([]byte, error) {
	if err := t.expectState(nil, []State{StateIdle, StateDnloadIdle}, "Cannot read sector."); err != nil {
		return nil, err
	}
	if err := t.SetAddress(sector.Addr); err != nil {
		return nil, err
	}
	// Leave dfuDNLOAD-IDLE; reads only work from dfuIDLE or
	// dfuUPLOAD-IDLE.
	if err := t.Abort(); err != nil {
		return nil, err
	}

	ts := t.TransferSize(sector)
	data := make([]byte, sector.Len)
	for block := uint32(0); block < sector.Len/ts; block++ {
		if err := t.upload(uint16(block)+2, data[block*ts:(block+1)*ts]); err != nil {
			return nil, fmt.Errorf("block %d: %w", block, err)
		}
	}
	if err := t.Abort(); err != nil {
		return nil, err
	}
	return data, nil
}

// ExitOutcome describes how the device left DFU mode.
type ExitOutcome int

const (
	// ExitManifested: the device acknowledged the manifest phase and
	// will start the application.
	ExitManifested ExitOutcome = iota
	// ExitDisconnected: the device dropped off the bus while
	// manifesting. This is how most bootloaders signal success, so it
	// is an outcome, not an error.
	ExitDisconnected
)

func (o ExitOutcome) String() string {
	switch o {
	case ExitManifested:
		return "manifested"
	case ExitDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// JumpToApplication points the device at the application's vector
// table and issues the leave transition (a zero-length download). The
// device resets into the application.
func (t *Transport) JumpToApplication(addr uint32) (ExitOutcome, error) {
	if err := t.SetAddress(addr); err != nil {
		return ExitManifested, err
	}
	if err := t.dnload(0, nil); err != nil {
		return ExitManifested, err
	}

	for {
		st, err := t.GetStatus()
		if err != nil {
			var perr *Error
			if errors.As(err, &perr) {
				return ExitManifested, err
			}
			// The device cut the connection while resetting into the
			// application. Expected.
			return ExitDisconnected, nil
		}
		if st.State == StateManifest {
			return ExitManifested, nil
		}
		if st.State != StateManifestSync {
			return ExitManifested, &Error{
				What:   "Failed to exit DFU mode.",
				Status: st.Status,
				State:  st.State,
				Text:   st.Text,
			}
		}
	}
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
