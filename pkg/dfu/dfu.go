// Package dfu implements the USB DFU-class protocol with the DfuSe
// vendor extensions (set address pointer, sector erase, read
// unprotect) used by the STM32 ROM bootloader.
package dfu

import (
	"errors"
	"fmt"

	"github.com/axonmotion/axflash/pkg/flash"
)

type Request uint8

const (
	RequestDetach    Request = 0
	RequestDnload    Request = 1
	RequestUpload    Request = 2
	RequestGetStatus Request = 3
	RequestClrStatus Request = 4
	RequestGetState  Request = 5
	RequestAbort     Request = 6
)

// bmRequestType values for class requests against an interface.
const (
	reqTypeSend    = 0x21
	reqTypeReceive = 0xa1
)

// DfuSe vendor commands, sent as the first byte of a DNLOAD to block 0.
const (
	cmdSetAddressPointer = 0x21
	cmdErase             = 0x41
	cmdReadUnprotect     = 0x92
)

// Status is the device-reported error code from GETSTATUS.
type Status uint8

const (
	StatusOK          Status = 0x00
	StatusErrTarget   Status = 0x01
	StatusErrFile     Status = 0x02
	StatusErrWrite    Status = 0x03
	StatusErrErase    Status = 0x04
	StatusErrCheck    Status = 0x05
	StatusErrProg     Status = 0x06
	StatusErrVerify   Status = 0x07
	StatusErrAddress  Status = 0x08
	StatusErrNotDone  Status = 0x09
	StatusErrFirmware Status = 0x0a
	StatusErrVendor   Status = 0x0b
	StatusErrUsbR     Status = 0x0c
	StatusErrPOR      Status = 0x0d
	StatusErrUnknown  Status = 0x0e
	StatusErrStalled  Status = 0x0f
)

var statusNames = [...]string{
	StatusOK:          "OK",
	StatusErrTarget:   "errTARGET",
	StatusErrFile:     "errFILE",
	StatusErrWrite:    "errWRITE",
	StatusErrErase:    "errERASE",
	StatusErrCheck:    "errCHECK_ERASED",
	StatusErrProg:     "errPROG",
	StatusErrVerify:   "errVERIFY",
	StatusErrAddress:  "errADDRESS",
	StatusErrNotDone:  "errNOTDONE",
	StatusErrFirmware: "errFIRMWARE",
	StatusErrVendor:   "errVENDOR",
	StatusErrUsbR:     "errUSBR",
	StatusErrPOR:      "errPOR",
	StatusErrUnknown:  "errUNKNOWN",
	StatusErrStalled:  "errSTALLEDPKT",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// State is the device-reported DFU state from GETSTATUS/GETSTATE.
type State uint8

const (
	StateAppIdle           State = 0
	StateAppDetach         State = 1
	StateIdle              State = 2
	StateDnloadSync        State = 3
	StateDnBusy            State = 4
	StateDnloadIdle        State = 5
	StateManifestSync      State = 6
	StateManifest          State = 7
	StateManifestWaitReset State = 8
	StateUploadIdle        State = 9
	StateError             State = 10
)

var stateNames = [...]string{
	StateAppIdle:           "appIDLE",
	StateAppDetach:         "appDETACH",
	StateIdle:              "dfuIDLE",
	StateDnloadSync:        "dfuDNLOAD-SYNC",
	StateDnBusy:            "dfuDNBUSY",
	StateDnloadIdle:        "dfuDNLOAD-IDLE",
	StateManifestSync:      "dfuMANIFEST-SYNC",
	StateManifest:          "dfuMANIFEST",
	StateManifestWaitReset: "dfuMANIFEST-WAIT-RESET",
	StateUploadIdle:        "dfuUPLOAD-IDLE",
	StateError:             "dfuERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ErrDisconnected is reported by Device implementations when the
// device has dropped off the bus. During the manifest phase this is
// the expected success signal, everywhere else it is fatal.
var ErrDisconnected = errors.New("device disconnected")

// Error is a protocol-level failure: the device reported a
// state/status combination not valid for the attempted operation.
type Error struct {
	What   string
	Status Status
	State  State
	Text   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s Device responded with %s, %s, %q.", e.What, e.Status, e.State, e.Text)
}

// Device is a session-scoped binding to one physical USB device in
// bootloader mode. Implementations wrap either a real USB device or a
// simulated one; ownership is exclusive and Close releases the
// underlying interface claim.
type Device interface {
	// Control performs a USB control transfer and returns the number of
	// bytes moved.
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)

	// StringDescriptor resolves a string descriptor index, used for DFU
	// status texts.
	StringDescriptor(idx int) (string, error)

	// SelectAltSetting switches the DFU interface to the alternate
	// setting exposing one of the device's memories.
	SelectAltSetting(alt int) error

	// Memories lists the memory regions the device declared through its
	// interface descriptor strings.
	Memories() []*flash.Memory

	Close() error
}
