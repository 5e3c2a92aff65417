// Package update orchestrates a firmware update session: discovery,
// bootloader entry, hardware identification, sector planning, erase,
// write, verify and the jump back into the application.
package update

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/axonmotion/axflash/pkg/devices"
	"github.com/axonmotion/axflash/pkg/dfu"
	"github.com/axonmotion/axflash/pkg/firmware"
	"github.com/axonmotion/axflash/pkg/flash"
	"github.com/axonmotion/axflash/pkg/hwver"
)

// internalFlashName is the memory region firmware is written to.
const internalFlashName = "Internal Flash"

// Progress reports one step of a multi-stage operation so a caller can
// render a progress bar. newGroup marks the first step of a new stage.
type Progress func(newGroup bool, action string, index, total int)

// Locator finds the target device. Implemented by devices.Discovery
// for real hardware and by fakes in tests.
type Locator interface {
	// Race finds the device in whichever population answers first.
	Race(ctx context.Context, serial string, apps devices.AppFinder) (*devices.Target, error)
	// Rediscover waits for a device to re-enumerate as a bootloader
	// after it was commanded to reset.
	Rediscover(ctx context.Context, serial string) (dfu.Device, error)
}

type discoveryLocator struct {
	disc *devices.Discovery
}

func (l discoveryLocator) Race(ctx context.Context, serial string, apps devices.AppFinder) (*devices.Target, error) {
	return l.disc.Race(ctx, serial, apps)
}

func (l discoveryLocator) Rediscover(ctx context.Context, serial string) (dfu.Device, error) {
	bd, err := l.disc.WaitBootloader(ctx, serial)
	if err != nil {
		return nil, err
	}
	return bd, nil
}

// Options configure a session.
type Options struct {
	// Serial restricts discovery to one device. Empty matches the
	// first device found.
	Serial string
	// EraseAll erases the whole internal flash region, not just the
	// sectors the image touches. Erases stored configuration too.
	EraseAll bool
	// Progress receives step-by-step updates. May be nil.
	Progress Progress
	// Apps is the application population's enumeration channel. When
	// nil only bootloader-mode devices are discovered.
	Apps devices.AppFinder
	// Board overrides hardware identification entirely.
	Board hwver.Version
	// ChooseHardware disambiguates among supported boards when neither
	// the device nor its OTP reports an identity. Nil means such
	// devices fail rather than prompt.
	ChooseHardware func(choices []hwver.Version) (int, error)
}

// Session is one update attempt against one device. A session owns
// its device handles exclusively; run it on a dedicated worker when
// non-blocking behavior is needed. Not reusable.
type Session struct {
	loc     Locator
	image   *firmware.Image
	raw     []byte
	opts    Options
	handles *registry
}

// New prepares a session flashing image (with raw being the original
// file bytes, passed through to delegating bootloaders).
func New(disc *devices.Discovery, image *firmware.Image, raw []byte, opts Options) *Session {
	return newSession(discoveryLocator{disc}, image, raw, opts)
}

func newSession(loc Locator, image *firmware.Image, raw []byte, opts Options) *Session {
	return &Session{
		loc:     loc,
		image:   image,
		raw:     raw,
		opts:    opts,
		handles: newRegistry(),
	}
}

// Run executes the session to its terminal state. Once flashing has
// begun the session runs to completion or a fatal error; ctx is only
// observed during discovery waits, since abandoning the device
// mid-sector risks leaving it unbootable.
func (s *Session) Run(ctx context.Context) error {
	defer s.handles.releaseAll()

	slog.Info("Waiting for device...", "serial", s.opts.Serial)
	target, err := s.loc.Race(ctx, s.opts.Serial, s.opts.Apps)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	return pickInstaller(target).install(ctx, s, target)
}

func (s *Session) progress(newGroup bool, action string, index, total int) {
	if s.opts.Progress != nil {
		s.opts.Progress(newGroup, action, index, total)
	}
}

// enterBootloader reboots an application-mode device into the ROM
// bootloader and waits for it to re-enumerate there.
func (s *Session) enterBootloader(ctx context.Context, app devices.AppDevice) (dfu.Device, error) {
	serial := app.SerialNumber()
	h := s.handles.add(app)

	slog.Info("Putting device into bootloader mode...", "serial", serial)
	err := app.EnterDFUMode()
	switch {
	case errors.Is(err, devices.ErrUnsupported):
		s.handles.release(h)
		return nil, &UnsupportedDeviceError{Serial: serial}
	case errors.Is(err, devices.ErrObjectLost):
		// Expected: the device reboots out from under the command.
	case err != nil:
		s.handles.release(h)
		return nil, fmt.Errorf("could not enter bootloader mode: %w", err)
	}
	s.handles.release(h)

	return s.loc.Rediscover(ctx, serial)
}

// identifyHardware establishes which board is attached. Flashing
// blind risks undefined device behavior, so failure here aborts the
// session.
func (s *Session) identifyHardware(tr *dfu.Transport) (hwver.Version, error) {
	if !s.opts.Board.IsZero() {
		return s.opts.Board, nil
	}

	board, otpPresent, err := readOTPVersion(tr)
	if err != nil {
		return hwver.Version{}, err
	}
	if otpPresent {
		if !board.IsZero() {
			slog.Info("Identified hardware", "board", board.DisplayName(), "version", board)
			return board, nil
		}
		// OTP exists but was never programmed. Send the device back to
		// its application rather than leaving it parked in DFU mode.
		if err := tr.SelectMemory(internalFlashName); err == nil {
			_ = tr.ClearStatus()
			if _, err := tr.JumpToApplication(s.image.ResetAddress); err != nil {
				slog.Debug("Could not leave DFU mode", "err", err)
			}
		}
		return hwver.Version{}, &HardwareMismatchError{
			Reason: "could not determine hardware version from OTP; flashing precompiled firmware could lead to unexpected results",
		}
	}

	if s.opts.ChooseHardware == nil {
		return hwver.Version{}, &HardwareMismatchError{
			Reason: "hardware version detection is not supported by this bootloader; pass the board version explicitly",
		}
	}
	choice, err := s.opts.ChooseHardware(hwver.LegacyChoices)
	if err != nil {
		return hwver.Version{}, err
	}
	if choice < 0 || choice >= len(hwver.LegacyChoices) {
		return hwver.Version{}, &HardwareMismatchError{Reason: "no hardware version selected"}
	}
	return hwver.LegacyChoices[choice], nil
}

// flash drives the erase/write/verify/exit sequence over an open
// transport.
func (s *Session) flash(tr *dfu.Transport) error {
	board, err := s.identifyHardware(tr)
	if err != nil {
		return err
	}
	if m := s.image.Manifest; m != nil && !m.HardwareVersion().IsZero() && m.HardwareVersion() != board {
		return &HardwareMismatchError{Device: board, Firmware: m.HardwareVersion()}
	}

	for _, mem := range tr.Memories() {
		for _, sec := range mem.Sectors {
			slog.Debug("Device memory", "region", mem.Name,
				"from", fmt.Sprintf("%08X", sec.Addr), "to", fmt.Sprintf("%08X", sec.End()-1))
		}
	}
	for _, sec := range s.image.Sections {
		slog.Debug("Firmware section", "name", sec.Name,
			"from", fmt.Sprintf("%08X", sec.Addr), "to", fmt.Sprintf("%08X", sec.End()-1))
	}

	mem := tr.FindMemory(internalFlashName)
	if mem == nil {
		return fmt.Errorf("device declares no %q memory", internalFlashName)
	}
	plan := flash.Plan(mem.Sectors, s.image.Sections)
	if len(plan) == 0 {
		return &firmware.FormatError{Reason: "image contains no bytes for the device's flash"}
	}
	for _, e := range plan {
		slog.Debug("Will flash sector",
			"from", fmt.Sprintf("%08X", e.Sector.Addr), "to", fmt.Sprintf("%08X", e.Sector.End()-1))
	}

	if err := tr.SelectMemory(internalFlashName); err != nil {
		return err
	}
	if err := tr.ClearStatus(); err != nil {
		return err
	}

	eraseSectors := make([]flash.Sector, 0, len(plan))
	if s.opts.EraseAll {
		eraseSectors = append(eraseSectors, mem.Sectors...)
	} else {
		for _, e := range plan {
			eraseSectors = append(eraseSectors, e.Sector)
		}
	}
	for i, sector := range eraseSectors {
		s.progress(i == 0, fmt.Sprintf("Erasing... (sector %d/%d)", i+1, len(eraseSectors)), i, len(eraseSectors))
		if err := tr.EraseSector(sector); err != nil {
			return err
		}
	}

	for i, e := range plan {
		s.progress(i == 0, fmt.Sprintf("Flashing... (sector %d/%d)", i+1, len(plan)), i, len(plan))
		if err := tr.WriteSector(e.Sector, e.Data); err != nil {
			return err
		}
	}

	for i, e := range plan {
		s.progress(i == 0, fmt.Sprintf("Verifying... (sector %d/%d)", i+1, len(plan)), i, len(plan))
		observed, err := tr.ReadSector(e.Sector)
		if err != nil {
			return err
		}
		if err := compareSector(e.Sector.Addr, e.Data, observed); err != nil {
			return err
		}
	}

	slog.Info("Starting application", "reset", fmt.Sprintf("%08X", s.image.ResetAddress))
	outcome, err := tr.JumpToApplication(s.image.ResetAddress)
	if err != nil {
		return err
	}
	slog.Debug("Left DFU mode", "outcome", outcome)
	return nil
}

// compareSector reports the first divergence between the planned and
// observed sector contents as a 16-byte-aligned window.
func compareSector(base uint32, expected, observed []byte) error {
	if len(expected) != len(observed) {
		return fmt.Errorf("readback of sector at 0x%08x returned %d bytes, wanted %d", base, len(observed), len(expected))
	}
	for i := range expected {
		if expected[i] == observed[i] {
			continue
		}
		pos := i - i%16
		end := pos + 16
		if end > len(expected) {
			end = len(expected)
		}
		return &VerificationError{
			Addr:     base + uint32(pos),
			Expected: expected[pos:end],
			Observed: observed[pos:end],
		}
	}
	return nil
}

// Handle is a session-scoped index for a device handle held by the
// registry.
type Handle int

// registry tracks the handles a session opens, so that every handle
// is released exactly once even across mode transitions and error
// paths. Owned by the session; there is no global state.
type registry struct {
	next Handle
	open map[Handle]io.Closer
}

func newRegistry() *registry {
	return &registry{open: make(map[Handle]io.Closer)}
}

func (r *registry) add(c io.Closer) Handle {
	h := r.next
	r.next++
	r.open[h] = c
	return h
}

func (r *registry) release(h Handle) {
	if c, ok := r.open[h]; ok {
		c.Close()
		delete(r.open, h)
	}
}

func (r *registry) releaseAll() {
	for h := range r.open {
		r.release(h)
	}
}
