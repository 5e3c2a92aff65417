// Package firmware parses compiled firmware images. An image is a
// plain ELF object file; the loadable program segments describe what
// goes into flash, the .isr_vector section locates the application's
// vector table, and an optional .fw_manifest section carries version
// and target-hardware metadata.
package firmware

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/axonmotion/axflash/pkg/hwver"
)

// FormatError indicates that the firmware container could not be
// understood: not an ELF file, no vector table, or a corrupt manifest.
type FormatError struct {
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid firmware image: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid firmware image: %s", e.Reason)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Section is a contiguous run of bytes to be placed in flash at Addr.
type Section struct {
	Name string
	Addr uint32
	Data []byte
}

// End returns the first address past the section, half-open.
func (s *Section) End() uint32 {
	return s.Addr + uint32(len(s.Data))
}

// manifestMagic marks a valid .fw_manifest section ("AXFW").
const manifestMagic = 0x41584657

// Manifest is the metadata block linkers embed into release builds.
// Matches the on-flash layout, little-endian.
type Manifest struct {
	Magic     uint32
	FwVersion [4]uint8 // major, minor, revision, unreleased
	Hw        [4]uint8 // product line, version, variant, reserved
	Reserved  [32]uint8
	Build     [20]uint8
}

// FwVersionString renders the firmware semantic version, with a "-dev"
// suffix on unreleased builds.
func (m *Manifest) FwVersionString() string {
	s := fmt.Sprintf("%d.%d.%d", m.FwVersion[0], m.FwVersion[1], m.FwVersion[2])
	if m.FwVersion[3] != 0 {
		s += "-dev"
	}
	return s
}

// HardwareVersion returns the board this image was built for.
func (m *Manifest) HardwareVersion() hwver.Version {
	return hwver.Version{ProductLine: m.Hw[0], Version: m.Hw[1], Variant: m.Hw[2]}
}

// BuildID returns the build identifier (a commit hash) as hex.
func (m *Manifest) BuildID() string {
	return fmt.Sprintf("%x", m.Build)
}

// Image is a parsed firmware file.
type Image struct {
	// Sections are the loadable flash sections, in file order. Zero-fill
	// sections (.bss and friends) carry no bytes and are excluded.
	Sections []Section
	// ResetAddress is the address of the interrupt vector table, where
	// the bootloader jumps after flashing.
	ResetAddress uint32
	// Manifest is nil for images built without the manifest fragment.
	Manifest *Manifest
}

// Load reads and parses the firmware file at path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read firmware: %w", err)
	}
	return Parse(data)
}

// Parse parses raw firmware bytes.
func Parse(data []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, &FormatError{Reason: "not an ELF file", Err: err}
	}
	defer f.Close()

	img := &Image{}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		for _, sec := range f.Sections {
			s, err := cropToSegment(sec, prog)
			if err != nil {
				return nil, err
			}
			if s != nil {
				img.Sections = append(img.Sections, *s)
			}
		}
	}

	vt := f.Section(".isr_vector")
	if vt == nil {
		return nil, &FormatError{Reason: "no .isr_vector section"}
	}
	img.ResetAddress = uint32(vt.Addr)

	if ms := f.Section(".fw_manifest"); ms != nil {
		m, err := parseManifest(ms)
		if err != nil {
			return nil, err
		}
		img.Manifest = m
	}
	return img, nil
}

// cropToSegment translates sec's virtual address into prog's physical
// address space and crops it to the segment's on-disk size. Returns
// nil if the section does not belong to the segment or has no bytes
// left after cropping.
func cropToSegment(sec *elf.Section, prog *elf.Prog) (*Section, error) {
	if sec.Flags&elf.SHF_ALLOC == 0 || sec.Type == elf.SHT_NOBITS || sec.Size == 0 {
		return nil, nil
	}
	if sec.Addr < prog.Vaddr || sec.Addr+sec.Size > prog.Vaddr+prog.Memsz {
		return nil, nil
	}

	// Virtual to physical: the segment is loaded at Paddr but linked
	// at Vaddr.
	addr := sec.Addr - prog.Vaddr + prog.Paddr
	start, end := addr, addr+sec.Size
	if start < prog.Paddr {
		start = prog.Paddr
	}
	if last := prog.Paddr + prog.Filesz; end > last {
		end = last
	}
	if end <= start {
		return nil, nil
	}

	data, err := sec.Data()
	if err != nil {
		return nil, &FormatError{Reason: fmt.Sprintf("could not read section %s", sec.Name), Err: err}
	}
	return &Section{
		Name: sec.Name,
		Addr: uint32(start),
		Data: data[start-addr : end-addr],
	}, nil
}

func parseManifest(sec *elf.Section) (*Manifest, error) {
	data, err := sec.Data()
	if err != nil {
		return nil, &FormatError{Reason: "could not read manifest", Err: err}
	}
	var m Manifest
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &m); err != nil {
		return nil, &FormatError{Reason: "truncated manifest", Err: err}
	}
	if m.Magic != manifestMagic {
		return nil, &FormatError{Reason: fmt.Sprintf("bad manifest magic %08x", m.Magic)}
	}
	return &m, nil
}
