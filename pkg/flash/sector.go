// Package flash models on-device flash geometry and computes sector
// write plans. Devices describe their own geometry through DfuSe
// interface descriptor strings; nothing here is hardcoded per chip.
package flash

import (
	"fmt"
	"strconv"
	"strings"
)

// Sector is a fixed erase unit of a memory region.
type Sector struct {
	Addr uint32
	Len  uint32
	// Mode is the DfuSe access mode letter from the layout string
	// ('a'..'g', encoding readable/erasable/writable bits).
	Mode byte
}

// End returns the first address past the sector, half-open.
func (s Sector) End() uint32 {
	return s.Addr + s.Len
}

// Memory is one memory region on a device, selected through a USB
// alternate setting. Its sectors are contiguous and non-overlapping;
// the region is exactly their ordered concatenation.
type Memory struct {
	Name    string
	Alt     int
	Sectors []Sector
}

var sizeMultipliers = map[byte]uint32{' ': 1, 'K': 1024, 'M': 1024 * 1024}

// ParseMemoryLayout parses a DfuSe memory interface string such as
//
//	@Internal Flash  /0x08000000/04*016Kg,01*064Kg,07*128Kg
//
// into a Memory. The caller fills in Alt from the descriptor the
// string came from.
func ParseMemoryLayout(desc string) (*Memory, error) {
	parts := strings.Split(desc, "/")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid memory layout %q", desc)
	}
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[0]), "@"))

	base, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid base address in %q: %w", desc, err)
	}

	mem := &Memory{Name: name}
	addr := uint32(base)
	for _, spec := range strings.Split(parts[2], ",") {
		repeat, size, mode, err := parseSectorSpec(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid sector spec in %q: %w", desc, err)
		}
		for ; repeat > 0; repeat-- {
			mem.Sectors = append(mem.Sectors, Sector{Addr: addr, Len: size, Mode: mode})
			addr += size
		}
	}
	if len(mem.Sectors) == 0 {
		return nil, fmt.Errorf("no sectors in %q", desc)
	}
	return mem, nil
}

// parseSectorSpec parses one "<repeat>*<size><unit><mode>" element,
// e.g. "04*016Kg" or "01*512 e".
func parseSectorSpec(spec string) (repeat int, size uint32, mode byte, err error) {
	count, rest, ok := strings.Cut(spec, "*")
	if !ok || len(rest) < 3 {
		return 0, 0, 0, fmt.Errorf("malformed element %q", spec)
	}
	repeat, err = strconv.Atoi(count)
	if err != nil || repeat <= 0 {
		return 0, 0, 0, fmt.Errorf("bad repeat count in %q", spec)
	}
	mult, ok := sizeMultipliers[rest[len(rest)-2]]
	if !ok {
		return 0, 0, 0, fmt.Errorf("bad size unit in %q", spec)
	}
	n, err := strconv.Atoi(rest[:len(rest)-2])
	if err != nil || n <= 0 {
		return 0, 0, 0, fmt.Errorf("bad size in %q", spec)
	}
	return repeat, uint32(n) * mult, rest[len(rest)-1], nil
}

// FindSector returns the sector of mem starting exactly at addr, or
// nil.
func (m *Memory) FindSector(addr uint32) *Sector {
	for i, s := range m.Sectors {
		if s.Addr == addr {
			return &m.Sectors[i]
		}
	}
	return nil
}
