package flash

import (
	"github.com/axonmotion/axflash/pkg/firmware"
)

// EraseValue is the value every flash byte assumes after an erase.
const EraseValue = 0xff

// PlanEntry pairs a sector with the exact bytes it should hold after
// flashing.
type PlanEntry struct {
	Sector Sector
	Data   []byte
}

// Plan maps firmware sections onto the given sector layout. One entry
// is produced per sector whose address range intersects at least one
// section; its buffer is seeded with EraseValue and overlaid with the
// intersecting, address-cropped bytes of every overlapping section.
// Untouched sectors are omitted. Pure function, no I/O.
func Plan(sectors []Sector, sections []firmware.Section) []PlanEntry {
	var plan []PlanEntry
	for _, sector := range sectors {
		buf := make([]byte, sector.Len)
		for i := range buf {
			buf[i] = EraseValue
		}

		touched := false
		for _, sec := range sections {
			start, end := sec.Addr, sec.End()
			if end <= sector.Addr || start >= sector.End() {
				continue
			}
			data := sec.Data
			if start < sector.Addr {
				data = data[sector.Addr-start:]
				start = sector.Addr
			}
			if cut := sector.End(); start+uint32(len(data)) > cut {
				data = data[:cut-start]
			}
			copy(buf[start-sector.Addr:], data)
			touched = true
		}
		if touched {
			plan = append(plan, PlanEntry{Sector: sector, Data: buf})
		}
	}
	return plan
}
