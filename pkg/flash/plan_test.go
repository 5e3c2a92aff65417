package flash

import (
	"bytes"
	"testing"

	"github.com/axonmotion/axflash/pkg/firmware"
)

// Four 16K sectors followed by a 128K sector at 0x08010000.
func scenarioSectors() []Sector {
	return []Sector{
		{Addr: 0x08000000, Len: 16 * 1024, Mode: 'g'},
		{Addr: 0x08004000, Len: 16 * 1024, Mode: 'g'},
		{Addr: 0x08008000, Len: 16 * 1024, Mode: 'g'},
		{Addr: 0x0800c000, Len: 16 * 1024, Mode: 'g'},
		{Addr: 0x08010000, Len: 128 * 1024, Mode: 'g'},
	}
}

func filled(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestPlanSingleSector(t *testing.T) {
	sections := []firmware.Section{
		{Name: ".text", Addr: 0x08010000, Data: filled(400, 0x5a)},
	}
	plan := Plan(scenarioSectors(), sections)

	if len(plan) != 1 {
		t.Fatalf("wanted 1 plan entry, got %d", len(plan))
	}
	e := plan[0]
	if e.Sector.Addr != 0x08010000 || e.Sector.Len != 128*1024 {
		t.Fatalf("wrong sector planned: %08x/%d", e.Sector.Addr, e.Sector.Len)
	}
	if uint32(len(e.Data)) != e.Sector.Len {
		t.Fatalf("buffer length %d != sector length %d", len(e.Data), e.Sector.Len)
	}
	if !bytes.Equal(e.Data[:400], filled(400, 0x5a)) {
		t.Error("section bytes not spliced in")
	}
	// Every byte outside the section keeps the erase value.
	for i, b := range e.Data[400:] {
		if b != EraseValue {
			t.Fatalf("byte %d past the section is %02x, wanted %02x", 400+i, b, EraseValue)
		}
	}
}

func TestPlanDeterministic(t *testing.T) {
	sections := []firmware.Section{
		{Name: ".isr_vector", Addr: 0x08000000, Data: filled(8, 0x11)},
		{Name: ".text", Addr: 0x08003ff0, Data: filled(64, 0x22)},
	}
	a := Plan(scenarioSectors(), sections)
	b := Plan(scenarioSectors(), sections)
	if len(a) != len(b) {
		t.Fatalf("plan lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Sector != b[i].Sector || !bytes.Equal(a[i].Data, b[i].Data) {
			t.Fatalf("plan entry %d differs between runs", i)
		}
	}
}

func TestPlanOmitsUntouchedSectors(t *testing.T) {
	sections := []firmware.Section{
		{Name: ".text", Addr: 0x08008100, Data: filled(32, 0x33)},
	}
	plan := Plan(scenarioSectors(), sections)
	if len(plan) != 1 {
		t.Fatalf("wanted 1 entry, got %d", len(plan))
	}
	if plan[0].Sector.Addr != 0x08008000 {
		t.Errorf("planned sector %08x, wanted 08008000", plan[0].Sector.Addr)
	}
}

func TestPlanSectionStraddlesSectors(t *testing.T) {
	// 64 bytes starting 16 bytes before the 16K boundary at 0x08004000.
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i + 1)
	}
	sections := []firmware.Section{
		{Name: ".data", Addr: 0x08003ff0, Data: data},
	}
	plan := Plan(scenarioSectors(), sections)

	if len(plan) != 2 {
		t.Fatalf("wanted 2 entries, got %d", len(plan))
	}
	first, second := plan[0], plan[1]
	if first.Sector.Addr != 0x08000000 || second.Sector.Addr != 0x08004000 {
		t.Fatalf("wrong sectors planned: %08x, %08x", first.Sector.Addr, second.Sector.Addr)
	}
	if !bytes.Equal(first.Data[0x3ff0:], data[:16]) {
		t.Error("head of section missing from first sector")
	}
	if !bytes.Equal(second.Data[:48], data[16:]) {
		t.Error("tail of section missing from second sector")
	}
	// No duplication: byte before the split point in the second sector
	// buffer does not exist; byte after the split in the first buffer
	// does not exist. Check the neighborhood holds erase values.
	if second.Data[48] != EraseValue {
		t.Error("second sector has bytes past the section")
	}
	if first.Data[0x3fef] != EraseValue {
		t.Error("first sector has bytes before the section")
	}
}

func TestPlanOverlappingSections(t *testing.T) {
	// Later sections overlay earlier ones where they overlap.
	sections := []firmware.Section{
		{Name: ".a", Addr: 0x08000000, Data: filled(16, 0xaa)},
		{Name: ".b", Addr: 0x08000008, Data: filled(16, 0xbb)},
	}
	plan := Plan(scenarioSectors(), sections)
	if len(plan) != 1 {
		t.Fatalf("wanted 1 entry, got %d", len(plan))
	}
	want := append(append(filled(8, 0xaa), filled(16, 0xbb)...), EraseValue)
	if !bytes.Equal(plan[0].Data[:25], want) {
		t.Errorf("overlay mismatch: %x", plan[0].Data[:25])
	}
}

func TestPlanEmpty(t *testing.T) {
	if p := Plan(scenarioSectors(), nil); p != nil {
		t.Errorf("plan of no sections should be empty, got %d entries", len(p))
	}
	if p := Plan(nil, []firmware.Section{{Addr: 0, Data: filled(4, 1)}}); p != nil {
		t.Errorf("plan over no sectors should be empty, got %d entries", len(p))
	}
}
