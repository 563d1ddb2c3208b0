package pagetable

import "encoding/binary"

// entriesPerTable matches the 4 KiB / 8-byte-entry RISC-V table size.
const entriesPerTable = 512

// Table is a typed view over the 4 KiB of backing bytes for one
// page-table frame. It does not own the memory; FrameSource.View
// supplies it.
type Table struct {
	bytes []byte
}

func newTable(bytes []byte) Table {
	if len(bytes) != entriesPerTable*8 {
		panic("pagetable: table view must be exactly one page")
	}
	return Table{bytes: bytes}
}

// Entry reads PTE i (its "volatile read" per §4.D — the hardware walker
// may read concurrently, so this is a plain load of the canonical
// little-endian wire format).
func (t Table) Entry(i int) PTE {
	return PTE(binary.LittleEndian.Uint64(t.bytes[i*8 : i*8+8]))
}

// SetEntry writes PTE i ("volatile write" per §4.D).
func (t Table) SetEntry(i int, p PTE) {
	binary.LittleEndian.PutUint64(t.bytes[i*8:i*8+8], uint64(p))
}

// AllVacant reports whether every entry in the table is invalid — the
// condition unmap checks before freeing a subtable (§4.D, §8 property 5
// "no-orphan subtables").
func (t Table) AllVacant() bool {
	for i := 0; i < entriesPerTable; i++ {
		if t.Entry(i).Valid() {
			return false
		}
	}
	return true
}
