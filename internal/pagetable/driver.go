package pagetable

import (
	"k23/internal/addr"
	"k23/internal/frame"
	"k23/internal/kernelerr"
)

// FrameSource is the narrow surface the walker needs from the frame
// allocator: a zeroed table frame on demand, a byte view of any frame
// by address, and the ability to free an emptied subtable. Kept as an
// interface (rather than depending on *frame.Allocator directly) so
// tests can substitute a function-local fake, matching gopher-os's
// pdt_test.go style of swapping out activePDTFn/mapFn hooks.
type FrameSource interface {
	AllocTableZeroed(cpuID int) (addr.PA, []byte, error)
	View(pa addr.PA) ([]byte, error)
	Free(pa addr.PA) error
}

// AllocatorSource adapts a *frame.Allocator to FrameSource.
type AllocatorSource struct {
	Alloc *frame.Allocator
	CPU   int
}

func (s AllocatorSource) AllocTableZeroed(cpuID int) (addr.PA, []byte, error) {
	fi, err := s.Alloc.AllocOneZeroed(cpuID)
	if err != nil {
		return 0, nil, err
	}
	return fi.Addr(), s.Alloc.View(fi), nil
}

func (s AllocatorSource) View(pa addr.PA) ([]byte, error) { return s.Alloc.ViewPA(pa) }
func (s AllocatorSource) Free(pa addr.PA) error           { return s.Alloc.FreeByPA(pa) }

// Fence is the TLB-shootdown hook invoked after mutating mappings
// (§4.D "fence(range) and fence_all"). A Driver is constructed with
// concrete Local/All callbacks wired to the real hardware `sfence.vma`
// plus IPI broadcast; tests supply recording stubs.
type Fence struct {
	Local func(lo, hi addr.VA)
	All   func()
}

// Driver walks and mutates one page-table tree for one Arch (§4.D).
// The "active table" register itself (satp) is outside this package's
// concern (§1 Non-goals: "bit-level architecture register glue... beyond
// the abstractions the core requires") — Driver only ever touches the
// tree under the root table NewDriver allocated for it.
type Driver struct {
	arch   Arch
	frames FrameSource
	cpu    int
	root   addr.PA
	fence  Fence
}

// NewDriver allocates a fresh, all-vacant root table for arch.
func NewDriver(arch Arch, frames FrameSource, cpu int, fence Fence) (*Driver, error) {
	root, _, err := frames.AllocTableZeroed(cpu)
	if err != nil {
		return nil, err
	}
	return &Driver{arch: arch, frames: frames, cpu: cpu, root: root, fence: fence}, nil
}

// Root reports the physical address of the root table, for installing
// into satp.
func (d *Driver) Root() addr.PA { return d.root }

func (d *Driver) tableAt(pa addr.PA) (Table, error) {
	b, err := d.frames.View(pa)
	if err != nil {
		return Table{}, err
	}
	return newTable(b), nil
}

// walkFrame is one entry on the explicit stack the walker keeps instead
// of recursing, per §9 "non-recursive alternative... preferred to avoid
// stack growth in deep faults".
type walkFrame struct {
	table Table
	pa    addr.PA
	idx   int
	level int
}

// Translate implements the page-table-round-trip lookup (§8 property 4):
// walk root-to-leaf, returning the physical address and attributes of
// the leaf mapping va, or NotMapped.
func (d *Driver) Translate(va addr.VA) (addr.PA, Attrs, error) {
	tablePA := d.root
	for level, ld := range d.arch.Levels {
		tbl, err := d.tableAt(tablePA)
		if err != nil {
			return 0, Attrs{}, err
		}
		i := vpn(va, ld)
		e := tbl.Entry(i)
		if !e.Valid() {
			return 0, Attrs{}, kernelerr.New("pagetable", kernelerr.NotMapped, "va %#x: level %d entry %d vacant", va, level, i)
		}
		if e.Leaf() {
			pageOff := uint64(va) & (ld.PageSize - 1)
			return e.Frame().Add(pageOff), flagsToAttrs(e), nil
		}
		tablePA = e.Frame()
	}
	return 0, Attrs{}, kernelerr.New("pagetable", kernelerr.NotMapped, "va %#x: walk exhausted levels without a leaf", va)
}

// Flush accumulates the VA ranges touched by a sequence of mutations so
// the caller can amortize TLB invalidation across many mutations
// (§4.D "Batch"). Flush itself does not invalidate anything until
// Apply is called.
type Flush struct {
	lo, hi addr.VA
	any    bool
	all    bool
}

func (f *Flush) addRange(lo, hi addr.VA) {
	if f.all {
		return
	}
	if !f.any {
		f.lo, f.hi, f.any = lo, hi, true
		return
	}
	if lo < f.lo {
		f.lo = lo
	}
	if hi > f.hi {
		f.hi = hi
	}
}

// MarkAll forces the eventual Apply to invalidate the whole TLB,
// regardless of what ranges were recorded.
func (f *Flush) MarkAll() { f.all = true }

// Apply emits the minimum TLB-invalidation operation for what was
// recorded: nothing if untouched, fence_all if MarkAll was called, and
// otherwise one ranged fence over the union of the recorded ranges.
func (f *Flush) Apply(d *Driver) {
	if !f.any && !f.all {
		return
	}
	if f.all {
		if d.fence.All != nil {
			d.fence.All()
		}
		return
	}
	if d.fence.Local != nil {
		d.fence.Local(f.lo, f.hi)
	}
}

// MapPage installs a single leaf entry for va -> pa at the table's
// deepest level (4 KiB page), allocating internal tables along the way
// as vacant entries are encountered (§4.D "map").
func (d *Driver) MapPage(va addr.VA, pa addr.PA, attrs Attrs, flush *Flush) error {
	tablePA := d.root
	levels := d.arch.Levels
	for level := 0; level < len(levels)-1; level++ {
		tbl, err := d.tableAt(tablePA)
		if err != nil {
			return err
		}
		i := vpn(va, levels[level])
		e := tbl.Entry(i)
		if !e.Valid() {
			childPA, _, err := d.frames.AllocTableZeroed(d.cpu)
			if err != nil {
				return err
			}
			var np PTE
			np.SetFlags(FlagValid)
			np.SetFrame(childPA)
			tbl.SetEntry(i, np)
			tablePA = childPA
			continue
		}
		if e.Leaf() {
			return kernelerr.New("pagetable", kernelerr.MappingConflict, "va %#x: level %d already a leaf mapping", va, level)
		}
		tablePA = e.Frame()
	}

	leafLevel := levels[len(levels)-1]
	tbl, err := d.tableAt(tablePA)
	if err != nil {
		return err
	}
	i := vpn(va, leafLevel)
	if tbl.Entry(i).Valid() {
		return kernelerr.New("pagetable", kernelerr.MappingConflict, "va %#x already mapped", va)
	}
	var leaf PTE = attrsToFlags(attrs)
	leaf.SetFrame(pa)
	tbl.SetEntry(i, leaf)
	flush.addRange(va, va.Add(leafLevel.PageSize))
	return nil
}

// SetAttributes rewrites the permission bits of the leaf mapping va,
// leaving internal entries untouched (§4.D "set_attributes", the path
// behind mprotect).
func (d *Driver) SetAttributes(va addr.VA, attrs Attrs, flush *Flush) error {
	tablePA := d.root
	for _, ld := range d.arch.Levels {
		tbl, err := d.tableAt(tablePA)
		if err != nil {
			return err
		}
		i := vpn(va, ld)
		e := tbl.Entry(i)
		if !e.Valid() {
			return kernelerr.New("pagetable", kernelerr.NotMapped, "va %#x not mapped", va)
		}
		if e.Leaf() {
			frame := e.Frame()
			newE := attrsToFlags(attrs)
			newE.SetFrame(frame)
			tbl.SetEntry(i, newE)
			flush.addRange(va, va.Add(ld.PageSize))
			return nil
		}
		tablePA = e.Frame()
	}
	return kernelerr.New("pagetable", kernelerr.NotMapped, "va %#x: walk exhausted levels without a leaf", va)
}

// Unmap clears the leaf mapping for va and, unwinding back toward the
// root, frees any subtable that has become entirely vacant, clearing
// its parent entry in turn (§4.D "unmap", §8 property 5). The root
// table is never freed.
func (d *Driver) Unmap(va addr.VA, flush *Flush) error {
	var stack []walkFrame
	tablePA := d.root
	levels := d.arch.Levels
	for level, ld := range levels {
		tbl, err := d.tableAt(tablePA)
		if err != nil {
			return err
		}
		i := vpn(va, ld)
		e := tbl.Entry(i)
		if !e.Valid() {
			return kernelerr.New("pagetable", kernelerr.NotMapped, "va %#x not mapped", va)
		}
		stack = append(stack, walkFrame{table: tbl, pa: tablePA, idx: i, level: level})
		if e.Leaf() {
			tbl.SetEntry(i, 0)
			flush.addRange(va, va.Add(ld.PageSize))
			break
		}
		tablePA = e.Frame()
	}

	// Unwind: free any subtable (never the root) that is now all-vacant,
	// clearing the parent entry that pointed at it.
	for n := len(stack) - 1; n > 0; n-- {
		frame := stack[n]
		if !frame.table.AllVacant() {
			break
		}
		parent := stack[n-1]
		parent.table.SetEntry(parent.idx, 0)
		if err := d.frames.Free(frame.pa); err != nil {
			return err
		}
	}
	return nil
}
