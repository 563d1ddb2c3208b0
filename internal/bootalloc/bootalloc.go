// Package bootalloc implements component B: a one-shot bump allocator
// over the boot-time free regions the loader reports, used only to
// seed the structures component C (internal/frame) needs before it can
// take over (its arena bookkeeping arrays, its per-CPU caches) — after
// which every further allocation goes through C and bootalloc is never
// touched again (§2 "bootstrap alloc (B) is seeded -> frame alloc (C)
// takes over").
//
// Grounded on gopher-os's pmm/allocator.BootMemAllocator: the same
// page-granular, monotonically-increasing bump cursor walked across a
// sorted list of free regions, with no free operation — allocated pages
// are handed to the next allocator in the chain, never returned here.
package bootalloc

import (
	"sort"

	"k23/internal/addr"
	"k23/internal/frame"
	"k23/internal/kernelerr"
)

// Region is one boot-reported free physical range, page-aligned on input
// by New.
type Region struct {
	Base addr.PA
	Size uint64
}

// Allocator is the bump allocator itself: free regions sorted by base,
// plus a cursor (region index, next free page within it) that only ever
// advances.
type Allocator struct {
	regions    []Region
	regionIdx  int
	nextOffset uint64 // bytes into regions[regionIdx] already handed out
	allocCount uint64
}

// New builds an allocator over free, discarding any region too small to
// hold even one page after alignment (mirrors BootMemAllocator's
// region-start/region-end page-index clamping).
func New(free []Region) *Allocator {
	sorted := append([]Region(nil), free...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	a := &Allocator{}
	for _, r := range sorted {
		alignedBase := r.Base.AlignUp(frame.PageSize)
		shrink := alignedBase.OffsetFromUnsigned(r.Base)
		if shrink >= r.Size {
			continue
		}
		size := (r.Size - shrink) &^ (frame.PageSize - 1)
		if size == 0 {
			continue
		}
		a.regions = append(a.regions, Region{Base: alignedBase, Size: size})
	}
	return a
}

// AllocPage hands out the next free page, in increasing address order,
// and never reuses one — there is no Free (§4.B "one-shot").
func (a *Allocator) AllocPage() (addr.PA, error) {
	for a.regionIdx < len(a.regions) {
		r := a.regions[a.regionIdx]
		if a.nextOffset >= r.Size {
			a.regionIdx++
			a.nextOffset = 0
			continue
		}
		pa := r.Base.Add(a.nextOffset)
		a.nextOffset += frame.PageSize
		a.allocCount++
		return pa, nil
	}
	return 0, kernelerr.New("bootalloc", kernelerr.OutOfMemory, "out of boot-time free regions")
}

// Remaining reports every region not yet (fully) consumed, in the
// layout component C's arena selection expects (SelectArenas merges
// adjacent runs the same way bootalloc lays them out contiguously) —
// this is the handoff point from B to C.
func (a *Allocator) Remaining() []frame.FreeRegion {
	var out []frame.FreeRegion
	if a.regionIdx >= len(a.regions) {
		return out
	}
	first := a.regions[a.regionIdx]
	if a.nextOffset < first.Size {
		out = append(out, frame.FreeRegion{
			Base: first.Base.Add(a.nextOffset),
			Size: first.Size - a.nextOffset,
		})
	}
	for _, r := range a.regions[a.regionIdx+1:] {
		out = append(out, frame.FreeRegion{Base: r.Base, Size: r.Size})
	}
	return out
}

// AllocCount reports how many pages have been handed out so far.
func (a *Allocator) AllocCount() uint64 { return a.allocCount }
