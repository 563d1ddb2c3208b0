package frame

import (
	"sort"

	"k23/internal/addr"
	"k23/internal/klog"
)

// FreeRegion is one boot-reported usable physical range, prior to arena
// construction.
type FreeRegion struct {
	Base addr.PA
	Size uint64
}

// ArenaSpec is a planned arena: a merged run of one or more boot regions,
// with the tail of the range reserved for that arena's own bookkeeping.
type ArenaSpec struct {
	Base      addr.PA
	TotalSize uint64 // includes the reserved bookkeeping tail
}

// bookkeepingBytesPerPage is sizeof(Info) rounded up to a cheap constant;
// kept as a named value here instead of unsafe.Sizeof so arena selection
// stays independent of the Info struct's exact layout.
const bookkeepingBytesPerPage = 32

// SelectArenas merges adjacent or near-adjacent free regions into arenas
// so long as the wasted bytes (gap pages * bookkeeping-bytes-per-page,
// summed over every gap merged into one arena) stay under wasteCapBytes
// (§4.C "Arena selection", §8 property 3).
// Regions too small to hold their own bookkeeping are logged and
// skipped, never treated as fatal.
func SelectArenas(regions []FreeRegion, wasteCapBytes uint64, log *klog.EarlyLog) []ArenaSpec {
	sorted := append([]FreeRegion(nil), regions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	var specs []ArenaSpec
	var cur *ArenaSpec
	var curEnd addr.PA
	var curWaste uint64 // wasted bytes summed over every gap merged into cur

	flush := func() {
		if cur == nil {
			return
		}
		// Bookkeeping is reserved in whole pages from the arena's tail.
		bookkeeping := ((cur.TotalSize/PageSize)*bookkeepingBytesPerPage + PageSize - 1) &^ (PageSize - 1)
		if bookkeeping >= cur.TotalSize {
			if log != nil {
				log.Printf("[frame] arena at %#x too small for its own bookkeeping, skipping\n", cur.Base)
			}
			cur = nil
			return
		}
		specs = append(specs, *cur)
		cur = nil
	}

	for _, r := range sorted {
		if r.Size == 0 {
			continue
		}
		if cur == nil {
			spec := ArenaSpec{Base: r.Base, TotalSize: r.Size}
			cur = &spec
			curEnd = r.Base.Add(r.Size)
			curWaste = 0
			continue
		}
		gap := uint64(0)
		if r.Base > curEnd {
			gap = r.Base.OffsetFromUnsigned(curEnd)
		}
		wastedBytes := (gap / PageSize) * bookkeepingBytesPerPage
		if gap == 0 || curWaste+wastedBytes < wasteCapBytes {
			curWaste += wastedBytes
			newEnd := r.Base.Add(r.Size)
			if newEnd > curEnd {
				cur.TotalSize = newEnd.OffsetFromUnsigned(cur.Base)
				curEnd = newEnd
			}
			continue
		}
		flush()
		spec := ArenaSpec{Base: r.Base, TotalSize: r.Size}
		cur = &spec
		curEnd = r.Base.Add(r.Size)
		curWaste = 0
	}
	flush()
	return specs
}
