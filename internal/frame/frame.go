// Package frame implements component C: a buddy allocator over one or
// more physical memory arenas, fronted by per-CPU caches.
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t (global free list plus
// per-CPU free lists protected by their own mutex, intrusive next-index
// links) generalized from a single free list per pool into the buddy
// order lists §4.C calls for, and on gopher-os's pmm/allocator bitmap
// allocator for the "reserve bookkeeping out of the region itself, log
// and skip regions too small to hold it" arena-selection policy.
package frame

import (
	"math/bits"
	"sync"

	"k23/internal/addr"
	"k23/internal/kernelerr"
)

// PageShift/PageSize match the RV64 Sv39/48/57 base granule.
const (
	PageShift = 12
	PageSize  = uint64(1) << PageShift
)

// Order is a buddy order: a block of order k holds 2^k frames.
type Order uint8

// State is the tri-state every physical page is in (§3 Frame invariant).
type State uint8

const (
	StateFree State = iota
	StateOwned
	StateReserved
)

// Info is the bookkeeping slot for one physical page: an intrusive free
// list node when State==StateFree, and an owned-frame descriptor
// otherwise. Exactly one Info exists per page in an arena's sidecar
// array, mirroring biscuit's Physpg_t array indexed by page number.
type Info struct {
	addr  addr.PA
	order Order
	state State
	next  *Info // singly-linked free-list node; nil when not on a list
	owner *Arena
}

// Addr returns the physical address of the page this Info describes.
func (fi *Info) Addr() addr.PA { return fi.addr }

// Order returns the buddy order the page was allocated/freed at.
func (fi *Info) Order() Order { return fi.order }

// Arena is a contiguous physical range plus its buddy free lists. One
// arena reserves MaxOrder+1 free lists (order 0..MaxOrder).
type Arena struct {
	mu        sync.Mutex
	base      addr.PA
	numFrames int
	infos     []Info
	freeLists []*Info
	maxOrder  Order
	mem       []byte // physmap stand-in: linear view of this arena's RAM
}

// NewArena builds an arena over [base, base+sizeBytes) with free lists up
// to orderCap (inclusive). sizeBytes is rounded down to a whole number of
// pages. A fresh numFrames*PageSize byte slice is allocated to back
// zeroing/copy operations (the physmap window for this arena).
func NewArena(base addr.PA, sizeBytes uint64, orderCap Order) (*Arena, error) {
	if !base.IsAlignedTo(PageSize) {
		return nil, kernelerr.New("frame", kernelerr.InvalidArgument, "arena base %#x not page aligned", base)
	}
	numFrames := int(sizeBytes / PageSize)
	if numFrames == 0 {
		return nil, kernelerr.New("frame", kernelerr.InvalidArgument, "arena too small for even one page")
	}
	a := &Arena{
		base:      base,
		numFrames: numFrames,
		infos:     make([]Info, numFrames),
		freeLists: make([]*Info, orderCap+1),
		maxOrder:  orderCap,
		mem:       make([]byte, uint64(numFrames)*PageSize),
	}
	a.seed()
	return a, nil
}

// MaxOrder reports the largest order actually seeded with free blocks.
func (a *Arena) MaxOrder() Order { return a.maxOrder }

func (a *Arena) pageIndex(pa addr.PA) int {
	return int(pa.OffsetFromUnsigned(a.base) / PageSize)
}

func (a *Arena) infoAt(idx int) *Info {
	fi := &a.infos[idx]
	fi.owner = a
	return fi
}

// seed greedily carves the arena into the largest aligned power-of-two
// blocks possible, per §4.C: block size = min(align_floor(base),
// prev_pow2(remaining), PageSize<<maxOrder).
func (a *Arena) seed() {
	remaining := a.numFrames
	cur := 0
	var seeded Order
	for remaining > 0 {
		absPageNum := uint64(a.base)/PageSize + uint64(cur)
		var alignOrder Order
		if absPageNum == 0 {
			alignOrder = a.maxOrder
		} else {
			alignOrder = Order(bits.TrailingZeros64(absPageNum))
			if alignOrder > a.maxOrder {
				alignOrder = a.maxOrder
			}
		}
		remOrder := Order(log2Floor(uint64(remaining)))
		order := alignOrder
		if remOrder < order {
			order = remOrder
		}
		blockPages := 1 << order
		fi := a.infoAt(cur)
		fi.addr = a.base.Add(uint64(cur) * PageSize)
		a.pushFree(fi, order)
		if order > seeded {
			seeded = order
		}
		cur += blockPages
		remaining -= blockPages
	}
	a.maxOrder = seeded
}

func log2Floor(v uint64) uint {
	if v == 0 {
		return 0
	}
	return uint(63 - bits.LeadingZeros64(v))
}

func (a *Arena) pushFree(fi *Info, order Order) {
	fi.order = order
	fi.state = StateFree
	fi.next = a.freeLists[order]
	a.freeLists[order] = fi
}

func (a *Arena) popFreeHead(order Order) *Info {
	fi := a.freeLists[order]
	if fi == nil {
		return nil
	}
	a.freeLists[order] = fi.next
	fi.next = nil
	return fi
}

// removeFree splits fi out of its order's free list wherever it sits.
// Used only during buddy-merge, where the buddy may not be at the head.
func (a *Arena) removeFree(target *Info, order Order) bool {
	head := a.freeLists[order]
	if head == target {
		a.freeLists[order] = head.next
		target.next = nil
		return true
	}
	for n := head; n != nil && n.next != nil; n = n.next {
		if n.next == target {
			n.next = target.next
			target.next = nil
			return true
		}
	}
	return false
}

// split divides the order+1 block headed by fi into two order blocks,
// keeping the lower half as fi and returning the upper half (pushed onto
// the order free list by the caller).
func (a *Arena) split(fi *Info, newOrder Order) *Info {
	pageIdx := a.pageIndex(fi.addr)
	upperIdx := pageIdx + (1 << newOrder)
	upper := a.infoAt(upperIdx)
	upper.addr = a.base.Add(uint64(upperIdx) * PageSize)
	upper.state = StateFree
	fi.order = newOrder
	return upper
}

// AllocateOne implements §4.C allocate_one: O(MaxOrder).
func (a *Arena) AllocateOne() (*Info, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateAtMost(0)
}

// allocateAtMost finds the lowest nonempty order >= minOrder, pops it,
// and splits down to minOrder. Caller holds a.mu.
func (a *Arena) allocateAtMost(minOrder Order) (*Info, error) {
	order := minOrder
	for order <= a.maxOrder && a.freeLists[order] == nil {
		order++
	}
	if order > a.maxOrder {
		return nil, kernelerr.New("frame", kernelerr.OutOfMemory, "arena exhausted at order >= %d", minOrder)
	}
	fi := a.popFreeHead(order)
	for order > minOrder {
		order--
		upper := a.split(fi, order)
		a.pushFree(upper, order)
	}
	fi.state = StateOwned
	fi.owner = a
	return fi, nil
}

// Layout describes a size+alignment request, as for allocate_contiguous.
type Layout struct {
	Size  uint64
	Align uint64
}

func orderForLayout(l Layout) (Order, error) {
	if l.Size == 0 {
		return 0, kernelerr.New("frame", kernelerr.InvalidArgument, "zero-size layout")
	}
	align := l.Align
	if align == 0 {
		align = 1
	}
	size := l.Size
	if size < align {
		size = align
	}
	size = nextPow2(size)
	return Order(log2Floor(size / PageSize)), nil
}

func nextPow2(v uint64) uint64 {
	if v <= PageSize {
		return PageSize
	}
	if v&(v-1) == 0 {
		return v
	}
	return uint64(1) << (log2Floor(v) + 1)
}

// AllocateContiguous implements §4.C allocate_contiguous: returns one
// Info per page in the run, all contiguous, with list[0].addr aligned to
// layout.Align.
func (a *Arena) AllocateContiguous(l Layout) ([]*Info, error) {
	minOrder, err := orderForLayout(l)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if minOrder > a.maxOrder {
		return nil, kernelerr.New("frame", kernelerr.OutOfMemory, "requested order %d exceeds arena max order %d", minOrder, a.maxOrder)
	}
	head, err := a.allocateAtMost(minOrder)
	if err != nil {
		return nil, err
	}
	count := 1 << minOrder
	startIdx := a.pageIndex(head.addr)
	run := make([]*Info, count)
	run[0] = head
	for i := 1; i < count; i++ {
		fi := a.infoAt(startIdx + i)
		fi.addr = a.base.Add(uint64(startIdx+i) * PageSize)
		fi.state = StateOwned
		fi.order = 0
		run[i] = fi
	}
	return run, nil
}

// FreeOne returns a single-page frame to this arena, merging with its
// buddy whenever possible (§8 property 2: no ghost splits).
func (a *Arena) FreeOne(fi *Info) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeBlock(fi, 0)
}

// FreeRun returns every page of a contiguous run produced by
// AllocateContiguous. Each page is freed at order 0 and buddy merging
// naturally coalesces the whole run back up as siblings become free.
func (a *Arena) FreeRun(run []*Info) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, fi := range run {
		a.freeBlock(fi, 0)
	}
}

func (a *Arena) freeBlock(fi *Info, order Order) {
	for order < a.maxOrder {
		buddyIdx := a.pageIndex(fi.addr) ^ (1 << order)
		if buddyIdx < 0 || buddyIdx >= a.numFrames {
			break
		}
		buddy := &a.infos[buddyIdx]
		if buddy.state != StateFree || buddy.order != order {
			break
		}
		a.removeFree(buddy, order)
		if buddyIdx < a.pageIndex(fi.addr) {
			fi = buddy
		}
		order++
	}
	fi.order = order
	a.pushFree(fi, order)
}

// Zero memsets the page backing fi via the arena's physmap stand-in.
// Zeroing happens outside any free-list lock (§4.C "Zeroing").
func (a *Arena) Zero(fi *Info) {
	off := a.pageIndex(fi.addr) * int(PageSize)
	clear(a.mem[off : off+int(PageSize)])
}

// View returns the backing bytes for fi, for copy-in/copy-out paths.
func (a *Arena) View(fi *Info) []byte {
	off := a.pageIndex(fi.addr) * int(PageSize)
	return a.mem[off : off+int(PageSize)]
}

// Contains reports whether pa falls within this arena's range.
func (a *Arena) Contains(pa addr.PA) bool {
	idx := a.pageIndex(pa)
	return idx >= 0 && idx < a.numFrames
}

// ViewPA returns the backing bytes for the page at pa directly, for
// callers (the page-table driver) that only ever hold a PA, never the
// *Info handle AllocateOne returned.
func (a *Arena) ViewPA(pa addr.PA) []byte {
	off := a.pageIndex(pa) * int(PageSize)
	return a.mem[off : off+int(PageSize)]
}

// InfoForPA recovers the bookkeeping Info for an owned page given only
// its address, so it can be handed back to FreeOne.
func (a *Arena) InfoForPA(pa addr.PA) *Info {
	return a.infoAt(a.pageIndex(pa))
}

// freeCounts returns, for test/diagnostic use, the number of free blocks
// at each order.
func (a *Arena) freeCounts() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, len(a.freeLists))
	for o, head := range a.freeLists {
		n := 0
		for f := head; f != nil; f = f.next {
			n++
		}
		out[o] = n
	}
	return out
}
