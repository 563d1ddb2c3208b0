// Package vmspace implements component E: the per-address-space region
// tree, its backing VMOs, and commit/decommit/fault handling.
//
// Grounded on biscuit's vm.Vm_t (a mutex-guarded Vmregion_t plus pmap,
// consulted on every fault via Userdmap8_inner/Sys_pgfault) for the
// consumer-side shape — lock the address space, look up the region,
// consult its backing object, install or fault in a page — generalized
// from biscuit's x86 Pmap_t to the pagetable.Driver built for component D.
package vmspace

import (
	"k23/internal/addr"
	"k23/internal/frame"
	"k23/internal/kernelerr"
)

// VMO is a backing object for a region: it owns the decision of which
// physical frame backs page i (§4.E "Committing pages"). §3 names three
// variants: wired (WiredVMO, a pre-existing range such as MMIO),
// anonymous-zeroed (AnonZeroVMO), and physical pinned (PinnedVMO, a
// caller-supplied contiguous range the VMO now owns).
type VMO interface {
	// Pages reports how many PageSize-sized pages this VMO spans.
	Pages() int
	// FrameFor returns the physical frame backing page i, or
	// committed=false if page i is not committed. It never allocates;
	// Commit does (commit-on-fault semantics live at the region layer).
	FrameFor(i int) (pa addr.PA, committed bool)
	// Commit installs a backing frame for page i if not already present.
	Commit(i int) (addr.PA, error)
	// Decommit releases whatever backs page i, if anything.
	Decommit(i int)
	// AutoCommit reports whether a fault within range should transparently
	// commit (anon-zero) or must be reported to the caller (wired ranges
	// that are out of bounds, or not-committed non-anon VMOs).
	AutoCommit() bool
}

// AnonZeroVMO is a lazily-committed, zero-filled anonymous VMO: the
// common case for heap/stack/mmap(MAP_ANONYMOUS) style regions.
// Grounded on gopher-os's frame-on-demand pmm usage pattern, generalized
// to per-page commit tracking.
type AnonZeroVMO struct {
	alloc  *frame.Allocator
	cpu    int
	pages  int
	frames map[int]addr.PA
}

// NewAnonZeroVMO constructs a VMO spanning numPages pages, uncommitted.
func NewAnonZeroVMO(alloc *frame.Allocator, cpu int, numPages int) *AnonZeroVMO {
	return &AnonZeroVMO{alloc: alloc, cpu: cpu, pages: numPages, frames: make(map[int]addr.PA)}
}

func (v *AnonZeroVMO) Pages() int { return v.pages }

func (v *AnonZeroVMO) FrameFor(i int) (addr.PA, bool) {
	pa, ok := v.frames[i]
	return pa, ok
}

func (v *AnonZeroVMO) Commit(i int) (addr.PA, error) {
	if pa, ok := v.frames[i]; ok {
		return pa, nil
	}
	fi, err := v.alloc.AllocOneZeroed(v.cpu)
	if err != nil {
		return 0, err
	}
	v.frames[i] = fi.Addr()
	return fi.Addr(), nil
}

func (v *AnonZeroVMO) Decommit(i int) {
	pa, ok := v.frames[i]
	if !ok {
		return
	}
	delete(v.frames, i)
	_ = v.alloc.FreeByPA(pa)
}

func (v *AnonZeroVMO) AutoCommit() bool { return true }

// WiredVMO maps a fixed, already-owned physical range (e.g. MMIO, a
// boot-reserved region) page for page. Decommit is always a no-op: the
// kernel, not the allocator, owns the backing memory's lifetime.
type WiredVMO struct {
	base  addr.PA
	pages int
}

// NewWiredVMO wraps a pinned physical range starting at base.
func NewWiredVMO(base addr.PA, numPages int) *WiredVMO {
	return &WiredVMO{base: base, pages: numPages}
}

func (v *WiredVMO) Pages() int { return v.pages }

func (v *WiredVMO) FrameFor(i int) (addr.PA, bool) {
	if i < 0 || i >= v.pages {
		return 0, false
	}
	return v.base.StepForward(i, frame.PageSize), true
}

func (v *WiredVMO) Commit(i int) (addr.PA, error) {
	pa, ok := v.FrameFor(i)
	if !ok {
		return 0, kernelerr.New("vmspace", kernelerr.InvalidArgument, "page %d out of range for wired VMO of %d pages", i, v.pages)
	}
	return pa, nil
}

func (v *WiredVMO) Decommit(int) {}

func (v *WiredVMO) AutoCommit() bool { return false }

// PinnedVMO wraps a caller-supplied, already-allocated contiguous
// physical range that the VMO now owns (§3 "physical pinned:
// caller-supplied contiguous range"). Pages are present from
// construction the same as WiredVMO, but unlike WiredVMO's MMIO range
// the allocator granted these frames to the caller in the first place,
// so Decommit must give them back (§4.E "Decommit / unmap ... for anon
// VMOs the frame is returned to the allocator"; a pinned VMO is
// allocator-owned the same way anon-zero is, it is just committed
// up front instead of on fault).
type PinnedVMO struct {
	alloc *frame.Allocator
	base  addr.PA
	pages int
	live  []bool
}

// NewPinnedVMO wraps the numPages-page contiguous block starting at base
// (obtained from frame.Allocator.AllocContiguous) as a VMO that returns its frames to
// alloc on Decommit.
func NewPinnedVMO(alloc *frame.Allocator, base addr.PA, numPages int) *PinnedVMO {
	live := make([]bool, numPages)
	for i := range live {
		live[i] = true
	}
	return &PinnedVMO{alloc: alloc, base: base, pages: numPages, live: live}
}

func (v *PinnedVMO) Pages() int { return v.pages }

func (v *PinnedVMO) FrameFor(i int) (addr.PA, bool) {
	if i < 0 || i >= v.pages || !v.live[i] {
		return 0, false
	}
	return v.base.StepForward(i, frame.PageSize), true
}

func (v *PinnedVMO) Commit(i int) (addr.PA, error) {
	pa, ok := v.FrameFor(i)
	if !ok {
		return 0, kernelerr.New("vmspace", kernelerr.InvalidArgument, "page %d out of range or already decommitted for pinned VMO of %d pages", i, v.pages)
	}
	return pa, nil
}

// Decommit frees page i's frame back to the allocator, unlike
// WiredVMO's no-op: the frame backing a pinned VMO is allocator-owned,
// not a pre-existing range like MMIO.
func (v *PinnedVMO) Decommit(i int) {
	if i < 0 || i >= v.pages || !v.live[i] {
		return
	}
	v.live[i] = false
	_ = v.alloc.FreeByPA(v.base.StepForward(i, frame.PageSize))
}

func (v *PinnedVMO) AutoCommit() bool { return false }
