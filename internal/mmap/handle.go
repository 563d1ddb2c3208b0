// Package mmap implements component F: a thin ownership wrapper over
// one vmspace region, used for copy-in/copy-out to guest memory and for
// the permission-flip operations the Wasm runtime needs around a
// compiled module's code and linear memory.
//
// Grounded on biscuit's vm.Userbuf_t (lock the address space, fault in
// the page, hand the caller a direct slice, copy) generalized from
// biscuit's byte-at-a-time Uioread/Uiowrite loop to a single
// commit-then-slice call, since this core's frame allocator already
// hands back directly addressable Go byte slices rather than requiring
// a dmap translation step.
package mmap

import (
	"k23/internal/addr"
	"k23/internal/frame"
	"k23/internal/kernelerr"
	"k23/internal/pagetable"
	"k23/internal/vmspace"
)

// Handle owns one region and unmaps it when Close (the Drop equivalent,
// §4.F "Drop unmaps the region") is called.
type Handle struct {
	as     *vmspace.AddressSpace
	region *vmspace.Region
	closed bool
}

// NewAnon allocates a fresh anonymous-zero region of numPages pages
// (§4.F "(a) allocates a fresh anonymous-zero region").
func NewAnon(as *vmspace.AddressSpace, alloc *frame.Allocator, cpu int, numPages int, attrs pagetable.Attrs, name string) (*Handle, error) {
	vmo := vmspace.NewAnonZeroVMO(alloc, cpu, numPages)
	r, err := as.Map(vmspace.Layout{Size: uint64(numPages) * frame.PageSize, Align: frame.PageSize}, vmo, attrs, name)
	if err != nil {
		return nil, err
	}
	return &Handle{as: as, region: r}, nil
}

// NewWired maps a fixed, already-owned physical range such as MMIO
// (§3 "wired: pre-existing physical range, e.g., MMIO"). The range is
// not allocator-owned, so Close unmaps it without freeing any frames.
func NewWired(as *vmspace.AddressSpace, base addr.PA, numPages int, attrs pagetable.Attrs, name string) (*Handle, error) {
	vmo := vmspace.NewWiredVMO(base, numPages)
	r, err := as.Map(vmspace.Layout{Size: uint64(numPages) * frame.PageSize, Align: frame.PageSize}, vmo, attrs, name)
	if err != nil {
		return nil, err
	}
	return &Handle{as: as, region: r}, nil
}

// NewPinned allocates a contiguous, allocator-owned physical range and
// maps it (§4.F "(b) maps a pinned physical range"; §3 "physical
// pinned: caller-supplied contiguous range"). Unlike NewWired, Close
// returns the backing frames to alloc.
func NewPinned(as *vmspace.AddressSpace, alloc *frame.Allocator, cpu int, numPages int, attrs pagetable.Attrs, name string) (*Handle, error) {
	run, err := alloc.AllocContiguous(cpu, frame.Layout{Size: uint64(numPages) * frame.PageSize, Align: frame.PageSize})
	if err != nil {
		return nil, err
	}
	vmo := vmspace.NewPinnedVMO(alloc, run[0].Addr(), numPages)
	r, err := as.Map(vmspace.Layout{Size: uint64(numPages) * frame.PageSize, Align: frame.PageSize}, vmo, attrs, name)
	if err != nil {
		return nil, err
	}
	return &Handle{as: as, region: r}, nil
}

// Start is the handle's base VA.
func (h *Handle) Start() addr.VA { return h.region.Start }

// Commit forces the pages covering [offset, offset+size) to be backed,
// ahead of access (§4.F "commit(range, will_write)"). will_write is
// accepted for symmetry with the spec's signature; this core has no
// copy-on-write path to trigger from it.
func (h *Handle) Commit(offset, size uint64, willWrite bool) error {
	_ = willWrite
	startPage := int(offset / frame.PageSize)
	endPage := int((offset + size + frame.PageSize - 1) / frame.PageSize)
	return h.as.CommitRange(h.region, startPage, endPage-startPage)
}

// WithUserSlice commits [offset, offset+size) then invokes f with a
// direct slice over the backing frames — the core's copy-in/copy-out
// primitive (§4.F "with_user_slice"). Spans crossing a page boundary
// are delivered to f one page-view at a time, since frames are not
// necessarily adjacent in the host's Go heap.
func (h *Handle) WithUserSlice(offset, size uint64, write bool, f func(page []byte) error) error {
	if err := h.Commit(offset, size, write); err != nil {
		return err
	}
	startPage := int(offset / frame.PageSize)
	pageOff := offset % frame.PageSize
	remaining := size
	page := startPage
	off := pageOff
	for remaining > 0 {
		pa, ok := h.region.VMO.FrameFor(page)
		if !ok {
			return kernelerr.New("mmap", kernelerr.NotMapped, "page %d not committed", page)
		}
		view, err := frameView(pa)
		if err != nil {
			return err
		}
		n := frame.PageSize - off
		if n > remaining {
			n = remaining
		}
		if err := f(view[off : off+n]); err != nil {
			return err
		}
		remaining -= n
		page++
		off = 0
	}
	return nil
}

// frameView is a package-level hook so tests can intercept frame-to-byte
// resolution without threading an allocator through every call; set by
// Bind.
var frameView = func(pa addr.PA) ([]byte, error) {
	return nil, kernelerr.New("mmap", kernelerr.InvalidArgument, "mmap.Bind was never called")
}

// Bind wires the package's frame-view resolver to alloc. Called once at
// boot after the frame allocator singleton is constructed (§9 "Shared
// mutable state").
func Bind(alloc *frame.Allocator) {
	frameView = alloc.ViewPA
}

// MakeExecutable sets R|X (never W: §4.F invariant "executable implies
// not writable").
func (h *Handle) MakeExecutable() error {
	return h.as.Protect(h.region, pagetable.Attrs{Read: true, Exec: true, User: h.region.Attrs.User, Global: h.region.Attrs.Global})
}

// MakeReadonly sets R only.
func (h *Handle) MakeReadonly() error {
	return h.as.Protect(h.region, pagetable.Attrs{Read: true, User: h.region.Attrs.User, Global: h.region.Attrs.Global})
}

// Close unmaps the region (§4.F "Drop unmaps the region").
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.as.Unmap(h.region)
}
