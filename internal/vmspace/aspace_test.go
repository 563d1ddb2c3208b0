package vmspace

import (
	"testing"

	"k23/internal/addr"
	"k23/internal/frame"
	"k23/internal/pagetable"
)

func mustAddressSpace(t *testing.T) (*AddressSpace, *frame.Allocator) {
	t.Helper()
	ar, err := frame.NewArena(addr.PA(0x9000_0000), 4*1024*1024, 10)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	alloc := frame.New([]*frame.Arena{ar}, 1, 512)
	driver, err := pagetable.NewDriver(pagetable.Sv39(), pagetable.AllocatorSource{Alloc: alloc}, 0, pagetable.Fence{})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	as := New(0x1000, 0x1000_0000, driver, alloc, 0)
	return as, alloc
}

func TestMapAnonZeroFaultsInAPage(t *testing.T) {
	as, alloc := mustAddressSpace(t)
	vmo := NewAnonZeroVMO(alloc, 0, 4)
	r, err := as.Map(Layout{Size: 4 * frame.PageSize, Align: frame.PageSize}, vmo, pagetable.Attrs{Read: true, Write: true}, "heap")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}

	if _, _, err := as.Driver().Translate(r.Start); err == nil {
		t.Fatal("expected lazily-committed anon region to start unmapped")
	}
	if err := as.HandleFault(r.Start); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if _, _, err := as.Driver().Translate(r.Start); err != nil {
		t.Fatalf("Translate after fault: %v", err)
	}
}

func TestMapWiredEagerlyInstalled(t *testing.T) {
	as, _ := mustAddressSpace(t)
	vmo := NewWiredVMO(addr.PA(0x8800_0000), 2)
	r, err := as.Map(Layout{Size: 2 * frame.PageSize, Align: frame.PageSize}, vmo, pagetable.Attrs{Read: true, Exec: true}, "mmio")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	pa, attrs, err := as.Driver().Translate(r.Start)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if pa != 0x8800_0000 {
		t.Fatalf("Translate = %#x, want 0x8800_0000", pa)
	}
	if !attrs.Exec {
		t.Fatal("expected exec attribute on wired mapping")
	}
}

// §3 "physical pinned": unlike a wired/MMIO VMO, a pinned VMO's frames
// are allocator-owned and must come back on Decommit.
func TestMapPinnedReturnsFramesOnUnmap(t *testing.T) {
	as, alloc := mustAddressSpace(t)
	run, err := alloc.AllocContiguous(0, frame.Layout{Size: 2 * frame.PageSize, Align: frame.PageSize})
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}
	before := alloc.Stats().FreeFrames

	vmo := NewPinnedVMO(alloc, run[0].Addr(), 2)
	r, err := as.Map(Layout{Size: 2 * frame.PageSize, Align: frame.PageSize}, vmo, pagetable.Attrs{Read: true, Write: true}, "pinned")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	pa, _, err := as.Driver().Translate(r.Start)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if pa != run[0].Addr() {
		t.Fatalf("Translate = %#x, want %#x", pa, run[0].Addr())
	}

	if err := as.Unmap(r); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if got, want := alloc.Stats().FreeFrames, before+2; got != want {
		t.Fatalf("FreeFrames after unmapping a pinned VMO = %d, want %d (frames returned to the allocator)", got, want)
	}
}

func TestUnmapRemovesRegionAndMapping(t *testing.T) {
	as, alloc := mustAddressSpace(t)
	vmo := NewAnonZeroVMO(alloc, 0, 1)
	r, err := as.Map(Layout{Size: frame.PageSize, Align: frame.PageSize}, vmo, pagetable.Attrs{Read: true}, "anon")
	if err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := as.HandleFault(r.Start); err != nil {
		t.Fatalf("HandleFault: %v", err)
	}
	if err := as.Unmap(r); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, ok := as.Lookup(r.Start); ok {
		t.Fatal("expected region gone from the tree after Unmap")
	}
	if _, _, err := as.Driver().Translate(r.Start); err == nil {
		t.Fatal("expected translate to fail after Unmap")
	}
}
