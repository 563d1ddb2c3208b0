package mmap

import (
	"bytes"
	"testing"

	"k23/internal/addr"
	"k23/internal/frame"
	"k23/internal/pagetable"
	"k23/internal/vmspace"
)

func mustSetup(t *testing.T) (*vmspace.AddressSpace, *frame.Allocator) {
	t.Helper()
	ar, err := frame.NewArena(addr.PA(0x9000_0000), 4*1024*1024, 10)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	alloc := frame.New([]*frame.Arena{ar}, 1, 512)
	Bind(alloc)
	driver, err := pagetable.NewDriver(pagetable.Sv39(), pagetable.AllocatorSource{Alloc: alloc}, 0, pagetable.Fence{})
	if err != nil {
		t.Fatalf("NewDriver: %v", err)
	}
	as := vmspace.New(0x1000, 0x1000_0000, driver, alloc, 0)
	return as, alloc
}

func TestWithUserSliceRoundTrip(t *testing.T) {
	as, alloc := mustSetup(t)
	h, err := NewAnon(as, alloc, 0, 1, pagetable.Attrs{Read: true, Write: true}, "buf")
	if err != nil {
		t.Fatalf("NewAnon: %v", err)
	}

	want := []byte("hello, wasm")
	if err := h.WithUserSlice(0, uint64(len(want)), true, func(page []byte) error {
		copy(page, want)
		return nil
	}); err != nil {
		t.Fatalf("WithUserSlice write: %v", err)
	}

	got := make([]byte, len(want))
	if err := h.WithUserSlice(0, uint64(len(want)), false, func(page []byte) error {
		copy(got, page)
		return nil
	}); err != nil {
		t.Fatalf("WithUserSlice read: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestMakeExecutableThenReadonly(t *testing.T) {
	as, alloc := mustSetup(t)
	h, err := NewAnon(as, alloc, 0, 1, pagetable.Attrs{Read: true, Write: true}, "code")
	if err != nil {
		t.Fatalf("NewAnon: %v", err)
	}
	if err := h.Commit(0, frame.PageSize, true); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := h.MakeExecutable(); err != nil {
		t.Fatalf("MakeExecutable: %v", err)
	}
	_, attrs, err := as.Driver().Translate(h.Start())
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !attrs.Exec || attrs.Write {
		t.Fatalf("expected R|X, not W, got %+v", attrs)
	}
	if err := h.MakeReadonly(); err != nil {
		t.Fatalf("MakeReadonly: %v", err)
	}
	_, attrs, err = as.Driver().Translate(h.Start())
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if attrs.Write || attrs.Exec {
		t.Fatalf("expected read-only, got %+v", attrs)
	}
}

func TestCloseUnmaps(t *testing.T) {
	as, alloc := mustSetup(t)
	h, err := NewAnon(as, alloc, 0, 1, pagetable.Attrs{Read: true}, "tmp")
	if err != nil {
		t.Fatalf("NewAnon: %v", err)
	}
	if err := h.Commit(0, frame.PageSize, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, ok := as.Lookup(h.Start()); ok {
		t.Fatal("expected region gone after Close")
	}
}
