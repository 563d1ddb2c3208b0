package traceregion

import "testing"

func TestRegisterLookupAcrossPages(t *testing.T) {
	tbl := New(7)
	tbl.Register("wasm-module-0", 0x1000, 0x3000) // spans three 4 KiB chunks

	for _, pc := range []uintptr{0x1000, 0x1fff, 0x2500, 0x3fff} {
		name, ok := tbl.Lookup(pc)
		if !ok || name != "wasm-module-0" {
			t.Fatalf("Lookup(%#x) = (%q, %v), want (wasm-module-0, true)", pc, name, ok)
		}
	}
	if _, ok := tbl.Lookup(0x4000); ok {
		t.Fatal("Lookup past the registered range should miss")
	}
}

func TestUnregisterRemovesChunks(t *testing.T) {
	tbl := New(7)
	tbl.Register("mod", 0x5000, 0x1000)
	tbl.Unregister(0x5000, 0x1000)
	if _, ok := tbl.Lookup(0x5000); ok {
		t.Fatal("expected a miss after Unregister")
	}
}

func TestRegisterOverwritesExistingChunk(t *testing.T) {
	tbl := New(1) // force collisions into a single bucket
	tbl.Register("first", 0x9000, 0x1000)
	tbl.Register("second", 0x9000, 0x1000)
	name, ok := tbl.Lookup(0x9000)
	if !ok || name != "second" {
		t.Fatalf("Lookup = (%q, %v), want (second, true)", name, ok)
	}
}
