package frame

import (
	"testing"

	"k23/internal/addr"
)

func mustArena(t *testing.T, base addr.PA, size uint64, order Order) *Arena {
	t.Helper()
	a, err := NewArena(base, size, order)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	return a
}

func TestAllocateOnePageAligned(t *testing.T) {
	a := mustArena(t, addr.PA(0x8000_0000), 1<<20, 10)
	fi, err := a.AllocateOne()
	if err != nil {
		t.Fatalf("AllocateOne: %v", err)
	}
	if uint64(fi.Addr())%PageSize != 0 {
		t.Fatalf("address %#x not page aligned", fi.Addr())
	}
}

func TestBuddyMergeOnFree(t *testing.T) {
	a := mustArena(t, addr.PA(0), 1<<16, 10) // 16 pages
	before := a.freeCounts()

	fi, err := a.AllocateOne()
	if err != nil {
		t.Fatal(err)
	}
	a.FreeOne(fi)

	after := a.freeCounts()
	for o := range before {
		if before[o] != after[o] {
			t.Fatalf("order %d: free count %d before alloc/free cycle, %d after; buddy did not fully re-merge", o, before[o], after[o])
		}
	}
}

func TestAllocateContiguousAlignedAndContiguous(t *testing.T) {
	a := mustArena(t, addr.PA(0), 1<<24, 10)
	run, err := a.AllocateContiguous(Layout{Size: 16 * PageSize, Align: 16 * PageSize})
	if err != nil {
		t.Fatalf("AllocateContiguous: %v", err)
	}
	if len(run) != 16 {
		t.Fatalf("got %d frames, want 16", len(run))
	}
	if uint64(run[0].Addr())%(16*PageSize) != 0 {
		t.Fatalf("base %#x not aligned to requested 16-page block", run[0].Addr())
	}
	for i := 1; i < len(run); i++ {
		want := run[i-1].Addr().Add(PageSize)
		if run[i].Addr() != want {
			t.Fatalf("frame %d at %#x not contiguous with previous (want %#x)", i, run[i].Addr(), want)
		}
	}
}

func TestAllocatorRoundTrip(t *testing.T) {
	// §8 property 1: alloc/dealloc sequences return the allocator to its
	// initial free-list shape.
	a := mustArena(t, addr.PA(0), 1<<20, 8)
	alloc := New([]*Arena{a}, 1, 512)
	before := a.freeCounts()

	var handles []*Info
	for i := 0; i < 64; i++ {
		fi, err := alloc.AllocOne(0)
		if err != nil {
			t.Fatalf("AllocOne: %v", err)
		}
		handles = append(handles, fi)
	}
	for _, fi := range handles {
		alloc.Dealloc(fi, 0)
	}
	// Force the flush-back so everything lands back on the arena's free
	// lists rather than sitting in the per-CPU cache.
	alloc.FlushAllCache(0)

	after := a.freeCounts()
	for o := range before {
		if before[o] != after[o] {
			t.Fatalf("order %d: %d before, %d after full alloc/dealloc cycle", o, before[o], after[o])
		}
	}
}

// S1: arenas [0x8000_0000..0x8400_0000], [0x8800_0000..0x8802_0000];
// allocate 1 frame 1024 times, free every other one, then allocate 16
// contiguous 2-MiB-aligned frames. Expect success and 2MiB alignment.
func TestScenarioS1(t *testing.T) {
	a1 := mustArena(t, addr.PA(0x8000_0000), 0x0400_0000, 10)
	a2 := mustArena(t, addr.PA(0x8800_0000), 0x0002_0000, 4)
	alloc := New([]*Arena{a1, a2}, 1, 512)

	var handles []*Info
	for i := 0; i < 1024; i++ {
		fi, err := alloc.AllocOne(0)
		if err != nil {
			t.Fatalf("AllocOne #%d: %v", i, err)
		}
		handles = append(handles, fi)
	}
	for i, fi := range handles {
		if i%2 == 0 {
			alloc.Dealloc(fi, 0)
		}
	}
	alloc.FlushAllCache(0)

	const twoMiB = 2 * 1024 * 1024
	run, err := alloc.AllocContiguous(0, Layout{Size: 16 * PageSize, Align: twoMiB})
	if err != nil {
		t.Fatalf("AllocContiguous: %v", err)
	}
	if len(run) == 0 {
		t.Fatal("expected a non-empty run")
	}
	if uint64(run[0].Addr())%twoMiB != 0 {
		t.Fatalf("base %#x not 2MiB aligned", run[0].Addr())
	}
}

func TestArenaSelectionWasteCap(t *testing.T) {
	const cap = 528 * 1024
	regions := []FreeRegion{
		{Base: 0, Size: 0x1000_0000},
		{Base: 0x1000_0000 + 0x1000, Size: 0x1000_0000}, // tiny gap, should merge
	}
	specs := SelectArenas(regions, cap, nil)
	if len(specs) != 1 {
		t.Fatalf("expected regions with a tiny gap to merge into one arena, got %d", len(specs))
	}

	farRegions := []FreeRegion{
		{Base: 0, Size: 0x2000},
		{Base: 1000 * cap, Size: 0x2000},
	}
	farSpecs := SelectArenas(farRegions, cap, nil)
	if len(farSpecs) != 2 {
		t.Fatalf("expected a far-apart gap to stay as separate arenas, got %d", len(farSpecs))
	}
}

func TestArenaSelectionSkipsUndersizedRegion(t *testing.T) {
	specs := SelectArenas([]FreeRegion{{Base: 0, Size: PageSize}}, 528*1024, nil)
	if len(specs) != 0 {
		t.Fatalf("a region too small to hold its own bookkeeping must be skipped, got %d specs", len(specs))
	}
}

func TestAllocContiguousExhaustion(t *testing.T) {
	a := mustArena(t, addr.PA(0), 4*PageSize, 1)
	alloc := New([]*Arena{a}, 1, 512)
	if _, err := alloc.AllocContiguous(0, Layout{Size: 1 << 30, Align: PageSize}); err == nil {
		t.Fatal("expected an out-of-memory error for an unsatisfiable request")
	}
}

// Samples feeds diag.Snapshot (§4.K pprof wiring); it must always
// surface the aggregate counters even when every arena is full.
func TestStatsSamplesIncludesAggregates(t *testing.T) {
	a := mustArena(t, addr.PA(0), 1<<16, 4)
	alloc := New([]*Arena{a}, 1, 512)
	samples := alloc.Stats().Samples()

	var sawFree, sawCached bool
	for _, s := range samples {
		switch s.Label {
		case "free_frames":
			sawFree = true
		case "cached_hint":
			sawCached = true
		}
	}
	if !sawFree || !sawCached {
		t.Fatalf("samples = %+v, want free_frames and cached_hint present", samples)
	}
}
