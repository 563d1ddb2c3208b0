package frame

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"k23/internal/addr"
	"k23/internal/diag"
	"k23/internal/kernelerr"
)

// perCPUCache is a private intrusive free list for one CPU, mirroring
// biscuit's pcpuphys_t: a small mutex-guarded list even though only the
// owning worker is expected to touch it, cheap insurance against a
// misbehaving caller.
type perCPUCache struct {
	mu    sync.Mutex
	free  *Info
	count int
}

func (c *perCPUCache) push(fi *Info) {
	c.mu.Lock()
	fi.next = c.free
	c.free = fi
	c.count++
	c.mu.Unlock()
}

func (c *perCPUCache) pop() *Info {
	c.mu.Lock()
	fi := c.free
	if fi != nil {
		c.free = fi.next
		fi.next = nil
		c.count--
	}
	c.mu.Unlock()
	return fi
}

// Allocator is the process-wide frame allocator: a set of buddy arenas
// plus one private cache per CPU. It is a module-level singleton
// (§9 "Shared mutable state"): constructed once at boot via New, then
// served from the per-CPU caches (each behind its own small mutex) for
// the common case.
type Allocator struct {
	arenas      []*Arena
	percpu      []perCPUCache
	watermark   int
	cachedHint  diag.Counter // frames_in_caches_hint: stats only, never correctness
	statsGroup  singleflight.Group
}

// New constructs an Allocator over the given arenas with numCPU private
// caches and the given per-CPU flush-back watermark (§9 open question
// (b); the reference watermark is 512 frames).
func New(arenas []*Arena, numCPU int, watermark int) *Allocator {
	if numCPU <= 0 {
		numCPU = 1
	}
	return &Allocator{
		arenas:    arenas,
		percpu:    make([]perCPUCache, numCPU),
		watermark: watermark,
	}
}

func (a *Allocator) cpu(id int) *perCPUCache {
	return &a.percpu[id%len(a.percpu)]
}

// AllocOne tries the calling CPU's cache first, then the global arenas
// under each arena's own lock (§4.C "Per-CPU cache").
func (a *Allocator) AllocOne(cpuID int) (*Info, error) {
	if fi := a.cpu(cpuID).pop(); fi != nil {
		a.cachedHint.Dec()
		return fi, nil
	}
	for _, ar := range a.arenas {
		if fi, err := ar.AllocateOne(); err == nil {
			return fi, nil
		}
	}
	return nil, kernelerr.New("frame", kernelerr.OutOfMemory, "all arenas exhausted")
}

// AllocOneZeroed allocates and zeroes the frame. Zeroing happens outside
// any allocator lock.
func (a *Allocator) AllocOneZeroed(cpuID int) (*Info, error) {
	fi, err := a.AllocOne(cpuID)
	if err != nil {
		return nil, err
	}
	fi.owner.Zero(fi)
	return fi, nil
}

// View returns the backing bytes for fi, used by the page-table driver
// (component D) to read/write PTE arrays and by the mmap handle
// (component F) for copy-in/copy-out.
func (a *Allocator) View(fi *Info) []byte { return fi.owner.View(fi) }

// Zero memsets the frame outside any allocator lock.
func (a *Allocator) Zero(fi *Info) { fi.owner.Zero(fi) }

// ViewPA returns the backing bytes for pa, looking up the owning arena.
// Used by the page-table driver, which only ever stores a PA in a PTE.
func (a *Allocator) ViewPA(pa addr.PA) ([]byte, error) {
	for _, ar := range a.arenas {
		if ar.Contains(pa) {
			return ar.ViewPA(pa), nil
		}
	}
	return nil, kernelerr.New("frame", kernelerr.InvalidArgument, "address %#x not owned by any arena", pa)
}

// FreeByPA returns the page at pa to its owning arena directly, for
// callers that only hold a PA (the page-table driver freeing an
// emptied subtable).
func (a *Allocator) FreeByPA(pa addr.PA) error {
	for _, ar := range a.arenas {
		if ar.Contains(pa) {
			ar.FreeOne(ar.InfoForPA(pa))
			return nil
		}
	}
	return kernelerr.New("frame", kernelerr.InvalidArgument, "address %#x not owned by any arena", pa)
}

// Dealloc returns a frame to the calling CPU's cache, flushing half of
// it back to the global arenas once the cache exceeds the watermark.
func (a *Allocator) Dealloc(fi *Info, cpuID int) {
	cache := a.cpu(cpuID)
	cache.push(fi)
	a.cachedHint.Inc()
	if a.watermark > 0 && cache.count > a.watermark {
		a.flushHalf(cache)
	}
}

// FlushAllCache returns every frame cached for cpuID back to its owning
// arena. Used at scheduler shutdown and by tests asserting the allocator
// returns to its pristine free-list shape.
func (a *Allocator) FlushAllCache(cpuID int) {
	cache := a.cpu(cpuID)
	for {
		fi := cache.pop()
		if fi == nil {
			return
		}
		fi.owner.FreeOne(fi)
		a.cachedHint.Dec()
	}
}

func (a *Allocator) flushHalf(cache *perCPUCache) {
	cache.mu.Lock()
	n := cache.count / 2
	var toFlush []*Info
	for i := 0; i < n && cache.free != nil; i++ {
		fi := cache.free
		cache.free = fi.next
		fi.next = nil
		cache.count--
		toFlush = append(toFlush, fi)
	}
	cache.mu.Unlock()

	for _, fi := range toFlush {
		fi.owner.FreeOne(fi)
		a.cachedHint.Dec()
	}
}

// AllocContiguous runs a sliding-window scan over the calling CPU's cache
// for count physically contiguous, aligned frames; on miss it pulls a
// fresh contiguous block from the global allocator into the cache and
// retries (§4.C "Per-CPU cache").
func (a *Allocator) AllocContiguous(cpuID int, l Layout) ([]*Info, error) {
	cache := a.cpu(cpuID)
	if run := scanContiguous(cache, l); run != nil {
		a.cachedHint.Add(-int64(len(run)))
		return run, nil
	}

	var run []*Info
	var err error
	for _, ar := range a.arenas {
		run, err = ar.AllocateContiguous(l)
		if err == nil {
			break
		}
	}
	if run == nil {
		return nil, kernelerr.New("frame", kernelerr.OutOfMemory, "no arena satisfies contiguous request %+v", l)
	}
	for _, fi := range run {
		cache.push(fi)
	}
	a.cachedHint.Add(int64(len(run)))

	got := scanContiguous(cache, l)
	if got == nil {
		// Unreachable in practice: the block we just cached is exactly
		// the contiguous, aligned run being searched for.
		return nil, kernelerr.New("frame", kernelerr.OutOfMemory, "contiguous block vanished from cache")
	}
	a.cachedHint.Add(-int64(len(got)))
	return got, nil
}

// scanContiguous drains one run of count physically contiguous, aligned
// frames out of cache's free list, or returns nil without modifying the
// cache if no such run is found.
func scanContiguous(cache *perCPUCache, l Layout) []*Info {
	minOrder, err := orderForLayout(l)
	if err != nil {
		return nil
	}
	count := 1 << minOrder
	blockSize := uint64(count) * PageSize

	cache.mu.Lock()
	defer cache.mu.Unlock()

	var all []*Info
	for f := cache.free; f != nil; f = f.next {
		all = append(all, f)
	}
	if len(all) < count {
		return nil
	}
	sort.Slice(all, func(i, j int) bool { return all[i].addr < all[j].addr })

	for start := 0; start+count <= len(all); start++ {
		window := all[start : start+count]
		if uint64(window[0].addr)%blockSize != 0 {
			continue
		}
		contig := true
		for i := 1; i < count; i++ {
			if window[i].addr != window[i-1].addr.Add(PageSize) {
				contig = false
				break
			}
		}
		if !contig {
			continue
		}
		removeAllFromCache(cache, window)
		return window
	}
	return nil
}

// removeAllFromCache splits every Info in victims out of cache's free
// list. Caller holds cache.mu.
func removeAllFromCache(cache *perCPUCache, victims []*Info) {
	want := make(map[*Info]bool, len(victims))
	for _, v := range victims {
		want[v] = true
	}
	var head *Info
	var tail *Info
	for f := cache.free; f != nil; {
		next := f.next
		if want[f] {
			f.next = nil
		} else {
			f.next = nil
			if head == nil {
				head = f
				tail = f
			} else {
				tail.next = f
				tail = f
			}
		}
		f = next
	}
	cache.free = head
	cache.count -= len(victims)
}

// FreeContiguous returns every page of a contiguous run, one CPU cache push per
// page (mirrors Dealloc's single-page path; the buddy layer below
// re-coalesces as siblings become free).
func (a *Allocator) FreeContiguous(run []*Info, cpuID int) {
	for _, fi := range run {
		a.Dealloc(fi, cpuID)
	}
}

// Stats is the diagnostic surface named in SPEC_FULL.md §9a, grounded on
// biscuit's Physmem_t.Pgcount(). Concurrent callers share one in-flight
// computation via singleflight, since walking every arena's free lists
// visits every free block and is pointless to duplicate under load.
type Stats struct {
	FreeFrames     int
	CachedHint     int64
	PerArenaOrders [][]int
}

// Samples converts s to diag.Sample entries for diag.Snapshot (§4.K
// pprof wiring), one per arena/order bucket plus the aggregate counters.
func (s Stats) Samples() []diag.Sample {
	samples := []diag.Sample{
		{Label: "free_frames", Value: int64(s.FreeFrames)},
		{Label: "cached_hint", Value: s.CachedHint},
	}
	for arenaIdx, counts := range s.PerArenaOrders {
		for order, n := range counts {
			if n == 0 {
				continue
			}
			samples = append(samples, diag.Sample{
				Label: fmt.Sprintf("arena%d_order%d", arenaIdx, order),
				Value: int64(n),
			})
		}
	}
	return samples
}

func (a *Allocator) Stats() Stats {
	v, _, _ := a.statsGroup.Do("stats", func() (interface{}, error) {
		s := Stats{CachedHint: a.cachedHint.Load()}
		for _, ar := range a.arenas {
			counts := ar.freeCounts()
			s.PerArenaOrders = append(s.PerArenaOrders, counts)
			for order, n := range counts {
				s.FreeFrames += n * (1 << order)
			}
		}
		return s, nil
	})
	return v.(Stats)
}
