package vmspace

import (
	"sync"

	"k23/internal/addr"
	"k23/internal/frame"
	"k23/internal/kernelerr"
	"k23/internal/pagetable"
)

// AddressSpace ties one region Tree to one page-table Driver, guarded by
// a single mutex held for the duration of any map/unmap/protect call
// (§5 "The address-space region tree is guarded by a per-address-space
// mutex").
type AddressSpace struct {
	mu     sync.Mutex
	tree   *Tree
	driver *pagetable.Driver
	alloc  *frame.Allocator
	cpu    int
}

// New builds an address space spanning [lo, hi) over driver's page table.
func New(lo, hi addr.VA, driver *pagetable.Driver, alloc *frame.Allocator, cpu int) *AddressSpace {
	return &AddressSpace{tree: NewTree(lo, hi), driver: driver, alloc: alloc, cpu: cpu}
}

// Batch amortizes TLB fences across many PTE mutations (§4.D "Batch",
// §4.E "Committing pages").
type Batch struct {
	flush pagetable.Flush
}

// Flush applies the accumulated invalidation once.
func (b *Batch) Flush(d *pagetable.Driver) { b.flush.Apply(d) }

// Map allocates VA space for a new region backed by vmo and installs it
// in the tree; for wired VMOs every page is installed eagerly, for
// lazily-committed VMOs (anon-zero) entries are left vacant until fault
// or explicit Commit (§4.D "map").
func (as *AddressSpace) Map(l Layout, vmo VMO, attrs pagetable.Attrs, name string) (*Region, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	start, err := as.tree.FindGap(l)
	if err != nil {
		return nil, err
	}
	r := &Region{
		Start:  start,
		End:    start.Add(l.Size),
		VMO:    vmo,
		Attrs:  attrs,
		Name:   name,
		Layout: l,
	}
	if err := as.tree.Insert(r); err != nil {
		return nil, err
	}

	if !vmo.AutoCommit() {
		var batch Batch
		numPages := int(l.Size / frame.PageSize)
		for i := 0; i < numPages; i++ {
			pa, err := vmo.Commit(i)
			if err != nil {
				return nil, err
			}
			va := r.Start.Add(uint64(i) * frame.PageSize)
			if err := as.driver.MapPage(va, pa, attrs, &batch.flush); err != nil {
				return nil, err
			}
		}
		batch.Flush(as.driver)
	}
	return r, nil
}

// CommitRange installs backing frames for every page in [start, start+n*PageSize)
// of region r, a no-op for pages already committed (§4.E "Committing pages").
func (as *AddressSpace) CommitRange(r *Region, startPage, numPages int) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	var batch Batch
	for i := startPage; i < startPage+numPages; i++ {
		if _, ok := r.VMO.FrameFor(i); ok {
			continue
		}
		pa, err := r.VMO.Commit(i)
		if err != nil {
			return err
		}
		va := r.Start.Add(uint64(i) * frame.PageSize)
		if err := as.driver.MapPage(va, pa, r.Attrs, &batch.flush); err != nil {
			return err
		}
	}
	batch.Flush(as.driver)
	return nil
}

// DecommitRange releases pages [startPage, startPage+numPages) of r: the
// VMO frees or retains the backing frame per its own policy, and the
// corresponding PTEs are unmapped (§4.E "Decommit / unmap").
func (as *AddressSpace) DecommitRange(r *Region, startPage, numPages int) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	var batch Batch
	for i := startPage; i < startPage+numPages; i++ {
		if _, ok := r.VMO.FrameFor(i); !ok {
			continue
		}
		va := r.Start.Add(uint64(i) * frame.PageSize)
		if err := as.driver.Unmap(va, &batch.flush); err != nil && !kernelerr.Is(err, kernelerr.NotMapped) {
			return err
		}
		r.VMO.Decommit(i)
	}
	batch.Flush(as.driver)
	return nil
}

// Protect rewrites the permission bits of every leaf page in r
// (§4.E "Protect").
func (as *AddressSpace) Protect(r *Region, attrs pagetable.Attrs) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	var batch Batch
	numPages := int(r.size() / frame.PageSize)
	for i := 0; i < numPages; i++ {
		if _, ok := r.VMO.FrameFor(i); !ok {
			continue
		}
		va := r.Start.Add(uint64(i) * frame.PageSize)
		if err := as.driver.SetAttributes(va, attrs, &batch.flush); err != nil {
			return err
		}
	}
	r.Attrs = attrs
	batch.Flush(as.driver)
	return nil
}

// Unmap decommits every page of r and removes it from the tree.
func (as *AddressSpace) Unmap(r *Region) error {
	numPages := int(r.size() / frame.PageSize)
	if err := as.DecommitRange(r, 0, numPages); err != nil {
		return err
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	_, err := as.tree.Remove(r.Start)
	return err
}

// HandleFault services a faulting access at va inside a mapped region:
// if the backing VMO auto-commits (anon-zero) and the page is within
// the region, a zeroed frame is installed; otherwise the fault is
// reported to the caller (§4.E "Fault handling").
func (as *AddressSpace) HandleFault(va addr.VA) error {
	as.mu.Lock()
	r, ok := as.tree.Lookup(va)
	as.mu.Unlock()
	if !ok {
		return kernelerr.New("vmspace", kernelerr.NotMapped, "fault at %#x outside any region", va)
	}
	if !r.VMO.AutoCommit() {
		return kernelerr.New("vmspace", kernelerr.NotMapped, "fault at %#x: backing VMO does not auto-commit", va)
	}
	page := int(va.OffsetFromUnsigned(r.Start) / frame.PageSize)
	return as.CommitRange(r, page, 1)
}

// Lookup exposes the tree lookup for read-only callers (mmap handle
// copy-in/out path).
func (as *AddressSpace) Lookup(va addr.VA) (*Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.tree.Lookup(va)
}

// Driver exposes the underlying page-table driver for translate-only
// callers.
func (as *AddressSpace) Driver() *pagetable.Driver { return as.driver }
