// Package traceregion is a PC-to-module-name symbolication cache used
// by fatal-diagnostic backtrace dumps (SPEC_FULL.md §9a, wired to the
// diag package). It complements component J's CodeRegionMap (an
// ordered, binary-searched index used on the hot trap-dispatch path)
// with a second, coarser structure purpose-built for the "what module
// owns this PC" question a post-mortem dump asks far less often but
// over a much larger set of PCs (every frame in a backtrace).
//
// Adapted from biscuit's hashtable package (biscuit/src/hashtable):
// same lock-free-read / mutex-write bucket design (an ascending-by-hash
// singly-linked chain per bucket, atomic.LoadPointer/StorePointer for
// the reader path, a per-bucket RWMutex held only by writers),
// generalized from biscuit's arbitrary interface{} keys to this
// package's page-chunk-index keys.
package traceregion

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"unsafe"
)

// chunkShift covers PCs in 4 KiB chunks — coarse enough that
// registering a multi-page module costs one entry per page, not one
// per byte, matching the granularity gopher-os/biscuit map code at
// (page-aligned regions).
const chunkShift = 12

type elem struct {
	chunk   uint64
	module  string
	keyHash uint32
	next    *elem
}

type bucket struct {
	sync.RWMutex
	first *elem
}

func loadFirst(b *bucket) *elem {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(&b.first))
	return (*elem)(atomic.LoadPointer(ptr))
}

func storeFirst(b *bucket, e *elem) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(&b.first))
	atomic.StorePointer(ptr, unsafe.Pointer(e))
}

func loadNext(e *elem) *elem {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(&e.next))
	return (*elem)(atomic.LoadPointer(ptr))
}

func storeNext(e *elem, n *elem) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(&e.next))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

func hashChunk(chunk uint64) uint32 {
	h := fnv.New32a()
	var b [8]byte
	for i := range b {
		b[i] = byte(chunk >> (8 * i))
	}
	h.Write(b[:])
	return h.Sum32()
}

// Table maps PCs to the name of the module (Wasm artifact or kernel
// binary) that owns them, symbolication for backtrace dumps.
type Table struct {
	buckets []*bucket
}

// New allocates a table with the given bucket count.
func New(numBuckets int) *Table {
	t := &Table{buckets: make([]*bucket, numBuckets)}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	return t
}

func (t *Table) bucketFor(kh uint32) *bucket {
	return t.buckets[int(kh%uint32(len(t.buckets)))]
}

// Register records that every 4 KiB chunk in [base, base+size) belongs
// to module moduleName.
func (t *Table) Register(moduleName string, base, size uintptr) {
	startChunk := uint64(base) >> chunkShift
	endChunk := uint64(base+size-1) >> chunkShift
	for c := startChunk; c <= endChunk; c++ {
		t.set(c, moduleName)
	}
}

func (t *Table) set(chunk uint64, moduleName string) {
	kh := hashChunk(chunk)
	b := t.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.chunk == chunk {
			// Swap in a fresh elem rather than writing e.module, so a
			// lock-free reader sees either the old or the new elem whole.
			n := &elem{chunk: chunk, module: moduleName, keyHash: kh, next: e.next}
			if last == nil {
				storeFirst(b, n)
			} else {
				storeNext(last, n)
			}
			return
		}
		if kh < e.keyHash {
			break
		}
		last = e
	}
	n := &elem{chunk: chunk, module: moduleName, keyHash: kh}
	if last == nil {
		n.next = b.first
		storeFirst(b, n)
	} else {
		n.next = last.next
		storeNext(last, n)
	}
}

// Unregister removes every chunk in [base, base+size) — used when a
// Wasm artifact is dropped (§4.J code-region teardown mirrors this).
func (t *Table) Unregister(base, size uintptr) {
	startChunk := uint64(base) >> chunkShift
	endChunk := uint64(base+size-1) >> chunkShift
	for c := startChunk; c <= endChunk; c++ {
		t.del(c)
	}
}

func (t *Table) del(chunk uint64) {
	kh := hashChunk(chunk)
	b := t.bucketFor(kh)
	b.Lock()
	defer b.Unlock()

	var last *elem
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && e.chunk == chunk {
			if last == nil {
				storeFirst(b, e.next)
			} else {
				storeNext(last, e.next)
			}
			return
		}
		last = e
	}
}

// Lookup resolves pc's owning module name without taking any lock —
// safe to call from a fatal-diagnostic path that may run with other
// writers active elsewhere, matching biscuit's Get() (§5 "read-mostly
// structure").
func (t *Table) Lookup(pc uintptr) (string, bool) {
	chunk := uint64(pc) >> chunkShift
	kh := hashChunk(chunk)
	b := t.bucketFor(kh)
	for e := loadFirst(b); e != nil; e = loadNext(e) {
		if e.keyHash == kh && e.chunk == chunk {
			return e.module, true
		}
	}
	return "", false
}
