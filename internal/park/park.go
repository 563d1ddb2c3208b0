// Package park implements component H: per-CPU parkers plus a parking
// lot keyed by address, the suspension primitive the scheduler (§4.G)
// and the task join path build on.
//
// Hosted-Go stand-in for the hardware primitives: a CPU's "wait for
// interrupt" instruction becomes a blocking receive on a per-CPU
// channel, and "send an IPI" becomes a non-blocking send to that same
// channel — close enough to the real ordering (park blocks until
// unparked, unpark never blocks the waker) to exercise the scheduler
// logic built on top. Grounded in style on biscuit's condvar-based
// proc parking (broadcast + per-waiter wakeup channel), generalized to
// the explicit Parker/ParkingLot split §4.H calls for.
package park

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sync/semaphore"
)

// Parker is the per-CPU suspension handle (§4.H "A Parker is per-CPU
// scoped").
type Parker struct {
	cpu  int
	wake chan struct{}
}

// NewParker constructs the parker owned by the given CPU.
func NewParker(cpu int) *Parker {
	return &Parker{cpu: cpu, wake: make(chan struct{}, 1)}
}

// CPU reports the owning CPU index.
func (p *Parker) CPU() int { return p.cpu }

// Park blocks until Unpark is called or ctx is done (§4.H "issues a
// wait-for-interrupt instruction").
func (p *Parker) Park(ctx context.Context) {
	select {
	case <-p.wake:
	case <-ctx.Done():
	}
}

// Unpark wakes a parked CPU (§4.H "sends an IPI"). Never blocks: a
// pending-but-unconsumed wake coalesces with any prior one.
func (p *Parker) Unpark() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Result is the outcome of ParkingLot.Park (§4.H).
type Result int

const (
	ResultNotified Result = iota
	ResultMismatch
	ResultTimedOut
)

// Key identifies a parking-lot bucket: conventionally the address of
// the atomic the caller is waiting on (§4.H "indexes parkers by key").
type Key uintptr

// KeyOf derives a Key from any pointer.
func KeyOf(p unsafe.Pointer) Key { return Key(uintptr(p)) }

type waiter struct {
	notified bool
	wake     chan struct{}
}

type bucket struct {
	sem     *semaphore.Weighted
	waiters []*waiter
}

// ParkingLot is the address-keyed wait-queue index described in §4.H.
// Each bucket's concurrent-waiter count is bounded by a weighted
// semaphore (SPEC_FULL.md §4.K) so a pathologically hot key cannot queue
// an unbounded number of goroutines.
type ParkingLot struct {
	maxWaitersPerKey int64

	mu      sync.Mutex
	buckets map[Key]*bucket
}

// NewParkingLot builds a lot bounding each key's concurrent waiters to
// maxWaitersPerKey.
func NewParkingLot(maxWaitersPerKey int64) *ParkingLot {
	return &ParkingLot{maxWaitersPerKey: maxWaitersPerKey, buckets: make(map[Key]*bucket)}
}

func (pl *ParkingLot) bucketFor(key Key) *bucket {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	b, ok := pl.buckets[key]
	if !ok {
		b = &bucket{sem: semaphore.NewWeighted(pl.maxWaitersPerKey)}
		pl.buckets[key] = b
	}
	return b
}

// Park implements §4.H: under the lot's lock, re-check validate; if it
// fails, return Mismatch. Otherwise enqueue self, wait for a wake (or
// deadline), and on wake re-inspect notified — spurious wakes re-park.
func (pl *ParkingLot) Park(ctx context.Context, key Key, validate func() bool, deadline time.Time) Result {
	b := pl.bucketFor(key)
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return ResultTimedOut
	}
	defer b.sem.Release(1)

	pl.mu.Lock()
	if !validate() {
		pl.mu.Unlock()
		return ResultMismatch
	}
	w := &waiter{wake: make(chan struct{}, 1)}
	b.waiters = append(b.waiters, w)
	pl.mu.Unlock()

	var timeoutCh <-chan time.Time
	if !deadline.IsZero() {
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		timeoutCh = timer.C
	}
	for {
		select {
		case <-w.wake:
			pl.mu.Lock()
			notified := w.notified
			pl.mu.Unlock()
			if notified {
				return ResultNotified
			}
			// spurious wake: loop and wait again.
		case <-timeoutCh:
			pl.mu.Lock()
			b.waiters = removeWaiter(b.waiters, w)
			pl.mu.Unlock()
			return ResultTimedOut
		case <-ctx.Done():
			pl.mu.Lock()
			b.waiters = removeWaiter(b.waiters, w)
			pl.mu.Unlock()
			return ResultTimedOut
		}
	}
}

func removeWaiter(ws []*waiter, target *waiter) []*waiter {
	out := ws[:0]
	for _, w := range ws {
		if w != target {
			out = append(out, w)
		}
	}
	return out
}

// Notify pops up to n waiters for key, marks each notified, and wakes
// them; if at least one was woken and ipi is non-nil, Notify then calls
// ipi once, standing in for IPI-ing their owning CPUs (§4.H
// "notify(key, n)"). It returns the number of waiters woken.
func (pl *ParkingLot) Notify(key Key, n int, ipi func()) int {
	pl.mu.Lock()
	b, ok := pl.buckets[key]
	if !ok {
		pl.mu.Unlock()
		return 0
	}
	woken := 0
	for woken < n && len(b.waiters) > 0 {
		w := b.waiters[0]
		b.waiters = b.waiters[1:]
		w.notified = true
		select {
		case w.wake <- struct{}{}:
		default:
		}
		woken++
	}
	pl.mu.Unlock()
	if woken > 0 && ipi != nil {
		ipi()
	}
	return woken
}

// NotifyAll wakes every waiter across every key, used for scheduler
// shutdown (§4.H "wake all").
func (pl *ParkingLot) NotifyAll(ipi func()) int {
	pl.mu.Lock()
	woken := 0
	for _, b := range pl.buckets {
		for _, w := range b.waiters {
			w.notified = true
			select {
			case w.wake <- struct{}{}:
			default:
			}
			woken++
		}
		b.waiters = nil
	}
	pl.mu.Unlock()
	if woken > 0 && ipi != nil {
		ipi()
	}
	return woken
}
