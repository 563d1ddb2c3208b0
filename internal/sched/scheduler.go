package sched

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"k23/internal/bootcfg"
	"k23/internal/diag"
	"k23/internal/kernelerr"
	"k23/internal/klog"
	"k23/internal/park"
	"k23/internal/task"
)

// Scheduler owns one Worker per CPU, the injector, the parking lot, and
// the shutdown coordinator (§4.G, §9 "process-wide singletons with
// explicit init/teardown").
type Scheduler struct {
	tunables bootcfg.Tunables
	log      *klog.EarlyLog

	workers  []*Worker
	injector Injector
	lot      *park.ParkingLot
	wheel    *Wheel

	numSearching atomic.Int32
	shutdown     atomic.Bool

	eg    *errgroup.Group
	egCtx context.Context

	rngMu sync.Mutex
	rng   *rand.Rand

	// StolenHint/PolledHint are diagnostic counters, not used for
	// correctness (SPEC_FULL.md §9a sched.Snapshot).
	StolenHint diag.Counter
	PolledHint diag.Counter
}

// Worker is one CPU's scheduling loop (§4.G "Per-CPU worker loop").
type Worker struct {
	id        int
	sched     *Scheduler
	local     LocalQueue
	ticks     int
	searching atomic.Bool
}

// New builds a scheduler with one worker per CPU.
func New(numCPU int, tunables bootcfg.Tunables, log *klog.EarlyLog) *Scheduler {
	s := &Scheduler{
		tunables: tunables,
		log:      log,
		lot:      park.NewParkingLot(int64(numCPU) + 1),
		wheel:    NewWheel(),
		rng:      rand.New(rand.NewSource(1)),
	}
	s.workers = make([]*Worker, numCPU)
	for i := range s.workers {
		s.workers[i] = &Worker{id: i, sched: s}
	}
	return s
}

// injectorKey is the parking-lot bucket every worker parks/wakes on:
// there is exactly one run-or-park condition ("is there global work"),
// so one shared key suffices (§4.H "keyed by address of an atomic").
var injectorKey = park.KeyOf(unsafe.Pointer(&struct{ x byte }{}))

// Start launches one goroutine per worker under an errgroup, which Stop
// joins with Wait (SPEC_FULL.md §4.K errgroup wiring). Each worker
// goroutine returns nil; a task's panic is recovered by task.RunOnce and
// delivered to that task's joiner, not to the group.
func (s *Scheduler) Start(ctx context.Context) {
	eg, egCtx := errgroup.WithContext(ctx)
	s.eg = eg
	s.egCtx = egCtx
	for _, w := range s.workers {
		w := w
		eg.Go(func() error {
			w.run(egCtx)
			return nil
		})
	}
}

// Stop implements §4.G "Stop": set the shutdown flag, wake every parked
// worker, join the barrier (errgroup.Wait), then drop all outstanding
// tasks.
func (s *Scheduler) Stop() {
	s.shutdown.Store(true)
	s.lot.NotifyAll(nil)
	if s.eg != nil {
		_ = s.eg.Wait()
	}
	s.injector.Clear()
	for _, w := range s.workers {
		w.local.Drain()
	}
}

// ScheduleLocal implements §4.G "from within a worker on the same
// scheduler": push to the LIFO slot, notify one idle peer.
func (w *Worker) ScheduleLocal(h *task.Header) {
	w.local.PushLIFO(h)
	w.sched.notifyOne()
}

// ScheduleRemote implements §4.G "from anywhere else": enqueue on the
// injector, notify one idle peer.
func (s *Scheduler) ScheduleRemote(h *task.Header) {
	s.injector.Push(h)
	s.notifyOne()
}

// Sleep implements §5 "Timeouts": registers h to be woken via the same
// Wake/NOTIFIED path any other waker uses, once ticks worker-loop
// iterations have elapsed on the scheduler's hashed-wheel timer.
func (s *Scheduler) Sleep(h *task.Header, ticks uint64) {
	s.wheel.Sleep(ticks, func() {
		if h.Wake() {
			s.ScheduleRemote(h)
		}
	})
}

// notifyOne implements the "at most one searcher per notification
// cycle" invariant: attempt to increment num_searching; skip waking a
// peer if one is already searching.
func (s *Scheduler) notifyOne() {
	if !s.numSearching.CompareAndSwap(0, 1) {
		return
	}
	s.lot.Notify(injectorKey, 1, nil)
}

func (w *Worker) enterSearching() {
	if w.searching.CompareAndSwap(false, true) {
		w.sched.numSearching.Add(1)
	}
}

func (w *Worker) exitSearching() {
	if w.searching.CompareAndSwap(true, false) {
		if w.sched.numSearching.Add(-1) == 0 {
			// The last searcher that finds work replaces itself so a
			// future wake isn't lost (§4.G "calls notify_one() to
			// replace itself").
			w.sched.notifyOne()
		}
	}
}

// run is the per-CPU worker loop (§4.G).
func (w *Worker) run(ctx context.Context) {
	for {
		if w.sched.shutdown.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		w.ticks++
		w.sched.wheel.Turn()

		if w.ticks%maxInt(w.sched.tunables.GlobalQueueInterval, 1) == 0 {
			w.sched.PolledHint.Inc()
			if h := w.sched.injector.PopOne(); h != nil {
				w.runTask(h)
				continue
			}
		}

		if h := w.local.Pop(); h != nil {
			w.runTask(h)
			continue
		}

		if w.refillFromInjector() {
			continue
		}

		if w.trySteal() {
			continue
		}

		w.park(ctx)
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// refillFromInjector implements §4.G step 3.
func (w *Worker) refillFromInjector() bool {
	n := w.sched.tunables.MaxStolenPerTick
	half := (w.sched.injector.Len() + 1) / 2
	if half < n {
		n = half
	}
	if n <= 0 {
		return false
	}
	batch := w.sched.injector.PopUpTo(n)
	if len(batch) == 0 {
		return false
	}
	h := batch[0]
	w.local.PushMany(batch[1:])
	w.runTask(h)
	return true
}

// trySteal implements §4.G step 4: up to StealRounds attempts, each
// picking a random peer and draining half its queue.
func (w *Worker) trySteal() bool {
	if len(w.sched.workers) < 2 {
		return false
	}
	w.enterSearching()
	defer w.exitSearching()

	for round := 0; round < w.sched.tunables.StealRounds; round++ {
		peer := w.sched.randomPeer(w.id)
		if stolen := peer.local.StealHalf(); len(stolen) > 0 {
			w.sched.StolenHint.Add(int64(len(stolen)))
			h := stolen[0]
			w.local.PushMany(stolen[1:])
			w.runTask(h)
			return true
		}
		time.Sleep(time.Microsecond) // back off between rounds
	}
	return false
}

func (s *Scheduler) randomPeer(self int) *Worker {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	if len(s.workers) < 2 {
		return s.workers[0]
	}
	for {
		i := s.rng.Intn(len(s.workers))
		if i != self {
			return s.workers[i]
		}
	}
}

// park implements §4.G step 5: exit searching (if entered), then park
// until notified, shutdown is signalled, or parkTick elapses. The
// timeout stands in for the timer interrupt that wakes an idle CPU, so a
// parked worker keeps turning the wheel and sleeping tasks still wake.
func (w *Worker) park(ctx context.Context) {
	const parkTick = time.Millisecond
	w.exitSearching()
	w.sched.lot.Park(ctx, injectorKey, func() bool {
		return !w.sched.shutdown.Load()
	}, time.Now().Add(parkTick))
}

// runTask drives one task to its next suspension point via
// task.RunOnce, re-enqueuing it locally on PendingSchedule.
func (w *Worker) runTask(h *task.Header) {
	poll := taskPollFuncs.get(h)
	if poll == nil {
		w.sched.log.Printf("[sched] worker %d: task %q has no registered poll function\n", w.id, h.Span)
		return
	}
	_, end := task.RunOnce(h, poll)
	if end == task.EndPendingSchedule {
		w.ScheduleLocal(h)
	}
}

// Snapshot is the introspection surface named in SPEC_FULL.md §9a.
type Snapshot struct {
	InjectorLen    int
	NumSearching   int
	PerWorkerLocal []int
}

// Samples converts snap to diag.Sample entries for diag.Snapshot
// (§4.K pprof wiring), one per worker's local queue depth plus the
// injector/searching aggregates.
func (snap Snapshot) Samples() []diag.Sample {
	samples := []diag.Sample{
		{Label: "injector_len", Value: int64(snap.InjectorLen)},
		{Label: "num_searching", Value: int64(snap.NumSearching)},
	}
	for i, n := range snap.PerWorkerLocal {
		samples = append(samples, diag.Sample{Label: fmt.Sprintf("worker%d_local", i), Value: int64(n)})
	}
	return samples
}

func (s *Scheduler) Snapshot() Snapshot {
	snap := Snapshot{InjectorLen: s.injector.Len(), NumSearching: int(s.numSearching.Load())}
	for _, w := range s.workers {
		snap.PerWorkerLocal = append(snap.PerWorkerLocal, w.local.Len())
	}
	return snap
}

// registry maps a task header to the poll closure that drives it. A
// real kernel would store the closure inline in the single allocated
// task block (§4.I); this hosted rendition keeps the scheduler package
// free of a generic task-body type parameter by indexing closures in a
// small side table instead.
type pollRegistry struct {
	mu sync.Mutex
	m  map[*task.Header]task.Poll
}

func (r *pollRegistry) get(h *task.Header) task.Poll {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[h]
}

func (r *pollRegistry) set(h *task.Header, p task.Poll) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[*task.Header]task.Poll)
	}
	r.m[h] = p
}

func (r *pollRegistry) delete(h *task.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, h)
}

var taskPollFuncs = &pollRegistry{}

// Spawn registers poll as h's body and schedules it: locally if called
// from within a running worker's task (w is non-nil), otherwise via the
// injector.
func Spawn(s *Scheduler, w *Worker, h *task.Header, poll task.Poll) error {
	if h == nil {
		return kernelerr.New("sched", kernelerr.InvalidArgument, "nil task header")
	}
	taskPollFuncs.set(h, poll)
	if w != nil {
		w.ScheduleLocal(h)
	} else {
		s.ScheduleRemote(h)
	}
	return nil
}
