package sched

import (
	"context"
	"testing"
	"time"

	"k23/internal/bootcfg"
	"k23/internal/klog"
	"k23/internal/task"
)

func testTunables() bootcfg.Tunables {
	t := bootcfg.DefaultTunables()
	return t
}

// TestTwoWorkersChannelHandoff implements spec scenario S3: two workers,
// two tasks, task A sends a value over a channel that task B awaits.
func TestTwoWorkersChannelHandoff(t *testing.T) {
	s := New(2, testTunables(), klog.NewEarly(4096))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	ch := make(chan int, 1)
	result := make(chan int, 1)

	hA := task.New("sender")
	hB := task.New("receiver")

	sentOnce := false
	_ = Spawn(s, nil, hA, func() (bool, interface{}) {
		if !sentOnce {
			ch <- 7
			sentOnce = true
		}
		return true, nil
	})
	_ = Spawn(s, nil, hB, func() (bool, interface{}) {
		select {
		case v := <-ch:
			result <- v
			return true, v
		default:
			return false, nil
		}
	})

	select {
	case v := <-result:
		if v != 7 {
			t.Fatalf("receiver observed %d, want 7", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never observed the sent value")
	}

	deadline := time.After(time.Second)
	for {
		snap := s.Snapshot()
		allParked := true
		for _, n := range snap.PerWorkerLocal {
			if n != 0 {
				allParked = false
			}
		}
		if snap.InjectorLen == 0 && allParked {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("scheduler did not quiesce: %+v", snap)
		case <-time.After(time.Millisecond):
		}
	}

	s.Stop()
}

// TestFairnessInjectorPolledEveryInterval implements §8 property 11: a
// worker with permanently non-empty local work still services an
// injector task within GlobalQueueInterval ticks.
func TestFairnessInjectorPolledEveryInterval(t *testing.T) {
	tun := testTunables()
	tun.GlobalQueueInterval = 3
	s := New(1, tun, klog.NewEarly(4096))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := s.workers[0]

	busy := task.New("busy")
	busyPolls := 0
	_ = Spawn(s, w, busy, func() (bool, interface{}) {
		busyPolls++
		busy.Wake()       // still running, so EndPoll reports EndPendingSchedule
		return false, nil // never completes, keeps re-queuing itself
	})

	served := make(chan struct{}, 1)
	injected := task.New("injected")
	_ = Spawn(s, nil, injected, func() (bool, interface{}) {
		select {
		case served <- struct{}{}:
		default:
		}
		return true, nil
	})

	s.Start(ctx)
	defer s.Stop()

	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("injector task was never serviced despite the fairness interval")
	}
}

// TestWheelFiresAfterTicksElapse checks the hashed-wheel timer directly:
// an entry registered for N ticks wakes on the Nth Turn, not before.
func TestWheelFiresAfterTicksElapse(t *testing.T) {
	w := NewWheel()
	fired := false
	w.Sleep(3, func() { fired = true })

	for i := 0; i < 2; i++ {
		w.Turn()
		if fired {
			t.Fatalf("fired after %d ticks, want 3", i+1)
		}
	}
	w.Turn()
	if !fired {
		t.Fatal("entry did not fire on its third tick")
	}
}

// TestWheelWrapsAcrossRevolutions checks an entry whose deadline is
// further out than one wheel revolution still waits the extra rounds
// instead of aliasing into an earlier slot.
func TestWheelWrapsAcrossRevolutions(t *testing.T) {
	w := NewWheel()
	const ticks = wheelSlots + 5
	fired := false
	w.Sleep(ticks, func() { fired = true })

	for i := 0; i < ticks-1; i++ {
		w.Turn()
	}
	if fired {
		t.Fatal("fired before its deadline tick")
	}
	w.Turn()
	if !fired {
		t.Fatal("entry did not fire on its deadline tick")
	}
}

// TestSchedulerSleepReschedulesTask exercises Scheduler.Sleep end to
// end: a task parks itself via Sleep and only completes once enough
// worker ticks have elapsed.
func TestSchedulerSleepReschedulesTask(t *testing.T) {
	s := New(1, testTunables(), klog.NewEarly(4096))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	done := make(chan struct{}, 1)
	slept := false
	h := task.New("sleeper")
	_ = Spawn(s, nil, h, func() (bool, interface{}) {
		if !slept {
			slept = true
			s.Sleep(h, 5)
			return false, nil
		}
		select {
		case done <- struct{}{}:
		default:
		}
		return true, nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sleeping task never woke and completed")
	}
}

// TestSnapshotSamplesCoversEveryWorker checks the diag.Snapshot wiring
// (§4.K): one sample per worker's local queue depth, plus the injector
// and searching aggregates.
func TestSnapshotSamplesCoversEveryWorker(t *testing.T) {
	s := New(3, testTunables(), klog.NewEarly(4096))
	samples := s.Snapshot().Samples()
	if len(samples) != 2+3 {
		t.Fatalf("got %d samples, want 5 (2 aggregates + 3 workers)", len(samples))
	}
}

// TestNotifyOneIsExclusive checks the "at most one searcher per
// notification cycle" invariant directly against the shared counter.
func TestNotifyOneIsExclusive(t *testing.T) {
	s := New(4, testTunables(), klog.NewEarly(4096))
	s.notifyOne()
	s.notifyOne()
	if s.numSearching.Load() != 1 {
		t.Fatalf("numSearching = %d, want 1 after two notifyOne calls", s.numSearching.Load())
	}
}
