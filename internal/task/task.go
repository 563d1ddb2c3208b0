// Package task implements component I: the task object's atomic,
// bit-packed poll state machine, shared between the scheduler (the sole
// producer of polls) and at most one joiner (§4.I, §5 "the state word
// of a task is sequenced with AcqRel across worker/joiner boundaries").
//
// Grounded on biscuit's reference-counted, state-word-synchronized
// kernel objects in style (a single atomic word as the sole
// synchronizer, auxiliary payload behind a short-held mutex) since
// neither the teacher nor the rest of the pack implements an async
// task system; the state machine itself follows §4.I's table directly.
package task

import (
	"sync"
	"sync/atomic"

	"k23/internal/diag"
)

// bit is one flag of the state word (§4.I's table, column "State bit").
type bit uint32

const (
	bitRunning bit = 1 << iota
	bitComplete
	bitNotified
	bitCancelled
	bitJoinWakerRegistered
)

// StartPollAction is start_poll's result (§4.I).
type StartPollAction int

const (
	ActionPoll StartPollAction = iota
	ActionDontPoll
	ActionCancelled
)

// EndPollAction is end_poll's result (§4.I).
type EndPollAction int

const (
	EndReady EndPollAction = iota
	EndReadyJoined
	EndPendingSchedule
	EndPending
)

// JoinAction is poll_join's result (§4.I).
type JoinAction int

const (
	JoinTakeOutput JoinAction = iota
	JoinCanceled
	JoinPanicked
	JoinRegister
	JoinReregister
	JoinPending
)

// JoinError is what a joiner receives instead of a plain output value
// when the task did not complete normally (§7 "Task panic"/"Task
// cancelled"). Cancelled&&Completed is §4.I's Canceled{completed}: the
// task raced Abort against its own Ready transition and still produced
// a value, delivered alongside the error via PollJoin's output slot.
type JoinError struct {
	Panic     interface{} // non-nil iff the task panicked
	Cancelled bool
	Completed bool // for Cancelled: whether a value was still produced
}

func (e *JoinError) Error() string {
	if e.Panic != nil {
		return "task panicked"
	}
	return "task cancelled"
}

// Header is the task's shared control block: one per task, allocated
// once alongside the future it drives (§4.I "allocated once as a single
// block containing the header and the future" — this package owns only
// the header; the caller embeds/associates its own future/closure).
type Header struct {
	state atomic.Uint32

	mu        sync.Mutex
	output    interface{}
	joinErr   *JoinError
	joinWaker func()

	// Span is a short diagnostic label; the scheduler prints it when it
	// finds no registered poll function for the task.
	Span string
}

// New constructs a fresh, not-yet-started task header.
func New(span string) *Header {
	return &Header{Span: span}
}

// StartPoll implements §4.I's start_poll transition.
func (h *Header) StartPoll() StartPollAction {
	for {
		old := h.state.Load()
		if old&uint32(bitComplete) != 0 {
			return ActionDontPoll
		}
		if old&uint32(bitRunning) != 0 {
			return ActionDontPoll
		}
		if old&uint32(bitCancelled) != 0 {
			next := old | uint32(bitComplete)
			if h.state.CompareAndSwap(old, next) {
				h.mu.Lock()
				h.joinErr = &JoinError{Cancelled: true}
				waker := h.joinWaker
				h.joinWaker = nil
				h.mu.Unlock()
				if waker != nil {
					waker()
				}
				return ActionCancelled
			}
			continue
		}
		next := (old | uint32(bitRunning)) &^ uint32(bitNotified)
		if h.state.CompareAndSwap(old, next) {
			return ActionPoll
		}
	}
}

// EndPoll implements §4.I's end_poll transition. ready reports whether
// the future returned Ready this poll.
func (h *Header) EndPoll(ready bool) EndPollAction {
	for {
		old := h.state.Load()
		if ready {
			next := (old &^ uint32(bitRunning)) | uint32(bitComplete)
			if !h.state.CompareAndSwap(old, next) {
				continue
			}
			h.mu.Lock()
			// Cancellation raced with completion: Abort's CANCELLED bit
			// is advisory while a task is running (§5 "observed at the
			// next start_poll boundary"), so a future that reaches Ready
			// anyway still produced a value. Report it as
			// JoinError::cancelled(completed) rather than silently
			// dropping the cancellation (§4.I, §7 "Task cancelled").
			if old&uint32(bitCancelled) != 0 {
				h.joinErr = &JoinError{Cancelled: true, Completed: true}
			}
			hasWaker := h.joinWaker != nil
			waker := h.joinWaker
			h.joinWaker = nil
			h.mu.Unlock()
			if waker != nil {
				waker()
			}
			if hasWaker {
				return EndReadyJoined
			}
			return EndReady
		}
		if old&uint32(bitNotified) != 0 {
			next := old &^ uint32(bitRunning)
			if h.state.CompareAndSwap(old, next) {
				return EndPendingSchedule
			}
			continue
		}
		next := old &^ uint32(bitRunning)
		if h.state.CompareAndSwap(old, next) {
			return EndPending
		}
	}
}

// Wake implements wake* (§4.I "NOTIFIED | Set by wake*"). It reports
// whether the caller must re-enqueue the task: true unless the task is
// already complete, already notified, or currently running (in which
// case EndPoll will itself report EndPendingSchedule).
func (h *Header) Wake() (shouldSchedule bool) {
	for {
		old := h.state.Load()
		if old&uint32(bitComplete) != 0 {
			return false
		}
		if old&uint32(bitNotified) != 0 {
			return false
		}
		next := old | uint32(bitNotified)
		if h.state.CompareAndSwap(old, next) {
			return old&uint32(bitRunning) == 0
		}
	}
}

// Abort implements JoinHandle::abort (§4.I "CANCELLED | Set by
// JoinHandle::abort").
func (h *Header) Abort() {
	for {
		old := h.state.Load()
		if old&uint32(bitComplete) != 0 {
			return
		}
		next := old | uint32(bitCancelled)
		if next == old {
			return
		}
		if h.state.CompareAndSwap(old, next) {
			return
		}
	}
}

// SetOutput records the future's produced value; it does not touch the
// state word (the RUNNING->COMPLETE transition happens via
// EndPoll(true); call SetOutput first so a racing poll_join
// observes a consistent value the moment COMPLETE becomes visible).
func (h *Header) SetOutput(v interface{}) {
	h.mu.Lock()
	h.output = v
	h.mu.Unlock()
}

// SetPanic records a recovered panic value, delivered to the joiner as
// JoinError.Panic (§4.I "Panic safety").
func (h *Header) SetPanic(v interface{}) {
	h.mu.Lock()
	h.joinErr = &JoinError{Panic: v}
	h.mu.Unlock()
	diag.Dump(2) // rendered and discarded; the joiner receives only the panic value
}

// PollJoin implements §4.I's poll_join. waker is installed if the task
// has not completed. On JoinCanceled the returned interface{} is the
// produced value iff the JoinError's Completed field is true; it is
// always nil otherwise.
func (h *Header) PollJoin(waker func()) (JoinAction, interface{}, *JoinError) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := h.state.Load()
	if st&uint32(bitComplete) != 0 {
		if h.joinErr != nil {
			je := h.joinErr
			h.joinErr = nil
			if je.Panic != nil {
				return JoinPanicked, nil, je
			}
			// je.Completed reports whether a value was still produced
			// (§4.I "Canceled{completed}"); when true out below is that
			// value, otherwise it is always nil.
			out := h.output
			h.output = nil
			return JoinCanceled, out, je
		}
		out := h.output
		h.output = nil
		return JoinTakeOutput, out, nil
	}

	hadWaker := h.joinWaker != nil
	h.joinWaker = waker
	for {
		old := h.state.Load()
		next := old | uint32(bitJoinWakerRegistered)
		if next == old || h.state.CompareAndSwap(old, next) {
			break
		}
	}
	if hadWaker {
		return JoinReregister, nil, nil
	}
	return JoinRegister, nil, nil
}

// IsComplete reports whether the task has reached a terminal state.
func (h *Header) IsComplete() bool {
	return h.state.Load()&uint32(bitComplete) != 0
}

// IsCancelled reports whether Abort was ever called.
func (h *Header) IsCancelled() bool {
	return h.state.Load()&uint32(bitCancelled) != 0
}
