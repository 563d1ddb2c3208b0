package task

// Poll drives one poll step of the task's future: true + the produced
// value means Ready, false means Pending. The worker supplies this as a
// plain closure rather than an interface, mirroring how biscuit's
// kernel threads are driven by a bare function value.
type Poll func() (ready bool, output interface{})

// RunOnce implements the worker-side half of §4.I end to end for one
// poll attempt: StartPoll, the catch-unwind-wrapped poll call itself,
// and EndPoll. It returns the EndPollAction/StartPollAction the
// scheduler reacts to (PendingSchedule re-enqueues, Cancelled/Ready*
// retire the task).
func RunOnce(h *Header, poll Poll) (start StartPollAction, end EndPollAction) {
	start = h.StartPoll()
	if start != ActionPoll {
		return start, EndPending
	}

	ready, output := runCatchingPanic(h, poll)
	if ready {
		h.SetOutput(output)
	}
	end = h.EndPoll(ready)
	return start, end
}

// runCatchingPanic is the "catch-unwind equivalent" (§4.I "Panic
// safety"): a panic inside poll is recovered and converted into a
// JoinError.panic delivered to the joiner instead of crashing the
// worker.
func runCatchingPanic(h *Header, poll Poll) (ready bool, output interface{}) {
	defer func() {
		if r := recover(); r != nil {
			h.SetPanic(r)
			ready = true
		}
	}()
	return poll()
}
