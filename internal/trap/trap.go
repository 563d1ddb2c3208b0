package trap

import (
	"fmt"
	"sync"
)

// TrapReason is the tagged union the original carries as TrapReason
// (§4.J, §7 "Wasm trap"): either a code raised directly by a Wasm
// builtin, or a Jit{...} trap recovered from a hardware fault whose pc
// resolved via the code-region map.
type TrapReason struct {
	Code         TrapCode
	PC           uintptr
	FaultingAddr uintptr
}

func (r TrapReason) String() string {
	return fmt.Sprintf("Jit{trap: %s, pc: %#x, faulting_addr: %#x}", r.Code, r.PC, r.FaultingAddr)
}

// Trap is what catch_traps returns on the longjmp path (§7 "Wasm
// trap": "delivered via longjmp out of guest code; converted to a
// Trap{reason, backtrace}").
type Trap struct {
	Reason    TrapReason
	Backtrace *Backtrace
}

func (t *Trap) Error() string { return t.Reason.String() }

// CallThreadState is the per-activation record installed on entry to
// guest code (§4.J "the worker installs a CallThreadState... recording
// a fresh jump buffer plus the old VMContext fields for the last-Wasm-
// exit PC/FP/entry-FP"). It is linked into a CPU-local stack so nested
// catch_traps calls (a trampoline calling back into the host which
// calls Wasm again) restore the enclosing state on exit.
type CallThreadState struct {
	Buf *JumpBuffer

	// EntryFP/ExitFP bound the trusted-Wasm-frame range used by
	// WalkWasmBacktrace (§4.J "Wasm-only backtrace").
	EntryFP uintptr
	ExitFP  uintptr

	prev *CallThreadState

	pending *Trap
}

// cpuStack is the CPU-local linked stack of active CallThreadStates
// (§5 "CallThreadState... linked into a CPU-local stack"). Keyed by an
// explicit cpu index rather than real TLS, consistent with this core's
// explicit-cpuID convention (components C/D/H).
type cpuStack struct {
	top *CallThreadState
}

var (
	perCPUStacksMu sync.Mutex
	perCPUStacks   = map[int]*cpuStack{}
)

// stackFor only guards the map's first-touch insertion; the returned
// *cpuStack is then accessed exclusively by the one worker goroutine
// that owns cpu, matching this core's explicit-cpuID, no-shared-mutable
// -state-across-CPUs convention (components C/D/H).
func stackFor(cpu int) *cpuStack {
	perCPUStacksMu.Lock()
	defer perCPUStacksMu.Unlock()
	s, ok := perCPUStacks[cpu]
	if !ok {
		s = &cpuStack{}
		perCPUStacks[cpu] = s
	}
	return s
}

// current returns the innermost active CallThreadState for cpu, or nil.
func current(cpu int) *CallThreadState {
	return stackFor(cpu).top
}

// CatchTraps implements §4.J's catch_traps: install a fresh
// CallThreadState, setjmp, run guest, and convert a longjmp'd trap into
// a Trap error. entryFP/exitFP bound the Wasm-frame range recorded for
// the eventual backtrace walk.
func CatchTraps(cpu int, entryFP, exitFP uintptr, guest func()) (err error) {
	cts := &CallThreadState{Buf: NewJumpBuffer(), EntryFP: entryFP, ExitFP: exitFP}
	stack := stackFor(cpu)
	cts.prev = stack.top
	stack.top = cts
	defer func() { stack.top = cts.prev }()

	r := CallWithJumpBuffer(cts.Buf, guest)
	if r == 0 {
		return nil
	}
	if cts.pending == nil {
		return fmt.Errorf("trap: longjmp returned %d with no pending trap recorded", r)
	}
	return cts.pending
}

// RaiseJitTrap implements §4.J steps 1-5: the kernel trap handler calls
// this with the faulting (pc, fp, faultingAddr) from hardware. It looks
// pc up in regions, fetches the trap code, captures a backtrace, and
// longjmps out to the nearest CatchTraps boundary on the given cpu.
// Returns false (and does not jump) if pc resolved to no registered
// Wasm code region (§4.J step 2, "not a Wasm trap — return normally").
func RaiseJitTrap(cpu int, regions *CodeRegionMap, mem Memory, pc, fp, faultingAddr uintptr) bool {
	cm, ok := regions.Lookup(pc)
	if !ok {
		return false
	}
	offset := uint32(pc - cm.TextBase)
	code, ok := cm.SideTable.Lookup(offset)
	if !ok {
		return false
	}
	if cm.Text != nil {
		code = refineMisalignment(code, cm.Text, int(offset), faultingAddr)
	}

	cts := current(cpu)
	if cts == nil {
		return false
	}

	bt, _ := WalkWasmBacktrace(mem, pc, fp, cts.ExitFP, cts.EntryFP)
	cts.pending = &Trap{
		Reason:    TrapReason{Code: code, PC: pc, FaultingAddr: faultingAddr},
		Backtrace: bt,
	}
	Longjmp(cts.Buf, 1)
	panic("unreachable: Longjmp always transfers control")
}
