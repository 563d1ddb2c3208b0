package trap

import "k23/internal/kernelerr"

// Memory is the narrow read interface the backtrace walker needs over
// guest/stack memory, decoupling it from any concrete address space so
// it can be unit-tested against a plain byte slice.
type Memory interface {
	// ReadUintptr reads one machine word at va.
	ReadUintptr(va uintptr) (uintptr, error)
}

// wordSize matches RV64's 8-byte general-purpose registers.
const wordSize = 8

// Frame-pointer offsets for the saved return address and the previous
// frame pointer, relative to the current FP (§4.J "read the return
// address from [fp + NEXT_OLDER_PC_OFFSET] and the previous FP from
// [fp + NEXT_OLDER_FP_OFFSET]"). These match the standard RISC-V
// frame-pointer convention: [fp-8] = saved ra, [fp-16] = saved fp.
const (
	nextOlderPCOffset = -1 * wordSize
	nextOlderFPOffset = -2 * wordSize
)

// Backtrace is a captured sequence of Wasm return addresses, outermost
// frame last (§4.J "captured Wasm backtrace").
type Backtrace struct {
	PCs []uintptr
}

// WalkWasmBacktrace implements §4.J's "Wasm-only backtrace": starting
// at (pc, fp), walk frame pointers upward, trusting only FPs in
// [exitFP, entryFP) — the range the CallThreadState recorded as "known
// Wasm frames" — and stopping once the next FP equals entryFP.
func WalkWasmBacktrace(mem Memory, pc, fp, exitFP, entryFP uintptr) (*Backtrace, error) {
	bt := &Backtrace{PCs: []uintptr{pc}}
	cur := fp
	for cur != entryFP {
		if !(cur >= exitFP && cur < entryFP) {
			return bt, kernelerr.New("trap", kernelerr.InvalidArgument, "fp %#x outside the trusted Wasm frame range [%#x, %#x)", cur, exitFP, entryFP)
		}
		ra, err := mem.ReadUintptr(cur + nextOlderPCOffset)
		if err != nil {
			return bt, err
		}
		nextFP, err := mem.ReadUintptr(cur + nextOlderFPOffset)
		if err != nil {
			return bt, err
		}
		if nextFP <= cur && nextFP != entryFP {
			return bt, kernelerr.New("trap", kernelerr.InvalidArgument, "frame pointer did not advance: fp=%#x next=%#x (stacks grow down)", cur, nextFP)
		}
		bt.PCs = append(bt.PCs, ra)
		cur = nextFP
	}
	return bt, nil
}
