package trap

import "golang.org/x/arch/riscv64/riscv64asm"

// decodeAccessWidth disassembles the faulting instruction at text[pc:]
// to classify the memory access it performed, used to distinguish a
// plain MemoryOutOfBounds trap from a HeapMisaligned one when the
// side table alone doesn't carry that detail (SPEC_FULL.md §4.K:
// riscv64asm wiring). Returns 0 if the bytes don't decode as a
// load/store (e.g. the PC landed on a non-memory instruction, which
// the caller treats as "can't refine, keep the side-table code").
func decodeAccessWidth(text []byte, pcOffset int) int {
	if pcOffset < 0 || pcOffset+4 > len(text) {
		return 0
	}
	inst, err := riscv64asm.Decode(text[pcOffset:])
	if err != nil {
		return 0
	}
	switch inst.Op {
	case riscv64asm.LB, riscv64asm.SB, riscv64asm.LBU:
		return 1
	case riscv64asm.LH, riscv64asm.SH, riscv64asm.LHU:
		return 2
	case riscv64asm.LW, riscv64asm.SW, riscv64asm.LWU:
		return 4
	case riscv64asm.LD, riscv64asm.SD:
		return 8
	default:
		return 0
	}
}

// refineMisalignment upgrades code to HeapMisaligned when the faulting
// access's natural alignment doesn't divide faultingAddr — the side
// table alone (indexed purely by PC) can't distinguish a bounds trap
// from a misaligned-access trap at the same instruction.
func refineMisalignment(code TrapCode, text []byte, pcOffset int, faultingAddr uintptr) TrapCode {
	if code != TrapCodeMemoryOutOfBounds {
		return code
	}
	width := decodeAccessWidth(text, pcOffset)
	if width > 1 && uintptr(faultingAddr)%uintptr(width) != 0 {
		return TrapCodeHeapMisaligned
	}
	return code
}
