package trap

import (
	"encoding/binary"
	"testing"
)

// TestSetjmpLongjmpRendition implements spec scenario S4: the jump
// "returns" first with 0 (guest ran to completion with no jump) and,
// separately, with the value passed to Longjmp (guest jumped instead of
// returning normally) — exactly one outcome per CallWithJumpBuffer
// activation, never both.
func TestSetjmpLongjmpRendition(t *testing.T) {
	buf := NewJumpBuffer()

	gotZero := CallWithJumpBuffer(buf, func() {})
	if gotZero != 0 {
		t.Fatalf("no-jump return = %d, want 0", gotZero)
	}

	gotJump := CallWithJumpBuffer(buf, func() {
		Longjmp(buf, 1234567)
		t.Fatal("unreachable: Longjmp must not return")
	})
	if gotJump != 1234567 {
		t.Fatalf("jump return = %d, want 1234567", gotJump)
	}
}

func TestLongjmpZeroCoercesToOne(t *testing.T) {
	buf := NewJumpBuffer()
	got := CallWithJumpBuffer(buf, func() { Longjmp(buf, 0) })
	if got != 1 {
		t.Fatalf("Longjmp(buf, 0) observed as %d, want 1", got)
	}
}

func TestLongjmpOnUnarmedBufferPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for Longjmp on an unarmed buffer")
		}
	}()
	Longjmp(NewJumpBuffer(), 42)
}

// fakeMemory backs a []byte with word-aligned ReadUintptr, for the
// backtrace walker test.
type fakeMemory struct {
	base uintptr
	buf  []byte
}

func (m *fakeMemory) ReadUintptr(va uintptr) (uintptr, error) {
	off := int(va - m.base)
	return uintptr(binary.LittleEndian.Uint64(m.buf[off : off+8])), nil
}

func buildTrapSideTable(offsets []uint32, codes []TrapCode) []byte {
	buf := make([]byte, 4+len(offsets)*4+len(codes))
	binary.LittleEndian.PutUint32(buf, uint32(len(offsets)))
	off := 4
	for _, o := range offsets {
		binary.LittleEndian.PutUint32(buf[off:], o)
		off += 4
	}
	for i, c := range codes {
		buf[off+i] = byte(c)
	}
	return buf
}

// TestWasmTrapViaCatchTraps implements spec scenario S5: a Wasm
// artifact whose text offset 0x20 is registered as
// IntegerDivisionByZero; injecting a fault at code_base+0x20 yields a
// Trap{Jit{IntegerDivisionByZero, pc, faulting_addr}} out of
// CatchTraps.
func TestWasmTrapViaCatchTraps(t *testing.T) {
	side, err := ParseTrapSideTable(buildTrapSideTable([]uint32{0x20}, []TrapCode{TrapCodeIntegerDivisionByZero}))
	if err != nil {
		t.Fatalf("ParseTrapSideTable: %v", err)
	}
	const codeBase = uintptr(0x4000_0000)
	cm := &CodeMemory{Name: "fn0", TextBase: codeBase, TextLen: 0x1000, SideTable: side}
	regions := NewCodeRegionMap()
	regions.Register(cm)

	mem := &fakeMemory{base: 0, buf: make([]byte, 0x1000)}
	const cpu = 0
	const faultingAddr = 0

	err = CatchTraps(cpu, 0, 0, func() {
		ok := RaiseJitTrap(cpu, regions, mem, codeBase+0x20, 0, faultingAddr)
		if !ok {
			t.Fatal("RaiseJitTrap returned false for a registered PC")
		}
		t.Fatal("unreachable: RaiseJitTrap always longjmps when it returns true")
	})

	trap, ok := err.(*Trap)
	if !ok {
		t.Fatalf("CatchTraps error = %T(%v), want *Trap", err, err)
	}
	if trap.Reason.Code != TrapCodeIntegerDivisionByZero {
		t.Fatalf("trap code = %v, want IntegerDivisionByZero", trap.Reason.Code)
	}
	if trap.Reason.PC != codeBase+0x20 {
		t.Fatalf("trap pc = %#x, want %#x", trap.Reason.PC, codeBase+0x20)
	}
}

func TestRaiseJitTrapReturnsFalseForUnregisteredPC(t *testing.T) {
	regions := NewCodeRegionMap()
	mem := &fakeMemory{base: 0, buf: make([]byte, 0x1000)}
	if RaiseJitTrap(0, regions, mem, 0xdead0000, 0, 0) {
		t.Fatal("expected false for a pc with no registered code region")
	}
}

func TestCatchUnwindRoundTrip(t *testing.T) {
	payload, caught := CatchUnwind(func() {
		BeginUnwind("boom")
	})
	if !caught || payload.(string) != "boom" {
		t.Fatalf("CatchUnwind = (%v, %v), want (\"boom\", true)", payload, caught)
	}
}

func TestCatchUnwindPropagatesForeignPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a foreign panic to propagate past CatchUnwind")
		}
	}()
	CatchUnwind(func() { panic("not ours") })
}
