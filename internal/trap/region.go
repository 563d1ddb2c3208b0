package trap

import (
	"encoding/binary"
	"sort"
	"sync"

	"k23/internal/kernelerr"
)

// TrapCode identifies why a faulting instruction was registered
// (§6 ".k23.traps" side table; names follow the Wasm trap taxonomy).
type TrapCode uint8

const (
	TrapCodeStackOverflow TrapCode = iota
	TrapCodeMemoryOutOfBounds
	TrapCodeHeapMisaligned
	TrapCodeTableOutOfBounds
	TrapCodeIndirectCallToNull
	TrapCodeBadSignature
	TrapCodeIntegerOverflow
	TrapCodeIntegerDivisionByZero
	TrapCodeBadConversionToInteger
	TrapCodeUnreachableCodeReached
	TrapCodeInterrupt
	TrapCodeAlwaysTrapAdapter
)

func (c TrapCode) String() string {
	switch c {
	case TrapCodeStackOverflow:
		return "StackOverflow"
	case TrapCodeMemoryOutOfBounds:
		return "MemoryOutOfBounds"
	case TrapCodeHeapMisaligned:
		return "HeapMisaligned"
	case TrapCodeTableOutOfBounds:
		return "TableOutOfBounds"
	case TrapCodeIndirectCallToNull:
		return "IndirectCallToNull"
	case TrapCodeBadSignature:
		return "BadSignature"
	case TrapCodeIntegerOverflow:
		return "IntegerOverflow"
	case TrapCodeIntegerDivisionByZero:
		return "IntegerDivisionByZero"
	case TrapCodeBadConversionToInteger:
		return "BadConversionToInteger"
	case TrapCodeUnreachableCodeReached:
		return "UnreachableCodeReached"
	case TrapCodeInterrupt:
		return "Interrupt"
	case TrapCodeAlwaysTrapAdapter:
		return "AlwaysTrapAdapter"
	default:
		return "Unknown"
	}
}

// TrapSideTable is the parsed form of a Wasm artifact's `.k23.traps`
// section (§6): parallel, offset-sorted arrays of PC offsets (relative
// to the artifact's code base) and trap codes, looked up by binary
// search.
type TrapSideTable struct {
	offsets []uint32
	codes   []TrapCode
}

// ParseTrapSideTable decodes the `.k23.traps` wire format: u32
// little-endian count, then `count` u32 LE PC offsets, then `count` u8
// trap codes.
func ParseTrapSideTable(section []byte) (*TrapSideTable, error) {
	if len(section) < 4 {
		return nil, kernelerr.New("trap", kernelerr.InvalidArgument, ".k23.traps section too short for header")
	}
	count := binary.LittleEndian.Uint32(section)
	off := 4
	offsetsEnd := off + int(count)*4
	if offsetsEnd+int(count) > len(section) {
		return nil, kernelerr.New("trap", kernelerr.InvalidArgument, ".k23.traps section truncated for %d entries", count)
	}
	t := &TrapSideTable{offsets: make([]uint32, count), codes: make([]TrapCode, count)}
	for i := 0; i < int(count); i++ {
		t.offsets[i] = binary.LittleEndian.Uint32(section[off+i*4:])
	}
	codesStart := offsetsEnd
	for i := 0; i < int(count); i++ {
		t.codes[i] = TrapCode(section[codesStart+i])
	}
	return t, nil
}

// Lookup binary-searches for textOffset, returning the registered trap
// code and true on an exact match.
func (t *TrapSideTable) Lookup(textOffset uint32) (TrapCode, bool) {
	i := sort.Search(len(t.offsets), func(i int) bool { return t.offsets[i] >= textOffset })
	if i < len(t.offsets) && t.offsets[i] == textOffset {
		return t.codes[i], true
	}
	return 0, false
}

// CodeMemory is the minimal shape the trap path needs from a compiled
// Wasm artifact: its text range plus the side table mapping offsets
// within that range to trap codes (§6 ".text"/".k23.traps").
type CodeMemory struct {
	Name      string
	TextBase  uintptr
	TextLen   uintptr
	SideTable *TrapSideTable
	// Text backs decodeAccessWidth's disassembly of the faulting
	// instruction (SPEC_FULL.md §4.K riscv64asm wiring); nil is valid
	// when the caller has no text bytes handy, in which case
	// misalignment refinement is simply skipped.
	Text []byte
}

func (c *CodeMemory) contains(pc uintptr) bool {
	return pc >= c.TextBase && pc < c.TextBase+c.TextLen
}

// CodeRegionMap is the sorted `end -> (start, CodeMemory)` registry
// (§4.J, §5 "read-mostly structure guarded by an RW lock").
type CodeRegionMap struct {
	mu    sync.RWMutex
	ends  []uintptr // kept sorted ascending
	owner []*CodeMemory
}

// NewCodeRegionMap returns an empty registry.
func NewCodeRegionMap() *CodeRegionMap {
	return &CodeRegionMap{}
}

// Register inserts cm, keyed by its end address, preserving ascending
// order of the `ends` slice for binary search.
func (m *CodeRegionMap) Register(cm *CodeMemory) {
	end := cm.TextBase + cm.TextLen
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.ends), func(i int) bool { return m.ends[i] >= end })
	m.ends = append(m.ends, 0)
	copy(m.ends[i+1:], m.ends[i:])
	m.ends[i] = end
	m.owner = append(m.owner, nil)
	copy(m.owner[i+1:], m.owner[i:])
	m.owner[i] = cm
}

// Unregister removes a previously-registered CodeMemory.
func (m *CodeRegionMap) Unregister(cm *CodeMemory) {
	end := cm.TextBase + cm.TextLen
	m.mu.Lock()
	defer m.mu.Unlock()
	i := sort.Search(len(m.ends), func(i int) bool { return m.ends[i] >= end })
	if i < len(m.ends) && m.owner[i] == cm {
		m.ends = append(m.ends[:i], m.ends[i+1:]...)
		m.owner = append(m.owner[:i], m.owner[i+1:]...)
	}
}

// Lookup implements §4.J step 1: find the smallest-end region whose
// range contains pc. Returns ok=false if pc falls in no registered
// region (§4.J step 2, "not a Wasm trap — return normally").
func (m *CodeRegionMap) Lookup(pc uintptr) (cm *CodeMemory, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := sort.Search(len(m.ends), func(i int) bool { return m.ends[i] > pc })
	if i >= len(m.ends) {
		return nil, false
	}
	if m.owner[i].contains(pc) {
		return m.owner[i], true
	}
	return nil, false
}
