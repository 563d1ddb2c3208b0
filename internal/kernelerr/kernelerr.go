// Package kernelerr defines the error taxonomy shared by every core
// subsystem. Low-level layers never panic on an ordinary failure; they
// return a *Error so the caller decides whether to propagate, retry, or
// escalate to a fatal abort.
package kernelerr

import "fmt"

// Kind classifies a failure the way §7 of the design groups them.
type Kind int

const (
	// OutOfMemory covers allocator exhaustion and a region tree with no
	// gap large enough for a request.
	OutOfMemory Kind = iota
	// InvalidArgument covers contract violations: misaligned addresses,
	// zero-sized layouts, non-power-of-two alignments. Callers are
	// expected to have validated already; seeing this means a bug.
	InvalidArgument
	// MappingConflict covers a region insertion overlapping an existing
	// region.
	MappingConflict
	// NotMapped covers a translate/unmap lookup that found no mapping.
	NotMapped
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out-of-memory"
	case InvalidArgument:
		return "invalid-argument"
	case MappingConflict:
		return "mapping-conflict"
	case NotMapped:
		return "not-mapped"
	default:
		return "unknown"
	}
}

// Error is a structured kernel error: the module it came from, its kind,
// and a human-readable message. Modeled on the pack's *kernel.Error{Module,
// Message} shape, extended with a Kind so callers can switch on failure
// class instead of string-matching.
type Error struct {
	Module  string
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Module, e.Kind, e.Message)
}

// New builds an Error for module reporting a failure of the given kind.
func New(module string, kind Kind, format string, args ...interface{}) *Error {
	return &Error{Module: module, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
