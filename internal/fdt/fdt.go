// Package fdt implements a minimal flattened-devicetree reader: enough
// to walk `/soc/*` compatible strings and `/cpus/cpu@*` `riscv,isa`
// properties (§6 "Device tree (consumed)"), nothing more — no write
// path, no full libfdt feature surface.
//
// Grounded in style on gopher-os's hal/multiboot package: a
// SetInfoPtr-then-VisitXxx visitor API over a raw, bootloader-owned
// blob, generalized here to FDT's (token, data) struct-block format
// instead of multiboot's flat tag list. The blob is consumed as a
// plain []byte (backed by the physmap view the loader handed off)
// rather than raw unsafe.Pointer arithmetic, since nothing here runs
// before Go's memory model is available.
package fdt

import (
	"encoding/binary"

	"k23/internal/kernelerr"
)

const (
	magic          = 0xd00dfeed
	tokenBeginNode = 0x00000001
	tokenEndNode   = 0x00000002
	tokenProp      = 0x00000003
	tokenNop       = 0x00000004
	tokenEnd       = 0x00000009
)

// header mirrors the FDT blob's fixed 40-byte header (all fields
// big-endian per the devicetree spec).
type header struct {
	totalSize       uint32
	offDtStruct     uint32
	offDtStrings    uint32
	offMemRsvmap    uint32
	version         uint32
	lastCompVersion uint32
	bootCPUIDPhys   uint32
	sizeDtStrings   uint32
	sizeDtStruct    uint32
}

// Tree is a parsed view over a flattened-devicetree blob: the raw bytes
// plus the decoded header, re-walked on every query (this reader
// prioritizes simplicity over an indexed/cached node table, matching
// the "property-list iteration only" scope named in SPEC_FULL.md §6a).
type Tree struct {
	blob []byte
	hdr  header
}

// Parse validates the blob's magic and header, returning a Tree ready
// for Walk/FindCompatible/CPUISAStrings.
func Parse(blob []byte) (*Tree, error) {
	if len(blob) < 40 {
		return nil, kernelerr.New("fdt", kernelerr.InvalidArgument, "blob too short for an FDT header (%d bytes)", len(blob))
	}
	be := binary.BigEndian
	if be.Uint32(blob) != magic {
		return nil, kernelerr.New("fdt", kernelerr.InvalidArgument, "bad FDT magic %#x", be.Uint32(blob))
	}
	h := header{
		totalSize:       be.Uint32(blob[4:]),
		offDtStruct:     be.Uint32(blob[8:]),
		offDtStrings:    be.Uint32(blob[12:]),
		offMemRsvmap:    be.Uint32(blob[16:]),
		version:         be.Uint32(blob[20:]),
		lastCompVersion: be.Uint32(blob[24:]),
		bootCPUIDPhys:   be.Uint32(blob[28:]),
		sizeDtStrings:   be.Uint32(blob[32:]),
		sizeDtStruct:    be.Uint32(blob[36:]),
	}
	if int(h.totalSize) > len(blob) {
		return nil, kernelerr.New("fdt", kernelerr.InvalidArgument, "FDT totalsize %d exceeds blob length %d", h.totalSize, len(blob))
	}
	return &Tree{blob: blob, hdr: h}, nil
}

// Node is one struct-block node visited by Walk: its full path (e.g.
// "/soc/plic@c000000") and a lookup of its immediate properties.
type Node struct {
	Path  string
	Props map[string][]byte
}

// Prop returns a node's raw property bytes and whether it was present.
func (n *Node) Prop(name string) ([]byte, bool) {
	v, ok := n.Props[name]
	return v, ok
}

// PropString decodes a NUL-terminated string property (e.g.
// "riscv,isa", or the first entry of a "compatible" string list).
func (n *Node) PropString(name string) (string, bool) {
	v, ok := n.Props[name]
	if !ok {
		return "", false
	}
	i := 0
	for i < len(v) && v[i] != 0 {
		i++
	}
	return string(v[:i]), true
}

// CompatibleList decodes a "compatible" property into its NUL-separated
// string entries (a node typically lists several, most-specific first).
func (n *Node) CompatibleList() []string {
	v, ok := n.Props["compatible"]
	if !ok {
		return nil
	}
	var out []string
	start := 0
	for i, b := range v {
		if b == 0 {
			if i > start {
				out = append(out, string(v[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

// NodeVisitor is invoked for each node Walk encounters, in document
// order (parent before children); returning false stops the walk,
// mirroring gopher-os's MemRegionVisitor contract.
type NodeVisitor func(n *Node) bool

// Walk visits every node in the struct block.
func (t *Tree) Walk(visitor NodeVisitor) error {
	off := int(t.hdr.offDtStruct)
	end := off + int(t.hdr.sizeDtStruct)
	var pathStack []string

	for off < end {
		tok := binary.BigEndian.Uint32(t.blob[off:])
		off += 4
		switch tok {
		case tokenNop:
			continue
		case tokenEnd:
			return nil
		case tokenBeginNode:
			name, consumed, err := readCString(t.blob[off:])
			if err != nil {
				return err
			}
			off += align4(consumed)
			pathStack = append(pathStack, name)

			props := map[string][]byte{}
			for {
				next := binary.BigEndian.Uint32(t.blob[off:])
				if next != tokenProp {
					break
				}
				off += 4
				plen := int(binary.BigEndian.Uint32(t.blob[off:]))
				off += 4
				nameoff := int(binary.BigEndian.Uint32(t.blob[off:]))
				off += 4
				pname, err := t.stringAt(nameoff)
				if err != nil {
					return err
				}
				props[pname] = t.blob[off : off+plen]
				off += align4(plen)
			}

			node := &Node{Path: "/" + joinPath(nonEmpty(pathStack)), Props: props}
			if !visitor(node) {
				return nil
			}
		case tokenEndNode:
			if len(pathStack) > 0 {
				pathStack = pathStack[:len(pathStack)-1]
			}
		default:
			return kernelerr.New("fdt", kernelerr.InvalidArgument, "unrecognized FDT token %#x at offset %d", tok, off-4)
		}
	}
	return nil
}

// FindCompatible returns the first node under prefix (e.g. "/soc/")
// whose "compatible" list contains any of wantCompatible — the lookup
// §6 names for the interrupt controller (`sifive,plic-1.0.0` /
// `riscv,plic0`).
func (t *Tree) FindCompatible(prefix string, wantCompatible ...string) (*Node, error) {
	var found *Node
	err := t.Walk(func(n *Node) bool {
		if len(prefix) > 0 && !hasPrefix(n.Path, prefix) {
			return true
		}
		for _, c := range n.CompatibleList() {
			for _, want := range wantCompatible {
				if c == want {
					found = n
					return false
				}
			}
		}
		return true
	})
	return found, err
}

// CPUISAStrings collects the "riscv,isa" property of every
// "/cpus/cpu@*" node (§6 "for feature gating of the compiled payload").
func (t *Tree) CPUISAStrings() ([]string, error) {
	var isas []string
	err := t.Walk(func(n *Node) bool {
		if hasPrefix(n.Path, "/cpus/cpu@") {
			if isa, ok := n.PropString("riscv,isa"); ok {
				isas = append(isas, isa)
			}
		}
		return true
	})
	return isas, err
}

func (t *Tree) stringAt(off int) (string, error) {
	base := int(t.hdr.offDtStrings)
	start := base + off
	if start < 0 || start >= len(t.blob) {
		return "", kernelerr.New("fdt", kernelerr.InvalidArgument, "string offset %d out of range", off)
	}
	s, _, err := readCString(t.blob[start:])
	return s, err
}

func readCString(b []byte) (string, int, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), i + 1, nil
		}
	}
	return "", 0, kernelerr.New("fdt", kernelerr.InvalidArgument, "unterminated string in FDT struct block")
}

func align4(n int) int { return (n + 3) &^ 3 }

// nonEmpty drops the root node's empty-string name (by FDT convention
// the root node has name "", which must not introduce a spurious path
// separator).
func nonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
