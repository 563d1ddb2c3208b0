package vmspace

import (
	"k23/internal/addr"
	"k23/internal/kernelerr"
	"k23/internal/pagetable"
)

// Layout is a VA-space allocation request: a size and required alignment
// (§4.E "the caller supplies a layout").
type Layout struct {
	Size  uint64
	Align uint64
}

// Region is one mapped range [Start, End) of an address space, backed by
// a VMO starting at VMOOffset pages into it (§3, §4.E "Regions and
// layouts").
type Region struct {
	Start, End addr.VA
	VMO        VMO
	VMOOffset  int // page index into VMO where this region's page 0 lands
	Attrs      pagetable.Attrs
	Name       string
	Layout     Layout // the original request, for grow_in_place/shrink/move_to
}

func (r *Region) size() uint64 { return r.End.OffsetFromUnsigned(r.Start) }

// node is one AVL-balanced BST node, augmented with the subtree range
// and max-gap fields described in §4.E.
type node struct {
	region                *Region
	left, right, parent   *node
	height                int
	subLo, subHi          addr.VA // subtree_range: min Start / max End over the subtree
	gapBefore             uint64  // gap between this region and its in-order predecessor (or spaceLo)
	maxGap                uint64  // largest gap anywhere in this subtree
}

// Tree is one address space's region tree, spanning [spaceLo, spaceHi).
type Tree struct {
	root             *node
	spaceLo, spaceHi addr.VA
}

// NewTree builds an empty tree over the given VA span.
func NewTree(spaceLo, spaceHi addr.VA) *Tree {
	return &Tree{spaceLo: spaceLo, spaceHi: spaceHi}
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

func maxGapOf(n *node) uint64 {
	if n == nil {
		return 0
	}
	return n.maxGap
}

func vaMin(a, b addr.VA) addr.VA {
	if a < b {
		return a
	}
	return b
}

func vaMax(a, b addr.VA) addr.VA {
	if a > b {
		return a
	}
	return b
}

// recompute refreshes n's augmented fields from its children, per §4.E
// "both fields are recomputed for the affected node". Caller must have
// already recomputed any children that changed.
func recompute(n *node) {
	n.subLo, n.subHi = n.region.Start, n.region.End
	if n.left != nil {
		n.subLo = vaMin(n.subLo, n.left.subLo)
	}
	if n.right != nil {
		n.subHi = vaMax(n.subHi, n.right.subHi)
	}
	n.height = 1 + maxInt(height(n.left), height(n.right))
	n.maxGap = n.gapBefore
	if g := maxGapOf(n.left); g > n.maxGap {
		n.maxGap = g
	}
	if g := maxGapOf(n.right); g > n.maxGap {
		n.maxGap = g
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// propagate recomputes n and every ancestor up to the root, per §4.E
// "propagated toward the root until they stop changing" (implemented
// here as an unconditional walk to root — correct and simple; the
// early-stop optimization the spec allows is left as future work).
func propagate(n *node) {
	for cur := n; cur != nil; cur = cur.parent {
		recompute(cur)
	}
}

func balanceFactor(n *node) int { return height(n.left) - height(n.right) }

// rotateLeft/rotateRight are standard AVL rotations; both relink parent
// pointers and recompute the two nodes whose children changed (the
// caller recomputes the rest on the way up via propagate).
func (t *Tree) rotateLeft(x *node) *node {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x.parent.left == x {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
	recompute(x)
	recompute(y)
	return y
}

func (t *Tree) rotateRight(x *node) *node {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x.parent.left == x {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.right = x
	x.parent = y
	recompute(x)
	recompute(y)
	return y
}

// rebalance walks from n up to the root, rotating any node whose
// balance factor has drifted outside [-1, 1] and recomputing augmented
// fields along the way.
func (t *Tree) rebalance(n *node) {
	for cur := n; cur != nil; {
		recompute(cur)
		parent := cur.parent
		bf := balanceFactor(cur)
		if bf > 1 {
			if balanceFactor(cur.left) < 0 {
				t.rotateLeft(cur.left)
			}
			cur = t.rotateRight(cur)
		} else if bf < -1 {
			if balanceFactor(cur.right) > 0 {
				t.rotateRight(cur.right)
			}
			cur = t.rotateLeft(cur)
		}
		cur = parent
	}
}

func predecessor(n *node) *node {
	if n.left != nil {
		cur := n.left
		for cur.right != nil {
			cur = cur.right
		}
		return cur
	}
	cur := n
	for cur.parent != nil && cur.parent.right != cur {
		cur = cur.parent
	}
	return cur.parent
}

func successor(n *node) *node {
	if n.right != nil {
		cur := n.right
		for cur.left != nil {
			cur = cur.left
		}
		return cur
	}
	cur := n
	for cur.parent != nil && cur.parent.left != cur {
		cur = cur.parent
	}
	return cur.parent
}

func (n *node) gapPredecessorEnd(spaceLo addr.VA) addr.VA {
	if p := predecessor(n); p != nil {
		return p.region.End
	}
	return spaceLo
}

// Insert adds r to the tree, keyed by r.Start. Returns MappingConflict
// if r overlaps an existing region.
func (t *Tree) Insert(r *Region) error {
	if existing, ok := t.Lookup(r.Start); ok && overlaps(existing, r) {
		return kernelerr.New("vmspace", kernelerr.MappingConflict, "region [%#x,%#x) overlaps existing [%#x,%#x)", r.Start, r.End, existing.Start, existing.End)
	}
	n := &node{region: r, height: 1}
	if t.root == nil {
		t.root = n
		n.gapBefore = r.Start.OffsetFromUnsigned(t.spaceLo)
		recompute(n)
		return nil
	}
	cur := t.root
	for {
		if r.Start < cur.region.Start {
			if overlaps(cur.region, r) {
				return conflictErr(r, cur.region)
			}
			if cur.left == nil {
				cur.left = n
				n.parent = cur
				break
			}
			cur = cur.left
		} else {
			if overlaps(cur.region, r) {
				return conflictErr(r, cur.region)
			}
			if cur.right == nil {
				cur.right = n
				n.parent = cur
				break
			}
			cur = cur.right
		}
	}
	n.gapBefore = r.Start.OffsetFromUnsigned(n.gapPredecessorEnd(t.spaceLo))
	if succ := successor(n); succ != nil {
		succ.gapBefore = succ.region.Start.OffsetFromUnsigned(r.End)
	}
	t.rebalance(n)
	if succ := successor(n); succ != nil {
		propagate(succ)
	}
	return nil
}

func conflictErr(r, existing *Region) error {
	return kernelerr.New("vmspace", kernelerr.MappingConflict, "region [%#x,%#x) overlaps existing [%#x,%#x)", r.Start, r.End, existing.Start, existing.End)
}

func overlaps(a, b *Region) bool {
	return a.Start < b.End && b.Start < a.End
}

// Lookup finds the region containing va, if any.
func (t *Tree) Lookup(va addr.VA) (*Region, bool) {
	cur := t.root
	for cur != nil {
		if va < cur.region.Start {
			cur = cur.left
		} else if va >= cur.region.End {
			cur = cur.right
		} else {
			return cur.region, true
		}
	}
	return nil, false
}

// Remove deletes the region starting at start, if present.
func (t *Tree) Remove(start addr.VA) (*Region, error) {
	n := t.findNodeByStart(start)
	if n == nil {
		return nil, kernelerr.New("vmspace", kernelerr.NotMapped, "no region starting at %#x", start)
	}
	region := n.region
	succ := successor(n)
	var succStart addr.VA
	var haveSucc bool
	if succ != nil {
		succStart = succ.region.Start
		haveSucc = true
	}
	pred := predecessor(n)
	var predEnd addr.VA
	if pred != nil {
		predEnd = pred.region.End
	} else {
		predEnd = t.spaceLo
	}

	t.deleteNode(n)

	if haveSucc {
		if s := t.findNodeByStart(succStart); s != nil {
			s.gapBefore = s.region.Start.OffsetFromUnsigned(predEnd)
			propagate(s)
		}
	}
	return region, nil
}

func (t *Tree) findNodeByStart(start addr.VA) *node {
	cur := t.root
	for cur != nil {
		if start == cur.region.Start {
			return cur
		}
		if start < cur.region.Start {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	return nil
}

// deleteNode removes n from the tree via standard BST deletion
// (two-child case: splice in the in-order successor), then rebalances
// from the structurally lowest touched point up to the root.
func (t *Tree) deleteNode(n *node) {
	if n.left != nil && n.right != nil {
		s := n.right
		for s.left != nil {
			s = s.left
		}
		n.region = s.region
		n.gapBefore = s.gapBefore
		n = s
	}
	child := n.left
	if child == nil {
		child = n.right
	}
	parent := n.parent
	if child != nil {
		child.parent = parent
	}
	if parent == nil {
		t.root = child
	} else if parent.left == n {
		parent.left = child
	} else {
		parent.right = child
	}
	if parent != nil {
		t.rebalance(parent)
	}
}

// FindGap searches for a free VA range of l.Size bytes aligned to
// l.Align (§4.E "Allocating a region" — left subtree first, then the
// local gap, then right). A child subtree is searched only when its max
// gap is at least l.Size+l.Align-1, so a smaller gap that would still
// fit once aligned is not found there, and a higher address than the
// lowest fitting one can be returned.
func (t *Tree) FindGap(l Layout) (addr.VA, error) {
	align := l.Align
	if align == 0 {
		align = 1
	}
	if t.root == nil {
		cand := t.spaceLo.AlignUp(align)
		if cand.OffsetFromUnsigned(t.spaceLo)+l.Size <= t.spaceHi.OffsetFromUnsigned(t.spaceLo) && cand.Add(l.Size) <= t.spaceHi {
			return cand, nil
		}
		return 0, oomErr(l)
	}
	if va, ok := findGapIn(t.root, l, align, t.spaceLo); ok {
		return va, nil
	}
	// The augmented search above only ever considers gaps strictly
	// between two regions (or between spaceLo and the first region); the
	// tail gap after the rightmost region up to spaceHi is checked last.
	rightmost := t.root
	for rightmost.right != nil {
		rightmost = rightmost.right
	}
	cand := rightmost.region.End.AlignUp(align)
	if cand.Add(l.Size) <= t.spaceHi {
		return cand, nil
	}
	return 0, oomErr(l)
}

func oomErr(l Layout) error {
	return kernelerr.New("vmspace", kernelerr.OutOfMemory, "no gap of size %#x align %#x found", l.Size, l.Align)
}

// findGapIn implements the recursive descent: try the left subtree if
// its max gap could fit, then this node's own preceding gap, then the
// right subtree.
func findGapIn(n *node, l Layout, align uint64, spaceLo addr.VA) (addr.VA, bool) {
	if n == nil {
		return 0, false
	}
	if n.left != nil && n.left.maxGap >= l.Size+align-1 {
		if va, ok := findGapIn(n.left, l, align, spaceLo); ok {
			return va, true
		}
	}
	predEnd := n.gapPredecessorEnd(spaceLo)
	cand := predEnd.AlignUp(align)
	if cand.Add(l.Size) <= n.region.Start {
		return cand, true
	}
	if n.right != nil && n.right.maxGap >= l.Size+align-1 {
		if va, ok := findGapIn(n.right, l, align, spaceLo); ok {
			return va, true
		}
	}
	return 0, false
}
