// Package liballoc implements the general-purpose heap allocator built on
// top of the page-table manager: fixed size-class slabs for small
// allocations, and a coarse allocator over page-granular spans for
// everything else (spec.md §4.3).
//
// Grounded on biscuit's vm/as.go for the "everything protected by one
// coarse lock, fast paths kept branch-free" shape, with the span-indexing
// structures themselves adapted from google/btree's usage elsewhere in
// this module (ppa has no analogue; the coarse allocator is new ground).
package liballoc

import "github.com/sm5ve/crocos-mm/internal/hal"

// color is a red-black tree node's color.
type color bool

const (
	red   color = false
	black color = true
)

// spanNode is one node of the free-span size tree: a standard intrusive
// red-black tree keyed by (size, base) so that spans of equal size remain
// individually addressable, augmented with maxSize over its subtree so
// canSatisfy can tell from the root alone whether any free span is large
// enough (spec.md §4.3's "augmented intrusive red-black tree").
type spanNode struct {
	left, right, parent *spanNode
	c                    color
	span                 *span // the span this node indexes; span.size/span.base are the key
	maxSize              uint64
}

func less(size1 uint64, base1 hal.VirtAddr, size2 uint64, base2 hal.VirtAddr) bool {
	if size1 != size2 {
		return size1 < size2
	}
	return base1 < base2
}

// freeSpanTree is the size-ordered index over every currently-free span.
type freeSpanTree struct {
	root  *spanNode
	count int
}

func (t *freeSpanTree) recomputeMax(n *spanNode) {
	m := n.span.size
	if n.left != nil && n.left.maxSize > m {
		m = n.left.maxSize
	}
	if n.right != nil && n.right.maxSize > m {
		m = n.right.maxSize
	}
	n.maxSize = m
}

func (t *freeSpanTree) fixupToRoot(n *spanNode) {
	for n != nil {
		t.recomputeMax(n)
		n = n.parent
	}
}

func (t *freeSpanTree) rotateLeft(x *spanNode) {
	y := x.right
	x.right = y.left
	if y.left != nil {
		y.left.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.left {
		x.parent.left = y
	} else {
		x.parent.right = y
	}
	y.left = x
	x.parent = y
	t.recomputeMax(x)
	t.recomputeMax(y)
}

func (t *freeSpanTree) rotateRight(x *spanNode) {
	y := x.left
	x.left = y.right
	if y.right != nil {
		y.right.parent = x
	}
	y.parent = x.parent
	if x.parent == nil {
		t.root = y
	} else if x == x.parent.right {
		x.parent.right = y
	} else {
		x.parent.left = y
	}
	y.right = x
	x.parent = y
	t.recomputeMax(x)
	t.recomputeMax(y)
}

// insert adds sp's node into the tree, rebalancing as it goes.
func (t *freeSpanTree) insert(sp *span) *spanNode {
	n := &spanNode{span: sp, c: red, maxSize: sp.size}
	var parent *spanNode
	cur := t.root
	size, base := sp.size, sp.base
	for cur != nil {
		parent = cur
		if less(size, base, cur.span.size, cur.span.base) {
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	n.parent = parent
	if parent == nil {
		t.root = n
	} else if less(size, base, parent.span.size, parent.span.base) {
		parent.left = n
	} else {
		parent.right = n
	}
	t.count++
	t.fixupToRoot(n)
	t.insertFixup(n)
	return n
}

func (t *freeSpanTree) insertFixup(z *spanNode) {
	for z.parent != nil && z.parent.c == red {
		gp := z.parent.parent
		if gp == nil {
			break
		}
		if z.parent == gp.left {
			y := gp.right
			if y != nil && y.c == red {
				z.parent.c = black
				y.c = black
				gp.c = red
				z = gp
				continue
			}
			if z == z.parent.right {
				z = z.parent
				t.rotateLeft(z)
			}
			z.parent.c = black
			gp.c = red
			t.rotateRight(gp)
		} else {
			y := gp.left
			if y != nil && y.c == red {
				z.parent.c = black
				y.c = black
				gp.c = red
				z = gp
				continue
			}
			if z == z.parent.left {
				z = z.parent
				t.rotateRight(z)
			}
			z.parent.c = black
			gp.c = red
			t.rotateLeft(gp)
		}
	}
	t.root.c = black
}

// delete removes n from the tree.
func (t *freeSpanTree) delete(n *spanNode) {
	t.count--
	y := n
	yOrigColor := y.c
	var x, xParent *spanNode

	if n.left == nil {
		x, xParent = n.right, n.parent
		t.transplant(n, n.right)
	} else if n.right == nil {
		x, xParent = n.left, n.parent
		t.transplant(n, n.left)
	} else {
		y = minimum(n.right)
		yOrigColor = y.c
		x = y.right
		if y.parent == n {
			xParent = y
		} else {
			xParent = y.parent
			t.transplant(y, y.right)
			y.right = n.right
			y.right.parent = y
		}
		t.transplant(n, y)
		y.left = n.left
		y.left.parent = y
		y.c = n.c
		t.recomputeMax(y)
	}
	if xParent != nil {
		t.fixupToRoot(xParent)
	}
	if yOrigColor == black {
		t.deleteFixup(x, xParent)
	}
}

func minimum(n *spanNode) *spanNode {
	for n.left != nil {
		n = n.left
	}
	return n
}

func (t *freeSpanTree) transplant(u, v *spanNode) {
	if u.parent == nil {
		t.root = v
	} else if u == u.parent.left {
		u.parent.left = v
	} else {
		u.parent.right = v
	}
	if v != nil {
		v.parent = u.parent
	}
}

func (t *freeSpanTree) deleteFixup(x, parent *spanNode) {
	for x != t.root && isBlack(x) {
		if parent == nil {
			break
		}
		if x == parent.left {
			w := parent.right
			if w != nil && w.c == red {
				w.c = black
				parent.c = red
				t.rotateLeft(parent)
				w = parent.right
			}
			if w == nil {
				x, parent = parent, parent.parent
				continue
			}
			if isBlack(w.left) && isBlack(w.right) {
				w.c = red
				x, parent = parent, parent.parent
				continue
			}
			if isBlack(w.right) {
				if w.left != nil {
					w.left.c = black
				}
				w.c = red
				t.rotateRight(w)
				w = parent.right
			}
			w.c = parent.c
			parent.c = black
			if w.right != nil {
				w.right.c = black
			}
			t.rotateLeft(parent)
			x = t.root
		} else {
			w := parent.left
			if w != nil && w.c == red {
				w.c = black
				parent.c = red
				t.rotateRight(parent)
				w = parent.left
			}
			if w == nil {
				x, parent = parent, parent.parent
				continue
			}
			if isBlack(w.right) && isBlack(w.left) {
				w.c = red
				x, parent = parent, parent.parent
				continue
			}
			if isBlack(w.left) {
				if w.right != nil {
					w.right.c = black
				}
				w.c = red
				t.rotateLeft(w)
				w = parent.left
			}
			w.c = parent.c
			parent.c = black
			if w.left != nil {
				w.left.c = black
			}
			t.rotateRight(parent)
			x = t.root
		}
	}
	if x != nil {
		x.c = black
	}
}

func isBlack(n *spanNode) bool { return n == nil || n.c == black }

// bestFit returns the smallest free span whose size is >= want, or nil if
// none exists. It descends the (size, base) ordering along one root-to-leaf
// path; the maxSize augmentation is not consulted.
func (t *freeSpanTree) bestFit(want uint64) *span {
	var best *spanNode
	n := t.root
	for n != nil {
		if n.span.size >= want {
			best = n
			n = n.left
		} else {
			n = n.right
		}
	}
	if best == nil {
		return nil
	}
	return best.span
}

func (t *freeSpanTree) canSatisfy(want uint64) bool {
	return t.root != nil && t.root.maxSize >= want
}
