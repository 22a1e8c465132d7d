package liballoc

import (
	"github.com/google/btree"

	"github.com/sm5ve/crocos-mm/internal/hal"
)

// span is one contiguous, page-backed virtual range managed by the coarse
// allocator: either sitting in the free-span size tree (rbtree.go) waiting
// to satisfy a best-fit request, or handed out and tracked only in the
// address registry until freed.
type span struct {
	base hal.VirtAddr
	size uint64
	free bool
	node *spanNode // this span's entry in the free-size tree, nil when allocated
}

// addrEntry is the unit of btree.BTreeG's ordered index over every live
// span and slab page, keyed by base address: google/btree gives the
// coarse allocator O(log n) floor/neighbor lookups for coalescing and for
// resolving an arbitrary freed address back to its owning span or slab,
// without the augmentation the size-keyed free tree needs (spec.md §4.3;
// google/btree.BTreeG has no augmentation hook, which is exactly why the
// size-ordered structure above is hand-rolled instead).
type addrEntry struct {
	base hal.VirtAddr
	sp   *span // non-nil when this entry is a coarse span
	slab *slabInstance
}

// end computes the entry's exclusive end address live off the underlying
// span/slab rather than caching it, since a span's size changes in place
// as the coarse allocator splits and coalesces it.
func (e *addrEntry) end() hal.VirtAddr {
	if e.sp != nil {
		return e.sp.base.Add(e.sp.size)
	}
	return e.slab.base.Add(hal.SmallPageSize)
}

func addrLess(a, b *addrEntry) bool { return a.base < b.base }

// addrIndex wraps the address-ordered btree with the specific lookups the
// coarse allocator and Free/IsValidPointer need.
type addrIndex struct {
	t *btree.BTreeG[*addrEntry]
}

func newAddrIndex() *addrIndex {
	return &addrIndex{t: btree.NewG[*addrEntry](32, addrLess)}
}

func (idx *addrIndex) insert(e *addrEntry) { idx.t.ReplaceOrInsert(e) }
func (idx *addrIndex) remove(base hal.VirtAddr) {
	idx.t.Delete(&addrEntry{base: base})
}

// floor returns the entry with the greatest base <= v, or nil.
func (idx *addrIndex) floor(v hal.VirtAddr) *addrEntry {
	var found *addrEntry
	idx.t.DescendLessOrEqual(&addrEntry{base: v}, func(e *addrEntry) bool {
		found = e
		return false
	})
	return found
}

// exact returns the entry whose base is exactly v, or nil.
func (idx *addrIndex) exact(v hal.VirtAddr) *addrEntry {
	e, ok := idx.t.Get(&addrEntry{base: v})
	if !ok {
		return nil
	}
	return e
}

// containing resolves v to whichever registered span or slab page covers
// it, for Free and IsValidPointer.
func (idx *addrIndex) containing(v hal.VirtAddr) *addrEntry {
	e := idx.floor(v)
	if e == nil || v >= e.end() {
		return nil
	}
	return e
}
