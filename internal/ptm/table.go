package ptm

import (
	"sync/atomic"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/kpanic"
)

const headerIndex = 0

// Table is one page-table page: EntriesPerTable naturally-aligned 64-bit
// entries, with entry 0 reserved as the header carrying the inline
// free-list head and the per-table lock bit (spec.md §3, §4.2).
//
// Tables play one of two roles and never both: hierarchical directory/leaf
// tables (handles.go) index every entry, including 0, directly off
// virtual-address bits and never call allocEntry/freeEntryAt, so a
// hierarchical table's header slot is simply an unused mapping slot for
// the one address whose index bits are all zero at that level. Tables
// backing the supplementary-record pool (AllocateSupplementaryRecord in ptm.go)
// use entry 0 exclusively as this free-list header and never address it
// positionally. The two roles are never mixed on the same table.
type Table struct {
	entries [hal.EntriesPerTable]uint64
	window  uint32 // this table's offset within the PTM window
}

func (t *Table) load(i uint32) entry       { return entry(atomic.LoadUint64(&t.entries[i])) }
func (t *Table) store(i uint32, e entry)   { atomic.StoreUint64(&t.entries[i], uint64(e)) }
func (t *Table) cas(i uint32, old, new entry) bool {
	return atomic.CompareAndSwapUint64(&t.entries[i], uint64(old), uint64(new))
}

// newTable zero-initializes a table and lays out its free-list: every
// non-header entry starts free, chained in index order, with the header's
// free-list head pointing at entry 1.
func newTable(window uint32) *Table {
	t := &Table{window: window}
	for i := uint32(1); i < hal.EntriesPerTable-1; i++ {
		t.store(i, freeEntry(i+1))
	}
	t.store(hal.EntriesPerTable-1, freeEntry(nilNextIndex))
	t.store(headerIndex, entry(0).withFreeListHead(1))
	return t
}

// acquireLock spins (CAS) until it flips the header's lock bit 0->1.
func (t *Table) acquireLock(h hal.HAL) {
	for {
		hdr := t.load(headerIndex)
		if !hdr.headerLocked() {
			if t.cas(headerIndex, hdr, hdr.withHeaderLock(true)) {
				return
			}
		}
		h.MemoryFence()
	}
}

func (t *Table) releaseLock() {
	for {
		hdr := t.load(headerIndex)
		kpanic.Assert(hdr.headerLocked(), "ptm: release of unlocked table %d", t.window)
		if t.cas(headerIndex, hdr, hdr.withHeaderLock(false)) {
			return
		}
	}
}

// allocEntry pops the head of this table's inline free-list and returns
// its index. Caller must hold the table lock. Returns false if the table
// is already full.
func (t *Table) allocEntry() (uint32, bool) {
	hdr := t.load(headerIndex)
	head := hdr.freeListHead()
	if head == 0 {
		return 0, false
	}
	next := entryToHeadNext(t.load(head).nextIndex())
	newHdr := hdr.withFreeListHead(next).withAllocCount(hdr.allocCount() + 1)
	ok := t.cas(headerIndex, hdr, newHdr)
	kpanic.Assert(ok, "ptm: concurrent mutation of table %d header while lock held", t.window)
	return head, true
}

// freeEntryAt pushes index idx back onto this table's inline free-list.
// Caller must hold the table lock, and idx must currently be a live
// (non-free) entry.
func (t *Table) freeEntryAt(idx uint32) {
	hdr := t.load(headerIndex)
	t.store(idx, freeEntry(headToEntryNext(hdr.freeListHead())))
	newHdr := hdr.withFreeListHead(idx).withAllocCount(hdr.allocCount() - 1)
	ok := t.cas(headerIndex, hdr, newHdr)
	kpanic.Assert(ok, "ptm: concurrent mutation of table %d header while lock held", t.window)
}

func (t *Table) isFull() bool  { return t.load(headerIndex).freeListHead() == 0 }
func (t *Table) isEmpty() bool { return t.load(headerIndex).allocCount() == 0 }
