package ptm

import (
	"sync"
	"sync/atomic"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/kpanic"
)

// PageSource is the PTM -> PPA interface (spec.md §6): acquiring one small
// page for a fresh internal page-table page, and returning one.
type PageSource interface {
	AllocateSmallPage() (hal.PhysAddr, bool)
	FreeSmallPage(hal.PhysAddr)
}

const (
	fastFullBit              = 1 << 0
	fastPartiallyOccupiedBit = 1 << 1
)

// window is the PTM's self-hosted 1 GiB window (spec.md §4.2): every
// table it ever allocates lives at a dense window index, with a table's
// virtual address computed as WindowBase + index*SmallPageSize so that
// cross-references are (index, offset) pairs rather than raw pointers, per
// spec.md §9's "Cyclic / self-referential data" design note.
//
// The Partially-Occupied Ring (POR) is represented faithfully as a
// sequence-numbered ring (ring.go) so that the S2 scenario's
// "po_queue_read_head == po_queue_written_limit" check is meaningful; the
// decision of *which* table to hand out or whether to grow the window is
// additionally serialized by growMu. This trades strict lock-freedom on
// the (rare) table-creation path for a tractable implementation while
// keeping the hot per-table entry allocate/free path (table.go) fully
// CAS-based, matching spec.md §5's concurrency budget (table locks and
// per-table free lists are the hot path; growing the window is not).
type window struct {
	growMu sync.Mutex

	tables   []*Table
	fastMeta []uint64 // parallel array, one word per window index

	por        *ring[uint32]
	freeTables []uint32 // reclaimed table slots, reused by grow before appending
}

func newWindow(porSize int) *window {
	return &window{por: newRing[uint32](porSize)}
}

func (w *window) table(idx uint32) *Table { return w.tables[idx] }

func (w *window) markFull(idx uint32, full bool) {
	for {
		old := atomic.LoadUint64(&w.fastMeta[idx])
		var next uint64
		if full {
			next = old | fastFullBit
		} else {
			next = old &^ fastFullBit
		}
		if atomic.CompareAndSwapUint64(&w.fastMeta[idx], old, next) {
			return
		}
	}
}

func (w *window) markPartial(idx uint32, partial bool) {
	for {
		old := atomic.LoadUint64(&w.fastMeta[idx])
		var next uint64
		if partial {
			next = old | fastPartiallyOccupiedBit
		} else {
			next = old &^ fastPartiallyOccupiedBit
		}
		if atomic.CompareAndSwapUint64(&w.fastMeta[idx], old, next) {
			return
		}
	}
}

func (w *window) isFull(idx uint32) bool {
	return atomic.LoadUint64(&w.fastMeta[idx])&fastFullBit != 0
}
func (w *window) isPartial(idx uint32) bool {
	return atomic.LoadUint64(&w.fastMeta[idx])&fastPartiallyOccupiedBit != 0
}

// grow materializes a page-table page for use as a directory or leaf
// table: reuse a reclaimed slot (destroySubtree) if one is available,
// otherwise request a fresh frame from src and register it at the next
// window index.
func (w *window) grow(src PageSource) uint32 {
	w.growMu.Lock()
	defer w.growMu.Unlock()

	if n := len(w.freeTables); n > 0 {
		idx := w.freeTables[n-1]
		w.freeTables = w.freeTables[:n-1]
		w.tables[idx] = newTable(idx)
		w.fastMeta[idx] = 0
		return idx
	}

	_, ok := src.AllocateSmallPage()
	kpanic.Assert(ok, "ptm: PPA exhausted while growing PTM window")

	idx := uint32(len(w.tables))
	w.tables = append(w.tables, newTable(idx))
	w.fastMeta = append(w.fastMeta, 0)
	return idx
}

// reclaim returns a table slot abandoned by destroySubtree to the free
// list so a future grow can reuse it instead of requesting a new frame.
func (w *window) reclaim(idx uint32) {
	w.growMu.Lock()
	w.freeTables = append(w.freeTables, idx)
	w.growMu.Unlock()
}

// allocEntry implements spec.md §4.2's "Allocation of a new internal page
// table" + "Allocation of an internal page table entry": find a
// partially-occupied table from the POR (publishing its transition to
// "full" if this call exhausts it), or grow the window and seed a fresh
// table, publishing its first allocation's leftover capacity into the POR.
func (w *window) allocEntry(h hal.HAL, src PageSource) (table uint32, idx uint32) {
	w.growMu.Lock()
	for !w.por.empty() {
		seq := w.por.peekReadHead()
		ti := *w.por.slot(seq)
		if w.isFull(ti) {
			// stale entry (raced full transition); drop it.
			w.por.advanceReadHead(seq)
			continue
		}
		t := w.table(ti)
		w.growMu.Unlock()

		t.acquireLock(h)
		ei, ok := t.allocEntry()
		if !ok {
			t.releaseLock()
			w.growMu.Lock()
			w.por.advanceReadHead(seq)
			continue
		}
		full := t.isFull()
		t.releaseLock()
		if full {
			w.markFull(ti, true)
			w.markPartial(ti, false)
			w.growMu.Lock()
			w.por.advanceReadHead(seq)
			w.growMu.Unlock()
		}
		return ti, ei
	}

	w.growMu.Unlock() // grow takes growMu itself
	ti := w.grow(src)
	w.growMu.Lock()
	t := w.table(ti)
	t.acquireLock(h)
	ei, ok := t.allocEntry()
	kpanic.Assert(ok, "ptm: brand-new table %d reports full", ti)
	full := t.isFull()
	t.releaseLock()
	if !full {
		w.markPartial(ti, true)
		seq, ok := w.por.reserve()
		kpanic.Assert(ok, "ptm: POR exhausted")
		*w.por.slot(seq) = ti
		w.por.publish(seq)
	} else {
		w.markFull(ti, true)
	}
	w.growMu.Unlock()
	return ti, ei
}

// freeEntry returns entry idx of table ti to its table's free list,
// enqueuing the table into the POR if this is the transition out of
// "full" (spec.md §4.2 "On free, the table must transition to or remain in
// the partially occupied state").
func (w *window) freeEntry(h hal.HAL, ti, idx uint32) {
	t := w.table(ti)
	t.acquireLock(h)
	wasFull := t.isFull()
	t.freeEntryAt(idx)
	t.releaseLock()

	if wasFull {
		w.growMu.Lock()
		w.markFull(ti, false)
		w.markPartial(ti, true)
		seq, ok := w.por.reserve()
		kpanic.Assert(ok, "ptm: POR exhausted")
		*w.por.slot(seq) = ti
		w.por.publish(seq)
		w.growMu.Unlock()
	}
}

// drained reports whether the POR's read head has caught up with every
// publication, i.e. no table is currently known-partially-occupied in the
// ring (spec.md §8 scenario S2).
func (w *window) drained() bool {
	return w.por.peekReadHead() == atomic.LoadUint64(&w.por.writtenLimit)
}
