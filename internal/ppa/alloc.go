package ppa

import (
	"sync/atomic"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/kpanic"
)

// allocateBig tries to satisfy a big-page request from processor pid's
// local free zone first, then steals from the global pool. Both paths end
// with the big page recorded as "fully allocated" (zone 0) but still
// tracked in pid's buffer, per spec.md §4.1's reverse-map invariant.
func (r *Range) allocateBig(pid hal.ProcessorID) (hal.PhysAddr, bool) {
	r.localMu[pid].Lock()
	info := &r.localInfo[pid]
	buf := r.buffers[pid+1]
	if info.freeBottom < uint32(len(buf)) {
		pos := uint32(len(buf)) - 1
		b := buf[pos]
		r.moveFreeToAllocated(buf, info, pos)
		r.localMu[pid].Unlock()
		return r.bigPageAddr(b), true
	}
	r.localMu[pid].Unlock()

	r.mu.Lock()
	if len(r.buffers[globalBuffer]) == 0 {
		r.mu.Unlock()
		return 0, false
	}
	last := uint32(len(r.buffers[globalBuffer])) - 1
	b := r.buffers[globalBuffer][last]
	r.claimFromGlobal(b, pid)
	r.mu.Unlock()

	r.localMu[pid].Lock()
	info = &r.localInfo[pid]
	buf = r.buffers[pid+1]
	r.moveFreeToAllocated(buf, info, uint32(len(buf))-1)
	r.localMu[pid].Unlock()
	return r.bigPageAddr(b), true
}

// allocateSmall prefers draining a partially-used big page (O(1), no zone
// transition needed) before carving a fresh one out of the free zone.
func (r *Range) allocateSmall(pid hal.ProcessorID) (hal.PhysAddr, bool) {
	r.localMu[pid].Lock()
	defer r.localMu[pid].Unlock()
	info := &r.localInfo[pid]
	buf := r.buffers[pid+1]

	if info.usedBottom < info.freeBottom {
		// a partially-used big page exists; take one small page from it
		b := buf[info.usedBottom]
		sp := r.subpoolFor(b)
		s := sp.allocate()
		info.freeSmallPagesInPartialAllocs--
		if sp.full() {
			r.movePartialToAllocated(buf, info, info.usedBottom)
		}
		return r.smallAddr(b, s), true
	}

	// no partially-used big page locally; pull a fresh free big page in
	// (local free zone, else steal from global) and carve the first small
	// page out of it.
	b, ok := r.takeFreeBig(pid)
	if !ok {
		return 0, false
	}
	sp := r.subpoolFor(b)
	s := sp.allocate()
	info.freeSmallPagesInPartialAllocs += uint32(hal.SmallPagesPerBig) - 1
	return r.smallAddr(b, s), true
}

// takeFreeBig moves one big page from the free zone into the partial zone
// and returns its index, stealing from global if the local free zone is
// empty. Caller holds r.localMu[pid].
func (r *Range) takeFreeBig(pid hal.ProcessorID) (uint32, bool) {
	info := &r.localInfo[pid]
	buf := r.buffers[pid+1]
	if info.freeBottom < uint32(len(buf)) {
		pos := uint32(len(buf)) - 1
		r.moveFreeToPartial(buf, info, pos)
		return buf[info.freeBottom-1], true
	}

	r.localMu[pid].Unlock()
	r.mu.Lock()
	if len(r.buffers[globalBuffer]) == 0 {
		r.mu.Unlock()
		r.localMu[pid].Lock()
		return 0, false
	}
	last := uint32(len(r.buffers[globalBuffer])) - 1
	b := r.buffers[globalBuffer][last]
	r.claimFromGlobal(b, pid)
	r.mu.Unlock()
	r.localMu[pid].Lock()

	buf = r.buffers[pid+1]
	pos := uint32(len(buf)) - 1
	r.moveFreeToPartial(buf, &r.localInfo[pid], pos)
	return buf[r.localInfo[pid].freeBottom-1], true
}

func (r *Range) smallAddr(big uint32, small uint16) hal.PhysAddr {
	return r.bigPageAddr(big).Add(uint64(small) * hal.SmallPageSize)
}

// owner returns the processor that currently owns the big page backing p,
// or false if it is still in the global pool (which should never happen
// for a pointer returned to a caller).
func (r *Range) owner(big uint32) (hal.ProcessorID, bool) {
	bufferID := atomic.LoadUint32(&r.reverse[big].bufferID)
	if bufferID == globalBuffer {
		return 0, false
	}
	return hal.ProcessorID(bufferID - 1), true
}

// freeBigLocal returns a big page directly allocated via allocateBig to
// pid's pool. p must currently be in the fully-allocated zone.
func (r *Range) freeBigLocal(pid hal.ProcessorID, big uint32) {
	r.localMu[pid].Lock()
	defer r.localMu[pid].Unlock()
	info := &r.localInfo[pid]
	buf := r.buffers[pid+1]
	pos := r.reverse[big].poolIndex
	kpanic.Assert(pos < info.usedBottom, "ppa: double free or unowned free of big page %d", big)
	r.moveAllocatedToFree(buf, info, pos)
}

// freeSmallLocal returns one small page to pid's pool.
func (r *Range) freeSmallLocal(pid hal.ProcessorID, big uint32, small uint16) {
	r.localMu[pid].Lock()
	defer r.localMu[pid].Unlock()
	info := &r.localInfo[pid]
	buf := r.buffers[pid+1]
	pos := r.reverse[big].poolIndex
	sp := r.subpoolFor(big)
	kpanic.Assert(!sp.empty(), "ppa: double free of small page %d in big page %d", small, big)

	wasFull := sp.full()
	sp.release(small)
	info.freeSmallPagesInPartialAllocs++
	if wasFull {
		r.moveAllocatedToPartial(buf, info, pos)
	}
	if sp.empty() {
		// big page is now fully free: it no longer contributes to the
		// "free small pages sitting in partially-used big pages" counter
		// at all, so undo the credit just given plus everything accrued
		// while it was partial.
		info.freeSmallPagesInPartialAllocs -= uint32(hal.SmallPagesPerBig)
		r.movePartialToFree(buf, info, pos)
	}
}

// reserveSmallPage forces a specific small page (identified by big-page
// index and small-within-big index) to "allocated", claiming the owning
// big page to pid first if necessary (spec.md §4.1 "Reservation logic").
func (r *Range) reserveSmallPage(big uint32, small uint16, pid hal.ProcessorID) {
	r.claimIfGlobal(big, pid)

	r.localMu[pid].Lock()
	defer r.localMu[pid].Unlock()
	info := &r.localInfo[pid]
	buf := r.buffers[pid+1]
	pos := r.reverse[big].poolIndex

	if pos >= info.freeBottom {
		// currently fully free: becomes partial
		r.moveFreeToPartial(buf, info, pos)
		info.freeSmallPagesInPartialAllocs += uint32(hal.SmallPagesPerBig)
	}
	sp := r.subpoolFor(big)
	wasAllocated := sp.pos[small] < sp.freeIndex
	sp.reserve(small)
	if !wasAllocated {
		info.freeSmallPagesInPartialAllocs--
	}
	if sp.full() {
		pos = r.reverse[big].poolIndex
		r.movePartialToAllocated(buf, info, pos)
	}
}

// reserveBigPage forces an entire big page to "allocated" regardless of
// its current state, claiming it from global first if necessary.
func (r *Range) reserveBigPage(big uint32, pid hal.ProcessorID) {
	r.claimIfGlobal(big, pid)

	r.localMu[pid].Lock()
	defer r.localMu[pid].Unlock()
	info := &r.localInfo[pid]
	buf := r.buffers[pid+1]
	pos := r.reverse[big].poolIndex

	switch {
	case pos < info.usedBottom:
		return // already allocated; tolerated
	case pos < info.freeBottom:
		r.movePartialToAllocated(buf, info, pos)
	default:
		r.moveFreeToAllocated(buf, info, pos)
	}
}

func (r *Range) claimIfGlobal(big uint32, pid hal.ProcessorID) {
	r.mu.Lock()
	if r.reverse[big].bufferID == globalBuffer {
		r.claimFromGlobal(big, pid)
	}
	r.mu.Unlock()
}
