package ppa

import (
	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/kpanic"
)

// swap exchanges the big-page indices stored at positions i and j of one
// processor's buffer and keeps the reverse map's poolIndex in lock-step, as
// spec.md §4.1 requires of every zone transition.
func (r *Range) swap(buf []uint32, i, j uint32) {
	buf[i], buf[j] = buf[j], buf[i]
	r.reverse[buf[i]].poolIndex = i
	r.reverse[buf[j]].poolIndex = j
}

// appendOwned appends big-page index b to buffer bufID (always landing in
// that buffer's free zone, since the free zone is defined as
// [freeBottom, len) and len grows by exactly one).
func (r *Range) appendOwned(bufID uint32, b uint32) {
	r.buffers[bufID] = append(r.buffers[bufID], b)
	r.reverse[b] = reverseEntry{bufferID: bufID, poolIndex: uint32(len(r.buffers[bufID]) - 1)}
}

// moveFreeToPartial moves the big page currently at position pos (which
// must lie in the free zone) into the partial zone by swapping it against
// the free zone's left edge and growing the partial zone by one.
func (r *Range) moveFreeToPartial(buf []uint32, info *LocalPoolInfo, pos uint32) {
	kpanic.Assert(pos >= info.freeBottom, "ppa: moveFreeToPartial: %d not in free zone", pos)
	r.swap(buf, pos, info.freeBottom)
	info.freeBottom++
}

// movePartialToAllocated moves the big page at pos (in the partial zone)
// into the fully-allocated zone.
func (r *Range) movePartialToAllocated(buf []uint32, info *LocalPoolInfo, pos uint32) {
	kpanic.Assert(pos >= info.usedBottom && pos < info.freeBottom, "ppa: movePartialToAllocated: %d not in partial zone", pos)
	r.swap(buf, pos, info.usedBottom)
	info.usedBottom++
}

// moveAllocatedToPartial is the inverse of movePartialToAllocated.
func (r *Range) moveAllocatedToPartial(buf []uint32, info *LocalPoolInfo, pos uint32) {
	kpanic.Assert(pos < info.usedBottom, "ppa: moveAllocatedToPartial: %d not in allocated zone", pos)
	info.usedBottom--
	r.swap(buf, pos, info.usedBottom)
}

// movePartialToFree is the inverse of moveFreeToPartial.
func (r *Range) movePartialToFree(buf []uint32, info *LocalPoolInfo, pos uint32) {
	kpanic.Assert(pos >= info.usedBottom && pos < info.freeBottom, "ppa: movePartialToFree: %d not in partial zone", pos)
	info.freeBottom--
	r.swap(buf, pos, info.freeBottom)
}

// moveFreeToAllocated performs the free->allocated three-way rotation
// (spec.md §4.1) as two boundary swaps that touch both zone boundaries in
// one logical transaction.
func (r *Range) moveFreeToAllocated(buf []uint32, info *LocalPoolInfo, pos uint32) {
	r.moveFreeToPartial(buf, info, pos)
	r.movePartialToAllocated(buf, info, info.freeBottom-1)
}

// moveAllocatedToFree is the inverse three-way rotation.
func (r *Range) moveAllocatedToFree(buf []uint32, info *LocalPoolInfo, pos uint32) {
	r.moveAllocatedToPartial(buf, info, pos)
	r.movePartialToFree(buf, info, info.usedBottom)
}

// popLast removes and returns the big-page index at the very end of buf,
// which must be in the free zone (the caller is taking full ownership of a
// big page, not merely reclassifying it within this Range's bookkeeping).
func (r *Range) popLast(bufID uint32, info *LocalPoolInfo) (uint32, bool) {
	buf := r.buffers[bufID]
	n := uint32(len(buf))
	if info.freeBottom >= n {
		return 0, false
	}
	// The free zone is the contiguous tail [freeBottom, n), so its last
	// element can always be popped directly without a boundary swap.
	last := n - 1
	b := buf[last]
	r.buffers[bufID] = buf[:last]
	return b, true
}

// claimFromGlobal removes big page b from the global buffer (swap with
// last + truncate) and appends it to processor pid's local buffer, landing
// in that processor's free zone.
func (r *Range) claimFromGlobal(b uint32, pid hal.ProcessorID) {
	g := r.buffers[globalBuffer]
	idx := r.reverse[b].poolIndex
	last := uint32(len(g)) - 1
	if idx != last {
		r.swap(g, idx, last)
	}
	r.buffers[globalBuffer] = g[:last]
	r.appendOwned(uint32(pid)+1, b)
}

func (r *Range) subpoolFor(b uint32) *subpool {
	if r.subpools[b] == nil {
		r.subpools[b] = newSubpool()
	}
	return r.subpools[b]
}
