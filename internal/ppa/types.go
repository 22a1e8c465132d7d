// Package ppa implements the Physical Page Allocator (spec.md §4.1): the
// bottom layer that owns every usable physical frame, in SMALL and BIG
// granularities, with per-processor local pools to avoid cache-line
// bouncing on the common allocate/free path.
//
// Grounded on biscuit's mem.Physmem_t (mem/mem.go): a global free-list plus
// a per-CPU free list (phys.percpu), each protected by its own lock, with a
// global lock guarding cross-CPU steals — generalized here to the
// small/big two-granularity scheme and the three-zone big-page pool
// spec.md describes.
package ppa

import (
	"sync"

	"golang.org/x/sys/cpu"

	"github.com/sm5ve/crocos-mm/internal/hal"
)

// reverseEntry records, for one big page, where it currently lives: which
// buffer owns it (0 = global, k+1 = processor k) and its position within
// that buffer's backing array.
type reverseEntry struct {
	bufferID  uint32
	poolIndex uint32
}

const globalBuffer = 0

// subpool is the small-page free structure embedded in one big page
// (spec.md §3 "per-big-page small-page sub-pool with its own free map and
// free-index"). order[0:freeIndex] are the allocated small indices in
// arbitrary order; order[freeIndex:] are free. pos is its inverse,
// pos[smallIdx] == the slot in order holding smallIdx, enabling O(1)
// allocate/free via a single swap against the freeIndex boundary.
type subpool struct {
	order      [hal.SmallPagesPerBig]uint16
	pos        [hal.SmallPagesPerBig]uint16
	freeIndex  uint16 // [0,freeIndex) allocated, [freeIndex,N) free
}

func newSubpool() *subpool {
	sp := &subpool{}
	for i := range sp.order {
		sp.order[i] = uint16(i)
		sp.pos[i] = uint16(i)
	}
	sp.freeIndex = 0
	return sp
}

func (sp *subpool) freeCount() int { return hal.SmallPagesPerBig - int(sp.freeIndex) }
func (sp *subpool) allocCount() int { return int(sp.freeIndex) }
func (sp *subpool) full() bool      { return int(sp.freeIndex) == hal.SmallPagesPerBig }
func (sp *subpool) empty() bool     { return sp.freeIndex == 0 }

// allocate pops one small index out of the free region. Caller guarantees
// !sp.full().
func (sp *subpool) allocate() uint16 {
	s := sp.order[sp.freeIndex]
	sp.freeIndex++
	return s
}

// reserve forces small index s into the allocated region, tolerating the
// case where it is already allocated (spec.md §4.1 "reservation of a frame
// that is already reserved is tolerated and performs a sanity check only").
func (sp *subpool) reserve(s uint16) {
	slot := sp.pos[s]
	if slot < sp.freeIndex {
		return // already allocated; nothing to do
	}
	boundarySlot := sp.freeIndex
	boundaryVal := sp.order[boundarySlot]
	sp.order[boundarySlot] = s
	sp.order[slot] = boundaryVal
	sp.pos[s] = boundarySlot
	sp.pos[boundaryVal] = slot
	sp.freeIndex++
}

// release returns small index s to the free region in O(1) via swap with
// the current allocated/free boundary.
func (sp *subpool) release(s uint16) {
	sp.freeIndex--
	boundarySlot := sp.freeIndex
	sSlot := sp.pos[s]
	boundaryVal := sp.order[boundarySlot]

	sp.order[boundarySlot] = s
	sp.order[sSlot] = boundaryVal
	sp.pos[s] = boundarySlot
	sp.pos[boundaryVal] = sSlot
}

// LocalPoolInfo is the per-processor, per-range bookkeeping named in
// spec.md §3.
type LocalPoolInfo struct {
	usedBottom uint32 // [0,usedBottom) fully allocated
	freeBottom uint32 // [usedBottom,freeBottom) partially allocated, [freeBottom,len) fully free
	freeSmallPagesInPartialAllocs uint32
}

// paddedLocalInfo cache-line pads LocalPoolInfo so that two processors'
// pool metadata never share a cache line, matching spec.md §9's
// "per-processor data" design note; Range.localInfo is a slice of these
// rather than of bare LocalPoolInfo.
type paddedLocalInfo struct {
	LocalPoolInfo
	_ cpu.CacheLinePad
}

// PageSize and its Small/Big values are re-exported from hal for callers
// that only import ppa.
type PageSize = hal.PageSize

const (
	Small = hal.Small
	Big   = hal.Big
)

// Range describes one usable physical range reported by firmware, with the
// bookkeeping Init allocates for it.
type Range struct {
	start, end hal.PhysAddr // [start, end)
	bigCount   uint32

	mu         sync.Mutex // guards buffers[globalBuffer] (the "global lock" for stealing)
	buffers    [][]uint32 // buffers[0] = global, buffers[pid+1] = processor pid's local pool
	localMu    []sync.Mutex
	localInfo  []paddedLocalInfo
	reverse    []reverseEntry // indexed by big-page index within the range
	subpools   []*subpool     // indexed by big-page index; nil until first touched as a small-page source
}

func (r *Range) bigPageAddr(idx uint32) hal.PhysAddr {
	return r.start.Add(uint64(idx) * hal.BigPageSize)
}

func (r *Range) contains(p hal.PhysAddr) bool {
	return p >= r.start && p < r.end
}

func (r *Range) bigIndexOf(p hal.PhysAddr) uint32 {
	return uint32((uint64(p) - uint64(r.start)) / hal.BigPageSize)
}
