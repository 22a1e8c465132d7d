package liballoc

import (
	"strconv"
	"sync"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/kpanic"
	"github.com/sm5ve/crocos-mm/internal/ppa"
	"github.com/sm5ve/crocos-mm/internal/ptm"
)

// minGrowPages bounds how small a coarse-allocator growth request can be,
// amortizing PPA/PTM calls across several future allocations instead of
// mapping exactly the pages one big request needs (spec.md §4.3's
// fragmentation scenario S3 depends on the coarse allocator coalescing
// these remainders back together as they're freed).
const minGrowPages = 4

const allocAlign = 8

// Stats summarizes the allocator's current state for internal/diag.
type Stats struct {
	SlabBytesInUse   uint64
	SlabBytesTotal   uint64
	CoarseBytesInUse uint64
	CoarseBytesTotal uint64
	FreeSpanCount    int
}

// LibAlloc is the general-purpose kernel heap allocator: size-classed
// slabs for small, fixed-size allocations, and a coarse best-fit allocator
// over page-granular spans for everything else (spec.md §4.3). Every
// address it hands out is a hal.VirtAddr into the virtual range
// [base, cur) it grows on demand, mapped through ptm and backed by ppa;
// like the rest of this module it never touches real Go memory.
type LibAlloc struct {
	h      hal.HAL
	mm     *ptm.PTM
	handle ptm.PartialHandle
	phys   *ppa.Allocator

	base, cur hal.VirtAddr

	mu      sync.Mutex
	classes [len(sizeClasses)]*slabClass
	tree    *freeSpanTree
	addr    *addrIndex

	slabPagesLive int
	coarseBytesLive uint64
}

// New builds an empty LibAlloc that will map its heap into handle starting
// at base, using phys for physical frames and mm for the mappings.
func New(h hal.HAL, mm *ptm.PTM, handle ptm.PartialHandle, phys *ppa.Allocator, base hal.VirtAddr) *LibAlloc {
	la := &LibAlloc{
		h:      h,
		mm:     mm,
		handle: handle,
		phys:   phys,
		base:   base,
		cur:    base,
		tree:   &freeSpanTree{},
		addr:   newAddrIndex(),
	}
	for i, c := range sizeClasses {
		la.classes[i] = newSlabClass(c)
	}
	return la
}

// mapPages maps n fresh small pages starting at the heap's current high
// watermark, advancing it, and returns the base of the newly mapped range.
func (la *LibAlloc) mapPages(n int) hal.VirtAddr {
	base := la.cur
	for i := 0; i < n; i++ {
		phys, ok := la.phys.AllocateSmallPage()
		kpanic.Assert(ok, "liballoc: PPA exhausted while growing heap")
		v := la.cur
		la.mm.MapAddress(la.handle, v, phys, hal.Small, hal.PermRead|hal.PermWrite, hal.FullyCached)
		la.cur = la.cur.Add(hal.SmallPageSize)
	}
	return base
}

func align(n uint64, a uint64) uint64 { return (n + a - 1) &^ (a - 1) }

// Allocate reserves n bytes and returns their address. spec.md's malloc(0)
// is resolved as equivalent to a 1-byte request (the smallest slab class),
// so every successful Allocate call returns a distinct, freeable address.
func (la *LibAlloc) Allocate(n uint64) (hal.VirtAddr, bool) {
	if n == 0 {
		n = 1
	}
	if class, idx, ok := classFor(n); ok {
		return la.allocateSlab(idx, class)
	}
	return la.allocateCoarse(align(n, allocAlign))
}

func (la *LibAlloc) allocateSlab(idx int, objSize uint32) (hal.VirtAddr, bool) {
	la.mu.Lock()
	defer la.mu.Unlock()

	c := la.classes[idx]
	inst := c.findPartial()
	if inst == nil {
		base := la.mapPages(1)
		inst = newSlabInstance(base, objSize)
		c.instances = append(c.instances, inst)
		c.partialHint = len(c.instances) - 1
		la.addr.insert(&addrEntry{base: base, slab: inst})
		la.slabPagesLive++
	}
	obj, ok := inst.allocate()
	kpanic.Assert(ok, "liballoc: slab reported partial but allocate failed")
	return inst.addrOf(obj), true
}

func (la *LibAlloc) allocateCoarse(want uint64) (hal.VirtAddr, bool) {
	la.mu.Lock()
	defer la.mu.Unlock()

	sp := la.tree.bestFit(want)
	if sp == nil {
		sp = la.growCoarse(want)
	}
	return la.carve(sp, want), true
}

// growCoarse materializes a new free span of at least minSize bytes,
// coalescing it with an existing free span immediately below it if one
// happens to end exactly at the new mapping's base.
func (la *LibAlloc) growCoarse(minSize uint64) *span {
	pages := int((minSize + hal.SmallPageSize - 1) / hal.SmallPageSize)
	if pages < minGrowPages {
		pages = minGrowPages
	}
	base := la.mapPages(pages)
	sp := &span{base: base, size: uint64(pages) * hal.SmallPageSize, free: true}
	la.coarseBytesLive += sp.size

	if base > 0 {
		if left := la.addr.floor(base - 1); left != nil && left.sp != nil && left.sp.free && left.end() == base {
			la.tree.delete(left.sp.node)
			la.addr.remove(left.base)
			sp.base = left.base
			sp.size += left.sp.size
		}
	}
	sp.node = la.tree.insert(sp)
	la.addr.insert(&addrEntry{base: sp.base, sp: sp})
	return sp
}

// carve removes want bytes from the front of sp, detaching sp from the free
// tree if it is still in it, and reinserts the remainder if any is left.
func (la *LibAlloc) carve(sp *span, want uint64) hal.VirtAddr {
	if sp.node != nil {
		la.tree.delete(sp.node)
		sp.node = nil
	}
	sp.free = false
	if sp.size > want {
		remainder := &span{base: sp.base.Add(want), size: sp.size - want, free: true}
		sp.size = want
		remainder.node = la.tree.insert(remainder)
		la.addr.insert(&addrEntry{base: remainder.base, sp: remainder})
	}
	return sp.base
}

// Free releases a pointer previously returned by Allocate.
func (la *LibAlloc) Free(v hal.VirtAddr) {
	la.mu.Lock()
	defer la.mu.Unlock()

	e := la.addr.containing(v)
	kpanic.Assert(e != nil, "liballoc: free of unowned pointer %v", v)

	if e.slab != nil {
		e.slab.release(e.slab.indexOf(v))
		return
	}
	la.freeCoarse(e.sp)
}

func (la *LibAlloc) freeCoarse(sp *span) {
	kpanic.Assert(!sp.free, "liballoc: double free of span at %v", sp.base)
	la.addr.remove(sp.base)

	if right := la.addr.exact(sp.base.Add(sp.size)); right != nil && right.sp != nil && right.sp.free {
		la.tree.delete(right.sp.node)
		la.addr.remove(right.base)
		sp.size += right.sp.size
	}
	if sp.base > 0 {
		if left := la.addr.floor(sp.base - 1); left != nil && left.sp != nil && left.sp.free && left.end() == sp.base {
			la.tree.delete(left.sp.node)
			la.addr.remove(left.base)
			sp.base = left.base
			sp.size += left.sp.size
		}
	}
	sp.free = true
	sp.node = la.tree.insert(sp)
	la.addr.insert(&addrEntry{base: sp.base, sp: sp})
}

// IsValidPointer reports whether v is the address of a currently-live
// allocation (as opposed to free heap space or outside the heap entirely).
func (la *LibAlloc) IsValidPointer(v hal.VirtAddr) bool {
	la.mu.Lock()
	defer la.mu.Unlock()

	e := la.addr.containing(v)
	if e == nil {
		return false
	}
	if e.slab != nil {
		obj := e.slab.indexOf(v)
		return obj < e.slab.capacity && v == e.slab.addrOf(obj) && e.slab.pos[obj] < e.slab.freeIndex
	}
	return !e.sp.free && v == e.sp.base
}

// Block describes one currently-live allocation for internal/diag's heap
// profile dump.
type Block struct {
	Addr  hal.VirtAddr
	Size  uint64
	Class string // e.g. "slab-32" or "coarse"
}

// LiveBlocks snapshots every currently-allocated block in the heap. It
// walks the same address index Free/IsValidPointer use, so the result is
// exact as of the moment it's taken, not a sampled estimate.
func (la *LibAlloc) LiveBlocks() []Block {
	la.mu.Lock()
	defer la.mu.Unlock()

	var blocks []Block
	la.addr.t.Ascend(func(e *addrEntry) bool {
		switch {
		case e.slab != nil:
			inst := e.slab
			class := "slab-" + strconv.FormatUint(uint64(inst.objSize), 10)
			for slot := uint32(0); slot < inst.freeIndex; slot++ {
				obj := inst.order[slot]
				blocks = append(blocks, Block{Addr: inst.addrOf(obj), Size: uint64(inst.objSize), Class: class})
			}
		case e.sp != nil && !e.sp.free:
			blocks = append(blocks, Block{Addr: e.sp.base, Size: e.sp.size, Class: "coarse"})
		}
		return true
	})
	return blocks
}

// Stats reports current heap occupancy for internal/diag.
func (la *LibAlloc) Stats() Stats {
	la.mu.Lock()
	defer la.mu.Unlock()

	var s Stats
	for _, c := range la.classes {
		for _, inst := range c.instances {
			s.SlabBytesTotal += uint64(inst.capacity) * uint64(inst.objSize)
			s.SlabBytesInUse += uint64(inst.freeIndex) * uint64(inst.objSize)
		}
	}
	s.CoarseBytesTotal = la.coarseBytesLive
	s.FreeSpanCount = la.tree.count
	var free uint64
	la.addr.t.Ascend(func(e *addrEntry) bool {
		if e.sp != nil && e.sp.free {
			free += e.sp.size
		}
		return true
	})
	s.CoarseBytesInUse = la.coarseBytesLive - free
	return s
}
