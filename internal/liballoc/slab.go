package liballoc

import "github.com/sm5ve/crocos-mm/internal/hal"

// sizeClasses are the fixed slab object sizes (spec.md §4.3); anything
// larger is served by the coarse allocator directly.
var sizeClasses = [...]uint32{8, 16, 32, 64, 96, 128, 256, 512}

func classFor(n uint64) (uint32, int, bool) {
	for i, c := range sizeClasses {
		if n <= uint64(c) {
			return c, i, true
		}
	}
	return 0, 0, false
}

// slabInstance is one page-backed slab: objSize-byte objects carved out of
// a single small page, with free-object bookkeeping via the same
// order/pos parallel-array technique internal/ppa's subpool uses for
// small-page slots within a big page (same shape: O(1) allocate, O(1)
// free-by-index, no free-list pointers threaded through the objects
// themselves, which matters here since this allocator never dereferences
// the memory it hands out).
type slabInstance struct {
	base      hal.VirtAddr
	objSize   uint32
	capacity  uint32
	order     []uint32
	pos       []uint32
	freeIndex uint32
}

func newSlabInstance(base hal.VirtAddr, objSize uint32) *slabInstance {
	capacity := uint32(hal.SmallPageSize) / objSize
	s := &slabInstance{base: base, objSize: objSize, capacity: capacity}
	s.order = make([]uint32, capacity)
	s.pos = make([]uint32, capacity)
	for i := uint32(0); i < capacity; i++ {
		s.order[i] = i
		s.pos[i] = i
	}
	return s
}

func (s *slabInstance) full() bool  { return s.freeIndex == s.capacity }
func (s *slabInstance) empty() bool { return s.freeIndex == 0 }

func (s *slabInstance) allocate() (uint32, bool) {
	if s.full() {
		return 0, false
	}
	obj := s.order[s.freeIndex]
	s.freeIndex++
	return obj, true
}

func (s *slabInstance) release(obj uint32) {
	slot := s.pos[obj]
	last := s.freeIndex - 1
	lastObj := s.order[last]
	s.order[slot], s.order[last] = s.order[last], s.order[slot]
	s.pos[obj], s.pos[lastObj] = last, slot
	s.freeIndex = last
}

func (s *slabInstance) addrOf(obj uint32) hal.VirtAddr {
	return s.base.Add(uint64(obj) * uint64(s.objSize))
}

func (s *slabInstance) indexOf(v hal.VirtAddr) uint32 {
	return uint32((uint64(v) - uint64(s.base)) / uint64(s.objSize))
}

// slabClass owns every live slabInstance for one size class: a partial
// list is checked first, falling back to growing a fresh page-backed slab
// when every existing instance is full.
type slabClass struct {
	objSize  uint32
	instances []*slabInstance
	// partialHint is the index of an instance known to have free capacity,
	// an O(1) fast path that avoids scanning instances on the hot path;
	// it is only a hint and is re-validated before use.
	partialHint int
}

func newSlabClass(objSize uint32) *slabClass {
	return &slabClass{objSize: objSize, partialHint: -1}
}

func (c *slabClass) findPartial() *slabInstance {
	if c.partialHint >= 0 && c.partialHint < len(c.instances) && !c.instances[c.partialHint].full() {
		return c.instances[c.partialHint]
	}
	for i, inst := range c.instances {
		if !inst.full() {
			c.partialHint = i
			return inst
		}
	}
	return nil
}
