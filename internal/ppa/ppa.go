package ppa

import (
	"sync"
	"sync/atomic"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/kpanic"
)

// Allocator is the Physical Page Allocator: one Range per usable firmware
// memory extent, shared allocate/free logic across them (spec.md §4.1).
//
// Unlike the teacher's mem.Physmem (a package-level global), Allocator
// takes no global state: callers construct one and pass it explicitly,
// which is what lets tests run several independent allocators
// side-by-side.
type Allocator struct {
	hal    hal.HAL
	ranges []*Range
	nproc  int
}

// RawRange is one firmware-reported usable physical extent, input to Init.
type RawRange struct {
	Start, End hal.PhysAddr
}

// RequiredScratchSize is a pure function of a range's size and the
// processor count, matching spec.md §4.1's "the required buffer size per
// range is computable as a pure function of the range size and the
// processor count." It is exposed for callers that want to pre-size a
// static buffer even though Init itself (like the teacher's Phys_init)
// allocates its own backing storage through make() — see DESIGN.md.
func RequiredScratchSize(rangeBytes uint64, processorCount int) uint64 {
	bigCount := rangeBytes / hal.BigPageSize
	// reverse map: 8 bytes/big page; per-buffer backing arrays: at most
	// bigCount entries total across all buffers, 4 bytes each; localInfo:
	// ~16 bytes/processor; subpools are allocated lazily and are not
	// included in the worst-case-resident estimate.
	return bigCount*8 + bigCount*4 + uint64(processorCount)*16
}

// New constructs an Allocator for the given HAL. Call Init to populate it.
func New(h hal.HAL) *Allocator {
	return &Allocator{hal: h, nproc: h.ProcessorCount()}
}

// Init builds one Range allocator per input range (spec.md §4.1 "init").
// Every big page in every range starts in the global pool, fully free.
func (a *Allocator) Init(raw []RawRange) {
	a.ranges = make([]*Range, 0, len(raw))
	for _, rr := range raw {
		size := uint64(rr.End) - uint64(rr.Start)
		bigCount := uint32(size / hal.BigPageSize)

		r := &Range{
			start:     rr.Start,
			end:       rr.End,
			bigCount:  bigCount,
			buffers:   make([][]uint32, a.nproc+1),
			localMu:   make([]sync.Mutex, a.nproc),
			localInfo: make([]paddedLocalInfo, a.nproc),
			reverse:   make([]reverseEntry, bigCount),
			subpools:  make([]*subpool, bigCount),
		}
		global := make([]uint32, bigCount)
		for i := uint32(0); i < bigCount; i++ {
			global[i] = i
			r.reverse[i] = reverseEntry{bufferID: globalBuffer, poolIndex: i}
		}
		r.buffers[globalBuffer] = global
		for p := 0; p < a.nproc; p++ {
			r.buffers[p+1] = make([]uint32, 0)
		}
		a.ranges = append(a.ranges, r)
	}
}

func (a *Allocator) rangeContaining(p hal.PhysAddr) *Range {
	for _, r := range a.ranges {
		if r.contains(p) {
			return r
		}
	}
	return nil
}

// ReservePhysicalRange marks every small frame in [rr.Start, rr.End) as
// allocated before normal operation begins (spec.md §4.1). Big pages
// wholly contained in the range are reserved in one shot; the partial big
// pages straddling either edge are reserved small-page by small-page (the
// "reserve overlap" step named in spec.md §8's boundary behaviors).
func (a *Allocator) ReservePhysicalRange(rr RawRange) {
	r := a.rangeContaining(rr.Start)
	kpanic.Assert(r != nil, "ppa: reserve range %v not covered by any range", rr.Start)
	pid := a.hal.CurrentProcessorID()

	cur := rr.Start
	for cur < rr.End {
		big := r.bigIndexOf(cur)
		bigBase := r.bigPageAddr(big)
		bigEnd := bigBase.Add(hal.BigPageSize)
		if cur == bigBase && rr.End >= bigEnd {
			r.reserveBigPage(big, pid)
			cur = bigEnd
			continue
		}
		small := uint16((uint64(cur) - uint64(bigBase)) / hal.SmallPageSize)
		r.reserveSmallPage(big, small, pid)
		cur = cur.Add(hal.SmallPageSize)
	}
}

// AllocateSmallPage acquires the current processor's lock, tries each
// range in order (local pool, then global steal), and returns nil (ok=false)
// if every range is exhausted.
func (a *Allocator) AllocateSmallPage() (hal.PhysAddr, bool) {
	pid := a.hal.CurrentProcessorID()
	for _, r := range a.ranges {
		if p, ok := r.allocateSmall(pid); ok {
			return p, true
		}
	}
	return 0, false
}

// AllocateBigPage is AllocateSmallPage's BIG-granularity counterpart.
func (a *Allocator) AllocateBigPage() (hal.PhysAddr, bool) {
	pid := a.hal.CurrentProcessorID()
	for _, r := range a.ranges {
		if p, ok := r.allocateBig(pid); ok {
			return p, true
		}
	}
	return 0, false
}

// FreeSmallPage resolves which range contains p, looks up the current
// owner (Range.owner reads the reverse map's buffer id with an atomic
// load, since no lock is held at that point), and returns the frame to
// that processor's pool.
//
// The teacher's freeLocalSmallPage/freeLocalBigPage scan every range
// without returning on the first match (spec.md §9 Open Questions); this
// implementation returns on first match and panics if no range claims p.
func (a *Allocator) FreeSmallPage(p hal.PhysAddr) {
	r := a.rangeContaining(p)
	kpanic.Assert(r != nil, "ppa: free of out-of-range pointer %v", p)
	big := r.bigIndexOf(p)
	small := uint16((uint64(p) - uint64(r.bigPageAddr(big))) / hal.SmallPageSize)
	owner, ok := r.owner(big)
	kpanic.Assert(ok, "ppa: free of small page %v owned by nobody (global pool)", p)
	r.freeSmallLocal(owner, big, small)
	a.TryDonatePagesIfNecessary(owner)
}

// FreeBigPage is FreeSmallPage's BIG-granularity counterpart.
func (a *Allocator) FreeBigPage(p hal.PhysAddr) {
	r := a.rangeContaining(p)
	kpanic.Assert(r != nil, "ppa: free of out-of-range pointer %v", p)
	big := r.bigIndexOf(p)
	owner, ok := r.owner(big)
	kpanic.Assert(ok, "ppa: free of big page %v owned by nobody (global pool)", p)
	r.freeBigLocal(owner, big)
	a.TryDonatePagesIfNecessary(owner)
}

// FreeLocalSmallPage is the optimized path for when the caller guarantees
// p came from the current processor's own pool.
func (a *Allocator) FreeLocalSmallPage(p hal.PhysAddr) {
	pid := a.hal.CurrentProcessorID()
	r := a.rangeContaining(p)
	kpanic.Assert(r != nil, "ppa: free of out-of-range pointer %v", p)
	big := r.bigIndexOf(p)
	small := uint16((uint64(p) - uint64(r.bigPageAddr(big))) / hal.SmallPageSize)
	r.freeSmallLocal(pid, big, small)
	a.TryDonatePagesIfNecessary(pid)
}

// FreeLocalBigPage is FreeLocalSmallPage's BIG-granularity counterpart.
func (a *Allocator) FreeLocalBigPage(p hal.PhysAddr) {
	pid := a.hal.CurrentProcessorID()
	r := a.rangeContaining(p)
	kpanic.Assert(r != nil, "ppa: free of out-of-range pointer %v", p)
	big := r.bigIndexOf(p)
	r.freeBigLocal(pid, big)
	a.TryDonatePagesIfNecessary(pid)
}

// FreePages is the bulk form of FreeSmallPage/FreeBigPage.
func (a *Allocator) FreePages(small []hal.PhysAddr, big []hal.PhysAddr) {
	for _, p := range small {
		a.FreeSmallPage(p)
	}
	for _, p := range big {
		a.FreeBigPage(p)
	}
}

// FreeLocalPages is the bulk form of FreeLocalSmallPage/FreeLocalBigPage.
func (a *Allocator) FreeLocalPages(small []hal.PhysAddr, big []hal.PhysAddr) {
	for _, p := range small {
		a.FreeLocalSmallPage(p)
	}
	for _, p := range big {
		a.FreeLocalBigPage(p)
	}
}

// TryDonatePagesIfNecessary is the current-processor donation hook invoked
// after every free. spec.md §9 notes the original is a stub reserved for
// future load balancing; this keeps it a no-op hook for the same reason.
func (a *Allocator) TryDonatePagesIfNecessary(pid hal.ProcessorID) {
	_ = pid
}

// useUpSmallPolicy picks USE_UP_SMALL vs PREFER_BIG for AllocatePages, following
// spec.md §4.1's threshold verbatim.
func (a *Allocator) useUpSmallPolicy() bool {
	var freeSmallInPartial uint32
	for _, r := range a.ranges {
		for p := 0; p < a.nproc; p++ {
			freeSmallInPartial += atomic.LoadUint32(&r.localInfo[p].freeSmallPagesInPartialAllocs)
		}
	}
	threshold := uint32(4 * hal.SmallPagesPerBig * len(a.ranges))
	return freeSmallInPartial > threshold
}

// AllocatePages performs the bulk allocation described in spec.md §4.1: it
// picks USE_UP_SMALL or PREFER_BIG depending on how much free small-page
// capacity is already sitting inside partially-used big pages, then drives
// AllocateSmallPage/AllocateBigPage to satisfy requestedBytes exactly.
func (a *Allocator) AllocatePages(requestedBytes uint64) (small []hal.PhysAddr, big []hal.PhysAddr, ok bool) {
	totalSmall := (requestedBytes + hal.SmallPageSize - 1) / hal.SmallPageSize

	rollback := func() {
		a.FreePages(small, big)
		small, big = nil, nil
	}

	if a.useUpSmallPolicy() {
		remaining := totalSmall
		for remaining > 0 && remaining%hal.SmallPagesPerBig != 0 {
			p, allocated := a.AllocateSmallPage()
			if !allocated {
				rollback()
				return nil, nil, false
			}
			small = append(small, p)
			remaining--
		}
		for remaining >= hal.SmallPagesPerBig {
			p, allocated := a.AllocateBigPage()
			if !allocated {
				rollback()
				return nil, nil, false
			}
			big = append(big, p)
			remaining -= hal.SmallPagesPerBig
		}
	} else {
		remaining := totalSmall
		for remaining >= hal.SmallPagesPerBig {
			p, allocated := a.AllocateBigPage()
			if !allocated {
				rollback()
				return nil, nil, false
			}
			big = append(big, p)
			remaining -= hal.SmallPagesPerBig
		}
		for remaining > 0 {
			p, allocated := a.AllocateSmallPage()
			if !allocated {
				rollback()
				return nil, nil, false
			}
			small = append(small, p)
			remaining--
		}
	}
	return small, big, true
}

// GetFreeLocalSmallPages reports, for scenario S1's round-trip assertion,
// how many small pages processor pid could currently hand out without
// touching another processor's pool or the global pool: the free small
// pages sitting in its partially-used big pages, plus SmallPagesPerBig for
// every big page it owns outright in the free zone.
func (a *Allocator) GetFreeLocalSmallPages(pid hal.ProcessorID) uint64 {
	var total uint64
	for _, r := range a.ranges {
		info := &r.localInfo[pid]
		total += uint64(info.freeSmallPagesInPartialAllocs)
		total += uint64(len(r.buffers[pid+1])-int(info.freeBottom)) * hal.SmallPagesPerBig
	}
	return total
}

// GetFreeLocalBigPages reports how many whole big pages processor pid
// could hand out from its own free zone right now.
func (a *Allocator) GetFreeLocalBigPages(pid hal.ProcessorID) uint64 {
	var total uint64
	for _, r := range a.ranges {
		info := &r.localInfo[pid]
		total += uint64(len(r.buffers[pid+1]) - int(info.freeBottom))
	}
	return total
}

// ProcessorCount exposes the processor count Init sized every per-range
// buffer and lock slice to, for internal/diag's per-processor reporting.
func (a *Allocator) ProcessorCount() int { return a.nproc }

// GetFreeGlobalBigPages reports how many big pages currently sit in the
// shared global pool, unclaimed by any processor.
func (a *Allocator) GetFreeGlobalBigPages() uint64 {
	var total uint64
	for _, r := range a.ranges {
		r.mu.Lock()
		total += uint64(len(r.buffers[globalBuffer]))
		r.mu.Unlock()
	}
	return total
}
