package ptm

import (
	"sync/atomic"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/kpanic"
)

const noProcessor = ^uint32(0)

// FlushPlanner batches pending TLB invalidations so a bulk map/unmap call
// does not issue one invlpg per page: PushFlushPlanner opens a new
// collection scope, PopFlushPlanner replays it, collapsing to a single
// Invltlb once the batch grows past flushCollapseThreshold entries
// (spec.md §4.2's FlushPlanner stack).
type FlushPlanner struct {
	addrs []hal.VirtAddr
	full  bool
}

const flushCollapseThreshold = 64

func (f *FlushPlanner) note(v hal.VirtAddr) {
	if f.full {
		return
	}
	f.addrs = append(f.addrs, v)
	if len(f.addrs) > flushCollapseThreshold {
		f.full = true
		f.addrs = nil
	}
}

// PTM is the top-level Page Table Manager: the self-hosted window plus
// the reserve/overflow pools that keep its hot allocate/free path off the
// PPA, and the per-processor installed-structure and flush-planner state.
type PTM struct {
	h   hal.HAL
	src PageSource

	window   *window // hierarchical directory/leaf tables, addressed positionally
	supplWin *window // flat supplementary-record pool, addressed via its POR/free-list
	reserve  *reservePool
	overflow *overflowPool

	installed []atomic.Uint32 // per processor: window index of active CompositeHandle root
	planners  [][]*FlushPlanner
}

// New builds an empty PTM bound to src for frame acquisition/release and h
// for the CAS/fence/TLB primitives its tables and rings are built from.
func New(h hal.HAL, src PageSource) *PTM {
	p := &PTM{
		h:         h,
		src:       src,
		window:    newWindow(hal.ReservePoolSize),
		supplWin:  newWindow(hal.ReservePoolSize),
		reserve:   newReservePool(),
		overflow:  newOverflowPool(),
		installed: make([]atomic.Uint32, hal.MaxProcessorCount),
		planners:  make([][]*FlushPlanner, hal.MaxProcessorCount),
	}
	for i := range p.installed {
		p.installed[i].Store(noProcessor)
	}
	return p
}

// RefillPools tops up the reserve pool and drains any overflow entries
// this processor can now acknowledge; callers run it periodically (e.g.
// from an idle loop) per spec.md §4.2's lazy-refill description.
func (p *PTM) RefillPools() {
	p.reserve.refillIfLow(p.src)
	p.overflow.process(p.h.CurrentProcessorID(), p.src)
}

// InstallPageStructure makes c the active top-level structure for the
// calling processor (the software analogue of loading CR3), invalidating
// that processor's entire TLB since the address space has changed wholesale.
func (p *PTM) InstallPageStructure(c *CompositeHandle) {
	pid := p.h.CurrentProcessorID()
	p.installed[pid].Store(c.root)
	p.h.Invltlb(true)
}

// GetCurrentPageStructure returns the calling processor's active
// top-level structure, or ok=false if none has been installed yet.
func (p *PTM) GetCurrentPageStructure() (root uint32, ok bool) {
	v := p.installed[p.h.CurrentProcessorID()].Load()
	if v == noProcessor {
		return 0, false
	}
	return v, true
}

// PushFlushPlanner opens a new batching scope for the calling processor:
// until the matching Pop, UnmapAddress/MapAddress overwrites accumulate
// into this planner instead of issuing an invlpg apiece.
func (p *PTM) PushFlushPlanner() {
	pid := p.h.CurrentProcessorID()
	p.planners[pid] = append(p.planners[pid], &FlushPlanner{})
}

// PopFlushPlanner closes the innermost batching scope and replays it:
// an individual invlpg per recorded address, or one Invltlb if the batch
// collapsed past its threshold.
func (p *PTM) PopFlushPlanner() {
	pid := p.h.CurrentProcessorID()
	stack := p.planners[pid]
	kpanic.Assert(len(stack) > 0, "ptm: PopFlushPlanner with no matching Push")
	f := stack[len(stack)-1]
	p.planners[pid] = stack[:len(stack)-1]

	if f.full {
		p.h.Invltlb(true)
		return
	}
	for _, v := range f.addrs {
		p.h.Invlpg(v)
	}
}

// DefaultFlushPlanner reports whether the calling processor has no open
// batching scope, i.e. noteFlush issues each invalidation immediately
// (TestS2SelfBootstrap checks this is true once a bulk operation's planner
// has been fully popped).
func (p *PTM) DefaultFlushPlanner() bool {
	return len(p.planners[p.h.CurrentProcessorID()]) == 0
}

// noteFlush routes an invalidation for v to the innermost open flush
// planner, or issues it immediately if none is open.
func (p *PTM) noteFlush(v hal.VirtAddr) {
	pid := p.h.CurrentProcessorID()
	stack := p.planners[pid]
	if len(stack) == 0 {
		p.h.Invlpg(v)
		return
	}
	stack[len(stack)-1].note(v)
}

// Invltlb, Invlpg and Invlpcid are thin pass-throughs to the HAL for
// callers that need to issue an invalidation outside of any flush-planner
// scope (spec.md §4.2's TLB operations).
func (p *PTM) Invltlb(global bool)   { p.h.Invltlb(global) }
func (p *PTM) Invlpg(v hal.VirtAddr) { p.h.Invlpg(v) }
func (p *PTM) Invlpcid(pcid uint32)  { p.h.Invlpcid(pcid) }

// supplSlotsPerTable is the number of usable entries in a supplWin table
// (index 0 is that table's own free-list header, per Table's doc comment).
const supplSlotsPerTable = hal.EntriesPerTable - 1

// AllocateSupplementaryRecord reserves one slot from the supplementary-
// record pool and stores payload in it, returning a flat index that fits
// in the 12-bit supplementaryIndex field a leaf entry's withHasSupplementary
// / withSupplementaryIndex can carry (spec.md §4.2's per-entry metadata
// extension point).
func (p *PTM) AllocateSupplementaryRecord(payload uint64) uint32 {
	ti, slot := p.supplWin.allocEntry(p.h, p.src)
	p.supplWin.table(ti).store(slot, entry(payload))
	return ti*supplSlotsPerTable + (slot - 1)
}

func (p *PTM) supplLocation(flatIdx uint32) (table, slot uint32) {
	return flatIdx / supplSlotsPerTable, flatIdx%supplSlotsPerTable + 1
}

// GetSupplementaryRecord reads back the payload stored at flatIdx.
func (p *PTM) GetSupplementaryRecord(flatIdx uint32) uint64 {
	ti, slot := p.supplLocation(flatIdx)
	return uint64(p.supplWin.table(ti).load(slot))
}

// FreeSupplementaryRecord returns flatIdx's slot to the pool.
func (p *PTM) FreeSupplementaryRecord(flatIdx uint32) {
	ti, slot := p.supplLocation(flatIdx)
	p.supplWin.freeEntry(p.h, ti, slot)
}

// LivePageCount returns the number of window table pages currently
// registered, including reclaimed-but-not-yet-reused ones, for
// diagnostics (internal/diag).
func (p *PTM) LivePageCount() int { return len(p.window.tables) }
