package ptm

import (
	"sync/atomic"

	"github.com/sm5ve/crocos-mm/internal/hal"
)

// reservePool is the Reserve Pool (spec.md §4.2): a bounded ring of
// pre-fetched physical frames so that growing the PTM window's hot path
// does not have to call into the PPA. It is refilled lazily up to
// hal.ReservePoolDefaultFill whenever occupancy drops below
// hal.ReservePoolLazyFillThreshold.
type reservePool struct {
	frames *ring[hal.PhysAddr]
}

func newReservePool() *reservePool {
	return &reservePool{frames: newRing[hal.PhysAddr](hal.ReservePoolSize)}
}

// take returns a pre-fetched frame, or false if the pool is currently dry
// (caller must fall back to a direct PPA allocation).
func (p *reservePool) take() (hal.PhysAddr, bool) {
	if p.frames.empty() {
		return 0, false
	}
	seq := p.frames.peekReadHead()
	f := *p.frames.slot(seq)
	if !p.frames.advanceReadHead(seq) {
		return 0, false
	}
	return f, true
}

// refillIfLow tops the pool back up to the default fill level whenever its
// occupancy has dropped below the lazy-fill threshold.
func (p *reservePool) refillIfLow(src PageSource) {
	if p.frames.occupied() >= hal.ReservePoolLazyFillThreshold {
		return
	}
	for p.frames.occupied() < hal.ReservePoolDefaultFill {
		seq, ok := p.frames.reserve()
		if !ok {
			return
		}
		f, ok := src.AllocateSmallPage()
		if !ok {
			return
		}
		*p.frames.slot(seq) = f
		p.frames.publish(seq)
	}
}

// pendingFree is one Free-Overflow Pool record (spec.md §4.2): a frame
// that has been unmapped but cannot be returned to the PPA until every
// processor named in toProcess has acknowledged the TLB shootdown for it.
type pendingFree struct {
	phys      hal.PhysAddr
	toProcess uint64 // bitmap over processor IDs 0-63; hal.MaxProcessorCount is wider, and overflowPool.process clears no bit for an ID of 64 or more
}

// overflowPool is the Free-Overflow Pool: frames wait here, gated by a
// per-processor acknowledgment bitmap, until it is safe to hand them back
// to the PPA.
type overflowPool struct {
	entries *ring[pendingFree]
}

func newOverflowPool() *overflowPool {
	return &overflowPool{entries: newRing[pendingFree](hal.FreeOverflowPoolSize)}
}

// push enqueues a freed frame awaiting shootdown acknowledgment from every
// processor in allProcessors (a bitmap of currently online processor IDs).
func (p *overflowPool) push(phys hal.PhysAddr, allProcessors uint64) bool {
	seq, ok := p.entries.reserve()
	if !ok {
		return false
	}
	*p.entries.slot(seq) = pendingFree{phys: phys, toProcess: allProcessors}
	p.entries.publish(seq)
	return true
}

// process clears pid's bit from every outstanding entry and drains
// (returning to src) any entry at the head whose bitmap has reached zero,
// stopping at the first entry still awaiting other processors so that FIFO
// order among genuinely-pending frees is preserved.
func (p *overflowPool) process(pid hal.ProcessorID, src PageSource) {
	bit := uint64(1) << uint(pid)
	limit := atomic.LoadUint64(&p.entries.writtenLimit)
	for seq := p.entries.peekReadHead(); seq < limit; seq++ {
		p.entries.slot(seq).toProcess &^= bit
	}
	for !p.entries.empty() {
		seq := p.entries.peekReadHead()
		e := p.entries.slot(seq)
		if e.toProcess != 0 {
			return
		}
		if !p.entries.advanceReadHead(seq) {
			return
		}
		src.FreeSmallPage(e.phys)
	}
}
