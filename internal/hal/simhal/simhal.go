// Package simhal is a host-runnable hal.HAL used by every test in this
// repository (spec.md §8 scenarios S1-S6 all run under simhal). The kernel
// itself pins a physical CPU to a logical control flow (runtime.CPUHint in
// the teacher); a hosted Go runtime has no equivalent CPU-pinning
// primitive, so simhal hands each simulated processor its own hal.HAL view
// via ForProcessor(pid) instead. A test that plays the role of CPU pid
// calls ForProcessor(pid) once and uses the returned hal.HAL for every call
// it makes into ppa/ptm/liballoc. This is the one deliberate host/kernel
// divergence, recorded in SPEC_FULL.md and DESIGN.md.
package simhal

import (
	"sync/atomic"

	"github.com/sm5ve/crocos-mm/internal/hal"
)

// SimHAL is a hal.HAL implementation over a fixed simulated processor
// count.
type SimHAL struct {
	nprocs    int
	flushLog  []flushEvent
	flushMu   atomic.Bool // CAS spinlock guarding flushLog
	invlpgCnt int64
}

type flushEvent struct {
	kind string
	addr hal.VirtAddr
	pcid uint32
}

// New returns a SimHAL simulating nprocs logical processors.
func New(nprocs int) *SimHAL {
	if nprocs <= 0 {
		nprocs = 1
	}
	return &SimHAL{nprocs: nprocs}
}

// procView is the hal.HAL handed to the goroutine simulating processor pid;
// every method but CurrentProcessorID delegates to the shared SimHAL.
type procView struct {
	*SimHAL
	pid hal.ProcessorID
}

func (p *procView) CurrentProcessorID() hal.ProcessorID { return p.pid }

// ForProcessor returns the hal.HAL a goroutine simulating processor pid
// should use for every call into the memory-management core.
func (s *SimHAL) ForProcessor(pid hal.ProcessorID) hal.HAL {
	return &procView{SimHAL: s, pid: pid}
}

// CurrentProcessorID reports processor 0; callers that need another
// simulated processor's identity should go through ForProcessor instead.
func (s *SimHAL) CurrentProcessorID() hal.ProcessorID { return 0 }

func (s *SimHAL) ProcessorCount() int { return s.nprocs }

func (s *SimHAL) CAS32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}

func (s *SimHAL) CAS64(addr *uint64, old, new uint64) bool {
	return atomic.CompareAndSwapUint64(addr, old, new)
}

func (s *SimHAL) FetchAndAnd32(addr *uint32, mask uint32) uint32 {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&mask) {
			return old
		}
	}
}

func (s *SimHAL) FetchAndAnd64(addr *uint64, mask uint64) uint64 {
	for {
		old := atomic.LoadUint64(addr)
		if atomic.CompareAndSwapUint64(addr, old, old&mask) {
			return old
		}
	}
}

func (s *SimHAL) MemoryFence()   {}
func (s *SimHAL) CompilerFence() {}

func (s *SimHAL) Invlpg(v hal.VirtAddr) {
	atomic.AddInt64(&s.invlpgCnt, 1)
	s.recordFlush(flushEvent{kind: "invlpg", addr: v})
}

func (s *SimHAL) Invltlb(global bool) {
	kind := "invltlb"
	if global {
		kind = "invltlb_global"
	}
	s.recordFlush(flushEvent{kind: kind})
}

func (s *SimHAL) Invlpcid(pcid uint32) {
	s.recordFlush(flushEvent{kind: "invlpcid", pcid: pcid})
}

func (s *SimHAL) CacheLineSize() int { return 64 }

// InvlpgCount returns how many Invlpg calls have been observed, for tests
// that assert on TLB-shootdown behavior (S5).
func (s *SimHAL) InvlpgCount() int64 { return atomic.LoadInt64(&s.invlpgCnt) }

func (s *SimHAL) recordFlush(e flushEvent) {
	for !s.flushMu.CompareAndSwap(false, true) {
	}
	s.flushLog = append(s.flushLog, e)
	s.flushMu.Store(false)
}

var _ hal.HAL = (*SimHAL)(nil)
