package ptm

import (
	"testing"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/hal/simhal"
	"github.com/sm5ve/crocos-mm/internal/ppa"
)

func newTestPTM(t *testing.T, nprocs int) (*PTM, *ppa.Allocator, hal.HAL) {
	t.Helper()
	sh := simhal.New(nprocs)
	h := sh.ForProcessor(0)
	a := ppa.New(h)
	a.Init([]ppa.RawRange{{Start: 0, End: 256 * hal.BigPageSize}})
	return New(h, a), a, h
}

// TestS2SelfBootstrap implements spec.md §8 scenario S2: mapping enough
// pages to force the window to grow several internal tables, then
// unmapping all of them, and expecting the POR to have drained back to
// empty (its read head caught up with its written limit).
func TestS2SelfBootstrap(t *testing.T) {
	p, _, _ := newTestPTM(t, 1)
	c := p.MakeCompositePageStructure()
	p.InstallPageStructure(c)

	const n = 2000
	virts := make([]hal.VirtAddr, n)
	for i := 0; i < n; i++ {
		virts[i] = hal.VirtAddr(uint64(i+1) * hal.SmallPageSize)
		p.MapAddress(c.Handle, virts[i], hal.PhysAddr(uint64(i)*hal.SmallPageSize), hal.Small, hal.PermRead|hal.PermWrite, hal.FullyCached)
	}
	for _, v := range virts {
		if !p.IsPagePresent(c.Handle, v) {
			t.Fatalf("page %v not present after map", v)
		}
	}

	p.PushFlushPlanner()
	for _, v := range virts {
		sz, ok := p.UnmapAddress(c.Handle, v)
		if !ok || sz != hal.Small {
			t.Fatalf("unmap of %v failed", v)
		}
	}
	p.PopFlushPlanner()

	if !p.DefaultFlushPlanner() {
		t.Fatal("flush planner stack not empty after Pop")
	}
	for _, v := range virts {
		if p.IsPagePresent(c.Handle, v) {
			t.Fatalf("page %v still present after unmap", v)
		}
	}
	if !p.window.drained() {
		t.Fatal("POR did not drain back to empty")
	}
}

func TestMapAddressBigPage(t *testing.T) {
	p, _, _ := newTestPTM(t, 1)
	c := p.MakeCompositePageStructure()

	v := hal.VirtAddr(4 * hal.BigPageSize)
	p.MapAddress(c.Handle, v, 0, hal.Big, hal.PermRead, hal.FullyCached)

	sz, ok := p.GetPageSize(c.Handle, v)
	if !ok || sz != hal.Big {
		t.Fatalf("expected big page at %v, got size=%v ok=%v", v, sz, ok)
	}
	perms, ok := p.GetPagePermissions(c.Handle, v)
	if !ok || perms != hal.PermRead {
		t.Fatalf("unexpected perms %v", perms)
	}
}

func TestAddRemoveStructureFromComposite(t *testing.T) {
	p, _, _ := newTestPTM(t, 1)
	c := p.MakeCompositePageStructure()
	part := p.MakePartialPageStructure()

	v := hal.VirtAddr(hal.TopLevelStride * 3)
	p.MapAddress(part, v, 0x1000, hal.Small, hal.PermRead, hal.FullyCached)

	p.AddStructureToComposite(c, v, part)
	if !p.IsPagePresent(c.Handle, v) {
		t.Fatal("grafted structure's mapping not visible through composite")
	}

	back, ok := p.RemoveStructureFromComposite(c, v)
	if !ok || back.root != part.root {
		t.Fatal("RemoveStructureFromComposite did not return the grafted handle")
	}
	if p.IsPagePresent(c.Handle, v) {
		t.Fatal("mapping still visible after removing its structure")
	}
}

// TestFlushPlannerCollapsesToFullFlush exercises the threshold at which a
// batched unmap collapses into a single global Invltlb rather than one
// Invlpg per page.
func TestFlushPlannerCollapsesToFullFlush(t *testing.T) {
	sh := simhal.New(1)
	h := sh.ForProcessor(0)
	a := ppa.New(h)
	a.Init([]ppa.RawRange{{Start: 0, End: 256 * hal.BigPageSize}})
	p := New(h, a)
	c := p.MakeCompositePageStructure()

	n := flushCollapseThreshold + 10
	for i := 0; i < n; i++ {
		v := hal.VirtAddr(uint64(i+1) * hal.SmallPageSize)
		p.MapAddress(c.Handle, v, hal.PhysAddr(uint64(i)*hal.SmallPageSize), hal.Small, hal.PermRead, hal.FullyCached)
	}

	p.PushFlushPlanner()
	for i := 0; i < n; i++ {
		p.UnmapAddress(c.Handle, hal.VirtAddr(uint64(i+1)*hal.SmallPageSize))
	}
	before := sh.InvlpgCount()
	p.PopFlushPlanner()
	after := sh.InvlpgCount()
	if after != before {
		t.Fatalf("expected collapsed flush to issue zero invlpg calls, issued %d", after-before)
	}
}

func TestPageSupplementaryRoundTrip(t *testing.T) {
	p, _, _ := newTestPTM(t, 1)
	c := p.MakeCompositePageStructure()
	v := hal.VirtAddr(hal.SmallPageSize)
	p.MapAddress(c.Handle, v, 0x2000, hal.Small, hal.PermRead, hal.FullyCached)

	if !p.SetPageSupplementary(c.Handle, v, 0xcafef00d) {
		t.Fatal("SetPageSupplementary failed")
	}
	got, ok := p.GetPageSupplementary(c.Handle, v)
	if !ok || got != 0xcafef00d {
		t.Fatalf("supplementary payload round trip failed: got=%x ok=%v", got, ok)
	}
	if !p.ClearPageSupplementary(c.Handle, v) {
		t.Fatal("ClearPageSupplementary failed")
	}
	if _, ok := p.GetPageSupplementary(c.Handle, v); ok {
		t.Fatal("supplementary payload still present after clear")
	}
}

func TestReservePoolRefillAndOverflowDrain(t *testing.T) {
	p, a, h := newTestPTM(t, 1)
	p.RefillPools()
	if p.reserve.frames.occupied() == 0 {
		t.Fatal("reserve pool did not refill")
	}

	phys, ok := a.AllocateSmallPage()
	if !ok {
		t.Fatal("allocate failed")
	}
	pid := h.CurrentProcessorID()
	if !p.overflow.push(phys, 1<<uint(pid)) {
		t.Fatal("overflow push failed")
	}
	p.overflow.process(pid, a)
	if !p.overflow.entries.empty() {
		t.Fatal("overflow entry not drained once its only processor acknowledged")
	}
}
