package liballoc

import (
	"testing"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/hal/simhal"
	"github.com/sm5ve/crocos-mm/internal/ppa"
	"github.com/sm5ve/crocos-mm/internal/ptm"
)

func newTestHeap(t *testing.T) *LibAlloc {
	t.Helper()
	h := simhal.New(1).ForProcessor(0)
	a := ppa.New(h)
	a.Init([]ppa.RawRange{{Start: 0, End: 1024 * hal.BigPageSize}})
	mm := ptm.New(h, a)
	c := mm.MakeCompositePageStructure()
	return New(h, mm, c.Handle, a, hal.VirtAddr(0x1000_0000))
}

func TestSlabRoundTrip(t *testing.T) {
	la := newTestHeap(t)
	var got []hal.VirtAddr
	for i := 0; i < 600; i++ { // spans several slab pages for the 8-byte class
		v, ok := la.Allocate(8)
		if !ok {
			t.Fatalf("allocate %d failed", i)
		}
		if !la.IsValidPointer(v) {
			t.Fatalf("freshly allocated pointer %v not reported valid", v)
		}
		got = append(got, v)
	}
	seen := map[hal.VirtAddr]bool{}
	for _, v := range got {
		if seen[v] {
			t.Fatalf("duplicate address %v handed out", v)
		}
		seen[v] = true
	}
	for _, v := range got {
		la.Free(v)
	}
	for _, v := range got {
		if la.IsValidPointer(v) {
			t.Fatalf("pointer %v still valid after free", v)
		}
	}
}

// TestCoarseFragmentationRecoversOnFree implements spec.md §8 scenario S3:
// allocate many coarse blocks, free every other one (fragmenting the
// heap), then free the rest and confirm a request as large as the whole
// arena succeeds, which is only possible if freed neighbors coalesced
// back together.
func TestCoarseFragmentationRecoversOnFree(t *testing.T) {
	la := newTestHeap(t)
	const n = 64
	const blockSize = 1024
	var blocks []hal.VirtAddr
	for i := 0; i < n; i++ {
		v, ok := la.Allocate(blockSize)
		if !ok {
			t.Fatalf("allocate %d failed", i)
		}
		blocks = append(blocks, v)
	}

	for i := 0; i < n; i += 2 {
		la.Free(blocks[i])
	}
	for i := 1; i < n; i += 2 {
		la.Free(blocks[i])
	}

	totalMapped := uint64(n) * blockSize
	if totalMapped < minGrowPages*hal.SmallPageSize {
		totalMapped = minGrowPages * hal.SmallPageSize
	}
	big, ok := la.Allocate(totalMapped)
	if !ok {
		t.Fatal("large allocation after full free failed to find a coalesced span")
	}
	la.Free(big)

	if la.tree.count != 1 {
		t.Fatalf("expected exactly one fully-coalesced free span, got %d", la.tree.count)
	}
}

// TestCoarseAllocationAlignment implements spec.md §8 scenario S4: every
// coarse allocation must come back aligned to allocAlign regardless of
// the requested size.
func TestCoarseAllocationAlignment(t *testing.T) {
	la := newTestHeap(t)
	for _, sz := range []uint64{513, 777, 4001, 9000} {
		v, ok := la.Allocate(sz)
		if !ok {
			t.Fatalf("allocate(%d) failed", sz)
		}
		if uint64(v)%allocAlign != 0 {
			t.Fatalf("allocate(%d) returned misaligned address %v", sz, v)
		}
	}
}

// TestStressMixedAllocationPattern implements spec.md §8 scenario S6: a
// long interleaved sequence of slab and coarse allocate/free calls across
// every size class, checked for address reuse safety and liveness
// tracking throughout.
func TestStressMixedAllocationPattern(t *testing.T) {
	la := newTestHeap(t)
	live := map[hal.VirtAddr]uint64{}
	sizes := []uint64{0, 1, 8, 15, 32, 63, 96, 100, 256, 400, 512, 513, 2048, 9000}

	for round := 0; round < 500; round++ {
		sz := sizes[round%len(sizes)]
		v, ok := la.Allocate(sz)
		if !ok {
			t.Fatalf("round %d: allocate(%d) failed", round, sz)
		}
		if _, dup := live[v]; dup {
			t.Fatalf("round %d: address %v already live", round, v)
		}
		live[v] = sz

		if round%3 == 0 {
			for v := range live {
				la.Free(v)
				delete(live, v)
				break
			}
		}
	}
	for v := range live {
		if !la.IsValidPointer(v) {
			t.Fatalf("live pointer %v reported invalid mid-stress", v)
		}
		la.Free(v)
	}
}

func TestAllocateZeroIsTreatedAsOneByte(t *testing.T) {
	la := newTestHeap(t)
	v, ok := la.Allocate(0)
	if !ok {
		t.Fatal("allocate(0) failed")
	}
	if !la.IsValidPointer(v) {
		t.Fatal("allocate(0) result not a valid pointer")
	}
	la.Free(v)
}
