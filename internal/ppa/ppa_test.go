package ppa

import (
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/hal/simhal"
)

// TestS1RoundTrip implements spec.md §8 scenario S1: reserve the low 1MiB
// of a single range, allocate 1000 small pages, free them all in reverse
// order, and expect GetFreeLocalSmallPages to return to its pre-allocation
// value.
func TestS1RoundTrip(t *testing.T) {
	h := simhal.New(1).ForProcessor(0)
	a := New(h)
	a.Init([]RawRange{{Start: 0x100000, End: 0x10000000}})
	a.ReservePhysicalRange(RawRange{Start: 0x100000, End: 0x200000})

	before := a.GetFreeLocalSmallPages(0)

	var got []hal.PhysAddr
	for i := 0; i < 1000; i++ {
		p, ok := a.AllocateSmallPage()
		if !ok {
			t.Fatalf("allocation %d failed", i)
		}
		if uint64(p)%hal.SmallPageSize != 0 {
			t.Fatalf("unaligned page %v", p)
		}
		if p <= 0x200000 || p >= 0x10000000 {
			t.Fatalf("page %v out of expected bounds", p)
		}
		got = append(got, p)
	}

	for i := len(got) - 1; i >= 0; i-- {
		a.FreeLocalSmallPage(got[i])
	}

	after := a.GetFreeLocalSmallPages(0)
	if before != after {
		t.Fatalf("free small page count not restored: before=%d after=%d", before, after)
	}
}

func TestAllocateBigPageAlignedAndTracked(t *testing.T) {
	h := simhal.New(1).ForProcessor(0)
	a := New(h)
	a.Init([]RawRange{{Start: 0, End: 16 * hal.BigPageSize}})

	p, ok := a.AllocateBigPage()
	if !ok {
		t.Fatal("allocate big page failed")
	}
	if uint64(p)%hal.BigPageSize != 0 {
		t.Fatalf("big page %v not aligned", p)
	}
	a.FreeLocalBigPage(p)
	if got := a.GetFreeLocalBigPages(0); got != 1 {
		t.Fatalf("expected 1 free local big page after round trip, got %d", got)
	}
}

func TestAllocatePagesBulkCoversRequest(t *testing.T) {
	h := simhal.New(1).ForProcessor(0)
	a := New(h)
	a.Init([]RawRange{{Start: 0, End: 64 * hal.BigPageSize}})

	requested := uint64(3*hal.BigPageSize + 5*hal.SmallPageSize)
	small, big, ok := a.AllocatePages(requested)
	if !ok {
		t.Fatal("bulk allocate failed")
	}
	total := uint64(len(small))*hal.SmallPageSize + uint64(len(big))*hal.BigPageSize
	wantSmallPages := (requested + hal.SmallPageSize - 1) / hal.SmallPageSize
	if total != wantSmallPages*hal.SmallPageSize {
		t.Fatalf("bulk allocate covered %d bytes, want %d", total, wantSmallPages*hal.SmallPageSize)
	}
	a.FreePages(small, big)
}

func TestFreeOfOutOfRangePointerPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing out-of-range pointer")
		}
	}()
	h := simhal.New(1).ForProcessor(0)
	a := New(h)
	a.Init([]RawRange{{Start: 0, End: 16 * hal.BigPageSize}})
	a.FreeSmallPage(0xdeadb000)
}

// TestCrossCPUFree exercises free_small_page's "resolve owner, lock their
// pool" path (as opposed to the free-local fast path).
func TestCrossCPUFree(t *testing.T) {
	sh := simhal.New(2)
	a := New(sh.ForProcessor(0))
	a.Init([]RawRange{{Start: 0, End: 16 * hal.BigPageSize}})

	p, ok := a.AllocateSmallPage() // allocated on "processor 0"
	if !ok {
		t.Fatal("allocate failed")
	}

	// Free it as seen from the allocator bound to processor 1: FreeSmallPage
	// must resolve ownership back to processor 0 rather than assuming local.
	a1 := New(sh.ForProcessor(1))
	a1.ranges = a.ranges // share the same underlying ranges
	a1.FreeSmallPage(p)
}

// TestConcurrentAllocateFreeAcrossProcessors runs every simulated
// processor's allocate/free traffic concurrently with errgroup, matching
// spec.md §8 scenario S6's multiprocessor stress pattern.
func TestConcurrentAllocateFreeAcrossProcessors(t *testing.T) {
	const nprocs = 8
	const perProc = 500

	sh := simhal.New(nprocs)
	shared := New(sh.ForProcessor(0))
	shared.Init([]RawRange{{Start: 0, End: 4096 * hal.BigPageSize}})

	var g errgroup.Group
	for pid := 0; pid < nprocs; pid++ {
		pid := pid
		g.Go(func() error {
			a := New(sh.ForProcessor(hal.ProcessorID(pid)))
			a.ranges = shared.ranges
			var got []hal.PhysAddr
			for i := 0; i < perProc; i++ {
				p, ok := a.AllocateSmallPage()
				if !ok {
					return nil // arena exhausted under concurrent load is acceptable
				}
				got = append(got, p)
			}
			for _, p := range got {
				a.FreeLocalSmallPage(p)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent allocate/free stress failed: %v", err)
	}
}
