package diag

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/hal/simhal"
	"github.com/sm5ve/crocos-mm/internal/liballoc"
	"github.com/sm5ve/crocos-mm/internal/ppa"
	"github.com/sm5ve/crocos-mm/internal/ptm"
)

func newTestStack(t *testing.T) (*ppa.Allocator, *ptm.PTM, *liballoc.LibAlloc) {
	t.Helper()
	h := simhal.New(1).ForProcessor(0)
	a := ppa.New(h)
	a.Init([]ppa.RawRange{{Start: 0, End: 1024 * hal.BigPageSize}})
	mm := ptm.New(h, a)
	c := mm.MakeCompositePageStructure()
	heap := liballoc.New(h, mm, c.Handle, a, hal.VirtAddr(0x2000_0000))
	return a, mm, heap
}

func TestWriteHeapProfileCoversLiveBlocks(t *testing.T) {
	_, _, heap := newTestStack(t)

	for i := 0; i < 20; i++ {
		if _, ok := heap.Allocate(32); !ok {
			t.Fatalf("allocate %d failed", i)
		}
	}
	for i := 0; i < 3; i++ {
		if _, ok := heap.Allocate(4096); !ok {
			t.Fatalf("coarse allocate %d failed", i)
		}
	}

	var buf bytes.Buffer
	if err := WriteHeapProfile(&buf, heap); err != nil {
		t.Fatalf("WriteHeapProfile: %v", err)
	}
	if buf.Len() == 0 {
		t.Fatal("expected non-empty profile output")
	}
}

func TestBuildHeapProfileAggregatesByClass(t *testing.T) {
	_, _, heap := newTestStack(t)
	for i := 0; i < 5; i++ {
		heap.Allocate(16)
	}
	heap.Allocate(9000)

	p := buildHeapProfile(heap)

	var sawSlab, sawCoarse bool
	for _, s := range p.Sample {
		switch s.Location[0].Line[0].Function.Name {
		case "slab-16":
			sawSlab = true
			if s.Value[0] != 5 {
				t.Fatalf("expected 5 slab-16 objects, got %d", s.Value[0])
			}
		case "coarse":
			sawCoarse = true
		}
	}
	if !sawSlab || !sawCoarse {
		t.Fatalf("expected both slab and coarse samples, got %d samples", len(p.Sample))
	}
}

func TestWriteReportMentionsEveryLayer(t *testing.T) {
	a, mm, heap := newTestStack(t)
	heap.Allocate(64)

	var buf bytes.Buffer
	WriteReport(&buf, a, mm, heap)
	out := buf.String()

	for _, want := range []string{"physical page allocator", "page table manager", "heap allocator"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing section %q:\n%s", want, out)
		}
	}
}
