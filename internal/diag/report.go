package diag

import (
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/liballoc"
	"github.com/sm5ve/crocos-mm/internal/ppa"
	"github.com/sm5ve/crocos-mm/internal/ptm"
)

// printer formats every byte/page count in WriteReport with thousands
// separators, which is the entire reason this pulls in x/text/message
// rather than plain fmt: a raw "134217728" is harder to eyeball at a
// glance than "134,217,728".
var printer = message.NewPrinter(language.English)

// WriteReport writes a human-readable snapshot of every layer's
// occupancy to w: the physical allocator's per-processor/global free
// page counts, the page table manager's live table count, and the heap
// allocator's slab/coarse usage (liballoc.Stats).
func WriteReport(w io.Writer, phys *ppa.Allocator, mm *ptm.PTM, heap *liballoc.LibAlloc) {
	printer.Fprintln(w, "=== physical page allocator ===")
	var totalLocalSmall, totalLocalBig uint64
	for pid := 0; pid < phys.ProcessorCount(); pid++ {
		small := phys.GetFreeLocalSmallPages(hal.ProcessorID(pid))
		big := phys.GetFreeLocalBigPages(hal.ProcessorID(pid))
		totalLocalSmall += small
		totalLocalBig += big
		printer.Fprintf(w, "  processor %d: %d free small pages, %d free big pages\n", pid, small, big)
	}
	printer.Fprintf(w, "  global pool: %d free big pages\n", phys.GetFreeGlobalBigPages())
	printer.Fprintf(w, "  total local free: %d small pages, %d big pages\n", totalLocalSmall, totalLocalBig)

	printer.Fprintln(w, "=== page table manager ===")
	printer.Fprintf(w, "  live window tables: %d\n", mm.LivePageCount())

	printer.Fprintln(w, "=== heap allocator ===")
	s := heap.Stats()
	printer.Fprintf(w, "  slabs: %d / %d bytes in use\n", s.SlabBytesInUse, s.SlabBytesTotal)
	printer.Fprintf(w, "  coarse: %d / %d bytes in use, %d free spans\n", s.CoarseBytesInUse, s.CoarseBytesTotal, s.FreeSpanCount)
}
