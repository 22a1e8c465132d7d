// Package diag turns the allocators' internal bookkeeping into output a
// human or a profiling tool can consume: a pprof-compatible heap profile
// of LibAlloc's live blocks, and a formatted text summary pulling from
// every layer (spec.md's "Diagnostics" module, added as ambient stack not
// named by the distilled spec itself).
package diag

import (
	"io"
	"sort"

	"github.com/google/pprof/profile"

	"github.com/sm5ve/crocos-mm/internal/liballoc"
)

// WriteHeapProfile writes a gzip-compressed pprof profile of la's current
// live blocks to w, grouped by allocation class (one "slab-N" class per
// liballoc size class, plus "coarse" for the best-fit allocator). This
// mirrors the shape of a standard Go heap profile (inuse_objects /
// inuse_space sample types, one synthetic location per call site) except
// the "call site" here is an allocation class rather than a stack trace,
// since this allocator has no frame pointers of its own to walk.
func WriteHeapProfile(w io.Writer, la *liballoc.LibAlloc) error {
	p := buildHeapProfile(la)
	return p.Write(w)
}

func buildHeapProfile(la *liballoc.LibAlloc) *profile.Profile {
	blocks := la.LiveBlocks()

	type agg struct {
		objects int64
		bytes   int64
	}
	byClass := map[string]*agg{}
	for _, b := range blocks {
		a, ok := byClass[b.Class]
		if !ok {
			a = &agg{}
			byClass[b.Class] = a
		}
		a.objects++
		a.bytes += int64(b.Size)
	}

	classes := make([]string, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		DefaultSampleType: "inuse_space",
		PeriodType:        &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:            1,
	}

	var nextID uint64 = 1
	for _, class := range classes {
		a := byClass[class]

		fn := &profile.Function{ID: nextID, Name: class, SystemName: class}
		nextID++
		loc := &profile.Location{ID: nextID, Line: []profile.Line{{Function: fn}}}
		nextID++

		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{a.objects, a.bytes},
		})
	}

	return p
}
