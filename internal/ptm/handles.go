package ptm

import (
	"github.com/sm5ve/crocos-mm/internal/hal"
	"github.com/sm5ve/crocos-mm/internal/kpanic"
)

// The level constants below give the depth of the self-hosted radix tree: a
// 48-bit virtual address space split into four 9-bit levels plus a 12-bit
// page offset,
// mirroring the four-level layout hal.TopLevelStride (a top-level entry's
// span, 2^39 bytes) and hal.EntriesPerTable already commit to.
const (
	levelPT   = 0 // leaf for small (4KiB) pages
	levelPD   = 1 // leaf for big (2MiB) pages, directory otherwise
	levelPDPT = 2
	levelTop  = 3 // root of a PartialHandle/CompositeHandle
)

func indexAt(v hal.VirtAddr, level uint8) uint32 {
	shift := 12 + 9*uint(level)
	return uint32((uint64(v) >> shift) & (hal.EntriesPerTable - 1))
}

// Handle names the root of a self-hosted page-table subtree: either a
// standalone subtree not yet grafted anywhere (PartialHandle) or one
// installed as a processor's active top-level structure (CompositeHandle).
// Both share the same shape; CompositeHandle additionally remembers which
// partial subtrees were grafted into which top-level slots so they can be
// removed again (spec.md §4.2's AddStructureToComposite/RemoveStructureFromComposite).
type Handle struct {
	root  uint32
	level uint8
}

type PartialHandle = Handle

type CompositeHandle struct {
	Handle
	children map[uint32]Handle // top-level slot -> grafted partial root
}

// MakePartialPageStructure allocates a single, otherwise-disconnected
// top-level table: the root of a subtree that can later be populated with
// MapAddress and grafted into a composite with AddStructureToComposite.
func (p *PTM) MakePartialPageStructure() PartialHandle {
	ti := p.window.grow(p.src)
	return PartialHandle{root: ti, level: levelTop}
}

// MakeCompositePageStructure allocates a fresh top-level table intended to
// be installed directly (InstallPageStructure) as a processor's active
// address space.
func (p *PTM) MakeCompositePageStructure() *CompositeHandle {
	ti := p.window.grow(p.src)
	return &CompositeHandle{Handle: Handle{root: ti, level: levelTop}, children: map[uint32]Handle{}}
}

// DestroyPartialPageStructure releases every table in the subtree back to
// the window's bookkeeping (their frames are not freed here; MapAddress's
// leaf frames are the caller's to release via UnmapAddress first).
func (p *PTM) DestroyPartialPageStructure(h PartialHandle) {
	p.destroySubtree(h.root, h.level)
}

func (p *PTM) DestroyCompositePageStructure(h *CompositeHandle) {
	p.destroySubtree(h.root, h.level)
}

func (p *PTM) destroySubtree(root uint32, level uint8) {
	if level > levelPT {
		t := p.window.table(root)
		for i := uint32(0); i < hal.EntriesPerTable; i++ {
			e := t.load(i)
			if e.present() && !e.big() {
				p.destroySubtree(e.childIndex(), level-1)
			}
		}
	}
	p.window.reclaim(root)
}

// walk descends from root to the table that should hold the leaf entry
// for v at the given target level (levelPT for small pages, levelPD for
// big pages), creating intermediate directory tables on demand when
// createMissing is set. Returns the holding table's window index and the
// slot within it, or ok=false if a required intermediate is missing and
// createMissing was false.
func (p *PTM) walk(root uint32, v hal.VirtAddr, targetLevel uint8, createMissing bool) (table uint32, slot uint32, ok bool) {
	cur := root
	for lvl := levelTop; lvl > targetLevel; lvl-- {
		idx := indexAt(v, lvl)
		t := p.window.table(cur)
		e := t.load(idx)
		if e.present() {
			kpanic.Assert(!e.big(), "ptm: walk hit a big-page leaf above its level")
			cur = e.childIndex()
			continue
		}
		if !createMissing {
			return 0, 0, false
		}
		child := p.window.grow(p.src)
		t.store(idx, entry(0).withPresent(true).withChildIndex(child))
		cur = child
	}
	return cur, indexAt(v, targetLevel), true
}

func targetLevelFor(sz hal.PageSize) uint8 {
	if sz == hal.Big {
		return levelPD
	}
	return levelPT
}

// MapAddress installs a single mapping of size sz into h's subtree,
// allocating whatever intermediate directory tables are missing along the
// way (spec.md §4.2).
func (p *PTM) MapAddress(h Handle, v hal.VirtAddr, phys hal.PhysAddr, sz hal.PageSize, perms hal.Permissions, cache hal.CacheType) {
	lvl := targetLevelFor(sz)
	ti, slot, _ := p.walk(h.root, v, lvl, true)
	t := p.window.table(ti)
	wasPresent := t.load(slot).present()
	e := entry(0).withPresent(true).withPerms(perms).withCache(cache).withFrame(phys)
	if sz == hal.Big {
		e = e.withBig(true)
	}
	t.store(slot, e)
	if wasPresent {
		p.noteFlush(v)
	}
}

// MapAddresses installs len(virts) mappings in one call, matching
// spec.md's bulk map/unmap operations that amortize flush-planner pushes
// across many entries.
func (p *PTM) MapAddresses(h Handle, virts []hal.VirtAddr, phys []hal.PhysAddr, sz hal.PageSize, perms hal.Permissions, cache hal.CacheType) {
	kpanic.Assert(len(virts) == len(phys), "ptm: MapAddresses length mismatch")
	for i := range virts {
		p.MapAddress(h, virts[i], phys[i], sz, perms, cache)
	}
}

// UnmapAddress clears the mapping at v. It reports the page size that was
// mapped there so the caller can size its TLB invalidation correctly.
func (p *PTM) UnmapAddress(h Handle, v hal.VirtAddr) (hal.PageSize, bool) {
	for _, lvl := range [...]uint8{levelPD, levelPT} {
		ti, slot, ok := p.walk(h.root, v, lvl, false)
		if !ok {
			continue
		}
		t := p.window.table(ti)
		e := t.load(slot)
		if !e.present() || e.big() != (lvl == levelPD) {
			continue
		}
		t.store(slot, entry(0))
		p.noteFlush(v)
		if lvl == levelPD {
			return hal.Big, true
		}
		return hal.Small, true
	}
	return 0, false
}

func (p *PTM) UnmapAddresses(h Handle, virts []hal.VirtAddr) {
	for _, v := range virts {
		p.UnmapAddress(h, v)
	}
}

// AddStructureToComposite grafts a previously built partial subtree into
// composite at the top-level slot that owns virt's address range,
// replacing whatever (absent) entry was there: the composite's slot is set
// to the partial root's own entry for that slot, so the graft carries the
// subtree the partial has built under it for virt's range.
func (p *PTM) AddStructureToComposite(c *CompositeHandle, virt hal.VirtAddr, partial PartialHandle) {
	idx := indexAt(virt, levelTop)
	t := p.window.table(c.root)
	kpanic.Assert(!t.load(idx).present(), "ptm: composite slot %d already occupied", idx)
	t.store(idx, p.window.table(partial.root).load(idx))
	c.children[idx] = partial
}

// RemoveStructureFromComposite detaches whatever partial subtree occupies
// virt's top-level slot and returns its handle so the caller may continue
// using or destroying it independently.
func (p *PTM) RemoveStructureFromComposite(c *CompositeHandle, virt hal.VirtAddr) (PartialHandle, bool) {
	idx := indexAt(virt, levelTop)
	child, ok := c.children[idx]
	if !ok {
		return Handle{}, false
	}
	t := p.window.table(c.root)
	t.store(idx, entry(0))
	delete(c.children, idx)
	return child, true
}

// IsPagePresent, WasPageAccessed, GetPageSize, GetPagePermissions and
// GetPageCachingPolicy are the read-only query set (spec.md §4.2); all
// resolve the leaf entry covering v without mutating anything.
func (p *PTM) leafFor(h Handle, v hal.VirtAddr) (entry, hal.PageSize, bool) {
	if ti, slot, ok := p.walk(h.root, v, levelPD, false); ok {
		if e := p.window.table(ti).load(slot); e.present() && e.big() {
			return e, hal.Big, true
		}
	}
	if ti, slot, ok := p.walk(h.root, v, levelPT, false); ok {
		if e := p.window.table(ti).load(slot); e.present() {
			return e, hal.Small, true
		}
	}
	return 0, 0, false
}

func (p *PTM) IsPagePresent(h Handle, v hal.VirtAddr) bool {
	_, _, ok := p.leafFor(h, v)
	return ok
}

func (p *PTM) WasPageAccessed(h Handle, v hal.VirtAddr) bool {
	e, _, ok := p.leafFor(h, v)
	return ok && e.accessed()
}

func (p *PTM) GetPageSize(h Handle, v hal.VirtAddr) (hal.PageSize, bool) {
	_, sz, ok := p.leafFor(h, v)
	return sz, ok
}

func (p *PTM) GetPagePermissions(h Handle, v hal.VirtAddr) (hal.Permissions, bool) {
	e, _, ok := p.leafFor(h, v)
	return e.perms(), ok
}

func (p *PTM) GetPageCachingPolicy(h Handle, v hal.VirtAddr) (hal.CacheType, bool) {
	e, _, ok := p.leafFor(h, v)
	return e.cache(), ok
}

// SetPagePermissions and SetPageCachingPolicy are the partial-only
// mutators (spec.md §4.2): they rewrite a leaf entry in place without
// disturbing its presence or frame, for use against a PartialHandle that
// has not yet been grafted into any live composite (and thus needs no
// flush planning).
func (p *PTM) SetPagePermissions(h PartialHandle, v hal.VirtAddr, perms hal.Permissions) bool {
	e, sz, ok := p.leafFor(h, v)
	if !ok {
		return false
	}
	lvl := targetLevelFor(sz)
	ti, slot, _ := p.walk(h.root, v, lvl, false)
	p.window.table(ti).store(slot, e.withPerms(perms))
	return true
}

// SetPageSupplementary attaches an out-of-band 64-bit payload to the leaf
// mapping covering v (e.g. extended NUMA or accounting metadata that does
// not fit in the entry's own bit-packed fields), replacing any existing
// attachment.
func (p *PTM) SetPageSupplementary(h PartialHandle, v hal.VirtAddr, payload uint64) bool {
	e, sz, ok := p.leafFor(h, v)
	if !ok {
		return false
	}
	if e.hasSupplementary() {
		p.FreeSupplementaryRecord(e.supplementaryIndex())
	}
	idx := p.AllocateSupplementaryRecord(payload)
	lvl := targetLevelFor(sz)
	ti, slot, _ := p.walk(h.root, v, lvl, false)
	p.window.table(ti).store(slot, e.withHasSupplementary(true).withSupplementaryIndex(idx))
	return true
}

// GetPageSupplementary returns the payload attached to v's mapping, if any.
func (p *PTM) GetPageSupplementary(h Handle, v hal.VirtAddr) (uint64, bool) {
	e, _, ok := p.leafFor(h, v)
	if !ok || !e.hasSupplementary() {
		return 0, false
	}
	return p.GetSupplementaryRecord(e.supplementaryIndex()), true
}

// ClearPageSupplementary detaches and frees v's supplementary record, if any.
func (p *PTM) ClearPageSupplementary(h PartialHandle, v hal.VirtAddr) bool {
	e, sz, ok := p.leafFor(h, v)
	if !ok || !e.hasSupplementary() {
		return false
	}
	p.FreeSupplementaryRecord(e.supplementaryIndex())
	lvl := targetLevelFor(sz)
	ti, slot, _ := p.walk(h.root, v, lvl, false)
	p.window.table(ti).store(slot, e.withHasSupplementary(false).withSupplementaryIndex(0))
	return true
}

func (p *PTM) SetPageCachingPolicy(h PartialHandle, v hal.VirtAddr, c hal.CacheType) bool {
	e, sz, ok := p.leafFor(h, v)
	if !ok {
		return false
	}
	lvl := targetLevelFor(sz)
	ti, slot, _ := p.walk(h.root, v, lvl, false)
	p.window.table(ti).store(slot, e.withCache(c))
	return true
}
