package memspace

import (
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/avl"
)

// Gap describes a contiguous run of free virtual pages inside a Space.
// Gaps are kept on two structures simultaneously: an address-ordered
// doubly linked list (listPrev/listNext) used to locate adjacent gaps for
// coalescing, and free_tree, an avl.Tree keyed by page count, used by
// findGap to locate the smallest gap that satisfies a given allocation.
type Gap struct {
	start uintptr
	pages uint32

	listPrev, listNext *Gap
	node               avl.Node
}

// Start returns the gap's first virtual address.
func (g *Gap) Start() uintptr { return g.start }

// Pages returns the number of free pages covered by this gap.
func (g *Gap) Pages() uint32 { return g.pages }

func (g *Gap) end() uintptr {
	return g.start + uintptr(g.pages)*uintptr(mem.PageSize)
}

// linkGapByAddress inserts g into the space's address-ordered gap list,
// preserving order. Callers that already know g's correct neighbors (the
// unlinkGap coalescing paths) update listPrev/listNext directly instead.
func (s *Space) linkGapByAddress(g *Gap) {
	if s.gaps == nil || g.start < s.gaps.start {
		g.listNext = s.gaps
		if s.gaps != nil {
			s.gaps.listPrev = g
		}
		g.listPrev = nil
		s.gaps = g
		return
	}

	cur := s.gaps
	for cur.listNext != nil && cur.listNext.start < g.start {
		cur = cur.listNext
	}
	g.listNext = cur.listNext
	g.listPrev = cur
	if cur.listNext != nil {
		cur.listNext.listPrev = g
	}
	cur.listNext = g
}

// unlinkGap removes g from the address-ordered gap list. It is also used
// as the splice primitive coalescing relies on: since the gap being
// absorbed is always g's immediate listPrev or listNext, stitching g's own
// pointers falls out of the generic splice for free.
func (s *Space) unlinkGap(g *Gap) {
	if g.listPrev != nil {
		g.listPrev.listNext = g.listNext
	} else {
		s.gaps = g.listNext
	}
	if g.listNext != nil {
		g.listNext.listPrev = g.listPrev
	}
	g.listPrev, g.listNext = nil, nil
}

// insertFreeSpanNoCoalesce inserts a gap covering [start, start+pages) with
// no attempt to merge it with an address-adjacent neighbor. Used by
// AllocFixed's crushing path, which per the alloc_fixed/gap-reconstruction
// decision in DESIGN.md must not merge a freshly uncovered remainder with a
// pre-existing neighbor gap within the same call.
func (s *Space) insertFreeSpanNoCoalesce(start uintptr, pages uint32) *Gap {
	g := &Gap{start: start, pages: pages}
	s.linkGapByAddress(g)
	s.freeTree.Insert(pages, g, &g.node)
	return g
}

// insertFreeSpan inserts a gap covering [start, start+pages) and merges it
// with an address-adjacent predecessor and/or successor gap, if any. This
// is the only place gap coalescing happens; alloc_fixed deliberately uses
// insertFreeSpanNoCoalesce instead so a subsequent Free naturally merges
// whatever alloc_fixed left behind.
func (s *Space) insertFreeSpan(start uintptr, pages uint32) {
	g := s.insertFreeSpanNoCoalesce(start, pages)

	if prev := g.listPrev; prev != nil && prev.end() == g.start {
		s.freeTree.Remove(&prev.node)
		s.freeTree.Remove(&g.node)
		g.start = prev.start
		g.pages += prev.pages
		s.unlinkGap(prev)
		s.freeTree.Insert(g.pages, g, &g.node)
	}
	if next := g.listNext; next != nil && g.end() == next.start {
		s.freeTree.Remove(&next.node)
		s.freeTree.Remove(&g.node)
		g.pages += next.pages
		s.unlinkGap(next)
		s.freeTree.Insert(g.pages, g, &g.node)
	}
}

// findGap returns a gap with at least the requested number of pages, or
// nil if none exists.
func (s *Space) findGap(pages uint32) *Gap {
	node := s.freeTree.FindGE(pages)
	if node == nil {
		return nil
	}
	return node.Owner.(*Gap)
}

// shrinkGap consumes pages pages from the low end of gap, re-keying it in
// free_tree under its new size, and removes it entirely once it is fully
// consumed.
func (s *Space) shrinkGap(g *Gap, pages uint32) {
	s.freeTree.Remove(&g.node)
	g.start += uintptr(pages) * uintptr(mem.PageSize)
	g.pages -= pages
	if g.pages == 0 {
		s.unlinkGap(g)
		return
	}
	s.freeTree.Insert(g.pages, g, &g.node)
}

// crushGap removes the portion of g that falls inside [start, end), if
// any, re-inserting whatever remains on either side as fresh, uncoalesced
// gaps.
func (s *Space) crushGap(g *Gap, start, end uintptr) {
	gStart, gEnd := g.start, g.end()

	s.freeTree.Remove(&g.node)
	s.unlinkGap(g)

	if gStart < start {
		s.insertFreeSpanNoCoalesce(gStart, pagesBetween(gStart, start))
	}
	if gEnd > end {
		s.insertFreeSpanNoCoalesce(end, pagesBetween(end, gEnd))
	}
}

func pagesBetween(from, to uintptr) uint32 {
	return uint32((to - from) >> mem.PageShift)
}
