package memspace

import (
	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/pmm"
	"github.com/vektor-os/vektor/kernel/mem/vmm"
)

// materialize establishes a page-table mapping for every page of a
// newly-created region.
func (s *Space) materialize(r *Region, preallocate bool) *kernel.Error {
	return s.materializeRange(r, r.start, r.pages, preallocate)
}

// materializeRange establishes mappings for pages pages starting at start,
// a sub-range of r used by resolveGuardFault when a stack region grows.
// IDENTITY regions map straight to their own physical address; otherwise a
// real frame is preallocated when preallocate is set (STACK regions without
// USER), and a read-only CopyOnWrite mapping to vmm.ReservedZeroedFrame is
// installed in every other case, deferring the real allocation to
// resolveLazyFault.
func (s *Space) materializeRange(r *Region, start uintptr, pages uint32, preallocate bool) *kernel.Error {
	for i := uint32(0); i < pages; i++ {
		pageAddr := start + uintptr(i)*uintptr(mem.PageSize)
		page := vmm.PageFromAddress(pageAddr)

		var err *kernel.Error
		switch {
		case r.flags&FlagIdentity != 0:
			err = s.pdt.Map(page, pmm.FromAddress(pageAddr), pteFlags(r.flags))

		case preallocate:
			var frame pmm.Frame
			if frame, err = frameAllocFn(0); err == nil {
				if err = s.pdt.Map(page, frame, pteFlags(r.flags)); err != nil {
					frameFreeFn(frame, 0)
				}
			}

		default:
			flags := pteFlags(r.flags) &^ vmm.FlagRW
			if r.flags&FlagWrite != 0 {
				flags |= vmm.FlagCopyOnWrite
			}
			err = s.pdt.Map(page, vmm.ReservedZeroedFrame, flags)
		}

		if err != nil {
			s.releasePages(start, i)
			return err
		}
	}
	return nil
}

// releasePages unmaps pages pages starting at start and returns to the
// frame allocator every frame that is not vmm.ReservedZeroedFrame (the
// shared, never-freed default-zero page).
func (s *Space) releasePages(start uintptr, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		pageAddr := start + uintptr(i)*uintptr(mem.PageSize)
		page := vmm.PageFromAddress(pageAddr)

		frame, flags, err := s.pdt.Entry(page)
		if err != nil || flags&vmm.FlagPresent == 0 {
			continue
		}
		s.pdt.Unmap(page)
		if frame != vmm.ReservedZeroedFrame {
			frameFreeFn(frame, 0)
		}
	}
}

// reclaimRange crushes every gap and region overlapping [start, end) so the
// range is free for alloc_fixed/alloc_kernel_stack to claim.
func (s *Space) reclaimRange(start, end uintptr) *kernel.Error {
	for g := s.gaps; g != nil; {
		next := g.listNext
		if g.start < end && g.end() > start {
			s.crushGap(g, start, end)
		}
		g = next
	}

	for r := s.regions; r != nil; {
		next := r.listNext
		if r.start < end && r.end() > start {
			if err := s.crushRegion(r, start, end); err != nil {
				return err
			}
		}
		r = next
	}

	return nil
}

// crushRegion removes the portion of r that falls inside [start, end), if
// any. A region still on a shared-list can only be crushed in its entirety
// (see DESIGN.md's alloc_fixed/shared-region note); a partial overlap on a
// shared region is rejected with errCrushSharedRegion instead.
func (s *Space) crushRegion(r *Region, start, end uintptr) *kernel.Error {
	ovStart := maxAddr(start, r.start)
	ovEnd := minAddr(end, r.end())
	if ovStart >= ovEnd {
		return nil
	}

	whole := ovStart == r.start && ovEnd == r.end()
	if r.Shared() && !whole {
		return errCrushSharedRegion
	}
	if r.Shared() {
		s.unshare(r)
	}

	s.releasePages(ovStart, pagesBetween(ovStart, ovEnd))
	s.removeRegion(r)

	if !whole {
		if r.start < ovStart {
			s.insertRegion(&Region{start: r.start, pages: pagesBetween(r.start, ovStart), flags: r.flags})
		}
		if r.end() > ovEnd {
			s.insertRegion(&Region{start: ovEnd, pages: pagesBetween(ovEnd, r.end()), flags: r.flags})
		}
	}
	return nil
}

func maxAddr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minAddr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// shrinkGapFromHigh consumes pages pages from the high end of g, the
// counterpart to shrinkGap used by resolveGuardFault: a downward-growing
// stack consumes the top of the gap immediately below it, not the bottom.
func (s *Space) shrinkGapFromHigh(g *Gap, pages uint32) {
	s.freeTree.Remove(&g.node)
	g.pages -= pages
	if g.pages == 0 {
		s.unlinkGap(g)
		return
	}
	s.freeTree.Insert(g.pages, g, &g.node)
}

// HandlePageFault resolves a page fault raised while this space was active,
// per the i386 page-fault error code (bit0 present, bit1 write, bit2 user).
// It reports whether the fault was resolved; the caller (the gate package's
// exception dispatcher) delivers SIGSEGV when it returns false.
func (s *Space) HandlePageFault(faultAddr uintptr, errorCode uint32) bool {
	s.lock.Acquire()
	defer s.lock.Release()

	const errPresent = 1 << 0
	const errWrite = 1 << 1
	const errUser = 1 << 2

	present := errorCode&errPresent != 0
	write := errorCode&errWrite != 0
	user := errorCode&errUser != 0

	region := s.findRegion(faultAddr)
	if region == nil {
		return !present && s.resolveGuardFault(faultAddr) == nil
	}

	if user && region.flags&FlagUser == 0 {
		return false
	}

	if !write || region.flags&FlagWrite == 0 {
		return false
	}

	page := vmm.PageFromAddress(faultAddr)
	_, flags, err := s.pdt.Entry(page)
	if err != nil || flags&vmm.FlagCopyOnWrite == 0 {
		return false
	}

	if region.Shared() {
		return s.resolveSharedFault(region) == nil
	}
	return s.resolveLazyFault(region, page) == nil
}

// resolveLazyFault backs a single default-zero page with a real, zeroed
// frame. Used the first time a process writes to a page that alloc mapped
// lazily (pteFlags &^ RW | CopyOnWrite onto vmm.ReservedZeroedFrame).
func (s *Space) resolveLazyFault(region *Region, page vmm.Page) *kernel.Error {
	frame, err := frameAllocFn(0)
	if err != nil {
		return err
	}

	tmp, err := mapTemporaryFn(frame)
	if err != nil {
		frameFreeFn(frame, 0)
		return err
	}
	mem.Memset(tmp.Address(), 0, mem.PageSize)
	unmapFn(tmp)

	if err := s.pdt.Map(page, frame, pteFlags(region.flags)); err != nil {
		frameFreeFn(frame, 0)
		return err
	}
	return nil
}

// resolveSharedFault materializes every page of a Clone-produced shared
// region at once (the whole-region CoW granularity decision in DESIGN.md),
// rather than just the single faulting page, then drops the region off its
// shared-list.
func (s *Space) resolveSharedFault(region *Region) *kernel.Error {
	for i := uint32(0); i < region.pages; i++ {
		pageAddr := region.start + uintptr(i)*uintptr(mem.PageSize)
		page := vmm.PageFromAddress(pageAddr)

		_, curFlags, err := s.pdt.Entry(page)
		if err != nil || curFlags&vmm.FlagPresent == 0 || curFlags&vmm.FlagCopyOnWrite == 0 {
			continue
		}

		newFrame, err := frameAllocFn(0)
		if err != nil {
			return err
		}

		tmp, err := mapTemporaryFn(newFrame)
		if err != nil {
			frameFreeFn(newFrame, 0)
			return err
		}
		mem.Memcopy(pageAddr, tmp.Address(), mem.PageSize)
		unmapFn(tmp)

		if err := s.pdt.Map(page, newFrame, pteFlags(region.flags)); err != nil {
			frameFreeFn(newFrame, 0)
			return err
		}
	}

	s.unshare(region)
	return nil
}

// resolveGuardFault implements automatic stack growth (spec 8's stack
// autogrow scenario): a not-present fault just below a STACK region's
// current start extends that region down to cover the faulting page,
// shrinking the gap it grows into from the gap's high end.
func (s *Space) resolveGuardFault(faultAddr uintptr) *kernel.Error {
	for g := s.gaps; g != nil; g = g.listNext {
		if faultAddr < g.start || faultAddr >= g.end() {
			continue
		}

		r := s.findRegion(g.end())
		if r == nil || r.flags&FlagStack == 0 {
			return errNoSuchRegion
		}

		growStart := faultAddr &^ uintptr(mem.PageSize-1)
		growPages := pagesBetween(growStart, r.start)

		s.shrinkGapFromHigh(g, growPages)

		s.removeRegion(r)
		r.start = growStart
		r.pages += growPages
		s.insertRegion(r)

		return s.materializeRange(r, growStart, growPages, preallocates(r.flags))
	}
	return errNoSuchRegion
}
