package memspace

import (
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/avl"
	"github.com/vektor-os/vektor/kernel/mem/vmm"
)

// RegionFlag is an OR-able attribute of a Region, mirroring spec 4.5's
// {WRITE, EXEC, SHARED, STACK, USER, IDENTITY} flag set.
type RegionFlag uint32

const (
	// FlagWrite marks the region as writable.
	FlagWrite RegionFlag = 1 << iota

	// FlagExec marks the region as executable.
	FlagExec

	// FlagShared is not set by any code in this package, Clone included;
	// Shared() (sharedNext != nil) is what every operation in this
	// package tests to tell whether a region is shared.
	FlagShared

	// FlagStack marks the region as a stack. Combined with the absence
	// of FlagUser, this is the condition under which Alloc/AllocFixed
	// preallocate every page instead of mapping it lazily.
	FlagStack

	// FlagUser allows user-mode access to the region.
	FlagUser

	// FlagIdentity maps every page in the region to the physical frame
	// at the identical address, bypassing the lazy/CoW default-page
	// scheme entirely. Used for kernel stacks.
	FlagIdentity
)

// Region describes a contiguous, allocated run of virtual pages inside a
// Space (spec 4.5's "memory region").
type Region struct {
	space *Space
	start uintptr
	pages uint32
	flags RegionFlag

	// sharedNext/sharedPrev form a cyclic doubly linked list of every
	// region - in this space or another - that currently shares physical
	// pages with this one. nil means the region is exclusively owned.
	sharedNext, sharedPrev *Region

	listPrev, listNext *Region
	node               avl.Node
}

// Start returns the region's first virtual address.
func (r *Region) Start() uintptr { return r.start }

// Pages returns the number of virtual pages the region covers.
func (r *Region) Pages() uint32 { return r.pages }

// Flags returns the region's attribute flags.
func (r *Region) Flags() RegionFlag { return r.flags }

// Shared reports whether this region currently shares physical pages with
// at least one other region.
func (r *Region) Shared() bool { return r.sharedNext != nil }

func (r *Region) end() uintptr {
	return r.start + uintptr(r.pages)*uintptr(mem.PageSize)
}

// pteFlags derives the page-table-entry flags a region's pages should
// carry from its own attribute flags. It does not consider CoW/default-page
// state; callers needing a read-only or CopyOnWrite variant adjust the
// returned value.
func pteFlags(flags RegionFlag) vmm.PageTableEntryFlag {
	pte := vmm.FlagPresent
	if flags&FlagWrite != 0 {
		pte |= vmm.FlagRW
	}
	if flags&FlagUser != 0 {
		pte |= vmm.FlagUserAccessible
	}
	if flags&FlagExec == 0 {
		pte |= vmm.FlagNoExecute
	}
	return pte
}

// linkRegionByAddress inserts r into the space's address-ordered region
// list, preserving order.
func (s *Space) linkRegionByAddress(r *Region) {
	if s.regions == nil || r.start < s.regions.start {
		r.listNext = s.regions
		if s.regions != nil {
			s.regions.listPrev = r
		}
		r.listPrev = nil
		s.regions = r
		return
	}

	cur := s.regions
	for cur.listNext != nil && cur.listNext.start < r.start {
		cur = cur.listNext
	}
	r.listNext = cur.listNext
	r.listPrev = cur
	if cur.listNext != nil {
		cur.listNext.listPrev = r
	}
	cur.listNext = r
}

func (s *Space) unlinkRegion(r *Region) {
	if r.listPrev != nil {
		r.listPrev.listNext = r.listNext
	} else {
		s.regions = r.listNext
	}
	if r.listNext != nil {
		r.listNext.listPrev = r.listPrev
	}
	r.listPrev, r.listNext = nil, nil
}

func (s *Space) insertRegion(r *Region) {
	r.space = s
	s.usedTree.Insert(uint32(r.start), r, &r.node)
	s.linkRegionByAddress(r)
}

func (s *Space) removeRegion(r *Region) {
	s.usedTree.Remove(&r.node)
	s.unlinkRegion(r)
}

// findRegion returns the region covering addr, or nil if addr falls inside
// a gap or outside the tracked range entirely.
func (s *Space) findRegion(addr uintptr) *Region {
	node := s.usedTree.FindLE(uint32(addr))
	if node == nil {
		return nil
	}
	r := node.Owner.(*Region)
	if addr < r.start || addr >= r.end() {
		return nil
	}
	return r
}

// linkShared splices b into a's shared-list cycle, creating the cycle on a
// alone if it does not already have one.
func linkShared(a, b *Region) {
	if a.sharedNext == nil {
		a.sharedNext, a.sharedPrev = a, a
	}
	b.sharedNext = a.sharedNext
	b.sharedPrev = a
	a.sharedNext.sharedPrev = b
	a.sharedNext = b
}

// unshare splices r out of its shared-list cycle. If exactly one other
// region remains afterwards, that peer is no longer shared with anyone:
// its sharedNext/sharedPrev are cleared and its PTEs' write bit is restored
// to match its own WRITE flag, undoing the CopyOnWrite demotion Clone
// applied when the pair was first created.
func (s *Space) unshare(r *Region) {
	if r.sharedNext == r {
		r.sharedNext, r.sharedPrev = nil, nil
		return
	}

	prev, next := r.sharedPrev, r.sharedNext
	prev.sharedNext = next
	next.sharedPrev = prev
	r.sharedNext, r.sharedPrev = nil, nil

	if next == prev {
		next.sharedNext, next.sharedPrev = nil, nil
		next.space.restoreWriteBits(next)
	}
}

// restoreWriteBits re-maps every page of an exclusively-owned region so its
// PTEs match the region's own WRITE flag, clearing any leftover CopyOnWrite
// bit from a shared past.
func (s *Space) restoreWriteBits(r *Region) {
	flags := pteFlags(r.flags)
	for i := uint32(0); i < r.pages; i++ {
		pageAddr := r.start + uintptr(i)*uintptr(mem.PageSize)
		page := vmm.PageFromAddress(pageAddr)

		frame, curFlags, err := r.space.pdt.Entry(page)
		if err != nil || curFlags&vmm.FlagPresent == 0 {
			continue
		}
		_ = r.space.pdt.Map(page, frame, flags)
	}
}
