// Package memspace implements a process's per-address-space virtual memory
// layout (spec 4.5): the partition of [firstUsablePage, memSpaceEnd) into
// allocated regions and free gaps, lazy/default-zero-page materialization,
// copy-on-write region sharing, and the page-fault handler that resolves
// both. It is the layer sitting directly above kernel/mem/vmm's page-table
// manipulator: every Space owns one vmm.PageDirectoryTable and every
// region/gap operation here ultimately becomes one or more vmm.Map/Unmap
// calls routed through that table so they work correctly whether or not the
// space happens to be the one currently active.
package memspace

import (
	"unsafe"

	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/avl"
	"github.com/vektor-os/vektor/kernel/mem/pmm"
	"github.com/vektor-os/vektor/kernel/mem/pmm/buddy"
	"github.com/vektor-os/vektor/kernel/mem/vmm"
	"github.com/vektor-os/vektor/kernel/sync"
)

const (
	// firstUsablePage leaves page 0 unmapped in every space as a null-
	// pointer guard.
	firstUsablePage uintptr = uintptr(mem.PageSize)

	// kernelBegin/heapBegin bound the kernel image and its early boot
	// heap, both already mapped by the bootstrap before any Space
	// exists. This span is never tracked as a region or a gap in any
	// space: the kernel-mapping invariant (spec 4.4) keeps it present in
	// every page directory regardless of what this package does, so
	// alloc/alloc_fixed simply refuse to touch it.
	kernelBegin uintptr = 0x00100000
	heapBegin   uintptr = 0x01000000

	// memSpaceEnd is an exclusive end equal to vmm's own tempMappingAddr
	// (0xFFFFE000) so that neither the temporary-mapping window nor the
	// recursively-mapped PDT page at the very top of the address space
	// is ever handed out as a region or gap.
	memSpaceEnd uintptr = 0xfffff000 - uintptr(mem.PageSize)
)

var (
	errOutOfVirtualSpace    = &kernel.Error{Module: "memspace", Message: "no gap large enough for the requested allocation"}
	errRegionOverlapsKernel = &kernel.Error{Module: "memspace", Message: "requested range overlaps the kernel mapping"}
	errNoSuchRegion         = &kernel.Error{Module: "memspace", Message: "address does not belong to an allocated region"}
	errCrushSharedRegion    = &kernel.Error{Module: "memspace", Message: "alloc_fixed cannot partially crush a shared region"}

	// frameAllocFn/frameFreeFn source and return the physical frames
	// backing a space's page directory and its preallocated/materialized
	// pages. Swapped out in tests for a fake that does not require real
	// physical memory.
	frameAllocFn = buddy.Alloc
	frameFreeFn  = buddy.Free

	// mapTemporaryFn/unmapFn back the byte-copying paths (CoW
	// materialization, CopyFrom/CopyTo) that need to read or write a
	// physical frame that is not currently mapped anywhere convenient.
	mapTemporaryFn = vmm.MapTemporary
	unmapFn        = vmm.Unmap

	// newPageTable constructs the pageTable backing a new Space. Swapped
	// out in tests for a fake that tracks mappings in a plain map, so
	// region/gap bookkeeping can be exercised without real paging
	// hardware - the same role buddy.Alloc/slab.allocFn play for the
	// frame allocator below.
	newPageTable = func(pdtFrame pmm.Frame) (pageTable, *kernel.Error) {
		var pdt vmm.PageDirectoryTable
		if err := pdt.Init(pdtFrame); err != nil {
			return nil, err
		}
		return &pdt, nil
	}
)

// pageTable is the subset of *vmm.PageDirectoryTable's method set this
// package depends on. Space stores it as an interface value, rather than a
// concrete vmm.PageDirectoryTable, purely so tests can substitute an
// in-memory fake for newPageTable above.
type pageTable interface {
	Map(vmm.Page, pmm.Frame, vmm.PageTableEntryFlag) *kernel.Error
	Unmap(vmm.Page) *kernel.Error
	Entry(vmm.Page) (pmm.Frame, vmm.PageTableEntryFlag, *kernel.Error)
	Activate()
}

// Space is a process's virtual address layout (spec 4.5's "memory space"):
// an address-ordered list of regions and gaps, each also indexed by an
// avl.Tree (used_tree keyed by region start address, free_tree keyed by gap
// page count), plus the page directory table the regions are realized in.
type Space struct {
	pdt      pageTable
	pdtFrame pmm.Frame

	regions *Region
	gaps    *Gap

	usedTree avl.Tree
	freeTree avl.Tree

	lock sync.IRQSpinlock
}

// New creates a memory space with the two default gaps spec 4.5 calls for:
// [firstUsablePage, kernelBegin) below the kernel mapping and
// [heapBegin, memSpaceEnd) above it. The space's page directory inherits
// the kernel mapping the way every PageDirectoryTable does (its last entry
// is recursively self-mapped by pdt.Init; the kernel's own identity region
// is simply never unmapped by anything in this package).
func New() (*Space, *kernel.Error) {
	pdtFrame, err := frameAllocFn(0)
	if err != nil {
		return nil, err
	}

	pdt, err := newPageTable(pdtFrame)
	if err != nil {
		frameFreeFn(pdtFrame, 0)
		return nil, err
	}
	s := &Space{pdt: pdt, pdtFrame: pdtFrame}

	s.insertFreeSpanNoCoalesce(firstUsablePage, pagesBetween(firstUsablePage, kernelBegin))
	s.insertFreeSpanNoCoalesce(heapBegin, pagesBetween(heapBegin, memSpaceEnd))

	return s, nil
}

// Activate installs this space's page directory as the active one.
func (s *Space) Activate() { s.pdt.Activate() }

// ResidentPages sums the page count of every region currently mapped into
// this space, shared or not. It is an approximation used by callers that
// only need a coarse ranking (package sched's OOM-killer victim selection),
// not an exact accounting of this space's share of a CoW-shared frame.
func (s *Space) ResidentPages() uint32 {
	s.lock.Acquire()
	defer s.lock.Release()

	var total uint32
	for r := s.regions; r != nil; r = r.listNext {
		total += r.pages
	}
	return total
}

// Alloc selects a gap large enough for pages pages (via free_tree), shrinks
// it from its low end, and creates a region over the freed range. Pages are
// materialized per pteFlags/preallocate rules: IDENTITY regions map
// straight to the identical physical address; STACK regions without USER
// are preallocated with real frames; everything else is mapped read-only
// to vmm.ReservedZeroedFrame with FlagCopyOnWrite, deferring the real
// allocation to the first page fault.
func (s *Space) Alloc(pages uint32, flags RegionFlag) (uintptr, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	if pages == 0 {
		return 0, errOutOfVirtualSpace
	}

	gap := s.findGap(pages)
	if gap == nil {
		return 0, errOutOfVirtualSpace
	}

	start := gap.start
	s.shrinkGap(gap, pages)

	region := &Region{start: start, pages: pages, flags: flags}
	s.insertRegion(region)

	if err := s.materialize(region, preallocates(flags)); err != nil {
		s.removeRegion(region)
		s.insertFreeSpan(start, pages)
		return 0, err
	}

	return start, nil
}

// AllocFixed behaves like Alloc but at a caller-specified address, crushing
// any gap or region that overlaps [addr, addr+pages*PageSize). See
// DESIGN.md's alloc_fixed/gap-reconstruction decision for the exact
// crushing policy.
func (s *Space) AllocFixed(addr uintptr, pages uint32, flags RegionFlag) (uintptr, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	start := addr &^ uintptr(mem.PageSize-1)
	end := start + uintptr(pages)*uintptr(mem.PageSize)

	if pages == 0 || start < firstUsablePage || end > memSpaceEnd {
		return 0, errOutOfVirtualSpace
	}
	if start < heapBegin && end > kernelBegin {
		return 0, errRegionOverlapsKernel
	}

	if err := s.reclaimRange(start, end); err != nil {
		return 0, err
	}

	region := &Region{start: start, pages: pages, flags: flags}
	s.insertRegion(region)

	if err := s.materialize(region, preallocates(flags)); err != nil {
		s.removeRegion(region)
		s.insertFreeSpan(start, pages)
		return 0, err
	}

	return start, nil
}

// AllocKernelStack allocates an identity-mapped, preallocated, writable
// kernel stack of 2^order pages and returns the address of its last byte
// (the initial stack pointer).
func (s *Space) AllocKernelStack(order mem.PageOrder) (uintptr, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	pages := uint32(1) << order
	base, err := frameAllocFn(order)
	if err != nil {
		return 0, err
	}

	addr := base.Address()
	size := uintptr(pages) * uintptr(mem.PageSize)

	if err := s.reclaimRange(addr, addr+size); err != nil {
		frameFreeFn(base, order)
		return 0, err
	}

	region := &Region{start: addr, pages: pages, flags: FlagWrite | FlagStack | FlagIdentity}
	s.insertRegion(region)

	if err := s.materialize(region, true); err != nil {
		s.removeRegion(region)
		frameFreeFn(base, order)
		return 0, err
	}

	return addr + size - 1, nil
}

// Free locates the region covering [addr, addr+pages*PageSize), splits it
// around that range if the free is partial, and returns the freed range to
// the gap pool, coalescing with any address-adjacent gap. Physical pages
// exclusively owned by the freed extent are returned to the frame
// allocator; pages still referenced by a shared-list peer are left alone.
func (s *Space) Free(addr uintptr, pages uint32) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	region := s.findRegion(addr)
	if region == nil {
		return errNoSuchRegion
	}

	freeStart := addr
	freeEnd := addr + uintptr(pages)*uintptr(mem.PageSize)
	if freeStart < region.start || freeEnd > region.end() {
		return errNoSuchRegion
	}

	hasPeer := false
	if region.Shared() {
		if freeStart != region.start || pages != region.pages {
			return errCrushSharedRegion
		}
		hasPeer = region.sharedNext != region
		s.unshare(region)
	}

	if hasPeer {
		// The frames stay mapped by the peer; only this space's mappings go.
		for i := uint32(0); i < pages; i++ {
			page := vmm.PageFromAddress(freeStart + uintptr(i)*uintptr(mem.PageSize))
			if _, flags, err := s.pdt.Entry(page); err == nil && flags&vmm.FlagPresent != 0 {
				s.pdt.Unmap(page)
			}
		}
	} else {
		s.releasePages(freeStart, pages)
	}

	headPages := pagesBetween(region.start, freeStart)
	tailStart := freeEnd
	tailPages := pagesBetween(freeEnd, region.end())

	s.removeRegion(region)

	if headPages > 0 {
		s.insertRegion(&Region{start: region.start, pages: headPages, flags: region.flags})
	}
	if tailPages > 0 {
		s.insertRegion(&Region{start: tailStart, pages: tailPages, flags: region.flags})
	}

	s.insertFreeSpan(freeStart, pages)
	return nil
}

// CanAccess reports whether every page in [ptr, ptr+size) lies inside a
// region that grants the requested access: USER access requires FlagUser,
// and a write additionally requires FlagWrite.
func (s *Space) CanAccess(ptr uintptr, size mem.Size, write, user bool) bool {
	s.lock.Acquire()
	defer s.lock.Release()

	end := ptr + uintptr(size)
	addr := ptr &^ uintptr(mem.PageSize-1)
	for addr < end {
		region := s.findRegion(addr)
		if region == nil {
			return false
		}
		if user && region.flags&FlagUser == 0 {
			return false
		}
		if write && region.flags&FlagWrite == 0 {
			return false
		}
		addr = region.end()
	}
	return true
}

// CopyFrom copies len(dstKernel) bytes from this space's virtual memory,
// starting at srcVirt, into a kernel-side buffer.
func (s *Space) CopyFrom(dstKernel []byte, srcVirt uintptr) *kernel.Error {
	if len(dstKernel) == 0 {
		return nil
	}
	s.lock.Acquire()
	defer s.lock.Release()

	return s.copyPages(uintptr(unsafe.Pointer(&dstKernel[0])), srcVirt, mem.Size(len(dstKernel)), true)
}

// CopyTo copies srcKernel into this space's virtual memory starting at
// dstVirt.
func (s *Space) CopyTo(dstVirt uintptr, srcKernel []byte) *kernel.Error {
	if len(srcKernel) == 0 {
		return nil
	}
	s.lock.Acquire()
	defer s.lock.Release()

	return s.copyPages(dstVirt, uintptr(unsafe.Pointer(&srcKernel[0])), mem.Size(len(srcKernel)), false)
}

// copyPages walks the virtual side of the copy one page at a time,
// temporarily mapping whatever physical frame backs each page so its
// contents can be reached regardless of whether this space is the active
// one.
func (s *Space) copyPages(dstAddr, srcAddr uintptr, n mem.Size, fromSpace bool) *kernel.Error {
	var spaceAddr, kernelAddr uintptr
	if fromSpace {
		spaceAddr, kernelAddr = srcAddr, dstAddr
	} else {
		spaceAddr, kernelAddr = dstAddr, srcAddr
	}

	remaining := uint32(n)
	for remaining > 0 {
		page := vmm.PageFromAddress(spaceAddr)
		frame, flags, err := s.pdt.Entry(page)
		if err != nil || flags&vmm.FlagPresent == 0 {
			return errNoSuchRegion
		}

		pageOff := uint32(spaceAddr & uintptr(mem.PageSize-1))
		chunk := uint32(mem.PageSize) - pageOff
		if chunk > remaining {
			chunk = remaining
		}

		tmpPage, err := mapTemporaryFn(frame)
		if err != nil {
			return err
		}

		tmpAddr := tmpPage.Address() + uintptr(pageOff)
		if fromSpace {
			mem.Memcopy(tmpAddr, kernelAddr, mem.Size(chunk))
		} else {
			mem.Memcopy(kernelAddr, tmpAddr, mem.Size(chunk))
		}
		unmapFn(tmpPage)

		spaceAddr += uintptr(chunk)
		kernelAddr += uintptr(chunk)
		remaining -= chunk
	}
	return nil
}

// Clone duplicates every region and gap of s into a new space. Physical
// pages are not copied: each non-identity region's pages are re-mapped
// read-only with FlagCopyOnWrite in both the source and the clone, and the
// two regions are linked on a shared-list, per spec 4.5's clone contract
// and the whole-region-at-once CoW granularity decision in DESIGN.md.
// Identity regions (kernel stacks) are never shared - they are
// re-materialized straight from their own physical address in the clone.
func (s *Space) Clone() (*Space, *kernel.Error) {
	s.lock.Acquire()
	defer s.lock.Release()

	pdtFrame, err := frameAllocFn(0)
	if err != nil {
		return nil, err
	}

	clonePdt, err := newPageTable(pdtFrame)
	if err != nil {
		frameFreeFn(pdtFrame, 0)
		return nil, err
	}
	clone := &Space{pdt: clonePdt, pdtFrame: pdtFrame}

	for g := s.gaps; g != nil; g = g.listNext {
		clone.insertFreeSpanNoCoalesce(g.start, g.pages)
	}

	for r := s.regions; r != nil; r = r.listNext {
		cloned := &Region{start: r.start, pages: r.pages, flags: r.flags}
		clone.insertRegion(cloned)

		if r.flags&FlagIdentity != 0 {
			if err := clone.materialize(cloned, true); err != nil {
				clone.Destroy()
				return nil, err
			}
			continue
		}

		linkShared(r, cloned)

		for i := uint32(0); i < r.pages; i++ {
			pageAddr := r.start + uintptr(i)*uintptr(mem.PageSize)
			page := vmm.PageFromAddress(pageAddr)

			frame, curFlags, err := s.pdt.Entry(page)
			if err != nil || curFlags&vmm.FlagPresent == 0 {
				continue
			}

			roFlags := (curFlags &^ vmm.FlagRW) | vmm.FlagCopyOnWrite
			if err := s.pdt.Map(page, frame, roFlags); err != nil {
				clone.Destroy()
				return nil, err
			}
			if err := clone.pdt.Map(page, frame, roFlags); err != nil {
				clone.Destroy()
				return nil, err
			}
		}
	}

	return clone, nil
}

// Destroy releases every region's pages (unlinking rather than freeing
// those still shared with a live peer), drops every gap, and frees the
// page directory frame itself.
func (s *Space) Destroy() {
	s.lock.Acquire()
	defer s.lock.Release()

	for r := s.regions; r != nil; {
		next := r.listNext
		if r.Shared() {
			s.unshare(r)
		} else {
			s.releasePages(r.start, r.pages)
		}
		r = next
	}

	s.regions = nil
	s.gaps = nil
	s.usedTree = avl.Tree{}
	s.freeTree = avl.Tree{}

	frameFreeFn(s.pdtFrame, 0)
}

func preallocates(flags RegionFlag) bool {
	return flags&FlagStack != 0 && flags&FlagUser == 0
}
