package vmm

import (
	"unsafe"

	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/pmm"
)

var (
	// nextAddrFn is used by tests to override the nextTableAddr
	// calculations used by Map. When compiling the kernel this function
	// will be automatically inlined.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = flushTLBEntry

	// earlyReserveRegionFn is used by tests to override calls to
	// EarlyReserveRegion.
	earlyReserveRegionFn = EarlyReserveRegion

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}

	// errAttemptToRWMapReservedFrame is returned by Map when the caller
	// tries to establish a non-copy-on-write, writable mapping to
	// ReservedZeroedFrame. This frame is shared read-only across the
	// entire system and must never be written to in place.
	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "attempted to establish a writable mapping to the reserved zeroed frame"}

	// ReservedZeroedFrame points to a single physical frame, filled with
	// zeroes, that is reserved during Init. It is used as the backing
	// frame for lazily-allocated, copy-on-write pages (e.g. BSS pages and
	// anonymous demand-zero mappings) until the page is actually written
	// to, at which point the page fault handler allocates a private copy.
	ReservedZeroedFrame pmm.Frame

	// protectReservedZeroedPage is set to true once ReservedZeroedFrame
	// has been initialized by Init, enabling the RW/CoW guard in Map.
	protectReservedZeroedPage bool
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// frameAllocator points to the function used by Map to obtain physical
// frames for intermediate page tables. It is configured via
// SetFrameAllocator once the buddy allocator has been bootstrapped.
var frameAllocator FrameAllocatorFn

// SetFrameAllocator registers the function that Map will use whenever it
// needs to allocate a physical frame for a missing intermediate page table.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active page directory table. Calls to Map use
// the registered frame allocator to initialize missing page tables at each
// paging level supported by the MMU.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame &&
		flags&FlagRW != 0 && flags&FlagCopyOnWrite == 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame pmm.Frame
			newTableFrame, err = frameAllocator()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The next pte entry becomes available but we need to
			// make sure that the new page is properly cleared
			nextTableAddr := (uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1])
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapRegion reserves a range of virtual addresses large enough to hold size
// bytes, maps it page by page to consecutive offsets starting at frame and
// returns the page that the region begins at.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	regionAddr, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := uintptr(size+mem.PageSize-1) >> mem.PageShift
	startPage := PageFromAddress(regionAddr)

	for i := uintptr(0); i < pageCount; i++ {
		curPage := Page(uintptr(startPage) + i)
		curFrame := pmm.Frame(uintptr(frame) + i)
		if err = Map(curPage, curFrame, flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address overwriting any previous mapping. The temporary
// mapping mechanism is primarily used by the kernel to access and initialize
// inactive page tables.
func MapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	if err := Map(PageFromAddress(tempMappingAddr), frame, FlagRW); err != nil {
		return 0, err
	}

	return PageFromAddress(tempMappingAddr), nil
}

// Unmap removes a mapping previously installed via a call to Map or MapTemporary.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}
