// Package bootmem implements a rudimentary physical frame allocator used to
// bootstrap the kernel before the buddy allocator (package buddy) takes over
// frame management.
package bootmem

import (
	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/hal/multiboot"
	"github.com/vektor-os/vektor/kernel/kfmt/early"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/pmm"
)

var (
	alloc bootMemAllocator

	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
)

// bootMemAllocator implements a single-frame-at-a-time physical memory
// allocator which is used to bootstrap the kernel.
//
// The allocator implementation uses the memory region information provided by
// the bootloader to detect free memory blocks and return the next available
// free frame.
//
// Allocations are tracked via an internal cursor that points to the last
// allocated frame. The system memory regions are mapped into a linear frame
// index by aligning the region start address to the system's page size and
// then dividing by the page size.
//
// Due to the way the allocator works, it is not possible to free allocated
// frames. Once the buddy allocator is initialized it replays the allocation
// count to mark the same frames as reserved in its own free lists and takes
// over frame management from there on.
type bootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame; it is set to
	// pmm.InvalidFrame before the first allocation is made.
	lastAllocFrame pmm.Frame
}

// Init sets up the boot memory allocator internal state and prints out the
// system memory map.
func Init() {
	alloc = bootMemAllocator{lastAllocFrame: pmm.InvalidFrame}
	alloc.printMemoryMap()
}

// printMemoryMap logs the bootloader-reported memory regions and the total
// amount of free memory.
func (alloc *bootMemAllocator) printMemoryMap() {
	early.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mem.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		early.Printf("\t[%10x - %10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mem.Size(region.Length)
		}
		return true
	})
	early.Printf("[boot_mem_alloc] free memory: %dKb\n", uint64(totalFree/mem.Kb))
}

// AllocFrame scans the system memory regions reported by the bootloader and
// reserves the next available free frame.
//
// AllocFrame returns an error if no more memory is available.
func (alloc *bootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	var (
		foundFrame                   = pmm.InvalidFrame
		regionStartFrame, regionEnd pmm.Frame
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		// Align region start address to a page boundary and find the start
		// and end frame indices for the region.
		pageSizeMinus1 := mem.PageSize - 1
		regionStartFrame = pmm.FromAddress(uintptr((mem.Size(region.PhysAddress) + pageSizeMinus1) &^ pageSizeMinus1))
		regionEnd = pmm.FromAddress(uintptr((mem.Size(region.PhysAddress+region.Length) - pageSizeMinus1) &^ pageSizeMinus1))

		// Ignore already allocated regions.
		if alloc.lastAllocFrame.IsValid() && alloc.lastAllocFrame >= regionEnd {
			return true
		}

		// We found a block that can be allocated. The last allocated frame
		// is either pointing at a previous region or inside this one. In the
		// first case we select the region start; in the latter case we pick
		// the next available frame in the current region.
		if !alloc.lastAllocFrame.IsValid() || alloc.lastAllocFrame < regionStartFrame {
			foundFrame = regionStartFrame
		} else {
			foundFrame = alloc.lastAllocFrame + 1
		}
		return false
	})

	if !foundFrame.IsValid() {
		return pmm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.allocCount++
	alloc.lastAllocFrame = foundFrame

	return foundFrame, nil
}

// AllocFrame reserves the next available frame using the package-level
// allocator instance created by Init.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return alloc.AllocFrame()
}

// AllocCount returns the number of frames handed out so far.
func AllocCount() uint64 {
	return alloc.allocCount
}

// Replay resets the allocator cursor and re-allocates the first n frames in
// allocation order, invoking visit for each one. This lets the buddy
// allocator discover exactly which frames bootmem consumed so it can mark
// them reserved in its own free lists during Init.
func Replay(n uint64, visit func(pmm.Frame)) {
	alloc = bootMemAllocator{lastAllocFrame: pmm.InvalidFrame}
	for i := uint64(0); i < n; i++ {
		frame, _ := alloc.AllocFrame()
		visit(frame)
	}
}
