// Package buddy implements a binary-buddy physical frame allocator. It is
// seeded once at boot with the frames the bootmem allocator (package
// bootmem) has already handed out and then becomes the kernel's sole source
// of physical frames: slab caches, kmalloc's large-chunk path and the vmm
// page-table allocator all draw frames from here.
package buddy

import (
	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/hal/multiboot"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/pmm"
	"github.com/vektor-os/vektor/kernel/mem/pmm/bootmem"
	"github.com/vektor-os/vektor/kernel/sync"
)

var (
	errInvalidOrder  = &kernel.Error{Module: "buddy", Message: "order exceeds mem.MaxOrder"}
	errOutOfMemory   = &kernel.Error{Module: "buddy", Message: "no free block of the requested order"}
	errRangeTooSmall = &kernel.Error{Module: "buddy", Message: "no free block of the requested order inside the given range"}

	lock sync.IRQSpinlock

	// freeListHead[k] is the frame at the head of the doubly-linked free
	// list for order k, or pmm.InvalidFrame if that list is empty.
	freeListHead [mem.MaxOrder + 1]pmm.Frame

	// descriptors holds one entry per tracked physical frame, indexed by
	// frame number. Unlike a bitmap-scanning allocator, the descriptor
	// carries the free-list linkage directly (it is the allocator's
	// intrusive node) so split/merge never touches the frame's own bytes -
	// a frame that is about to be handed out is never read or written by
	// the allocator itself.
	descriptors []frameDescriptor

	// OOMHandler, when set, is invoked after Alloc (and so AllocZero)
	// fails to locate a suitable free block; AllocInRange does not call
	// it. It should free up memory (for
	// example by tearing down the least important process) and return true
	// to indicate the caller should retry the allocation once more. Wired
	// by the scheduler package during bootstrap; left nil it leaves OOM
	// allocation failures as plain errors.
	OOMHandler func() bool

	// memsetFn backs AllocZero; overridden in tests since frame addresses
	// in a hosted test process do not point at memory the process owns.
	memsetFn = mem.Memset
)

// frameDescriptor is the allocator's intrusive free-list node for one
// physical frame.
type frameDescriptor struct {
	free       bool
	order      mem.PageOrder
	prev, next pmm.Frame
}

func desc(f pmm.Frame) *frameDescriptor {
	return &descriptors[uint32(f)]
}

func tracked(f pmm.Frame) bool {
	return uint32(f) < uint32(len(descriptors))
}

// isFreeBlockHead reports whether frame f is currently the head of a free
// block of exactly the given order.
func isFreeBlockHead(f pmm.Frame, order mem.PageOrder) bool {
	if !tracked(f) {
		return false
	}
	d := desc(f)
	return d.free && d.order == order
}

func pushFront(order mem.PageOrder, f pmm.Frame) {
	d := desc(f)
	d.free = true
	d.order = order
	d.prev = pmm.InvalidFrame
	d.next = freeListHead[order]
	if d.next.IsValid() {
		desc(d.next).prev = f
	}
	freeListHead[order] = f
}

// unlink removes frame f, known to be the head of a free block of the given
// order, from that order's free list.
func unlink(order mem.PageOrder, f pmm.Frame) {
	d := desc(f)
	if d.prev.IsValid() {
		desc(d.prev).next = d.next
	} else {
		freeListHead[order] = d.next
	}
	if d.next.IsValid() {
		desc(d.next).prev = d.prev
	}
	d.free = false
}

func popFront(order mem.PageOrder) pmm.Frame {
	f := freeListHead[order]
	if f.IsValid() {
		unlink(order, f)
	}
	return f
}

// buddyOf returns the buddy of frame f at the given order: the two share a
// parent block at order+1 and differ in bit `order` of their frame number.
func buddyOf(f pmm.Frame, order mem.PageOrder) pmm.Frame {
	return pmm.Frame(uint32(f) ^ (1 << uint(order)))
}

// Init resets the allocator's free lists and populates them from the
// bootloader-reported memory map, skipping exactly the frames the bootmem
// allocator has already handed out (which includes every frame occupied by
// the kernel image, since the bootstrap code used bootmem to set up the
// kernel's own page tables before Init is called).
func Init() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	var highestFrame pmm.Frame
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}
		end := pmm.FromAddress(uintptr(region.PhysAddress + region.Length))
		if end > highestFrame {
			highestFrame = end
		}
		return true
	})

	descriptors = make([]frameDescriptor, highestFrame+1)
	for order := range freeListHead {
		freeListHead[order] = pmm.InvalidFrame
	}

	var (
		alreadyConsumed = bootmem.AllocCount()
		seen            uint64
	)

	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		pageSizeMinus1 := mem.PageSize - 1
		startFrame := pmm.FromAddress(uintptr((mem.Size(region.PhysAddress) + pageSizeMinus1) &^ pageSizeMinus1))
		endFrame := pmm.FromAddress(uintptr((mem.Size(region.PhysAddress + region.Length)) &^ pageSizeMinus1))

		for f := startFrame; f < endFrame; f++ {
			if seen < alreadyConsumed {
				seen++
				continue
			}
			freeLocked(f, 0)
		}
		return true
	})

	return nil
}

// Alloc reserves a frame-aligned block of 2^order contiguous frames.
func Alloc(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	frame, err := allocLocked(order)
	if err != nil && OOMHandler != nil && OOMHandler() {
		frame, err = allocLocked(order)
	}
	return frame, err
}

// AllocZero behaves like Alloc but additionally zero-fills the returned
// block.
func AllocZero(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	frame, err := Alloc(order)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	memsetFn(frame.Address(), 0, mem.PageSize<<order)
	return frame, nil
}

// AllocInRange behaves like Alloc but restricts the search to blocks that
// fit entirely within the physical address window [begin, end).
func AllocInRange(order mem.PageOrder, begin, end uintptr) (pmm.Frame, *kernel.Error) {
	lock.Acquire()
	defer lock.Release()

	if order > mem.MaxOrder {
		return pmm.InvalidFrame, errInvalidOrder
	}

	srcOrder, frame := findInRange(order, begin, end)
	if !frame.IsValid() {
		return pmm.InvalidFrame, errRangeTooSmall
	}

	unlink(srcOrder, frame)
	return splitDown(frame, srcOrder, order), nil
}

func findInRange(minOrder mem.PageOrder, begin, end uintptr) (mem.PageOrder, pmm.Frame) {
	for k := minOrder; k <= mem.MaxOrder; k++ {
		blockSize := uintptr(mem.PageSize) << uint(k)
		for f := freeListHead[k]; f.IsValid(); f = desc(f).next {
			addr := f.Address()
			if addr >= begin && addr+blockSize <= end {
				return k, f
			}
		}
	}
	return 0, pmm.InvalidFrame
}

// Free returns a previously allocated block to the allocator. order must
// match the order supplied to the Alloc* call that produced frame; the
// block is coalesced with its buddy recursively for as long as the buddy is
// also free.
func Free(frame pmm.Frame, order mem.PageOrder) *kernel.Error {
	if order > mem.MaxOrder {
		return errInvalidOrder
	}

	lock.Acquire()
	defer lock.Release()

	freeLocked(frame, order)
	return nil
}

func allocLocked(order mem.PageOrder) (pmm.Frame, *kernel.Error) {
	if order > mem.MaxOrder {
		return pmm.InvalidFrame, errInvalidOrder
	}

	k := order
	for k <= mem.MaxOrder && !freeListHead[k].IsValid() {
		k++
	}
	if k > mem.MaxOrder {
		return pmm.InvalidFrame, errOutOfMemory
	}

	frame := popFront(k)
	return splitDown(frame, k, order), nil
}

// splitDown repeatedly halves a block found at order srcOrder until a block
// of order dstOrder remains, pushing the unused upper halves onto their own
// free lists. The returned block's address is the lower half at every step,
// giving deterministic address assignment.
func splitDown(frame pmm.Frame, srcOrder, dstOrder mem.PageOrder) pmm.Frame {
	for k := srcOrder; k > dstOrder; k-- {
		half := pmm.Frame(1 << uint(k-1))
		pushFront(k-1, frame+half)
	}
	return frame
}

func freeLocked(frame pmm.Frame, order mem.PageOrder) {
	k := order
	for k < mem.MaxOrder {
		buddy := buddyOf(frame, k)
		if !isFreeBlockHead(buddy, k) {
			break
		}
		unlink(k, buddy)
		if buddy < frame {
			frame = buddy
		}
		k++
	}
	pushFront(k, frame)
}
