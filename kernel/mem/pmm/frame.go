// Package pmm contains the types shared by every physical memory frame
// allocator in the kernel (the early bootmem allocator and the buddy
// allocator).
package pmm

import (
	"math"

	"github.com/vektor-os/vektor/kernel/mem"
)

// Frame describes a physical memory page index. Physical addresses in this
// kernel are 32-bit (no PAE), so a Frame comfortably fits a uint32.
type Frame uint32

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint32)
)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FromAddress returns the Frame that contains the given physical address.
// The address is rounded down to the containing page if not already
// page-aligned.
func FromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
