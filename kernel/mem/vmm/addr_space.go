package vmm

import (
	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/mem"
)

var (
	// earlyReserveLastUsed tracks the lowest virtual address handed out so
	// far by EarlyReserveRegion. Reservations grow downwards from
	// tempMappingAddr, the top of the address range the recursive mapping
	// trick leaves free for ad hoc use.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned range of virtual addresses of
// at least size bytes without mapping any physical memory to it. It is used
// by the boot-time allocators to carve out a virtual address for a region
// before its backing frames are known.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) & ^(mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
