package vmm

import (
	"unsafe"

	"github.com/vektor-os/vektor/kernel/mem"
)

// ptePtrFn returns a pointer to the page table entry with the given virtual
// address. It is a package-level variable so tests can stub out the actual
// memory access.
var ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(entryAddr)
}

// pageTableWalker is invoked by walk for each page table level that is
// visited while resolving a virtual address. It returns true to continue the
// walk to the next level or false to abort it.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk traverses the active page table hierarchy, starting from the
// recursively-mapped page directory, resolving the entry that corresponds to
// each level of virtAddr's translation and invoking walkFn with it. Callers
// can abort the walk early by returning false from walkFn.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                         uint8
		tableAddr, entryAddr          uintptr
		entryIndex                    uintptr
		ok                            bool
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}
