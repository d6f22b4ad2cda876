package vmm

const (
	// pageLevels is the number of page table levels the i386 MMU walks
	// without PAE: a page directory and a single level of page tables.
	pageLevels = 2

	// ptePhysPageMask extracts the physical frame address encoded in a
	// page table entry. Bits 12-31 contain the physical address; the low
	// 12 bits are reserved for flags.
	ptePhysPageMask = uintptr(0xfffff000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical page mappings (e.g. when mapping an inactive PDT page to
	// initialize it). It sits one page table entry below pdtVirtualAddr
	// inside the same recursively mapped page table, at PD index 1023,
	// PT index 1022.
	tempMappingAddr = uintptr(0xfffff000 - (1 << 12))
)

var (
	// pdtVirtualAddr exploits the recursive mapping installed in the last
	// PDT entry (index 1023) to let the kernel access the active page
	// directory as if it were an ordinary page table: with both the PD
	// and PT index components of the virtual address set to 1023, the
	// MMU's own walk lands back on the PDT itself.
	pdtVirtualAddr = uintptr(0xfffff000)

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. i386 (no PAE) uses 10 bits per
	// level, giving 1024 entries per table.
	pageLevelBits = [pageLevels]uint8{10, 10}

	// pageLevelShifts defines the shift required to extract each page
	// level's index component from a virtual address.
	pageLevelShifts = [pageLevels]uint8{22, 12}
)

const (
	// FlagPresent is set when the page is available in memory and not
	// swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this
	// page. If not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage marks a page directory entry as pointing directly to
	// a 4MB page instead of a page table (requires CR4.PSE). This kernel
	// does not set up any 4MB mappings; the flag is only checked for to
	// reject huge-page entries it did not create itself.
	FlagHugePage

	// FlagGlobal, if set, prevents the TLB from flushing the cached
	// translation for this page when CR3 is reloaded.
	FlagGlobal

	// FlagCopyOnWrite is a kernel-reserved bit (ignored by the MMU, which
	// only looks at the low 5 flag bits plus accessed/dirty) used to
	// implement copy-on-write. Mutually exclusive with FlagRW.
	FlagCopyOnWrite = 1 << 9

	// FlagNoExecute has no hardware meaning on i386 without PAE/NX
	// support; the kernel keeps the bit as a software-only marker so
	// code written against the common vmm API (and goruntime/bootstrap.go
	// in particular) does not need a build-tag split, but it is never
	// consulted by the MMU.
	FlagNoExecute = 1 << 10
)
