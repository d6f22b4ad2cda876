package vmm

import (
	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/mem"
	"github.com/vektor-os/vektor/kernel/mem/pmm"
)

// ErrInvalidMapping is returned by Translate when the supplied virtual
// address does not point to mapped physical memory.
var ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

// PageTableEntryFlag describes a bit flag that can be set on a page table
// entry.
type PageTableEntryFlag uintptr

// pageTableEntry represents a page table or page directory entry.
type pageTableEntry uintptr

// HasFlags returns true if this page table entry has all the specified
// flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this page table entry has at least one of the
// specified flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the specified flags on this page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags clears the specified flags on this page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical frame this page table entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the physical frame this page table entry points to,
// preserving its flags.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// pteForAddress returns a pointer to the page table entry that is
// responsible for mapping virtAddr. If an intermediate page table is not
// present, ErrInvalidMapping is returned.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		targetPte *pageTableEntry
		err       *kernel.Error
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			targetPte = pte
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		return true
	})

	if err != nil {
		return nil, err
	}

	return targetPte, nil
}
