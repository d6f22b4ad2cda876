package vmm

import (
	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/mem"
)

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// Init reserves the zeroed frame that every lazily-backed or copy-on-write
// mapping points at until it is first written (kernel/mem/memspace's
// materializeRange/resolveLazyFault). Page fault and general protection
// fault dispatch is package gate's responsibility: it routes through
// whichever *memspace.Space owns the faulting process, something this
// package's global, process-less fault handlers predate.
func Init() *kernel.Error {
	return reserveZeroedFrame()
}
