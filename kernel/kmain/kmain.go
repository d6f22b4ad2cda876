package kmain

import (
	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/gate"
	"github.com/vektor-os/vektor/kernel/hal"
	"github.com/vektor-os/vektor/kernel/hal/multiboot"
	"github.com/vektor-os/vektor/kernel/mem/pmm/bootmem"
	"github.com/vektor-os/vektor/kernel/mem/pmm/buddy"
	"github.com/vektor-os/vektor/kernel/mem/vmm"
	"github.com/vektor-os/vektor/kernel/sched"

	_ "github.com/vektor-os/vektor/kernel/goruntime"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, _, _ uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()

	// bootmem hands out frames one at a time until buddy.Init replays its
	// allocation count and takes over frame management (kernel/mem/pmm/buddy
	// and kernel/mem/pmm/bootmem's package docs).
	bootmem.Init()

	var err *kernel.Error
	if err = buddy.Init(); err != nil {
		panic(err)
	} else if err = vmm.Init(); err != nil {
		panic(err)
	}

	// gate.Init wires trap dispatch (page faults, GP faults, the rest of
	// the 32-vector table) over the per-process memspace.Space state that
	// proc/sched/memspace establish; sched.Bootstrap lets the buddy
	// allocator kill a process to recover from an allocation failure.
	gate.Init()
	sched.Bootstrap()

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
