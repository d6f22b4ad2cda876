package main

import "github.com/vektor-os/vektor/kernel/kmain"

// multibootInfoPtr, kernelStart and kernelEnd are populated by the rt0
// assembly code before it calls main, using the values the bootloader left
// in EBX (multiboot info struct) and the linker-provided _kernel_start /
// _kernel_end symbols.
var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
)

// main is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function works as a trampoline for calling the
// actual kernel entrypoint (kmain.Kmain) and is intentionally defined to
// prevent the Go compiler from optimizing away the actual kernel code as
// it's not aware of the presence of the rt0 code.
//
// The main function is invoked by the rt0 assembly code after setting up the
// GDT and setting up a minimal g0 struct that allows Go code using the 4K
// stack allocated by the assembly code.
//
// main is not expected to return. If it does, the rt0 code will halt the CPU.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd)
}
