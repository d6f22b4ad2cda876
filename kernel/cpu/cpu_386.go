// Package cpu exposes the handful of privileged instructions the kernel
// needs direct access to (interrupt masking, TLB and page directory control,
// CPU identification). Each function declared without a body here is
// implemented in the matching .s file.
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution until the next interrupt.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page directory to point to the specified physical
// address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page
// directory.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register (the faulting linear
// address, valid while handling a page-fault exception).
func ReadCR2() uintptr

// SetKernelStack installs esp0 as the ring-0 stack pointer in the active
// Task State Segment. The CPU consults this slot on the next ring
// 3 -> ring 0 transition (syscall or interrupt), so it must be refreshed on
// every context switch to point at the incoming process's kernel stack.
func SetKernelStack(esp0 uintptr)

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values placed in EAX,
// EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
