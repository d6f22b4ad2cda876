// Package gate installs the i386 interrupt descriptor table entries that
// route CPU exceptions and the timer IRQ into this kernel's Go-level
// handlers (spec.md 4.7). It owns the fixed exception-to-signal table and
// the trap-handling sequence that consults it; the gate descriptors
// themselves and the low-level entry stubs they point at are implemented in
// the matching .s file, the same split package irq already draws between
// "what handler runs" and "the assembly that gets it there".
package gate

import (
	"github.com/vektor-os/vektor/kernel"
	"github.com/vektor-os/vektor/kernel/cpu"
	"github.com/vektor-os/vektor/kernel/irq"
	"github.com/vektor-os/vektor/kernel/proc"
	"github.com/vektor-os/vektor/kernel/sched"
	"github.com/vektor-os/vektor/kernel/signal"
)

// noSignal marks an exception vector spec.md's table routes to a kernel
// panic rather than a signal.
const noSignal = -1

// exceptionSignal is spec.md 4.7's fixed table: each of the 32 CPU
// exception vectors maps to a POSIX-style signal number or noSignal. NMI is
// this kernel's console-interrupt analog (there is no dedicated "user
// pressed the interrupt key" vector among the 32 CPU exceptions), so it is
// the one vector mapped to SIGINT rather than left a panic.
var exceptionSignal = [32]int8{
	0:  int8(signal.SIGFPE),  // divide-by-zero
	1:  int8(signal.SIGTRAP), // debug
	2:  noSignal,             // NMI: treated as SIGINT below, not a signal-table lookup
	3:  int8(signal.SIGTRAP), // breakpoint (INT3)
	4:  int8(signal.SIGFPE),  // overflow
	5:  int8(signal.SIGFPE),  // bound range exceeded
	6:  int8(signal.SIGILL),  // invalid opcode
	7:  noSignal,             // device not available (no FPU lazy-restore)
	8:  noSignal,             // double fault
	9:  noSignal,             // legacy coprocessor segment overrun
	10: noSignal,             // invalid TSS
	11: noSignal,             // segment not present
	12: noSignal,             // stack-segment fault
	13: int8(signal.SIGSEGV), // general protection fault (HLT-exit handled before lookup)
	14: int8(signal.SIGSEGV), // page fault (resolved before lookup; see handlePageFault)
	15: noSignal,
	16: int8(signal.SIGFPE), // x87 floating point
	17: noSignal,            // alignment check
	18: noSignal,            // machine check
	19: int8(signal.SIGFPE), // SIMD floating point
	20: noSignal,            // virtualization exception
	21: noSignal,
	22: noSignal,
	23: noSignal,
	24: noSignal,
	25: noSignal,
	26: noSignal,
	27: noSignal,
	28: noSignal,
	29: noSignal,
	30: noSignal, // security exception
	31: noSignal,
}

// nmiVector is the one exception vector this kernel maps to SIGINT instead
// of consulting exceptionSignal.
const nmiVector = irq.ExceptionNum(2)

// hltOpcode is the byte General Protection faults on when the faulting
// instruction is HLT, spec.md 4.7's "user process requests exit" signal.
const hltOpcode = 0xf4

var errUnhandledTrap = &kernel.Error{Module: "gate", Message: "unhandled exception in an unsafe or processless context"}

// picEOIFn sends the PIC end-of-interrupt for the vector just handled;
// overridden in tests and, until a PIC driver exists, a no-op placeholder
// in production (the PIC is this kernel's external collaborator per
// spec.md 1's scope note).
var picEOIFn = func(vector irq.ExceptionNum) {}

// faultingInstructionFn reads the byte at frame.EIP in the faulting
// process's address space, used only to detect the HLT-exit special case.
// Overridden in tests.
var faultingInstructionFn = func(p *proc.Process, eip uint32) (byte, bool) {
	var buf [1]byte
	if err := p.Space.CopyFrom(buf[:], uintptr(eip)); err != nil {
		return 0, false
	}
	return buf[0], true
}

// handlePageFaultFn, currentFn, terminateFn, killFn, tickFn, switchFn and
// haltFn wrap every call this package makes into package sched, package cpu
// or a process's *memspace.Space. Tests override all of them: a gate test
// constructs plain &proc.Process{} values with no real Space to dereference
// and cannot call sched's package-private scheduler state directly from a
// different package, so it substitutes its own scheduler stand-in here
// instead.
var (
	handlePageFaultFn = func(p *proc.Process, addr uintptr, code uint32) bool {
		return p.Space.HandlePageFault(addr, code)
	}
	currentFn   = sched.Current
	terminateFn = sched.Terminate
	killFn      = sched.Kill
	tickFn      = sched.Tick
	switchFn    = sched.Switch
	haltFn      = cpu.Halt

	// kernelPanicFn is kernel.Panic, which halts and never returns;
	// overridden in tests so a panicking trap doesn't hang the test binary.
	kernelPanicFn = kernel.Panic
)

// Init loads the IDT via installIDT and then registers handleTrap for every
// one of the 32 exception vectors.
func Init() {
	installIDT()

	for v := 0; v < 32; v++ {
		num := irq.ExceptionNum(v)
		if num == irq.GPFException || num == irq.PageFaultException {
			irq.HandleExceptionWithCode(num, withCodeHandler(num))
		} else {
			irq.HandleException(num, withoutCodeHandler(num))
		}
	}
}

// withoutCodeHandler binds num into an irq.ExceptionHandler, since the
// registered function signature carries no vector number of its own.
func withoutCodeHandler(num irq.ExceptionNum) irq.ExceptionHandler {
	return func(frame *irq.Frame, regs *irq.Regs) {
		handleTrap(num, 0, frame, regs)
	}
}

// withCodeHandler is withoutCodeHandler's counterpart for the two vectors
// that push a hardware error code.
func withCodeHandler(num irq.ExceptionNum) irq.ExceptionHandlerWithCode {
	return func(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
		handleTrap(num, errorCode, frame, regs)
	}
}

// handleTrap implements spec.md 4.7's six-step handling sequence for one
// CPU exception.
func handleTrap(num irq.ExceptionNum, errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	current := currentFn()

	// Step 1: the register snapshot is already in frame/regs - the trap
	// gate's common stub took it before calling into Go.

	// Step 2: panic conditions.
	if current == nil || unsafeToHandle(num, current) {
		kernelPanicFn(errUnhandledTrap)
		return
	}
	sig := signalFor(num)
	if sig == noSignal && num != nmiVector {
		kernelPanicFn(errUnhandledTrap)
		return
	}

	switch {
	case num == irq.GPFException && isHLTExit(current, frame):
		// Step 3: GP + HLT is a user process requesting exit, EAX as status.
		terminateFn(current, int32(regs.EAX))

	case num == irq.PageFaultException:
		// Step 4: route to the memory-space fault handler first.
		if !handlePageFaultFn(current, cpu.ReadCR2(), uint32(errorCode)) {
			killFn(current, signal.SIGSEGV)
		}

	case num == nmiVector:
		killFn(current, signal.SIGINT)

	default:
		// Step 5: deliver the mapped signal.
		killFn(current, signal.Num(sig))
	}

	// Step 6: send the PIC EOI and re-enter the scheduler loop.
	picEOIFn(num)
	reschedule(frame, regs)
}

// unsafeToHandle reports whether the interrupted context cannot safely take
// this exception: spec.md 4.7's "victim was executing kernel code not
// re-entrantly safe" clause, which exempts the page fault vector (the
// memory-space fault handler is written to be safe to call from a
// syscall's context, e.g. a copy_from_user-style helper faulting on a
// lazily-backed user page).
func unsafeToHandle(num irq.ExceptionNum, current *proc.Process) bool {
	return current.Syscalling && num != irq.PageFaultException
}

// signalFor looks up exceptionSignal, or noSignal for a vector outside the
// table (defensive; Init only ever registers vectors 0-31).
func signalFor(num irq.ExceptionNum) int8 {
	if int(num) >= len(exceptionSignal) {
		return noSignal
	}
	return exceptionSignal[num]
}

// isHLTExit reports whether a general-protection fault was caused by
// executing HLT, spec.md 4.7's process-exit special case.
func isHLTExit(current *proc.Process, frame *irq.Frame) bool {
	b, ok := faultingInstructionFn(current, frame.EIP)
	return ok && b == hltOpcode
}

// reschedule picks the next process to run (or halts) after a trap has been
// fully handled, the same re-entry the timer IRQ triggers.
func reschedule(frame *irq.Frame, regs *irq.Regs) {
	next := tickFn(frame, regs)
	if next == nil {
		haltFn()
		return
	}
	switchFn(next)
}

// HandleTimerTick is registered (by whatever installs the IRQ0 gate, e.g.
// the bootstrap the core does not own) as the timer interrupt's Go-level
// handler. It runs spec.md 4.6's tick algorithm and either resumes the
// chosen process or halts.
func HandleTimerTick(frame *irq.Frame, regs *irq.Regs) {
	picEOIFn(irq.ExceptionNum(32))
	reschedule(frame, regs)
}
