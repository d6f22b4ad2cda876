package gate

import (
	"testing"

	"github.com/vektor-os/vektor/kernel/irq"
	"github.com/vektor-os/vektor/kernel/proc"
	"github.com/vektor-os/vektor/kernel/signal"
)

// schedFake stands in for package sched's scheduler state: handleTrap only
// ever touches it through currentFn/terminateFn/killFn/tickFn/switchFn, so
// a plain struct recording calls is enough - this package cannot reach
// sched's own unexported list/cursor state, nor should it need to.
type schedFake struct {
	current     *proc.Process
	terminated  []int32
	killed      []signal.Num
	tickCalls   int
	switchCalls int
	halted      bool
}

func withFakeTrapRuntime(t *testing.T) *schedFake {
	t.Helper()

	f := &schedFake{}

	origCurrent, origTerminate, origKill := currentFn, terminateFn, killFn
	origTick, origSwitch, origHalt := tickFn, switchFn, haltFn
	origPageFault, origInstr, origEOI := handlePageFaultFn, faultingInstructionFn, picEOIFn

	currentFn = func() *proc.Process { return f.current }
	terminateFn = func(p *proc.Process, status int32) { f.terminated = append(f.terminated, status) }
	killFn = func(p *proc.Process, sig signal.Num) { f.killed = append(f.killed, sig) }
	tickFn = func(*irq.Frame, *irq.Regs) *proc.Process { f.tickCalls++; return nil }
	switchFn = func(*proc.Process) bool { f.switchCalls++; return true }
	haltFn = func() { f.halted = true }
	handlePageFaultFn = func(*proc.Process, uintptr, uint32) bool { return false }
	faultingInstructionFn = func(*proc.Process, uint32) (byte, bool) { return 0, false }
	picEOIFn = func(irq.ExceptionNum) {}

	t.Cleanup(func() {
		currentFn, terminateFn, killFn = origCurrent, origTerminate, origKill
		tickFn, switchFn, haltFn = origTick, origSwitch, origHalt
		handlePageFaultFn, faultingInstructionFn, picEOIFn = origPageFault, origInstr, origEOI
	})

	return f
}

func TestHandleTrapPanicsWithNoRunningProcess(t *testing.T) {
	f := withFakeTrapRuntime(t)
	f.current = nil

	panicked := false
	origPanic := kernelPanicFn
	kernelPanicFn = func(interface{}) { panicked = true }
	defer func() { kernelPanicFn = origPanic }()

	handleTrap(irq.DivideByZero, 0, &irq.Frame{}, &irq.Regs{})

	if !panicked {
		t.Fatal("expected a panic with no current process")
	}
	if f.tickCalls != 0 {
		t.Fatal("expected no reschedule after a panic")
	}
}

func TestHandleTrapPanicsOnUnsafeReentry(t *testing.T) {
	f := withFakeTrapRuntime(t)
	f.current = &proc.Process{Syscalling: true}

	panicked := false
	origPanic := kernelPanicFn
	kernelPanicFn = func(interface{}) { panicked = true }
	defer func() { kernelPanicFn = origPanic }()

	handleTrap(irq.DivideByZero, 0, &irq.Frame{}, &irq.Regs{})

	if !panicked {
		t.Fatal("expected a panic when syscalling and the vector is not page fault")
	}
}

func TestHandleTrapAllowsPageFaultDuringSyscall(t *testing.T) {
	f := withFakeTrapRuntime(t)
	f.current = &proc.Process{Syscalling: true}
	handlePageFaultFn = func(*proc.Process, uintptr, uint32) bool { return true }

	handleTrap(irq.PageFaultException, 0, &irq.Frame{}, &irq.Regs{})

	if len(f.killed) != 0 {
		t.Fatal("expected no signal delivered when the fault resolved cleanly")
	}
	if f.tickCalls != 1 {
		t.Fatal("expected the scheduler to be re-entered after handling")
	}
}

func TestHandleTrapDeliversSIGSEGVOnUnresolvedPageFault(t *testing.T) {
	f := withFakeTrapRuntime(t)
	f.current = &proc.Process{}
	handlePageFaultFn = func(*proc.Process, uintptr, uint32) bool { return false }

	handleTrap(irq.PageFaultException, 0xdead, &irq.Frame{}, &irq.Regs{})

	if len(f.killed) != 1 || f.killed[0] != signal.SIGSEGV {
		t.Fatalf("expected a SIGSEGV delivery, got %v", f.killed)
	}
}

func TestHandleTrapInterpretsHLTAsProcessExit(t *testing.T) {
	f := withFakeTrapRuntime(t)
	f.current = &proc.Process{}
	faultingInstructionFn = func(*proc.Process, uint32) (byte, bool) { return hltOpcode, true }

	handleTrap(irq.GPFException, 0, &irq.Frame{}, &irq.Regs{EAX: 42})

	if len(f.terminated) != 1 || f.terminated[0] != 42 {
		t.Fatalf("expected process_exit with status 42, got %v", f.terminated)
	}
	if len(f.killed) != 0 {
		t.Fatal("expected no signal delivered for the HLT-exit special case")
	}
}

func TestHandleTrapDeliversMappedSignalForOrdinaryGPF(t *testing.T) {
	f := withFakeTrapRuntime(t)
	f.current = &proc.Process{}
	faultingInstructionFn = func(*proc.Process, uint32) (byte, bool) { return 0x90, true } // NOP, not HLT

	handleTrap(irq.GPFException, 0, &irq.Frame{}, &irq.Regs{})

	if len(f.killed) != 1 || f.killed[0] != signal.SIGSEGV {
		t.Fatalf("expected SIGSEGV for a non-HLT general protection fault, got %v", f.killed)
	}
}

func TestHandleTrapMapsNMIToSIGINT(t *testing.T) {
	f := withFakeTrapRuntime(t)
	f.current = &proc.Process{}

	handleTrap(nmiVector, 0, &irq.Frame{}, &irq.Regs{})

	if len(f.killed) != 1 || f.killed[0] != signal.SIGINT {
		t.Fatalf("expected SIGINT for the NMI vector, got %v", f.killed)
	}
}

func TestHandleTrapReschedulesAndHaltsWhenNothingRunnable(t *testing.T) {
	f := withFakeTrapRuntime(t)
	f.current = &proc.Process{}

	handleTrap(irq.InvalidOpcode, 0, &irq.Frame{}, &irq.Regs{})

	if len(f.killed) != 1 || f.killed[0] != signal.SIGILL {
		t.Fatalf("expected SIGILL for an invalid opcode, got %v", f.killed)
	}
	if !f.halted {
		t.Fatal("expected the CPU to halt when tickFn reports nothing runnable")
	}
}

func TestHandleTimerTickReschedules(t *testing.T) {
	f := withFakeTrapRuntime(t)

	HandleTimerTick(&irq.Frame{}, &irq.Regs{})

	if f.tickCalls != 1 {
		t.Fatal("expected the timer tick to invoke the scheduler")
	}
}
