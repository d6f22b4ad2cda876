// Package sched implements the kernel's scheduler and context switch
// (spec.md 4.6): the WAITING-process list and cursor, quantum accounting,
// the timer-tick algorithm and the four-step context-switch sequence. It
// also wires the buddy allocator's OOM hook to kill the most memory-hungry
// process, and delivers queued signals at the kernel-to-user boundary.
package sched

import (
	"github.com/vektor-os/vektor/kernel/cpu"
	"github.com/vektor-os/vektor/kernel/irq"
	"github.com/vektor-os/vektor/kernel/mem/pmm/buddy"
	"github.com/vektor-os/vektor/kernel/proc"
	"github.com/vektor-os/vektor/kernel/signal"
	"github.com/vektor-os/vektor/kernel/sync"
)

// oomExitStatus is the ExitStatus recorded for a process the OOM killer
// terminates. It carries no meaning beyond "not a voluntary exit code".
const oomExitStatus = -1

var (
	lock sync.IRQSpinlock

	// listHead/cursor form the single doubly-linked list of WAITING
	// processes spec.md 4.6 names, spliced the same way
	// memspace/region.go's shared-region ring is: circular, so advancing
	// past the last node wraps to the first without a special case.
	listHead *proc.Process
	cursor   *proc.Process

	// current is the RUNNING process, or nil if the CPU is halted with
	// nothing runnable.
	current *proc.Process

	// resumeFn performs the final two steps of the context-switch
	// algorithm (restore registers, interrupt-return to the appropriate
	// ring); overridden in tests, which cannot execute an IRET.
	resumeFn = resumeContext

	// setKernelStackFn and activateSpaceFn perform the context-switch
	// algorithm's TSS and page-directory steps; overridden in tests, since
	// test processes carry no real *memspace.Space to activate.
	setKernelStackFn = cpu.SetKernelStack
	activateSpaceFn  = func(p *proc.Process) { p.Space.Activate() }

	// allProcsFn and residentPagesFn back the OOM-killer victim scan;
	// overridden in tests with processes that carry no real
	// *memspace.Space to query.
	allProcsFn      = proc.All
	residentPagesFn = func(p *proc.Process) uint32 { return p.Space.ResidentPages() }
)

// quantumFor returns a process's quantum count: 128 + priority, clamped to
// at least 1 so a very low priority can never starve entirely.
func quantumFor(p *proc.Process) uint32 {
	q := int32(128) + int32(p.Priority)
	if q < 1 {
		q = 1
	}
	return uint32(q)
}

// enqueueLocked splices p into the WAITING ring. Called with lock held.
func enqueueLocked(p *proc.Process) {
	if listHead == nil {
		p.SchedNext, p.SchedPrev = p, p
		listHead, cursor = p, p
		return
	}
	p.SchedNext = listHead
	p.SchedPrev = listHead.SchedPrev
	listHead.SchedPrev.SchedNext = p
	listHead.SchedPrev = p
}

// dequeueLocked removes p from the WAITING ring. Called with lock held; p
// must currently be linked (enqueueLocked was called and dequeueLocked has
// not been called since).
func dequeueLocked(p *proc.Process) {
	if p.SchedNext == p {
		listHead, cursor = nil, nil
	} else {
		p.SchedPrev.SchedNext = p.SchedNext
		p.SchedNext.SchedPrev = p.SchedPrev
		if listHead == p {
			listHead = p.SchedNext
		}
		if cursor == p {
			cursor = p.SchedNext
		}
	}
	p.SchedNext, p.SchedPrev = nil, nil
}

// waitLocked links p into the WAITING ring and marks it WAITING. Called
// with lock held.
func waitLocked(p *proc.Process) {
	enqueueLocked(p)
	p.SetState(proc.Waiting)
}

// SetWaiting transitions p into WAITING, linking it into the scheduler's
// list per spec.md 4.6's state-set policy. A no-op if p is already WAITING.
func SetWaiting(p *proc.Process) {
	lock.Acquire()
	defer lock.Release()
	if p.State() != proc.Waiting {
		waitLocked(p)
	}
}

// setNotWaitingLocked unlinks p from the WAITING ring if it is currently
// linked. Called with lock held.
func setNotWaitingLocked(p *proc.Process) {
	if p.State() == proc.Waiting {
		dequeueLocked(p)
	}
	if current == p {
		current = nil
	}
}

// SetBlocked transitions p to BLOCKED, unlinking it from the scheduler list
// if it was WAITING.
func SetBlocked(p *proc.Process) {
	lock.Acquire()
	defer lock.Release()
	setNotWaitingLocked(p)
	p.SetState(proc.Blocked)
}

// SetStopped transitions p to STOPPED, unlinking it from the scheduler list
// if it was WAITING.
func SetStopped(p *proc.Process) {
	lock.Acquire()
	defer lock.Release()
	setNotWaitingLocked(p)
	p.SetState(proc.Stopped)
}

// Terminate unlinks p from the scheduler list (if linked) and transitions it
// to TERMINATED with the given exit status, per spec.md 5's cancellation
// clause. p's memory space is released later, by proc.Reap.
func Terminate(p *proc.Process, status int32) {
	lock.Acquire()
	defer lock.Release()
	setNotWaitingLocked(p)
	p.Exit(status)
}

// Kill unlinks p from the scheduler list (if linked) and terminates it as
// the default action for sig, per spec.md 4.7's process_kill.
func Kill(p *proc.Process, sig signal.Num) {
	lock.Acquire()
	defer lock.Release()
	setNotWaitingLocked(p)
	p.Kill(sig)
}

// Current returns the RUNNING process, or nil if none is running.
func Current() *proc.Process {
	lock.Acquire()
	defer lock.Release()
	return current
}

// Tick runs spec.md 4.6's tick algorithm. prevFrame/prevRegs are the
// register snapshot the trap gate's common stub took of the process that
// was running when the timer interrupt fired; Tick records them onto that
// process before deciding whether to keep it running. It returns the
// process that should be RUNNING after this tick, or nil if none is
// runnable (the caller should halt the CPU).
func Tick(prevFrame *irq.Frame, prevRegs *irq.Regs) *proc.Process {
	lock.Acquire()
	defer lock.Release()

	prev := current
	if prev != nil {
		prev.Frame = *prevFrame
		prev.Regs = *prevRegs
		prev.SchedQuanta++
		if prev.SchedQuanta < quantumFor(prev) {
			return prev
		}
		waitLocked(prev)
	}

	return advanceLocked()
}

// advanceLocked implements the tick algorithm's steps 2-3: advance the
// cursor (the ring wraps on its own), dequeue the chosen node, reset its
// quantum counter and mark it RUNNING. Called with lock held.
func advanceLocked() *proc.Process {
	if cursor == nil {
		current = nil
		return nil
	}
	next := cursor
	dequeueLocked(next)
	next.SchedQuanta = 0
	next.SetState(proc.Running)
	current = next
	return next
}

// Switch performs spec.md 4.6's context-switch algorithm for p, which must
// already be the current RUNNING process (as returned by Tick). Before
// resuming, it delivers at most one queued signal per Open Question
// Decision 3: a process's signal.Queue is drained at this kernel-to-user
// boundary rather than at the moment the signal was raised. If the
// delivered signal's action is ActionTerminate, p is killed instead of
// resumed and Switch returns false so the caller re-enters the scheduler
// loop; otherwise it resumes p and never returns.
func Switch(p *proc.Process) bool {
	setKernelStackFn(p.KernelStackTop)
	activateSpaceFn(p)

	if num, ok := p.Signals.Pop(); ok {
		if p.Actions.Lookup(num) == signal.ActionTerminate {
			Kill(p, num)
			return false
		}
	}

	resumeFn(&p.Regs, &p.Frame, p.Syscalling)
	return true
}

// Bootstrap installs the scheduler's OOM-killer strategy into the buddy
// allocator. Called once during kernel initialization.
func Bootstrap() {
	buddy.OOMHandler = killWorstOffender
}

// killWorstOffender is buddy.OOMHandler: it picks the live process with the
// most resident pages and kills it, returning true so the caller retries
// its allocation. Returns false (nothing to do) if no killable process
// exists.
func killWorstOffender() bool {
	victim := pickVictim()
	if victim == nil {
		return false
	}
	Terminate(victim, oomExitStatus)
	return true
}

// pickVictim scans every live process other than the one currently running
// and returns the one with the largest memspace.Space.ResidentPages,
// skipping processes that are already TERMINATED.
//
// The running process is excluded on purpose: this hook executes inside
// buddy.Alloc with the buddy lock held, reached from an allocation that may
// itself be running with that very process's memspace.Space.lock held
// (materializeRange, AllocFixed, HandlePageFault's resolveLazyFault/
// resolveSharedFault all call the frame allocator while holding their
// Space's lock). residentPagesFn calls Space.ResidentPages, which acquires
// that same non-reentrant IRQSpinlock - including the running process here
// would self-deadlock in exactly that case. Every allocation in this kernel
// happens on behalf of the process currently scheduled on this CPU, so
// skipping it covers every call site; this stops being sufficient if a
// future caller ever allocates against a memspace.Space belonging to a
// process other than the one currently running.
func pickVictim() *proc.Process {
	running := Current()

	var worst *proc.Process
	var worstPages uint32

	for _, p := range allProcsFn() {
		if p.State() == proc.Terminated || p == running {
			continue
		}
		pages := residentPagesFn(p)
		if worst == nil || pages > worstPages {
			worst, worstPages = p, pages
		}
	}
	return worst
}
